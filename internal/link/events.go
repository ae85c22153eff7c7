package link

import (
	"log"
	"sync"
)

// ConnectInfo accompanies the connect event.
type ConnectInfo struct {
	Port string `json:"port"`
}

// DisconnectInfo accompanies the disconnect event.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// ErrorInfo accompanies the error event. Every failure kind (connection,
// protocol, calibration, transport, device-reported) flows through this
// single channel so consumers can display state without knowing the
// link's internals.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// observerList is an ordered list of handlers for one event kind.
// Dispatch is synchronous and in registration order; a panicking handler
// is recovered and logged so the remaining handlers still run.
type observerList[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []observerEntry[T]
}

type observerEntry[T any] struct {
	id int
	fn func(T)
}

func (l *observerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, observerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}
}

func (l *observerList[T]) emit(v T) {
	// Snapshot under the lock, invoke outside it: handlers may
	// subscribe/unsubscribe during dispatch without deadlocking.
	l.mu.Lock()
	snap := make([]observerEntry[T], len(l.entries))
	copy(snap, l.entries)
	l.mu.Unlock()

	for _, e := range snap {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] subscriber panic: %v", r)
				}
			}()
			e.fn(v)
		}()
	}
}

// Emitter is the link's publish/subscribe surface. There is one typed
// channel per event kind rather than a string-keyed handler map, so a
// subscriber can never attach to a misspelled event. Each On* call
// returns an unsubscribe func.
type Emitter struct {
	connect             observerList[ConnectInfo]
	disconnect          observerList[DisconnectInfo]
	buttonPress         observerList[ButtonEvent]
	buttonRelease       observerList[ButtonEvent]
	calibrationComplete observerList[CalibrationResult]
	errors              observerList[ErrorInfo]
}

// NewEmitter constructs an empty Emitter.
func NewEmitter() *Emitter { return &Emitter{} }

// OnConnect subscribes to successful connections.
func (e *Emitter) OnConnect(fn func(ConnectInfo)) func() { return e.connect.add(fn) }

// OnDisconnect subscribes to connection loss (manual or failure).
func (e *Emitter) OnDisconnect(fn func(DisconnectInfo)) func() { return e.disconnect.add(fn) }

// OnButtonPress subscribes to latency-compensated press events.
func (e *Emitter) OnButtonPress(fn func(ButtonEvent)) func() { return e.buttonPress.add(fn) }

// OnButtonRelease subscribes to latency-compensated release events.
func (e *Emitter) OnButtonRelease(fn func(ButtonEvent)) func() { return e.buttonRelease.add(fn) }

// OnCalibrationComplete subscribes to finished calibration runs.
func (e *Emitter) OnCalibrationComplete(fn func(CalibrationResult)) func() {
	return e.calibrationComplete.add(fn)
}

// OnError subscribes to the unified error channel.
func (e *Emitter) OnError(fn func(ErrorInfo)) func() { return e.errors.add(fn) }

func (e *Emitter) emitConnect(v ConnectInfo)       { e.connect.emit(v) }
func (e *Emitter) emitDisconnect(v DisconnectInfo) { e.disconnect.emit(v) }
func (e *Emitter) emitButtonPress(v ButtonEvent)   { e.buttonPress.emit(v) }
func (e *Emitter) emitButtonRelease(v ButtonEvent) { e.buttonRelease.emit(v) }

func (e *Emitter) emitCalibrationDone(v CalibrationResult) { e.calibrationComplete.emit(v) }

func (e *Emitter) emitError(typ, msg string) {
	e.errors.emit(ErrorInfo{Type: typ, Message: msg})
}
