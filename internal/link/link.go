// Package link owns the serial connection to the response box used by
// the cognitive test batteries. It frames and parses the line protocol,
// calibrates out transmission latency, and publishes ordered,
// latency-compensated button events to the rest of the system.
package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the connection lifecycle of the link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrAlreadyConnected is returned by Connect when a connection is
	// live or already being established.
	ErrAlreadyConnected = errors.New("link: already connected or connecting")
	// ErrNotConnected is returned by operations that need a live transport.
	ErrNotConnected = errors.New("link: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("link: closed")
)

// Config holds link construction settings.
type Config struct {
	PortPath   string // explicit device path; empty means auto-detect only
	BaudRate   int    // default 115200
	AutoDetect bool   // prefer USB enumeration over PortPath

	SettleDelay   time.Duration // wait after open before INIT/calibration (default 1s)
	ReconnectBase time.Duration // first reconnect delay, doubles per attempt (default 2s)
	MaxReconnects int           // automatic attempts before giving up (default 5)

	RateCap     int // inbound messages per second (default 100)
	Calibration CalibratorConfig
}

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	return c
}

// TransportFactory produces a ready transport and the name of the port
// it opened. The serial factory is the default; tests and demo mode
// substitute their own.
type TransportFactory func(Config) (Transport, string, error)

// Link is the hardware input link. It exclusively owns the transport
// handle: every outbound command funnels through Send, so writes are
// never interleaved, and all inbound bytes flow from the read loop
// through the decoder and dispatcher to the emitter in arrival order.
type Link struct {
	cfg     Config
	factory TransportFactory

	emitter    *Emitter
	pending    *pendingTable
	tracker    *ButtonTracker
	calibrator *Calibrator
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // serializes transport writes

	mu             sync.Mutex
	state          State
	tr             Transport
	portName       string
	attempts       int
	manual         bool
	closed         bool
	reconnectTimer *time.Timer
	calTimer       *time.Timer
}

// New constructs a Link. A nil factory selects the real serial
// transport with USB auto-discovery.
func New(cfg Config, factory TransportFactory) *Link {
	cfg = cfg.withDefaults()
	if factory == nil {
		factory = serialFactory
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:     cfg,
		factory: factory,
		emitter: NewEmitter(),
		pending: newPendingTable(),
		ctx:     ctx,
		cancel:  cancel,
	}
	l.calibrator = newCalibrator(cfg.Calibration, l.Send, l.pending, l.emitter)
	l.tracker = newButtonTracker(l.emitter, l.calibrator.LatencyMs)
	l.dispatcher = newDispatcher(cfg.RateCap, l.tracker, l.pending, l.emitter)
	return l
}

// Events returns the subscription surface for collaborators.
func (l *Link) Events() *Emitter { return l.emitter }

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Port returns the path of the currently open port, if any.
func (l *Link) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portName
}

// Metrics returns dispatcher traffic counters.
func (l *Link) Metrics() Metrics { return l.dispatcher.Metrics() }

// Calibration returns the latest calibration result.
func (l *Link) Calibration() CalibrationResult { return l.calibrator.Result() }

// Status summarizes the link for monitoring surfaces.
type Status struct {
	State             string              `json:"state"`
	Port              string              `json:"port"`
	ReconnectAttempts int                 `json:"reconnectAttempts"`
	Metrics           Metrics             `json:"metrics"`
	Calibration       CalibrationResult   `json:"calibration"`
	PressCounts       [buttonCount]uint64 `json:"pressCounts"`
}

// Status returns a snapshot of the whole link.
func (l *Link) Status() Status {
	l.mu.Lock()
	state := l.state.String()
	port := l.portName
	attempts := l.attempts
	l.mu.Unlock()
	return Status{
		State:             state,
		Port:              port,
		ReconnectAttempts: attempts,
		Metrics:           l.dispatcher.Metrics(),
		Calibration:       l.calibrator.Result(),
		PressCounts:       l.tracker.PressCounts(),
	}
}

// Connect discovers and opens the transport, starts the read loop, and
// schedules calibration after a short settle delay. Fails fast if a
// connection is already live or in progress. On an open failure the
// link falls back to Disconnected and schedules an automatic retry
// while under the attempt cap.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.state = StateConnecting
	l.manual = false
	l.mu.Unlock()

	tr, port, err := l.factory(l.cfg)
	if err != nil {
		l.mu.Lock()
		l.state = StateDisconnected
		l.mu.Unlock()
		l.emitter.emitError("connection", err.Error())
		l.scheduleReconnect()
		return err
	}

	l.mu.Lock()
	l.tr = tr
	l.portName = port
	l.state = StateConnected
	l.attempts = 0
	l.mu.Unlock()

	l.tracker.resetSession()
	go l.readLoop(tr)

	log.Printf("[link] connected to %s at %d baud", port, l.cfg.BaudRate)
	l.emitter.emitConnect(ConnectInfo{Port: port})

	// Give the microcontroller time to finish its boot/reset before the
	// first command, then handshake and calibrate.
	l.mu.Lock()
	l.calTimer = time.AfterFunc(l.cfg.SettleDelay, l.startSession)
	l.mu.Unlock()
	return nil
}

// startSession runs once per connection after the settle delay.
func (l *Link) startSession() {
	if l.State() != StateConnected {
		return
	}
	if err := l.Send(cmdInit); err != nil {
		log.Printf("[link] init failed: %v", err)
		return
	}
	go func() {
		l.calibrator.Run(l.ctx)
		// Align the device clock once latency is known.
		if err := l.SyncClock(); err != nil {
			log.Printf("[link] clock sync failed: %v", err)
		}
	}()
}

// readLoop pulls raw bytes off the transport, reframes them, and feeds
// complete messages to the dispatcher. It is the only reader of the
// transport; it exits on the first real read error.
func (l *Link) readLoop(tr Transport) {
	var dec Decoder
	buf := make([]byte, 256)
	for {
		n, err := tr.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				l.dispatcher.Enqueue(ParseLine(line))
			}
		}
		if err != nil {
			l.handleTransportFailure(err)
			return
		}
		if n == 0 {
			// Poll timeout: bail out quickly if the link is shutting down.
			select {
			case <-l.ctx.Done():
				return
			default:
			}
		}
	}
}

// handleTransportFailure handles a mid-session loss of the transport:
// cleanup, disconnect event, bounded automatic reconnection. A failure
// that follows a manual disconnect or Close is expected and ignored.
func (l *Link) handleTransportFailure(err error) {
	l.mu.Lock()
	if l.closed || l.state != StateConnected {
		l.mu.Unlock()
		return
	}
	l.state = StateDisconnected
	tr := l.tr
	l.tr = nil
	if l.calTimer != nil {
		l.calTimer.Stop()
	}
	l.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	log.Printf("[link] transport failure: %v", err)
	l.emitter.emitError("transport", err.Error())
	l.emitter.emitDisconnect(DisconnectInfo{Reason: err.Error()})
	l.scheduleReconnect()
}

// scheduleReconnect arms the next automatic connection attempt with
// exponential backoff: base * 2^(attempt-1), capped at MaxReconnects
// attempts. Past the cap it surfaces a persistent error and stops;
// recovery is then up to a manual Connect.
func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	if l.closed || l.manual {
		l.mu.Unlock()
		return
	}
	l.attempts++
	attempt := l.attempts
	if attempt > l.cfg.MaxReconnects {
		l.mu.Unlock()
		log.Printf("[link] giving up after %d reconnect attempts", l.cfg.MaxReconnects)
		l.emitter.emitError("connection",
			fmt.Sprintf("reconnection abandoned after %d attempts; reconnect manually", l.cfg.MaxReconnects))
		return
	}
	delay := backoffDelay(l.cfg.ReconnectBase, attempt)
	l.reconnectTimer = time.AfterFunc(delay, func() {
		if err := l.Connect(); err != nil && !errors.Is(err, ErrAlreadyConnected) {
			log.Printf("[link] reconnect attempt %d failed: %v", attempt, err)
		}
	})
	l.mu.Unlock()
	log.Printf("[link] reconnect attempt %d/%d in %v", attempt, l.cfg.MaxReconnects, delay)
}

// backoffDelay doubles the base delay per attempt: attempt 1 waits the
// base, attempt n waits base * 2^(n-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt-1)
}

// Disconnect cleanly shuts the connection down on request: goodbye
// command, brief flush, forced close. A manual disconnect resets the
// retry budget and never triggers automatic reconnection.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.state != StateConnected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.manual = true
	l.attempts = 0
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
	}
	if l.calTimer != nil {
		l.calTimer.Stop()
	}
	tr := l.tr
	l.mu.Unlock()

	if err := l.Send(cmdDisconnect); err != nil {
		log.Printf("[link] goodbye failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let the goodbye flush out

	l.mu.Lock()
	l.state = StateDisconnected
	l.tr = nil
	l.mu.Unlock()
	tr.Close()

	log.Printf("[link] disconnected (manual)")
	l.emitter.emitDisconnect(DisconnectInfo{Reason: "manual disconnect"})
	return nil
}

// Close releases everything. The link cannot be reused afterwards.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	connected := l.state == StateConnected
	l.mu.Unlock()

	if connected {
		l.Disconnect()
	}
	l.cancel()
	l.dispatcher.Close()
	l.pending.Close()
}

// Send encodes and writes one command frame. It is the single write
// entry point for every component, so frames are never interleaved.
func (l *Link) Send(cmd string, fields ...string) error {
	l.mu.Lock()
	tr := l.tr
	ok := l.state == StateConnected
	l.mu.Unlock()
	if !ok || tr == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := tr.Write(EncodeCommand(cmd, fields...)); err != nil {
		return fmt.Errorf("link: write %s: %w", cmd, err)
	}
	return nil
}

// Calibrate re-runs the full calibration sequence, e.g. between test
// blocks or after a reconnect forced by the operator.
func (l *Link) Calibrate() error {
	if l.State() != StateConnected {
		return ErrNotConnected
	}
	go l.calibrator.Run(l.ctx)
	return nil
}

// SyncClock pushes the current host time to the device.
func (l *Link) SyncClock() error {
	return l.Send(cmdSyncClock, itoa64(time.Now().UnixMilli()))
}

// SetLED switches one button's LED, used by paradigms for stimulus cues.
func (l *Link) SetLED(idx int, on bool) error {
	if idx < 0 || idx >= buttonCount {
		return fmt.Errorf("link: led index %d out of range", idx)
	}
	if on {
		return l.Send(cmdLEDOn, itoa(idx))
	}
	return l.Send(cmdLEDOff, itoa(idx))
}

// ShowPattern plays a predefined LED pattern on the box.
func (l *Link) ShowPattern(id int) error { return l.Send(cmdPattern, itoa(id)) }

// ShowIcon renders a named icon on the box display.
func (l *Link) ShowIcon(name string) error { return l.Send(cmdIcon, name) }

// ClearDisplay blanks the box display and all LEDs.
func (l *Link) ClearDisplay() error { return l.Send(cmdClear) }

// SetPixel sets one display pixel to the given brightness.
func (l *Link) SetPixel(x, y, brightness int) error {
	return l.Send(cmdPixel, itoa(x), itoa(y), itoa(brightness))
}
