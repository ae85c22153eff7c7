package link

import (
	"sync"
	"time"
)

// ButtonEvent is a single latency-compensated press or release handed to
// subscribers. Ownership passes to the subscriber; the link keeps no
// event history.
type ButtonEvent struct {
	Button int    `json:"button"` // 0..3
	Kind   string `json:"kind"`   // "press" or "release"

	RawTimestamp    int64   `json:"rawTimestamp"`    // host ms when the message was handled
	Compensated     float64 `json:"compensated"`     // rawTimestamp minus calibrated latency
	DeviceTime      int64   `json:"deviceTime"`      // device millis at the physical event
	SessionRelative int64   `json:"sessionRelative"` // ms since the session started

	// Release only. HoldDuration is host-paired (release minus matching
	// press); DeviceHold is the device's own measurement.
	HoldDuration int64 `json:"holdDuration,omitempty"`
	DeviceHold   int64 `json:"deviceHold,omitempty"`

	// Anomaly marks a release that arrived with no unmatched press on
	// record. It is still emitted; consumers decide how to flag it.
	Anomaly bool `json:"anomaly,omitempty"`
}

const buttonCount = 4

// ButtonTracker maintains press/release state for the four response
// buttons, pairs releases with presses, and applies latency compensation
// to every outbound timestamp.
type ButtonTracker struct {
	emitter *Emitter

	// latencyMs returns the current calibrated one-way latency, or 0
	// before the first calibration finishes.
	latencyMs func() float64

	mu           sync.Mutex
	pressed      [buttonCount]bool
	pressCount   [buttonCount]uint64
	lastPress    [buttonCount]int64 // host ms
	lastRelease  [buttonCount]int64 // host ms
	sessionStart int64
}

func newButtonTracker(emitter *Emitter, latencyMs func() float64) *ButtonTracker {
	return &ButtonTracker{
		emitter:      emitter,
		latencyMs:    latencyMs,
		sessionStart: time.Now().UnixMilli(),
	}
}

// resetSession re-zeroes the session-relative clock. Called on each
// successful connection.
func (t *ButtonTracker) resetSession() {
	t.mu.Lock()
	t.sessionStart = time.Now().UnixMilli()
	t.mu.Unlock()
}

// PressCounts returns per-button press totals.
func (t *ButtonTracker) PressCounts() [buttonCount]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pressCount
}

// Pressed reports whether button idx is currently held.
func (t *ButtonTracker) Pressed(idx int) bool {
	if idx < 0 || idx >= buttonCount {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pressed[idx]
}

func (t *ButtonTracker) handlePress(msg Message) {
	now := time.Now().UnixMilli()
	latency := t.latencyMs()

	t.mu.Lock()
	idx := msg.Button
	// Repeated presses without a release are counted independently;
	// the test paradigms care about every physical actuation.
	t.pressed[idx] = true
	t.pressCount[idx]++
	t.lastPress[idx] = now
	session := now - t.sessionStart
	t.mu.Unlock()

	t.emitter.emitButtonPress(ButtonEvent{
		Button:          idx,
		Kind:            "press",
		RawTimestamp:    now,
		Compensated:     float64(now) - latency,
		DeviceTime:      msg.DeviceTime,
		SessionRelative: session,
	})
}

func (t *ButtonTracker) handleRelease(msg Message) {
	now := time.Now().UnixMilli()
	latency := t.latencyMs()

	t.mu.Lock()
	idx := msg.Button
	anomaly := !t.pressed[idx]
	var hold int64
	if !anomaly {
		hold = now - t.lastPress[idx]
	}
	t.pressed[idx] = false
	t.lastRelease[idx] = now
	session := now - t.sessionStart
	t.mu.Unlock()

	t.emitter.emitButtonRelease(ButtonEvent{
		Button:          idx,
		Kind:            "release",
		RawTimestamp:    now,
		Compensated:     float64(now) - latency,
		DeviceTime:      msg.DeviceTime,
		SessionRelative: session,
		HoldDuration:    hold,
		DeviceHold:      msg.DeviceHold,
		Anomaly:         anomaly,
	})
}
