package link

import (
	"testing"
	"time"
)

func newTestTracker(latencyMs float64) (*ButtonTracker, *Emitter) {
	emitter := NewEmitter()
	tracker := newButtonTracker(emitter, func() float64 { return latencyMs })
	return tracker, emitter
}

func TestPressReleasePairing(t *testing.T) {
	tracker, emitter := newTestTracker(0)

	var events []ButtonEvent
	emitter.OnButtonPress(func(ev ButtonEvent) { events = append(events, ev) })
	emitter.OnButtonRelease(func(ev ButtonEvent) { events = append(events, ev) })

	tracker.handlePress(Message{Kind: MsgButtonPress, Button: 1, DeviceTime: 1000})
	time.Sleep(10 * time.Millisecond)
	tracker.handleRelease(Message{Kind: MsgButtonRelease, Button: 1, DeviceTime: 1010, DeviceHold: 10})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	press, release := events[0], events[1]
	if press.Kind != "press" || release.Kind != "release" {
		t.Fatalf("kinds = %s, %s", press.Kind, release.Kind)
	}
	if release.HoldDuration < 0 {
		t.Fatalf("hold duration %d < 0", release.HoldDuration)
	}
	if release.Anomaly {
		t.Fatal("paired release flagged as anomaly")
	}
	if release.DeviceHold != 10 {
		t.Fatalf("device hold = %d", release.DeviceHold)
	}
	if tracker.Pressed(1) {
		t.Fatal("button still marked pressed after release")
	}
}

func TestOrphanReleaseStillEmitted(t *testing.T) {
	tracker, emitter := newTestTracker(0)

	var got *ButtonEvent
	emitter.OnButtonRelease(func(ev ButtonEvent) { got = &ev })

	tracker.handleRelease(Message{Kind: MsgButtonRelease, Button: 3, DeviceTime: 500, DeviceHold: 120})

	if got == nil {
		t.Fatal("orphan release was not emitted")
	}
	if !got.Anomaly {
		t.Fatal("orphan release not flagged as anomaly")
	}
	if got.HoldDuration != 0 {
		t.Fatalf("orphan hold duration = %d, want 0", got.HoldDuration)
	}
}

func TestDoublePressNoDeduplication(t *testing.T) {
	tracker, emitter := newTestTracker(0)

	var presses []ButtonEvent
	emitter.OnButtonPress(func(ev ButtonEvent) { presses = append(presses, ev) })

	tracker.handlePress(Message{Kind: MsgButtonPress, Button: 0, DeviceTime: 1000})
	tracker.handlePress(Message{Kind: MsgButtonPress, Button: 0, DeviceTime: 1050})

	if len(presses) != 2 {
		t.Fatalf("got %d press events, want 2", len(presses))
	}
	if counts := tracker.PressCounts(); counts[0] != 2 {
		t.Fatalf("press count = %d, want 2", counts[0])
	}
}

func TestLatencyCompensation(t *testing.T) {
	tracker, emitter := newTestTracker(5.5)

	var got *ButtonEvent
	emitter.OnButtonPress(func(ev ButtonEvent) { got = &ev })

	tracker.handlePress(Message{Kind: MsgButtonPress, Button: 2, DeviceTime: 42})

	if got == nil {
		t.Fatal("no press event")
	}
	want := float64(got.RawTimestamp) - 5.5
	if got.Compensated != want {
		t.Fatalf("compensated = %f, want %f", got.Compensated, want)
	}
	if got.Compensated > float64(got.RawTimestamp) {
		t.Fatal("compensated timestamp exceeds raw timestamp")
	}
	if got.DeviceTime != 42 {
		t.Fatalf("device time = %d", got.DeviceTime)
	}
}

func TestUncalibratedCompensationIsZero(t *testing.T) {
	tracker, emitter := newTestTracker(0)

	var got *ButtonEvent
	emitter.OnButtonPress(func(ev ButtonEvent) { got = &ev })

	tracker.handlePress(Message{Kind: MsgButtonPress, Button: 0, DeviceTime: 1})
	if got.Compensated != float64(got.RawTimestamp) {
		t.Fatal("uncalibrated press should pass its raw timestamp through")
	}
}
