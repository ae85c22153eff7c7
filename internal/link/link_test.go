package link

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffDelays(t *testing.T) {
	base := 2000 * time.Millisecond
	want := []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		32000 * time.Millisecond,
	}
	for i, w := range want {
		if got := backoffDelay(base, i+1); got != w {
			t.Errorf("attempt %d delay = %v, want %v", i+1, got, w)
		}
	}
	if def := (Config{}).withDefaults(); def.MaxReconnects != 5 {
		t.Errorf("default attempt cap = %d, want 5", def.MaxReconnects)
	}
}

func newSimLink(t *testing.T, sim SimConfig) *Link {
	t.Helper()
	l := New(Config{
		SettleDelay:   20 * time.Millisecond,
		ReconnectBase: 20 * time.Millisecond,
		Calibration: CalibratorConfig{
			Trials:        3,
			PingTimeout:   200 * time.Millisecond,
			ButtonTimeout: 500 * time.Millisecond,
		},
	}, SimFactory(sim))
	t.Cleanup(l.Close)
	return l
}

func TestLinkEndToEndWithSimBox(t *testing.T) {
	l := newSimLink(t, SimConfig{Latency: time.Millisecond, ButtonDelay: 5 * time.Millisecond, Seed: 1})

	var connects int32
	var calibrated atomic.Bool
	var presses int32
	l.Events().OnConnect(func(ci ConnectInfo) {
		if ci.Port != "sim0" {
			t.Errorf("connect port = %q", ci.Port)
		}
		atomic.AddInt32(&connects, 1)
	})
	l.Events().OnCalibrationComplete(func(res CalibrationResult) {
		if !res.Calibrated {
			t.Error("completion event carries uncalibrated result")
		}
		calibrated.Store(true)
	})
	l.Events().OnButtonPress(func(ButtonEvent) { atomic.AddInt32(&presses, 1) })

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if l.State() != StateConnected {
		t.Fatalf("state = %v", l.State())
	}
	if err := l.Connect(); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}

	waitFor(t, 5*time.Second, calibrated.Load)

	res := l.Calibration()
	if res.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", res.SampleCount)
	}
	if res.MeanLatencyMs <= 0 {
		t.Fatalf("latency = %f", res.MeanLatencyMs)
	}
	for i, bt := range res.ButtonResponseMs {
		if bt < 0 {
			t.Fatalf("button %d probe timed out", i)
		}
	}
	// The four button probes arrive as real presses too.
	if atomic.LoadInt32(&presses) < 4 {
		t.Fatalf("saw %d presses, want >= 4", presses)
	}
	if atomic.LoadInt32(&connects) != 1 {
		t.Fatalf("connect fired %d times", connects)
	}

	st := l.Status()
	if st.State != "connected" || st.Port != "sim0" {
		t.Fatalf("status = %+v", st)
	}
	if st.Metrics.MessagesReceived == 0 {
		t.Fatal("no inbound messages counted")
	}
}

func TestManualDisconnectNeverReconnects(t *testing.T) {
	l := newSimLink(t, SimConfig{Latency: time.Millisecond, ButtonDelay: 5 * time.Millisecond, Seed: 2})

	var connects int32
	var disconnects int32
	l.Events().OnConnect(func(ConnectInfo) { atomic.AddInt32(&connects, 1) })
	l.Events().OnDisconnect(func(di DisconnectInfo) {
		if di.Reason != "manual disconnect" {
			t.Errorf("reason = %q", di.Reason)
		}
		atomic.AddInt32(&disconnects, 1)
	})

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if l.State() != StateDisconnected {
		t.Fatalf("state = %v", l.State())
	}

	// Outwait several backoff periods: no automatic attempt may fire.
	time.Sleep(150 * time.Millisecond)
	if n := atomic.LoadInt32(&connects); n != 1 {
		t.Fatalf("connect fired %d times after manual disconnect", n)
	}
	if n := atomic.LoadInt32(&disconnects); n != 1 {
		t.Fatalf("disconnect fired %d times", n)
	}

	if err := l.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("second Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestReconnectBackoffExhaustion(t *testing.T) {
	var opens int32
	failing := func(Config) (Transport, string, error) {
		atomic.AddInt32(&opens, 1)
		return nil, "", ErrDeviceNotFound
	}

	l := New(Config{
		ReconnectBase: 5 * time.Millisecond,
		MaxReconnects: 3,
	}, failing)
	defer l.Close()

	var exhausted atomic.Bool
	l.Events().OnError(func(e ErrorInfo) {
		if e.Type == "connection" && strings.Contains(e.Message, "abandoned") {
			exhausted.Store(true)
		}
	})

	if err := l.Connect(); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Connect = %v, want ErrDeviceNotFound", err)
	}

	waitFor(t, 2*time.Second, exhausted.Load)

	// Initial attempt plus three automatic retries, then nothing.
	if n := atomic.LoadInt32(&opens); n != 4 {
		t.Fatalf("factory called %d times, want 4", n)
	}
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&opens); n != 4 {
		t.Fatalf("factory called again after exhaustion (%d)", n)
	}
	if l.State() != StateDisconnected {
		t.Fatalf("state = %v", l.State())
	}
}

func TestSendRequiresConnection(t *testing.T) {
	l := New(Config{}, SimFactory(SimConfig{}))
	defer l.Close()

	if err := l.SetLED(0, true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SetLED while disconnected = %v", err)
	}
	if err := l.SetLED(7, true); err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("out-of-range LED index = %v, want range error", err)
	}
	if err := l.Calibrate(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Calibrate while disconnected = %v", err)
	}
}
