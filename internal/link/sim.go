package link

import (
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// SimConfig tunes the simulated response box.
type SimConfig struct {
	Latency     time.Duration // simulated one-way transmission delay
	ButtonDelay time.Duration // how fast the "participant" answers a probe
	AutoPress   bool          // generate spontaneous presses (demo mode)
	Seed        int64
}

// SimBox is an in-memory response box behind the Transport interface.
// It answers calibration pings with a realistic round trip, responds to
// button probes, and in demo mode produces spontaneous presses, so the
// whole stack runs with no hardware attached.
type SimBox struct {
	cfg   SimConfig
	start time.Time
	rng   *rand.Rand

	out      chan []byte // device to host frames
	leftover []byte

	mu     sync.Mutex
	dec    Decoder // reassembles host to device lines
	muted  bool    // set after DISCONNECT
	closed bool
	done   chan struct{}
}

// NewSimBox creates a simulated box ready for Read/Write.
func NewSimBox(cfg SimConfig) *SimBox {
	if cfg.Latency <= 0 {
		cfg.Latency = 3 * time.Millisecond
	}
	if cfg.ButtonDelay <= 0 {
		cfg.ButtonDelay = 120 * time.Millisecond
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	s := &SimBox{
		cfg:   cfg,
		start: time.Now(),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		out:   make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	if cfg.AutoPress {
		go s.autoPressLoop()
	}
	return s
}

// SimFactory returns a TransportFactory that hands out a fresh SimBox
// per connection, for demo mode and tests.
func SimFactory(cfg SimConfig) TransportFactory {
	return func(Config) (Transport, string, error) {
		return NewSimBox(cfg), "sim0", nil
	}
}

func (s *SimBox) deviceMillis() int64 {
	return time.Since(s.start).Milliseconds()
}

// Read blocks until device output is available or the box is closed.
func (s *SimBox) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	select {
	case frame := <-s.out:
		n := copy(p, frame)
		s.leftover = frame[n:]
		return n, nil
	case <-s.done:
		return 0, io.EOF
	}
}

// Write accepts host commands and schedules the box's replies.
func (s *SimBox) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	lines := s.dec.Feed(p)
	s.mu.Unlock()

	for _, line := range lines {
		s.handleCommand(line)
	}
	return len(p), nil
}

func (s *SimBox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *SimBox) handleCommand(line string) {
	cmd := line
	rest := ""
	if i := strings.IndexByte(line, ':'); i >= 0 {
		cmd, rest = line[:i], line[i+1:]
	}

	switch cmd {
	case cmdInit:
		s.emitAfter(s.cfg.Latency, "DEBUG:sim firmware 1.2.0 ready")
		s.emitAfter(s.cfg.Latency, "STATUS:4.02:24.5:"+itoa64(s.deviceMillis()))

	case cmdCalibratePing:
		// Echo after a full simulated round trip.
		sendTime := rest
		s.emitAfter(2*s.cfg.Latency, "CALIBRATE_RESPONSE:"+sendTime+":"+itoa64(s.deviceMillis()))

	case cmdTestButton:
		idx := rest
		delay := s.cfg.ButtonDelay + time.Duration(s.rng.Intn(20))*time.Millisecond
		s.emitAfter(delay, "BTN_PRESS:"+idx+":"+itoa64(s.deviceMillis()))
		s.emitAfter(delay+60*time.Millisecond, "BTN_RELEASE:"+idx+":"+itoa64(s.deviceMillis())+":60")

	case cmdSyncClock:
		s.emitAfter(s.cfg.Latency, "DEBUG:clock synced to "+rest)

	case cmdDisconnect:
		s.mu.Lock()
		s.muted = true
		s.mu.Unlock()

	case cmdLEDOn, cmdLEDOff, cmdPattern, cmdIcon, cmdClear, cmdPixel:
		// Display-only commands have no reply.
	}
}

// emitAfter queues one device line after a delay, unless the box has
// been told goodbye or closed in the meantime.
func (s *SimBox) emitAfter(d time.Duration, line string) {
	time.AfterFunc(d, func() {
		s.mu.Lock()
		muted := s.muted || s.closed
		s.mu.Unlock()
		if muted {
			return
		}
		select {
		case s.out <- []byte(line + "\n"):
		case <-s.done:
		default:
			// Host is not draining; drop, like a saturated UART.
		}
	})
}

// autoPressLoop produces spontaneous button activity for demo sessions.
func (s *SimBox) autoPressLoop() {
	for {
		pause := time.Duration(500+s.rng.Intn(2000)) * time.Millisecond
		select {
		case <-s.done:
			return
		case <-time.After(pause):
		}
		idx := itoa(s.rng.Intn(buttonCount))
		hold := 40 + s.rng.Intn(300)
		s.emitAfter(0, "BTN_PRESS:"+idx+":"+itoa64(s.deviceMillis()))
		s.emitAfter(time.Duration(hold)*time.Millisecond,
			"BTN_RELEASE:"+idx+":"+itoa64(s.deviceMillis()+int64(hold))+":"+itoa(hold))
	}
}
