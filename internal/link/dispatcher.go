package link

import (
	"log"
	"sync"
	"time"
)

// Metrics counts message traffic through the dispatcher.
type Metrics struct {
	MessagesReceived uint64    `json:"messagesReceived"`
	MessagesDropped  uint64    `json:"messagesDropped"`
	LastMessageTime  time.Time `json:"lastMessageTime"`
}

const (
	defaultRateCap = 100 // messages per sliding second
	queueDepth     = 256
)

// Dispatcher takes decoded messages off the read loop, rate-limits them
// over a sliding one-second window, and drains them sequentially (one
// message fully handled before the next) so downstream consumers see
// events in exactly the order the transport produced the bytes.
// Over-cap messages are dropped and counted, never queued or reordered.
type Dispatcher struct {
	tracker *ButtonTracker
	pending *pendingTable
	emitter *Emitter

	queue chan Message

	mu       sync.Mutex
	rateCap  int
	accepted []time.Time // arrival times inside the current window
	metrics  Metrics

	stop chan struct{}
	done chan struct{}
}

func newDispatcher(rateCap int, tracker *ButtonTracker, pending *pendingTable, emitter *Emitter) *Dispatcher {
	if rateCap <= 0 {
		rateCap = defaultRateCap
	}
	d := &Dispatcher{
		tracker: tracker,
		pending: pending,
		emitter: emitter,
		queue:   make(chan Message, queueDepth),
		rateCap: rateCap,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.drainLoop()
	return d
}

// Enqueue admits a message into the ordered queue, or drops it if the
// rate cap for the current window is exhausted.
func (d *Dispatcher) Enqueue(msg Message) {
	now := time.Now()

	d.mu.Lock()
	d.metrics.LastMessageTime = now

	// Slide the window: discard arrivals older than one second.
	cutoff := now.Add(-time.Second)
	keep := 0
	for _, t := range d.accepted {
		if t.After(cutoff) {
			d.accepted[keep] = t
			keep++
		}
	}
	d.accepted = d.accepted[:keep]

	if len(d.accepted) >= d.rateCap {
		d.metrics.MessagesDropped++
		d.mu.Unlock()
		return
	}
	d.accepted = append(d.accepted, now)
	d.mu.Unlock()

	select {
	case d.queue <- msg:
	default:
		// Queue saturated: count as a drop rather than block the
		// read loop or reorder survivors.
		d.mu.Lock()
		d.metrics.MessagesDropped++
		d.mu.Unlock()
	}
}

// Metrics returns a snapshot of the traffic counters.
func (d *Dispatcher) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}

func (d *Dispatcher) drainLoop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case msg := <-d.queue:
			d.handle(msg)
		}
	}
}

func (d *Dispatcher) handle(msg Message) {
	d.mu.Lock()
	d.metrics.MessagesReceived++
	d.mu.Unlock()

	switch msg.Kind {
	case MsgButtonPress:
		// A calibration button probe may be waiting on this press;
		// it still flows to the tracker as a normal press.
		d.pending.resolve(pressKey(msg.Button), msg)
		d.tracker.handlePress(msg)

	case MsgButtonRelease:
		d.tracker.handleRelease(msg)

	case MsgCalibrateResponse:
		if !d.pending.resolve(calKey(msg.OrigSendTime), msg) {
			log.Printf("[dispatch] unmatched calibrate response (orig=%d)", msg.OrigSendTime)
		}

	case MsgStatus:
		log.Printf("[dispatch] device status: batt=%.2fV temp=%.1fC uptime=%dms",
			msg.Battery, msg.TempC, msg.Uptime)

	case MsgError:
		log.Printf("[dispatch] device error: %s", msg.Text)
		d.emitter.emitError("device", msg.Text)

	case MsgDebug:
		log.Printf("[dispatch] device debug: %s", msg.Text)

	default:
		// Unknown or malformed line: log and drop, never fatal.
		log.Printf("[dispatch] unrecognized line: %q", msg.Raw)
	}
}

func (d *Dispatcher) Close() {
	close(d.stop)
	<-d.done
}
