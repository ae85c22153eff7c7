package link

import (
	"sync"
	"time"
)

// pendingResult is delivered to a waiter when its request is answered or
// its deadline expires.
type pendingResult struct {
	msg      Message
	timedOut bool
}

// pendingTable tracks in-flight request/response pairs by correlation
// key. One periodic sweep resolves expired entries as timeouts instead
// of one bespoke timer per call site, so a waiter can never hang.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]*pendingWaiter
	stop    chan struct{}
	done    chan struct{}
}

type pendingWaiter struct {
	ch       chan pendingResult
	deadline time.Time
}

const sweepInterval = 10 * time.Millisecond

func newPendingTable() *pendingTable {
	t := &pendingTable{
		waiters: make(map[string]*pendingWaiter),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// await registers a waiter under key and returns its result channel.
// The channel receives exactly once: the matching message, or a timeout
// result once the deadline passes. Registering a key twice replaces the
// earlier waiter with a timeout.
func (t *pendingTable) await(key string, timeout time.Duration) <-chan pendingResult {
	w := &pendingWaiter{
		ch:       make(chan pendingResult, 1),
		deadline: time.Now().Add(timeout),
	}
	t.mu.Lock()
	if old, ok := t.waiters[key]; ok {
		old.ch <- pendingResult{timedOut: true}
	}
	t.waiters[key] = w
	t.mu.Unlock()
	return w.ch
}

// resolve delivers msg to the waiter registered under key, if any.
func (t *pendingTable) resolve(key string, msg Message) bool {
	t.mu.Lock()
	w, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- pendingResult{msg: msg}
	return true
}

func (t *pendingTable) sweepLoop() {
	defer close(t.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			// Release anyone still waiting so shutdown never blocks.
			t.expireAll()
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for key, w := range t.waiters {
				if now.After(w.deadline) {
					delete(t.waiters, key)
					w.ch <- pendingResult{timedOut: true}
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *pendingTable) expireAll() {
	t.mu.Lock()
	for key, w := range t.waiters {
		delete(t.waiters, key)
		w.ch <- pendingResult{timedOut: true}
	}
	t.mu.Unlock()
}

func (t *pendingTable) Close() {
	close(t.stop)
	<-t.done
}
