package heartbeat

import (
	"sync"
	"time"
)

// Wake is a request for the turn engine to run.
type Wake struct {
	Reason string
	At     time.Time
}

// WakeQueue is the bounded buffer between scheduler tasks and the turn
// engine. Pushing a reason identical to the most recently queued one
// coalesces into it; when full, new wakes are dropped (the engine is already
// far behind, and the minimum-interval trigger guarantees it runs anyway).
type WakeQueue struct {
	mu     sync.Mutex
	queue  []Wake
	cap    int
	notify chan struct{}
}

// NewWakeQueue returns a queue holding at most capacity entries.
func NewWakeQueue(capacity int) *WakeQueue {
	if capacity <= 0 {
		capacity = 32
	}
	return &WakeQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Push appends a wake entry unless it coalesces or the queue is full.
// Returns whether the entry was queued (a coalesced push counts as queued).
func (q *WakeQueue) Push(reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.queue); n > 0 && q.queue[n-1].Reason == reason {
		q.signal()
		return true
	}
	if len(q.queue) >= q.cap {
		return false
	}
	q.queue = append(q.queue, Wake{Reason: reason, At: time.Now().UTC()})
	q.signal()
	return true
}

// Pop removes and returns the oldest wake entry.
func (q *WakeQueue) Pop() (Wake, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return Wake{}, false
	}
	w := q.queue[0]
	q.queue = q.queue[1:]
	return w, true
}

// Len returns the number of queued wakes.
func (q *WakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Notify returns a channel that receives a signal when the queue becomes
// non-empty. At most one signal is buffered.
func (q *WakeQueue) Notify() <-chan struct{} { return q.notify }

func (q *WakeQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
