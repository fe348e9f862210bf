package session

import (
	"sync"

	"github.com/reframe-ai/reframe-voice/pkg/voice"
	"github.com/reframe-ai/reframe-voice/pkg/voice/events"
)

const DefaultQueueSize = 4096

// queue is the bounded outbound buffer of one session. It has a single
// consumer, so a 1-slot readiness channel is enough to wake it.
type queue struct {
	mu     sync.Mutex
	items  []events.Event
	limit  int
	closed bool
	ready  chan struct{}
}

func newQueue(limit int) *queue {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &queue{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *queue) push(ev events.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return voice.ErrSessionNotActive
	}
	if len(q.items) >= q.limit {
		return voice.ErrQueueOverflow
	}
	q.items = append(q.items, ev)
	q.signal()
	return nil
}

// closeWith appends final, ignoring the bound, and closes the queue.
// Items already queued remain readable.
func (q *queue) closeWith(final events.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if final != nil {
		q.items = append(q.items, final)
	}
	q.closed = true
	q.signal()
}

// clear drops everything queued and closes the queue.
func (q *queue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.closed = true
	q.signal()
}

// pop returns the oldest item. done is true once the queue is closed and empty.
func (q *queue) pop() (ev events.Event, ok, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		ev = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		return ev, true, false
	}
	return nil, false, q.closed
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
