package piecesync

import (
	"sync"
	"time"

	"github.com/Durchex/piecesync/schema"
)

// EventQueue is the listener's in-memory FIFO. New events go through a
// bounded channel so a push never blocks the subscription; events waiting
// for a retry sit in a separate list until their NotBefore passes.
type EventQueue struct {
	incoming chan schema.QueuedEvent

	lock   sync.Mutex
	retry  []schema.QueuedEvent
	queued map[string]struct{}
}

func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = schema.DefaultQueueSize
	}
	return &EventQueue{
		incoming: make(chan schema.QueuedEvent, size),
		queued:   make(map[string]struct{}),
	}
}

// Push enqueues ev without blocking. It returns false when an event with the
// same key is already queued and schema.ErrQueueFull when the buffer is full.
func (q *EventQueue) Push(ev schema.QueuedEvent) (bool, error) {
	key := ev.Key()
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.queued[key]; ok {
		return false, nil
	}
	select {
	case q.incoming <- ev:
		q.queued[key] = struct{}{}
		return true, nil
	default:
		return false, schema.ErrQueueFull
	}
}

// Retry parks ev until ev.NotBefore.
func (q *EventQueue) Retry(ev schema.QueuedEvent) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.queued[ev.Key()] = struct{}{}
	q.retry = append(q.retry, ev)
}

// Due pops every event that may be processed at now: retries whose delay
// elapsed, then newly arrived events in arrival order.
func (q *EventQueue) Due(now time.Time) []schema.QueuedEvent {
	q.lock.Lock()
	defer q.lock.Unlock()

	res := make([]schema.QueuedEvent, 0, len(q.incoming)+len(q.retry))
	waiting := q.retry[:0]
	for _, ev := range q.retry {
		if ev.NotBefore.After(now) {
			waiting = append(waiting, ev)
			continue
		}
		res = append(res, ev)
	}
	q.retry = waiting

	for n := len(q.incoming); n > 0; n-- {
		res = append(res, <-q.incoming)
	}
	for _, ev := range res {
		delete(q.queued, ev.Key())
	}
	return res
}

func (q *EventQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.incoming) + len(q.retry)
}

func (q *EventQueue) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()
	for n := len(q.incoming); n > 0; n-- {
		<-q.incoming
	}
	q.retry = nil
	q.queued = make(map[string]struct{})
}

// backoff returns the delay after the n-th failed attempt.
func backoff(base time.Duration, n int) time.Duration {
	return base * time.Duration(1<<uint(n))
}
