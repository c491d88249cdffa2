// Inter-thread message queues.
//
// A Queue is a FIFO with an optional bound and a drain callback.
// Enqueue blocks while the queue is full; the priority variant prepends
// and ignores the bound. Dequeue blocks with an optional timeout; a
// zero timeout polls without waiting. Closing fails new enqueues with
// no-rsc and lets consumers drain what is left; Shutdown instead hands
// every pending message to the drain callback.
package task

import (
	"container/list"
	"sync"
	"time"

	"github.com/toschoo/nowdb/pkg/errs"
)

// Forever blocks a dequeue until a message or close arrives.
const Forever time.Duration = -1

// Queue is a bounded or unbounded FIFO.
type Queue[T any] struct {
	mu       sync.Mutex
	items    *list.List
	bound    int // <= 0: unbounded
	closed   bool
	drain    func(T)
	nonEmpty chan struct{}
	nonFull  chan struct{}
}

// NewQueue creates a queue. A bound <= 0 means unbounded. The drain
// callback receives pending messages on Shutdown; it may be nil.
func NewQueue[T any](bound int, drain func(T)) *Queue[T] {
	return &Queue[T]{
		items:    list.New(),
		bound:    bound,
		drain:    drain,
		nonEmpty: make(chan struct{}),
		nonFull:  make(chan struct{}),
	}
}

func (q *Queue[T]) signal(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// Enqueue appends a message, blocking while the queue is full.
func (q *Queue[T]) Enqueue(msg T) *errs.Error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return errs.New(errs.NoRsc, "queue", "closed")
		}
		if q.bound <= 0 || q.items.Len() < q.bound {
			break
		}
		wait := q.nonFull
		q.mu.Unlock()
		<-wait
		q.mu.Lock()
	}
	q.items.PushBack(msg)
	q.signal(&q.nonEmpty)
	q.mu.Unlock()
	return nil
}

// EnqueuePrio prepends a message even when the queue is full.
func (q *Queue[T]) EnqueuePrio(msg T) *errs.Error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errs.New(errs.NoRsc, "queue", "closed")
	}
	q.items.PushFront(msg)
	q.signal(&q.nonEmpty)
	return nil
}

// Dequeue removes the oldest message. With timeout Forever it blocks
// until a message or close arrives; with timeout 0 it polls; otherwise
// it waits at most the given duration and fails with timeout.
// A closed and empty queue fails with no-rsc.
func (q *Queue[T]) Dequeue(timeout time.Duration) (T, *errs.Error) {
	var zero T
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		q.mu.Lock()
		if e := q.items.Front(); e != nil {
			q.items.Remove(e)
			q.signal(&q.nonFull)
			q.mu.Unlock()
			return e.Value.(T), nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, errs.New(errs.NoRsc, "queue", "closed")
		}
		if timeout == 0 {
			q.mu.Unlock()
			return zero, errs.New(errs.Timeout, "queue", "")
		}
		wait := q.nonEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			return zero, errs.New(errs.Timeout, "queue", "")
		}
	}
}

// Len returns the number of pending messages.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops new enqueues. Pending messages remain dequeueable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.signal(&q.nonEmpty)
	q.signal(&q.nonFull)
	q.mu.Unlock()
}

// Shutdown closes the queue and drains all pending messages through
// the drain callback.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	q.closed = true
	var pending []T
	for e := q.items.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(T))
	}
	q.items.Init()
	q.signal(&q.nonEmpty)
	q.signal(&q.nonFull)
	q.mu.Unlock()

	if q.drain != nil {
		for _, msg := range pending {
			q.drain(msg)
		}
	}
}
