// ============================================================================
// bootbaker work queue
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Function: blocking FIFO shared by one producer and N consumers
//
// Semantics:
//   Put(item)        - append, wakes every waiting consumer
//   Get(ctx, wait)   - pop the head; if empty, block up to wait
//   Close()          - no further Put; consumers drain what is left
//
// Get distinguishes two kinds of "nothing":
//   ErrNoItem  - the queue is open but stayed empty for the whole wait
//   ErrDrained - the queue is closed and empty, nothing will ever arrive
//
// Wakeups use a broadcast channel that is closed and replaced on every
// state change, so waiting consumers never miss a Put or a Close.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("queue is closed")
	// ErrNoItem is returned by Get when the wait window elapsed with the
	// queue still open and empty.
	ErrNoItem = errors.New("no item available")
	// ErrDrained is returned by Get once the queue is closed and empty.
	ErrDrained = errors.New("queue is drained")
)

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Enqueued int
	Dequeued int
	Pending  int
	Closed   bool
}

// Queue is a FIFO safe for concurrent use.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	changed  chan struct{}
	enqueued int
	dequeued int
}

// New returns an empty open queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{changed: make(chan struct{})}
}

// broadcast must be called with mu held.
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Put appends item.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.enqueued++
	q.broadcast()
	return nil
}

// Close stops further Puts. Items already queued are still delivered.
// Closing twice is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Get removes and returns the head of the queue, blocking up to wait for
// one to arrive. A non-positive wait polls once. A done ctx wins over a
// queued item, so nothing is handed out after cancellation.
func (q *Queue[T]) Get(ctx context.Context, wait time.Duration) (T, error) {
	var zero T
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.dequeued++
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrDrained
		}
		changed := q.changed
		q.mu.Unlock()

		if timeout == nil {
			return zero, ErrNoItem
		}
		select {
		case <-changed:
		case <-timeout:
			return zero, ErrNoItem
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns counters for the queue's lifetime.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Enqueued: q.enqueued, Dequeued: q.dequeued, Pending: len(q.items), Closed: q.closed}
}
