// Package queue provides the in-memory FIFO hand-off between pipeline stages.
package queue

import (
	"context"
	"sync"
)

// FIFO is a first-in first-out queue safe for concurrent producers and
// consumers. With capacity <= 0 it is unbounded; otherwise Push blocks while
// the queue is full.
type FIFO[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	// notEmpty and notFull are replaced (closed) on every state change so
	// waiters can select on them together with ctx.Done().
	notEmpty chan struct{}
	notFull  chan struct{}
}

// New creates a FIFO. capacity <= 0 means unbounded.
func New[T any](capacity int) *FIFO[T] {
	return &FIFO[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Push appends v, waiting for room when the queue is bounded and full.
func (q *FIFO[T]) Push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.items = append(q.items, v)
			close(q.notEmpty)
			q.notEmpty = make(chan struct{})
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Pop removes and returns the oldest item, blocking until one is available
// or ctx is done.
func (q *FIFO[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			close(q.notFull)
			q.notFull = make(chan struct{})
			q.mu.Unlock()
			return v, nil
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
