package ingest

import (
	"context"
	"sync/atomic"
)

// Queue is a bounded, non-blocking queue with an atomic depth gauge so the
// diagnostics endpoint can read queue pressure without locking. Enqueue
// never blocks: the dispatcher spills to the overflow log when a queue is
// full instead of stalling the transport callback.
type Queue[T any] struct {
	ch       chan T
	depth    atomic.Int64
	capacity int
}

// NewQueue creates a Queue backed by a buffered channel of the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
	}
}

// TryEnqueue attempts a non-blocking send of item onto the queue.
// Returns true on success, false if the queue is full.
func (q *Queue[T]) TryEnqueue(item T) bool {
	select {
	case q.ch <- item:
		q.depth.Add(1)
		return true
	default:
		return false
	}
}

// Dequeue blocks until an item is available or ctx is cancelled.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool) {
	select {
	case item := <-q.ch:
		q.depth.Add(-1)
		return item, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// TryDequeue performs a non-blocking receive, used by the final drain on
// shutdown.
func (q *Queue[T]) TryDequeue() (T, bool) {
	select {
	case item := <-q.ch:
		q.depth.Add(-1)
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Chan returns the read-only channel for consumers that prefer a select
// loop and will call MarkDequeued themselves.
func (q *Queue[T]) Chan() <-chan T {
	return q.ch
}

// MarkDequeued decrements the depth counter. Call this after receiving
// from Chan() if not using Dequeue().
func (q *Queue[T]) MarkDequeued() {
	q.depth.Add(-1)
}

// Depth returns the current number of enqueued items not yet consumed.
func (q *Queue[T]) Depth() int {
	return int(q.depth.Load())
}

// Capacity returns the maximum number of items the queue can hold.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}
