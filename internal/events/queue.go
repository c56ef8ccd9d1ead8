// ABOUTME: Unbounded FIFO with a wake-up channel for single-consumer pumps
// ABOUTME: Producers never block; the consumer drains everything queued at once

package events

import "sync"

// Queue is an unbounded FIFO. Push never blocks. A single consumer waits on
// Ready and then calls Drain.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v and returns the number of pending items.
func (q *Queue[T]) Push(v T) int {
	q.mu.Lock()
	q.items = append(q.items, v)
	n := len(q.items)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return n
}

// Ready is signalled after a Push. It may fire once for several pushes.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.notify
}

// Drain removes and returns every pending item in push order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
