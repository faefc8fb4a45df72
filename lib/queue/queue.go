package queue

import "errors"

var ErrEmpty = errors.New("queue is empty")

// FIFO is an unbounded first-in-first-out queue.
// It is not safe for concurrent use.
type FIFO[T any] struct {
	items []T
}

func NewFIFO[T any](initialCap uint) *FIFO[T] {
	return &FIFO[T]{items: make([]T, 0, initialCap)}
}

func (q *FIFO[T]) Enqueue(v T) {
	q.items = append(q.items, v)
}

func (q *FIFO[T]) Dequeue() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmpty
	}

	v := q.items[0]
	q.items = q.items[1:]

	return v, nil
}

func (q *FIFO[T]) Peek() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmpty
	}
	return q.items[0], nil
}

func (q *FIFO[T]) Len() uint {
	return uint(len(q.items))
}

// Drain dequeues every element, returning them in FIFO order.
func (q *FIFO[T]) Drain() []T {
	items := q.items
	q.items = nil
	return items
}

// Snapshot returns a copy of the queued elements in FIFO order,
// leaving the queue untouched.
func (q *FIFO[T]) Snapshot() []T {
	return append([]T(nil), q.items...)
}
