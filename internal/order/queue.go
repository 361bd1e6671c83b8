package order

import "context"

// Queue buffers work items between the trigger evaluator and the executor.
type Queue[T any] struct {
	ch chan T
}

func NewQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 100
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Enqueue blocks until there is room or ctx is done.
func (q *Queue[T]) Enqueue(ctx context.Context, v T) bool {
	select {
	case q.ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// Len is the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Drain consumes items with a handler until context is canceled.
func (q *Queue[T]) Drain(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-q.ch:
			if !ok {
				return
			}
			handler(v)
		}
	}
}
