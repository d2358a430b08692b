// Package memory provides a bounded in-process work queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by TryEnqueue when no capacity is left.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes an item without blocking.
func (q *Queue[T]) TryEnqueue(item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return zero, ErrClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue. Items still buffered stay available to Drain.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Drain removes and returns every buffered item without blocking.
func (q *Queue[T]) Drain() []T {
	var items []T
	for {
		select {
		case item := <-q.ch:
			items = append(items, item)
		default:
			return items
		}
	}
}
