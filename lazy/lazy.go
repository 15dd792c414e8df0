// Package lazy provides single-assignment values computed at most once and
// shared by every caller.
package lazy

import (
	"context"
	"sync"
)

// Value holds the result of a computation started by the first Get.
// Concurrent and later callers wait for and observe the same result or error.
// A failed computation is never retried.
type Value[T any] struct {
	once    sync.Once
	done    chan struct{}
	compute func(ctx context.Context) (T, error)

	val T
	err error
}

func New[T any](compute func(ctx context.Context) (T, error)) *Value[T] {
	return &Value[T]{
		done:    make(chan struct{}),
		compute: compute,
	}
}

// Resolved returns a Value that already holds v.
func Resolved[T any](v T) *Value[T] {
	l := &Value[T]{done: make(chan struct{}), val: v}
	l.once.Do(func() { close(l.done) })
	return l
}

// Get starts the computation if needed and waits for its result. The
// computation is detached from ctx cancellation; ctx only bounds the wait.
func (l *Value[T]) Get(ctx context.Context) (T, error) {
	l.once.Do(func() {
		go l.run(context.WithoutCancel(ctx))
	})

	select {
	case <-l.done:
		return l.val, l.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (l *Value[T]) run(ctx context.Context) {
	defer close(l.done)
	l.val, l.err = l.compute(ctx)
}

// Peek returns the value if the computation has finished successfully. It
// never triggers the computation.
func (l *Value[T]) Peek() (T, bool) {
	select {
	case <-l.done:
		if l.err == nil {
			return l.val, true
		}
	default:
	}
	var zero T
	return zero, false
}
