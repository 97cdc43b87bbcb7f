package sched

import (
	"context"
	"sync"
)

// Future is the shared result of one scheduled task.
type Future[V any] struct {
	done chan struct{}
	once sync.Once
	val  V
	err  error
}

func newFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

func failedFuture[V any](err error) *Future[V] {
	f := newFuture[V]()
	var zero V
	f.resolve(zero, err)
	return f
}

// resolve reports whether this call set the result.
func (f *Future[V]) resolve(v V, err error) bool {
	set := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		set = true
	})
	return set
}

// Done is closed once the result is available.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result. Cancelling ctx stops the wait, not the task.
func (f *Future[V]) Get(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Ready reports whether the result is available.
func (f *Future[V]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
