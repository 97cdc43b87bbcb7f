package sched

import "sync"

// taskQueue is a FIFO of tasks shared by the worker pool. Entries may go
// stale when a task is claimed by stealing or inline execution; consumers
// re-check the task state after popping.
type taskQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newTaskQueue[T any]() *taskQueue[T] {
	q := &taskQueue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Dequeue blocks until an item is available or the queue is closed.
func (q *taskQueue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	return q.popLocked()
}

func (q *taskQueue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Close wakes every waiting consumer and returns the items left behind.
func (q *taskQueue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.cond.Broadcast()
	return rest
}

func (q *taskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
