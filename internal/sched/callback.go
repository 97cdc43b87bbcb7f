package sched

import (
	"context"
	"fmt"
)

// Callback is handed to one work invocation. It tracks the keys the
// invocation owns and is not safe for use after the invocation returns.
type Callback[K comparable, V any] struct {
	s     *Scheduler[K, V]
	key   K
	owned map[K]*task[K, V]
}

// Key returns the key the invocation was started for.
func (cb *Callback[K, V]) Key() K {
	return cb.key
}

// Owns reports whether the invocation owns key and has not completed it.
func (cb *Callback[K, V]) Owns(key K) bool {
	_, ok := cb.owned[key]
	return ok
}

// Acquire claims keys for this invocation according to strategy and returns
// the ones it won, in input order. Keys already owned by the invocation, keys
// being executed elsewhere and keys without a task (for TryStealExisting) are
// skipped; losing a key is not an error.
func (cb *Callback[K, V]) Acquire(keys []K, strategy Strategy) []K {
	var won []K
	create := strategy == TryStealExistingOrCreate
	for _, key := range keys {
		if _, ok := cb.owned[key]; ok {
			continue
		}
		t, ok := cb.s.claim(key, create)
		if !ok {
			continue
		}
		cb.owned[key] = t
		won = append(won, key)
		cb.s.event(&cb.s.stolen, "stolen")
	}
	return won
}

// Complete resolves every request for an owned key with value.
func (cb *Callback[K, V]) Complete(key K, value V) error {
	t, ok := cb.owned[key]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotOwned, key)
	}
	delete(cb.owned, key)
	cb.s.finish(t, value, nil)
	return nil
}

// ScatterGather requests every key and waits for all of them, running keys
// nobody has started on the calling goroutine. It panics if the invocation
// owns one of the keys, since that wait could never finish.
func (cb *Callback[K, V]) ScatterGather(keys []K) ([]V, error) {
	for _, key := range keys {
		if _, ok := cb.owned[key]; ok {
			panic(fmt.Sprintf("sched: scatter-gather on key %v owned by the caller", key))
		}
	}
	return cb.s.gather(context.Background(), keys)
}
