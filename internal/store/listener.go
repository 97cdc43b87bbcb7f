package store

import (
	"errors"
	"reflect"
	"slices"

	"github.com/farplane/lodtiles/internal/tile"
)

var (
	// ErrListenerExists is returned when adding a listener twice.
	ErrListenerExists = errors.New("store: listener already registered")
	// ErrListenerMissing is returned when removing a listener that is not registered.
	ErrListenerMissing = errors.New("store: listener not registered")
	// ErrListenerNotComparable is returned for a listener whose dynamic type
	// cannot be compared, such as a struct value holding a slice or func.
	ErrListenerNotComparable = errors.New("store: listener is not comparable, register a pointer")
)

// Listener observes committed mutations. Calls happen synchronously on the
// mutating goroutine after the commit; each listener registered at that time
// receives every commit exactly once. Implementations must not block.
//
// Listeners are compared by identity, so register pointers.
type Listener interface {
	// TilesChanged receives positions whose timestamp was raised by a set.
	TilesChanged(positions []tile.Pos)
	// TilesDirty receives positions that were newly marked dirty.
	TilesDirty(positions []tile.Pos)
}

// ListenerFuncs adapts a pair of functions to Listener. Nil fields are
// skipped. Only *ListenerFuncs implements Listener.
type ListenerFuncs struct {
	Changed func(positions []tile.Pos)
	Dirty   func(positions []tile.Pos)
}

func (l *ListenerFuncs) TilesChanged(positions []tile.Pos) {
	if l.Changed != nil {
		l.Changed(positions)
	}
}

func (l *ListenerFuncs) TilesDirty(positions []tile.Pos) {
	if l.Dirty != nil {
		l.Dirty(positions)
	}
}

// checkComparable rejects listeners that would panic on ==.
func checkComparable(l Listener) error {
	if l == nil {
		return errors.New("store: nil listener")
	}
	if !reflect.TypeOf(l).Comparable() {
		return ErrListenerNotComparable
	}
	return nil
}

// AddListener registers l.
func (s *Store) AddListener(l Listener) error {
	if err := checkComparable(l); err != nil {
		return err
	}
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	cur := *s.listeners.Load()
	if slices.Contains(cur, l) {
		return ErrListenerExists
	}
	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	s.listeners.Store(&next)
	return nil
}

// RemoveListener unregisters l. Commits already notifying may still reach it.
func (s *Store) RemoveListener(l Listener) error {
	if err := checkComparable(l); err != nil {
		return err
	}
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	cur := *s.listeners.Load()
	i := slices.Index(cur, l)
	if i < 0 {
		return ErrListenerMissing
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	s.listeners.Store(&next)
	return nil
}

func (s *Store) notifyChanged(positions []tile.Pos) {
	if len(positions) == 0 {
		return
	}
	for _, l := range *s.listeners.Load() {
		l.TilesChanged(positions)
	}
}

func (s *Store) notifyDirty(positions []tile.Pos) {
	if len(positions) == 0 {
		return
	}
	for _, l := range *s.listeners.Load() {
		l.TilesDirty(positions)
	}
}
