package store

import "github.com/farplane/lodtiles/internal/tile"

// Handle is the single position view of the store. Each method has the
// semantics of the matching batch operation applied to one position.
type Handle struct {
	store *Store
	pos   tile.Pos
}

func (h *Handle) Pos() tile.Pos { return h.pos }

// Timestamp returns the stored timestamp or TimestampBlank.
func (h *Handle) Timestamp() (int64, error) {
	ts, err := h.store.MultiTimestamp([]tile.Pos{h.pos})
	if err != nil {
		return 0, err
	}
	return ts[0], nil
}

// DirtyTimestamp returns the dirty timestamp or TimestampBlank.
func (h *Handle) DirtyTimestamp() (int64, error) {
	ts, err := h.store.MultiDirtyTimestamp([]tile.Pos{h.pos})
	if err != nil {
		return 0, err
	}
	return ts[0], nil
}

// Snapshot returns the stored tile, or nil if it was never generated.
func (h *Handle) Snapshot() (*Snapshot, error) {
	snaps, err := h.store.MultiSnapshot([]tile.Pos{h.pos})
	if err != nil {
		return nil, err
	}
	return snaps[0], nil
}

// Set writes t if meta is newer than the stored timestamp and reports whether it did.
func (h *Handle) Set(meta tile.Metadata, t *tile.Tile) (bool, error) {
	bits, err := h.store.MultiSet([]tile.Pos{h.pos}, []tile.Metadata{meta}, []*tile.Tile{t})
	if err != nil {
		return false, err
	}
	return bits.Test(0), nil
}

// MarkDirty marks the position dirty at ts and reports whether it changed.
func (h *Handle) MarkDirty(ts int64) (bool, error) {
	bits, err := h.store.MultiMarkDirty([]tile.Pos{h.pos}, ts)
	if err != nil {
		return false, err
	}
	return bits.Test(0), nil
}

// ClearDirty removes the dirty timestamp and reports whether one was present.
func (h *Handle) ClearDirty() (bool, error) {
	bits, err := h.store.MultiClearDirty([]tile.Pos{h.pos})
	if err != nil {
		return false, err
	}
	return bits.Test(0), nil
}
