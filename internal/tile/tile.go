package tile

import (
	"fmt"
	"math"
)

const (
	// Shift is log2 of the tile edge length in voxels.
	Shift = 4
	// Voxels is the tile edge length in voxels.
	Voxels = 1 << Shift
	// EntryCount is the number of voxels in a tile.
	EntryCount = Voxels * Voxels * Voxels
	// StateCount is the number of state ids carried per voxel.
	StateCount = 3
)

// Timestamp sentinels. Real timestamps are greater than both.
const (
	// TimestampBlank marks a position that has never been generated.
	TimestampBlank int64 = math.MinInt64
	// TimestampGenerated is the minimum timestamp any successful generation satisfies.
	TimestampGenerated int64 = math.MinInt64 + 1
)

// Metadata is written alongside a tile payload.
type Metadata struct {
	Timestamp int64
}

// Data is the content of one set voxel.
type Data struct {
	// X, Y, Z is the vertex offset inside the voxel in 1/256 units.
	X, Y, Z uint8
	// Edges holds one bit per voxel edge that crosses the surface.
	Edges uint8
	Biome uint8
	Light uint8
	// States are registry state ids.
	States [StateCount]uint32
}

// Tile is a sparse Voxels^3 grid. The zero value is an empty tile.
type Tile struct {
	// index holds slot+1 for every set voxel, 0 for unset.
	index [EntryCount]uint16
	slots []uint16
	data  []Data
}

// Index returns the voxel index of (x, y, z), each in [0, Voxels).
func Index(x, y, z int) int {
	return x<<(2*Shift) | y<<Shift | z
}

// Coords is the inverse of Index.
func Coords(index int) (x, y, z int) {
	return index >> (2 * Shift) & (Voxels - 1), index >> Shift & (Voxels - 1), index & (Voxels - 1)
}

// Reset empties the tile, keeping its allocations.
func (t *Tile) Reset() {
	for _, s := range t.slots {
		t.index[s] = 0
	}
	t.slots = t.slots[:0]
	t.data = t.data[:0]
}

// Set stores d at (x, y, z).
func (t *Tile) Set(x, y, z int, d Data) {
	t.SetIndex(Index(x, y, z), d)
}

// SetIndex stores d at the given voxel index.
func (t *Tile) SetIndex(index int, d Data) {
	if index < 0 || index >= EntryCount {
		panic(fmt.Sprintf("tile: voxel index %d out of range", index))
	}
	if slot := t.index[index]; slot != 0 {
		t.data[slot-1] = d
		return
	}
	t.slots = append(t.slots, uint16(index))
	t.data = append(t.data, d)
	t.index[index] = uint16(len(t.data))
}

// Get returns the voxel at (x, y, z) and whether it is set.
func (t *Tile) Get(x, y, z int) (Data, bool) {
	return t.GetIndex(Index(x, y, z))
}

// GetIndex returns the voxel at the given index and whether it is set.
func (t *Tile) GetIndex(index int) (Data, bool) {
	slot := t.index[index]
	if slot == 0 {
		return Data{}, false
	}
	return t.data[slot-1], true
}

// Count returns the number of set voxels.
func (t *Tile) Count() int {
	return len(t.data)
}

// IsEmpty reports whether no voxel is set.
func (t *Tile) IsEmpty() bool {
	return len(t.data) == 0
}

// ForEach calls fn for every set voxel in insertion order.
func (t *Tile) ForEach(fn func(index int, d Data)) {
	for i, s := range t.slots {
		fn(int(s), t.data[i])
	}
}

// Equal reports whether both tiles hold the same voxels regardless of insertion order.
func (t *Tile) Equal(o *Tile) bool {
	if t.Count() != o.Count() {
		return false
	}
	for i, s := range t.slots {
		d, ok := o.GetIndex(int(s))
		if !ok || d != t.data[i] {
			return false
		}
	}
	return true
}

// CopyFrom replaces the contents of t with those of src.
func (t *Tile) CopyFrom(src *Tile) {
	t.Reset()
	src.ForEach(func(index int, d Data) {
		t.SetIndex(index, d)
	})
}
