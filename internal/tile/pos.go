// Package tile defines the addressing, payload and pooling types shared by the
// tile store, the scheduler and the tile worker.
//
// A tile covers a cube of Voxels^3 voxels at its level. Level 0 is the finest
// level; a tile at level N covers the same space as 2x2x2 tiles at level N-1.
package tile

import (
	"cmp"
	"fmt"
	"slices"
)

// MaxLevels is the number of pyramid levels a Pos may address.
const MaxLevels = 32

// Pos addresses one tile of the pyramid.
type Pos struct {
	Level uint8
	X     int32
	Y     int32
	Z     int32
}

// NewPos returns the position at the given level and tile coordinates.
func NewPos(level uint8, x, y, z int32) Pos {
	return Pos{Level: level, X: x, Y: y, Z: z}
}

// Up returns the parent position one level coarser.
func (p Pos) Up() Pos {
	return Pos{Level: p.Level + 1, X: p.X >> 1, Y: p.Y >> 1, Z: p.Z >> 1}
}

// UpTo returns the ancestor at the given level.
func (p Pos) UpTo(level uint8) Pos {
	if level == p.Level {
		return p
	}
	if level < p.Level {
		panic(fmt.Sprintf("tile: target level %d must be greater than current level %d", level, p.Level))
	}
	shift := level - p.Level
	return Pos{Level: level, X: p.X >> shift, Y: p.Y >> shift, Z: p.Z >> shift}
}

// Down returns the child at the minimum corner one level finer.
func (p Pos) Down() Pos {
	if p.Level == 0 {
		panic("tile: level 0 has no children")
	}
	return Pos{Level: p.Level - 1, X: p.X << 1, Y: p.Y << 1, Z: p.Z << 1}
}

// DownTo returns the descendant at the minimum corner at the given level.
func (p Pos) DownTo(level uint8) Pos {
	if level == p.Level {
		return p
	}
	if level > p.Level {
		panic(fmt.Sprintf("tile: target level %d must be less than current level %d", level, p.Level))
	}
	shift := p.Level - level
	return Pos{Level: level, X: p.X << shift, Y: p.Y << shift, Z: p.Z << shift}
}

// Children returns the eight positions one level finer which this tile covers,
// ordered by (dx, dy, dz).
func (p Pos) Children() [8]Pos {
	base := p.Down()
	var out [8]Pos
	for i := range out {
		out[i] = Pos{
			Level: base.Level,
			X:     base.X + int32(i>>2&1),
			Y:     base.Y + int32(i>>1&1),
			Z:     base.Z + int32(i&1),
		}
	}
	return out
}

// Contains reports whether o lies strictly below p in the pyramid and inside
// the space covered by p.
func (p Pos) Contains(o Pos) bool {
	if o.Level >= p.Level {
		return false
	}
	return o.UpTo(p.Level) == p
}

// Compare orders positions by (level, x, y, z).
func (p Pos) Compare(o Pos) int {
	if c := cmp.Compare(p.Level, o.Level); c != 0 {
		return c
	}
	if c := cmp.Compare(p.X, o.X); c != 0 {
		return c
	}
	if c := cmp.Compare(p.Y, o.Y); c != 0 {
		return c
	}
	return cmp.Compare(p.Z, o.Z)
}

func (p Pos) String() string {
	return fmt.Sprintf("L%d(%d,%d,%d)", p.Level, p.X, p.Y, p.Z)
}

// SortPositions sorts positions in place using Compare.
func SortPositions(positions []Pos) {
	slices.SortFunc(positions, Pos.Compare)
}

// Dedup returns positions with duplicates removed, keeping first occurrences in order.
func Dedup(positions []Pos) []Pos {
	seen := make(map[Pos]struct{}, len(positions))
	out := make([]Pos, 0, len(positions))
	for _, p := range positions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
