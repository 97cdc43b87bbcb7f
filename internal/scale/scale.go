// Package scale downsamples eight child tiles into their parent.
package scale

import (
	"fmt"

	"github.com/farplane/lodtiles/internal/tile"
)

// Downsampler merges each 2x2x2 block of child voxels into one parent voxel.
// Vertex offsets are averaged, edges are combined, light takes the maximum
// and biome and states come from the first set voxel of the block.
type Downsampler struct{}

// Inputs returns the children of pos in (dx, dy, dz) order.
func (Downsampler) Inputs(pos tile.Pos) []tile.Pos {
	children := pos.Children()
	return children[:]
}

// UniqueInputs returns the children of every position without duplicates.
func (d Downsampler) UniqueInputs(positions []tile.Pos) []tile.Pos {
	out := make([]tile.Pos, 0, len(positions)*8)
	for _, pos := range positions {
		out = append(out, d.Inputs(pos)...)
	}
	return tile.Dedup(out)
}

// Scale fills dst from srcs, ordered like Inputs. Nil sources are treated as empty.
func (Downsampler) Scale(srcs []*tile.Tile, dst *tile.Tile) error {
	if len(srcs) != 8 {
		return fmt.Errorf("scale: got %d sources, want 8", len(srcs))
	}
	dst.Reset()
	const half = tile.Voxels / 2
	for child, src := range srcs {
		if src == nil || src.IsEmpty() {
			continue
		}
		ox, oy, oz := (child>>2&1)*half, (child>>1&1)*half, (child&1)*half
		for x := 0; x < half; x++ {
			for y := 0; y < half; y++ {
				for z := 0; z < half; z++ {
					if d, ok := merge(src, x*2, y*2, z*2); ok {
						dst.Set(ox+x, oy+y, oz+z, d)
					}
				}
			}
		}
	}
	return nil
}

// merge combines the 2x2x2 block of src starting at (bx, by, bz).
func merge(src *tile.Tile, bx, by, bz int) (tile.Data, bool) {
	var (
		out        tile.Data
		n          int
		sx, sy, sz int
	)
	for i := 0; i < 8; i++ {
		dx, dy, dz := i>>2&1, i>>1&1, i&1
		d, ok := src.Get(bx+dx, by+dy, bz+dz)
		if !ok {
			continue
		}
		if n == 0 {
			out.Biome = d.Biome
			out.States = d.States
		}
		n++
		// offsets in parent voxel units of 1/256
		sx += (dx*256 + int(d.X)) / 2
		sy += (dy*256 + int(d.Y)) / 2
		sz += (dz*256 + int(d.Z)) / 2
		out.Edges |= d.Edges
		out.Light = max(out.Light, d.Light)
	}
	if n == 0 {
		return tile.Data{}, false
	}
	out.X, out.Y, out.Z = uint8(sx/n), uint8(sy/n), uint8(sz/n)
	return out, true
}
