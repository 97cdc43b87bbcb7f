// Package demo is a deterministic heightmap world with exact and rough
// generators. The tile server runs on it, and tests use it as a complete
// provider.
package demo

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/farplane/lodtiles/internal/tile"
	"github.com/farplane/lodtiles/internal/worker"
)

type column struct{ x, z int32 }

// World holds which level 0 tile columns have source data and the version
// counter of that data.
type World struct {
	seed      uint64
	timestamp atomic.Int64

	mu        sync.RWMutex
	populated map[column]struct{}
}

// NewWorld returns an empty world at timestamp 0.
func NewWorld(seed uint64) *World {
	return &World{seed: seed, populated: make(map[column]struct{})}
}

func (w *World) CurrentTimestamp() int64 {
	return w.timestamp.Load()
}

// Touch marks the level 0 column (x, z) as holding source data and advances
// the world timestamp, returning the new value.
func (w *World) Touch(x, z int32) int64 {
	w.populate(x, z)
	return w.timestamp.Add(1)
}

// SetTimestamp moves the world timestamp to ts if it is newer.
func (w *World) SetTimestamp(ts int64) {
	for {
		cur := w.timestamp.Load()
		if ts <= cur || w.timestamp.CompareAndSwap(cur, ts) {
			return
		}
	}
}

func (w *World) populate(x, z int32) {
	w.mu.Lock()
	w.populated[column{x, z}] = struct{}{}
	w.mu.Unlock()
}

// Populated reports whether the level 0 column (x, z) has source data.
func (w *World) Populated(x, z int32) bool {
	w.mu.RLock()
	_, ok := w.populated[column{x, z}]
	w.mu.RUnlock()
	return ok
}

// AnySourceDataExists reports whether a populated column lies under any position.
func (w *World) AnySourceDataExists(positions []tile.Pos) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.populated) == 0 {
		return false
	}
	for _, p := range positions {
		if p.Level == 0 {
			if _, ok := w.populated[column{p.X, p.Z}]; ok {
				return true
			}
			continue
		}
		for c := range w.populated {
			if c.x>>p.Level == p.X && c.z>>p.Level == p.Z {
				return true
			}
		}
	}
	return false
}

// ExactView opens a view that may synthesize missing columns when allowGeneration is set.
func (w *World) ExactView(allowGeneration bool) (worker.SourceView, error) {
	return &view{world: w, allowGeneration: allowGeneration}, nil
}

type view struct {
	world           *World
	allowGeneration bool
	closed          atomic.Bool
}

func (v *view) Close() error {
	v.closed.Store(true)
	return nil
}

// Height returns the terrain height in level 0 voxels at world voxel column (x, z).
func (w *World) Height(x, z float64) float64 {
	const (
		base      = 24.0
		amplitude = 40.0
	)
	h := 0.0
	scale, weight := 1/64.0, 0.5
	for octave := 0; octave < 3; octave++ {
		h += weight * w.valueNoise(x*scale, z*scale, uint64(octave))
		scale *= 2
		weight /= 2
	}
	return base + amplitude*h
}

// valueNoise is bilinearly interpolated lattice noise in [0, 1).
func (w *World) valueNoise(x, z float64, octave uint64) float64 {
	x0, z0 := math.Floor(x), math.Floor(z)
	fx, fz := smooth(x-x0), smooth(z-z0)
	ix, iz := int64(x0), int64(z0)
	a := w.lattice(ix, iz, octave)
	b := w.lattice(ix+1, iz, octave)
	c := w.lattice(ix, iz+1, octave)
	d := w.lattice(ix+1, iz+1, octave)
	return lerp(lerp(a, b, fx), lerp(c, d, fx), fz)
}

func (w *World) lattice(x, z int64, octave uint64) float64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], w.seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(x))
	binary.LittleEndian.PutUint64(buf[16:], uint64(z))
	binary.LittleEndian.PutUint64(buf[24:], octave)
	return float64(xxhash.Sum64(buf[:])>>11) / (1 << 53)
}

func smooth(t float64) float64 { return t * t * (3 - 2*t) }

func lerp(a, b, t float64) float64 { return a + (b-a)*t }
