package demo

import (
	"errors"
	"fmt"

	"github.com/farplane/lodtiles/internal/registry"
	"github.com/farplane/lodtiles/internal/tile"
	"github.com/farplane/lodtiles/internal/worker"
)

// StateNames are the states the demo generators place.
var StateNames = []string{"stone", "dirt", "grass", "sand"}

// NewRegistry returns the registry of StateNames.
func NewRegistry() *registry.Registry {
	return registry.MustNew(StateNames)
}

const (
	seaLevel  = 28.0
	snowLevel = 56.0
)

var errClosedView = errors.New("demo: exact view used after close")

type heightFunc func(x, z float64) float64

// fillSurface writes one voxel per column where the terrain surface crosses t.
func fillSurface(height heightFunc, reg *registry.Registry, p tile.Pos, t *tile.Tile) {
	size := float64(int64(1) << p.Level)
	ids := surfaceIDs(reg)
	for vx := 0; vx < tile.Voxels; vx++ {
		for vz := 0; vz < tile.Voxels; vz++ {
			cx := (float64(int64(p.X)*tile.Voxels+int64(vx)) + 0.5) * size
			cz := (float64(int64(p.Z)*tile.Voxels+int64(vz)) + 0.5) * size
			h := height(cx, cz)
			local := h/size - float64(int64(p.Y)*tile.Voxels)
			if local < 0 || local >= tile.Voxels {
				continue
			}
			vy := int(local)
			top, below, biome := ids.grass, ids.dirt, uint8(1)
			switch {
			case h < seaLevel:
				top, below, biome = ids.sand, ids.sand, 2
			case h > snowLevel:
				top, below, biome = ids.stone, ids.stone, 3
			}
			t.Set(vx, vy, vz, tile.Data{
				X:      128,
				Y:      uint8((local - float64(vy)) * 255),
				Z:      128,
				Edges:  0b010,
				Biome:  biome,
				Light:  15,
				States: [tile.StateCount]uint32{top, below, registry.Air},
			})
		}
	}
}

type stateIDs struct{ stone, dirt, grass, sand uint32 }

func surfaceIDs(reg *registry.Registry) stateIDs {
	id := func(name string) uint32 {
		v, ok := reg.ID(name)
		if !ok {
			return registry.Air
		}
		return v
	}
	return stateIDs{stone: id("stone"), dirt: id("dirt"), grass: id("grass"), sand: id("sand")}
}

// ExactGenerator builds level 0 tiles from populated columns. Vertically
// adjacent tiles of a column are generated as one batch.
type ExactGenerator struct {
	World  *World
	Limits tile.Limits
}

func (g *ExactGenerator) BatchGenerationGroup(_ worker.SourceView, positions []tile.Pos) ([]tile.Pos, bool) {
	if g.Limits == nil {
		return nil, false
	}
	group := make([]tile.Pos, 0, len(positions)*3)
	for _, p := range positions {
		group = append(group, p)
		for _, dy := range []int32{-1, 1} {
			n := tile.NewPos(p.Level, p.X, p.Y+dy, p.Z)
			if g.Limits.IsValid(n) {
				group = append(group, n)
			}
		}
	}
	return tile.Dedup(group), true
}

func (g *ExactGenerator) Generate(v worker.SourceView, reg *registry.Registry, positions []tile.Pos, tiles []*tile.Tile) (worker.Outcome, error) {
	vw, ok := v.(*view)
	if !ok {
		return 0, fmt.Errorf("demo: foreign source view %T", v)
	}
	if vw.closed.Load() {
		return 0, errClosedView
	}
	for _, p := range positions {
		if p.Level != 0 {
			return 0, fmt.Errorf("demo: exact generation at level %d", p.Level)
		}
		if !g.World.Populated(p.X, p.Z) && !vw.allowGeneration {
			return worker.NotAllowed, nil
		}
	}
	for i, p := range positions {
		g.World.populate(p.X, p.Z)
		fillSurface(g.World.Height, reg, p, tiles[i])
	}
	return worker.Generated, nil
}

// RoughGenerator approximates tiles at any level from the lowest noise octave.
type RoughGenerator struct {
	World *World
}

func (g *RoughGenerator) CanGenerateRough(tile.Pos) bool { return true }

func (g *RoughGenerator) BatchGenerationGroup([]tile.Pos) ([]tile.Pos, bool) { return nil, false }

func (g *RoughGenerator) Generate(reg *registry.Registry, positions []tile.Pos, tiles []*tile.Tile) error {
	rough := func(x, z float64) float64 {
		return 24 + 40*0.5*g.World.valueNoise(x/64, z/64, 0)
	}
	for i, p := range positions {
		fillSurface(rough, reg, p, tiles[i])
	}
	return nil
}
