// Package worker implements the tile generation policy run by the scheduler.
// A work invocation decides per batch whether tiles are generated exactly from
// source data, roughly without it, or scaled from the level below.
package worker

import (
	"fmt"
	"io"

	"github.com/bits-and-blooms/bitset"

	"github.com/farplane/lodtiles/internal/registry"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

// Stage is the kind of request made for a position.
type Stage uint8

const (
	// StageLoad asks for any valid content.
	StageLoad Stage = iota
	// StageUpdate asks for content at least as new as the dirty timestamp.
	StageUpdate
)

func (s Stage) String() string {
	switch s {
	case StageLoad:
		return "load"
	case StageUpdate:
		return "update"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "load":
		return StageLoad, nil
	case "update":
		return StageUpdate, nil
	default:
		return 0, fmt.Errorf("unknown stage %q", name)
	}
}

// TaskFor returns the task of this stage at pos.
func (s Stage) TaskFor(pos tile.Pos) Task {
	return Task{Stage: s, Pos: pos}
}

// allowsNewGeneration reports whether the stage may produce a tile that was never generated.
func (s Stage) allowsNewGeneration() bool {
	switch s {
	case StageLoad:
		return true
	case StageUpdate:
		return false
	default:
		panic(fmt.Sprintf("worker: unknown stage %d", uint8(s)))
	}
}

// Task is the scheduler key of the tile worker.
type Task struct {
	Stage Stage
	Pos   tile.Pos
}

func (t Task) String() string {
	return t.Stage.String() + "@" + t.Pos.String()
}

// Outcome is the result of an exact generation attempt.
type Outcome uint8

const (
	// Generated means every output tile was filled.
	Generated Outcome = iota
	// NotAllowed means source data is missing and may not be synthesized.
	NotAllowed
)

func (o Outcome) String() string {
	if o == NotAllowed {
		return "not_allowed"
	}
	return "generated"
}

// SourceView is scoped read access to authoritative source data.
type SourceView interface {
	io.Closer
}

// World is the source data collaborator.
type World interface {
	// CurrentTimestamp returns the version of the source data.
	CurrentTimestamp() int64
	// AnySourceDataExists reports whether real source data covers any of positions.
	AnySourceDataExists(positions []tile.Pos) bool
	// ExactView opens a view for exact generation. With allowGeneration
	// unset, generators report NotAllowed instead of synthesizing source data.
	ExactView(allowGeneration bool) (SourceView, error)
}

// RoughGenerator approximates tiles without source data.
type RoughGenerator interface {
	CanGenerateRough(pos tile.Pos) bool
	// BatchGenerationGroup returns positions that are cheap to generate
	// together with positions, which it must contain.
	BatchGenerationGroup(positions []tile.Pos) ([]tile.Pos, bool)
	Generate(reg *registry.Registry, positions []tile.Pos, tiles []*tile.Tile) error
}

// ExactGenerator builds level 0 tiles from source data.
type ExactGenerator interface {
	BatchGenerationGroup(view SourceView, positions []tile.Pos) ([]tile.Pos, bool)
	Generate(view SourceView, reg *registry.Registry, positions []tile.Pos, tiles []*tile.Tile) (Outcome, error)
}

// Scaler synthesizes a tile from tiles one level finer.
type Scaler interface {
	// Inputs returns the ordered inputs of pos.
	Inputs(pos tile.Pos) []tile.Pos
	// UniqueInputs returns the union of the inputs of positions without duplicates.
	UniqueInputs(positions []tile.Pos) []tile.Pos
	// Scale fills dst from srcs, ordered like Inputs. Inputs outside the
	// pyramid limits are nil.
	Scale(srcs []*tile.Tile, dst *tile.Tile) error
}

// Storage is the part of the tile store the worker drives.
type Storage interface {
	HandleFor(pos tile.Pos) *store.Handle
	MultiTimestamp(positions []tile.Pos) ([]int64, error)
	MultiDirtyTimestamp(positions []tile.Pos) ([]int64, error)
	MultiSnapshot(positions []tile.Pos) ([]*store.Snapshot, error)
	MultiSet(positions []tile.Pos, metas []tile.Metadata, tiles []*tile.Tile) (*bitset.BitSet, error)
	MultiClearDirty(positions []tile.Pos) (*bitset.BitSet, error)
}

// Provider bundles the collaborators of a TileWorker.
type Provider struct {
	Limits   tile.Limits
	World    World
	Rough    RoughGenerator // nil when rough generation is unavailable
	Exact    ExactGenerator
	Scaler   Scaler
	Storage  Storage
	Pool     *tile.Pool
	Registry *registry.Registry

	// DebugExactGenerationDisabled skips exact generation from existing
	// source data so rough and scaled output can be inspected.
	DebugExactGenerationDisabled bool
}

func (p Provider) validate() error {
	switch {
	case p.Limits == nil:
		return fmt.Errorf("worker: provider has no limits")
	case p.World == nil:
		return fmt.Errorf("worker: provider has no world")
	case p.Exact == nil:
		return fmt.Errorf("worker: provider has no exact generator")
	case p.Scaler == nil:
		return fmt.Errorf("worker: provider has no scaler")
	case p.Storage == nil:
		return fmt.Errorf("worker: provider has no storage")
	case p.Registry == nil:
		return fmt.Errorf("worker: provider has no registry")
	}
	return nil
}
