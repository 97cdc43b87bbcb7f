package worker

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/farplane/lodtiles/internal/metrics"
	"github.com/farplane/lodtiles/internal/sched"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

// TileWorker is the scheduler work function of the tile pyramid.
type TileWorker struct {
	p   Provider
	log zerolog.Logger
}

// New returns a worker over p.
func New(p Provider, log zerolog.Logger) (*TileWorker, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Pool == nil {
		p.Pool = tile.NewPool(0)
	}
	return &TileWorker{p: p, log: log.With().Str("component", "tile_worker").Logger()}, nil
}

// NewScheduler returns a scheduler running w.
func NewScheduler(w *TileWorker, cfg sched.Config) *sched.Scheduler[Task, *store.Handle] {
	return sched.New(w.Work, cfg)
}

// Work brings the task's position, and any batch it claims, up to its
// minimum timestamp and completes every claimed task with its handle.
func (w *TileWorker) Work(task Task, cb *Callback) error {
	st, err := w.newState(task, cb)
	if err != nil {
		return err
	}
	if done, err := st.considerExit(); err != nil || done {
		return err
	}

	if !w.p.DebugExactGenerationDisabled && w.p.World.AnySourceDataExists(st.positions) {
		if st.level > 0 {
			return w.generateScale(st)
		}
		outcome, err := w.generateExact(st, false)
		if err != nil {
			return err
		}
		if outcome == Generated {
			return nil
		}
		w.log.Debug().Stringer("task", task).Msg("source data not populated, falling back")
	}

	if w.anyRough(st.positions) {
		return w.generateRough(st)
	}

	if !st.stage.allowsNewGeneration() {
		if _, err := w.p.Storage.MultiClearDirty(st.positions); err != nil {
			return err
		}
		metrics.Generations.WithLabelValues("clear_dirty").Inc()
		return st.completeAll()
	}

	if st.level > 0 {
		return w.generateScale(st)
	}
	outcome, err := w.generateExact(st, true)
	if err != nil {
		return err
	}
	if outcome == NotAllowed {
		panic(fmt.Sprintf("worker: exact generation not allowed while synthesis was permitted at %v", st.positions))
	}
	return nil
}

func (w *TileWorker) anyRough(positions []tile.Pos) bool {
	if w.p.Rough == nil {
		return false
	}
	for _, pos := range positions {
		if w.p.Rough.CanGenerateRough(pos) {
			return true
		}
	}
	return false
}

// persist writes the batch with its minimum timestamps and completes it.
func (w *TileWorker) persist(st *state, strategy string, tiles []*tile.Tile) error {
	modified, err := w.p.Storage.MultiSet(st.positions, st.metadata(), tiles)
	if err != nil {
		return err
	}
	metrics.Generations.WithLabelValues(strategy).Inc()
	metrics.BatchSize.WithLabelValues(strategy).Observe(float64(len(st.positions)))
	w.log.Debug().
		Str("strategy", strategy).
		Uint8("level", st.level).
		Int("batch", len(st.positions)).
		Uint("modified", modified.Count()).
		Msg("batch generated")
	return st.completeAll()
}

func (w *TileWorker) generateRough(st *state) error {
	for _, pos := range st.positions {
		if !w.p.Rough.CanGenerateRough(pos) {
			panic(fmt.Sprintf("worker: cannot do rough generation at %s", pos))
		}
	}
	if err := st.extendBatch(w.p.Rough.BatchGenerationGroup(st.positions)); err != nil {
		return err
	}

	lease := w.p.Pool.Lease()
	defer lease.Release()
	tiles := lease.Tiles(len(st.positions))
	if err := w.p.Rough.Generate(w.p.Registry, st.positions, tiles); err != nil {
		return fmt.Errorf("rough generation at %v: %w", st.positions, err)
	}
	return w.persist(st, "rough", tiles)
}

func (w *TileWorker) generateExact(st *state, allowGeneration bool) (outcome Outcome, err error) {
	view, err := w.p.World.ExactView(allowGeneration)
	if err != nil {
		return 0, fmt.Errorf("open exact view: %w", err)
	}
	defer func() {
		if cerr := view.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close exact view: %w", cerr)
		}
	}()

	if err := st.extendBatch(w.p.Exact.BatchGenerationGroup(view, st.positions)); err != nil {
		return 0, err
	}

	lease := w.p.Pool.Lease()
	defer lease.Release()
	tiles := lease.Tiles(len(st.positions))
	outcome, err = w.p.Exact.Generate(view, w.p.Registry, st.positions, tiles)
	if err != nil {
		return 0, fmt.Errorf("exact generation at %v: %w", st.positions, err)
	}
	if outcome == NotAllowed {
		return NotAllowed, nil
	}
	return Generated, w.persist(st, "exact", tiles)
}

func (w *TileWorker) generateScale(st *state) error {
	var sources []tile.Pos
	for _, pos := range w.p.Scaler.UniqueInputs(st.positions) {
		if w.p.Limits.IsValid(pos) {
			sources = append(sources, pos)
		}
	}

	// Children are requested at the parent's stage, building the pyramid bottom up.
	tasks := make([]Task, len(sources))
	for i, pos := range sources {
		tasks[i] = st.stage.TaskFor(pos)
	}
	if _, err := st.cb.ScatterGather(tasks); err != nil {
		return err
	}

	if done, err := st.considerExit(); err != nil || done {
		return err
	}
	snapshots, err := w.p.Storage.MultiSnapshot(sources)
	if err != nil {
		return err
	}
	byPos := make(map[tile.Pos]*store.Snapshot, len(sources))
	for i, pos := range sources {
		byPos[pos] = snapshots[i]
	}
	if done, err := st.considerExit(); err != nil || done {
		return err
	}

	for i, pos := range st.positions {
		if err := w.scaleOne(pos, st.handles[i], st.minimums[i], byPos); err != nil {
			return err
		}
	}
	metrics.Generations.WithLabelValues("scale").Inc()
	metrics.BatchSize.WithLabelValues("scale").Observe(float64(len(st.positions)))
	w.log.Debug().Uint8("level", st.level).Int("batch", len(st.positions)).Int("sources", len(sources)).Msg("batch scaled")
	return st.completeAll()
}

func (w *TileWorker) scaleOne(pos tile.Pos, h *store.Handle, minimum int64, snapshots map[tile.Pos]*store.Snapshot) error {
	lease := w.p.Pool.Lease()
	defer lease.Release()

	inputs := w.p.Scaler.Inputs(pos)
	srcs := make([]*tile.Tile, len(inputs))
	for i, in := range inputs {
		if !w.p.Limits.IsValid(in) {
			continue
		}
		snap := snapshots[in]
		if snap == nil {
			// An UPDATE of a never generated child leaves it blank.
			w.log.Debug().Stringer("pos", pos).Stringer("input", in).Msg("scale input was never generated")
			continue
		}
		src := lease.Tile()
		if err := snap.Decode(src); err != nil {
			return fmt.Errorf("decode %s: %w", in, err)
		}
		srcs[i] = src
	}

	dst := lease.Tile()
	if err := w.p.Scaler.Scale(srcs, dst); err != nil {
		return fmt.Errorf("scale %s: %w", pos, err)
	}
	if _, err := h.Set(tile.Metadata{Timestamp: minimum}, dst); err != nil {
		return err
	}
	return nil
}
