package worker

import (
	"fmt"

	"github.com/farplane/lodtiles/internal/metrics"
	"github.com/farplane/lodtiles/internal/sched"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

// Callback is the scheduler callback of the tile worker.
type Callback = sched.Callback[Task, *store.Handle]

// state is the batch of one work invocation. positions, handles and minimums
// are parallel slices; all holds every position ever added so a position is
// never claimed twice.
type state struct {
	w     *TileWorker
	stage Stage
	cb    *Callback
	level uint8

	all       map[tile.Pos]struct{}
	positions []tile.Pos
	handles   []*store.Handle
	minimums  []int64

	// worldTimestamp is read once; every minimum of the batch is checked against it.
	worldTimestamp int64
}

func (w *TileWorker) newState(task Task, cb *Callback) (*state, error) {
	st := &state{
		w:              w,
		stage:          task.Stage,
		cb:             cb,
		level:          task.Pos.Level,
		all:            make(map[tile.Pos]struct{}),
		worldTimestamp: w.p.World.CurrentTimestamp(),
	}
	if err := st.add([]tile.Pos{task.Pos}); err != nil {
		return nil, err
	}
	return st, nil
}

// minimumTimestamps returns the timestamp each position must reach.
func (st *state) minimumTimestamps(positions []tile.Pos) ([]int64, error) {
	out := make([]int64, len(positions))
	switch st.stage {
	case StageLoad:
		for i := range out {
			out[i] = tile.TimestampGenerated
		}
	case StageUpdate:
		dirty, err := st.w.p.Storage.MultiDirtyTimestamp(positions)
		if err != nil {
			return nil, err
		}
		for i, ts := range dirty {
			if ts == tile.TimestampBlank {
				ts = tile.TimestampGenerated
			}
			out[i] = ts
		}
	default:
		panic(fmt.Sprintf("worker: unknown stage %d", uint8(st.stage)))
	}
	return out, nil
}

func (st *state) add(positions []tile.Pos) error {
	if len(positions) == 0 {
		return nil
	}
	for _, pos := range positions {
		if !st.w.p.Limits.IsValid(pos) {
			panic(fmt.Sprintf("worker: tile position is outside coordinate limits: %s", pos))
		}
	}
	minimums, err := st.minimumTimestamps(positions)
	if err != nil {
		return err
	}
	for _, m := range minimums {
		if st.worldTimestamp < m {
			panic(fmt.Sprintf("worker: world timestamp %d is less than minimum timestamp %d", st.worldTimestamp, m))
		}
	}
	for _, pos := range positions {
		if _, ok := st.all[pos]; ok {
			panic(fmt.Sprintf("worker: position %s has already been acquired", pos))
		}
		st.all[pos] = struct{}{}
		st.handles = append(st.handles, st.w.p.Storage.HandleFor(pos))
	}
	st.positions = append(st.positions, positions...)
	st.minimums = append(st.minimums, minimums...)
	return nil
}

// tryAcquire claims the positions not yet in the batch and adds the ones won.
func (st *state) tryAcquire(positions []tile.Pos, strategy sched.Strategy) error {
	tasks := make([]Task, 0, len(positions))
	for _, pos := range positions {
		if _, ok := st.all[pos]; !ok {
			tasks = append(tasks, st.stage.TaskFor(pos))
		}
	}
	if len(tasks) == 0 {
		return nil
	}
	won := st.cb.Acquire(tasks, strategy)
	if len(won) == 0 {
		return nil
	}
	wonPositions := make([]tile.Pos, len(won))
	for i, t := range won {
		wonPositions[i] = t.Pos
	}
	return st.add(wonPositions)
}

// extendBatch claims group when the generator offered one. The group must
// contain the whole batch.
func (st *state) extendBatch(group []tile.Pos, ok bool) error {
	if !ok {
		return nil
	}
	members := make(map[tile.Pos]struct{}, len(group))
	for _, pos := range group {
		members[pos] = struct{}{}
	}
	for _, pos := range st.positions {
		if _, found := members[pos]; !found {
			panic(fmt.Sprintf("worker: batch group for %v does not contain %s", st.positions, pos))
		}
	}
	return st.tryAcquire(group, sched.TryStealExistingOrCreate)
}

func (st *state) completeAt(i int) error {
	return st.cb.Complete(st.stage.TaskFor(st.positions[i]), st.handles[i])
}

// completeAll completes and clears the batch.
func (st *state) completeAll() error {
	for i := range st.positions {
		if err := st.completeAt(i); err != nil {
			return err
		}
	}
	st.positions = st.positions[:0]
	st.handles = st.handles[:0]
	st.minimums = st.minimums[:0]
	return nil
}

// considerExit completes and drops every position whose stored timestamp
// already meets its minimum. It reports whether the batch is now empty.
func (st *state) considerExit() (bool, error) {
	timestamps, err := st.w.p.Storage.MultiTimestamp(st.positions)
	if err != nil {
		return false, err
	}
	kept := 0
	for i, ts := range timestamps {
		if ts >= st.minimums[i] {
			if err := st.completeAt(i); err != nil {
				return false, err
			}
			metrics.EarlyExits.Inc()
			continue
		}
		st.positions[kept] = st.positions[i]
		st.handles[kept] = st.handles[i]
		st.minimums[kept] = st.minimums[i]
		kept++
	}
	st.positions = st.positions[:kept]
	st.handles = st.handles[:kept]
	st.minimums = st.minimums[:kept]
	return kept == 0, nil
}

func (st *state) metadata() []tile.Metadata {
	out := make([]tile.Metadata, len(st.minimums))
	for i, m := range st.minimums {
		out[i] = tile.Metadata{Timestamp: m}
	}
	return out
}
