package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/farplane/lodtiles/internal/registry"
	"github.com/farplane/lodtiles/internal/scale"
	"github.com/farplane/lodtiles/internal/sched"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

var testRegistry = registry.MustNew([]string{"stone"})

// testLimits is a 4x4x4 level 0 cube under a single level 2 root.
var testLimits = tile.NewBoxLimits([3]int32{0, 0, 0}, [3]int32{3, 3, 3}, 3)

type fakeWorld struct {
	ts     atomic.Int64
	source atomic.Bool
}

func (w *fakeWorld) CurrentTimestamp() int64                { return w.ts.Load() }
func (w *fakeWorld) AnySourceDataExists(_ []tile.Pos) bool { return w.source.Load() }

func (w *fakeWorld) ExactView(allow bool) (SourceView, error) {
	return &fakeView{allow: allow}, nil
}

type fakeView struct {
	allow  bool
	closed bool
}

func (v *fakeView) Close() error {
	v.closed = true
	return nil
}

// fakeExact fills each tile with one voxel. Unless populated it refuses to
// work on views that may not synthesize data.
type fakeExact struct {
	populated bool
	group     func(positions []tile.Pos) ([]tile.Pos, bool)

	mu      sync.Mutex
	allows  []bool
	batches [][]tile.Pos
}

func (g *fakeExact) BatchGenerationGroup(_ SourceView, positions []tile.Pos) ([]tile.Pos, bool) {
	if g.group == nil {
		return nil, false
	}
	return g.group(positions)
}

func (g *fakeExact) Generate(v SourceView, _ *registry.Registry, positions []tile.Pos, tiles []*tile.Tile) (Outcome, error) {
	view := v.(*fakeView)
	if view.closed {
		panic("generate on closed view")
	}
	g.mu.Lock()
	g.allows = append(g.allows, view.allow)
	g.batches = append(g.batches, append([]tile.Pos(nil), positions...))
	g.mu.Unlock()
	if !view.allow && !g.populated {
		return NotAllowed, nil
	}
	for i, pos := range positions {
		tiles[i].Set(0, 0, 0, tile.Data{X: uint8(pos.X), Light: 15})
	}
	return Generated, nil
}

func (g *fakeExact) calls() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.allows...)
}

type fakeRough struct {
	calls atomic.Int64
}

func (g *fakeRough) CanGenerateRough(tile.Pos) bool { return true }

func (g *fakeRough) BatchGenerationGroup([]tile.Pos) ([]tile.Pos, bool) { return nil, false }

func (g *fakeRough) Generate(_ *registry.Registry, positions []tile.Pos, tiles []*tile.Tile) error {
	g.calls.Add(1)
	for i := range positions {
		tiles[i].Set(1, 1, 1, tile.Data{Light: 1})
	}
	return nil
}

// checkedScaler counts Scale calls that saw a missing source.
type checkedScaler struct {
	scale.Downsampler
	calls    atomic.Int64
	nilInput atomic.Int64
}

func (s *checkedScaler) Scale(srcs []*tile.Tile, dst *tile.Tile) error {
	s.calls.Add(1)
	for _, src := range srcs {
		if src == nil {
			s.nilInput.Add(1)
		}
	}
	return s.Downsampler.Scale(srcs, dst)
}

type testEnv struct {
	store  *store.Store
	world  *fakeWorld
	exact  *fakeExact
	scaler *checkedScaler
	pool   *tile.Pool
	sched  *sched.Scheduler[Task, *store.Handle]
}

func newTestEnv(t *testing.T, configure func(*Provider)) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{Dir: t.TempDir(), Token: store.NewToken(testRegistry), NoSync: true, BloomCapacity: 1024})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		store:  st,
		world:  &fakeWorld{},
		exact:  &fakeExact{},
		scaler: &checkedScaler{},
		pool:   tile.NewPool(0),
	}
	p := Provider{
		Limits:   testLimits,
		World:    env.world,
		Exact:    env.exact,
		Scaler:   env.scaler,
		Storage:  st,
		Pool:     env.pool,
		Registry: testRegistry,
	}
	if configure != nil {
		configure(&p)
	}
	w, err := New(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.sched = NewScheduler(w, sched.Config{Workers: 4})
	t.Cleanup(env.sched.Close)
	return env
}

func (e *testEnv) run(t *testing.T, task Task) *store.Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := e.sched.Schedule(task).Get(ctx)
	if err != nil {
		t.Fatalf("%s: %v", task, err)
	}
	if h.Pos() != task.Pos {
		t.Fatalf("%s returned handle for %s", task, h.Pos())
	}
	return h
}

func timestampOf(t *testing.T, h *store.Handle) int64 {
	t.Helper()
	ts, err := h.Timestamp()
	if err != nil {
		t.Fatalf("Timestamp(%s): %v", h.Pos(), err)
	}
	return ts
}

func TestNewRejectsIncompleteProvider(t *testing.T) {
	if _, err := New(Provider{Limits: testLimits}, zerolog.Nop()); err == nil {
		t.Fatalf("New with no world err = nil")
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range []Stage{StageLoad, StageUpdate} {
		got, err := ParseStage(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseStage(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStage("compact"); err == nil {
		t.Fatalf("ParseStage(compact) err = nil")
	}
}

func TestLoadGeneratesExactWithPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := tile.NewPos(0, 1, 2, 3)
	h := env.run(t, StageLoad.TaskFor(pos))

	if got := timestampOf(t, h); got != tile.TimestampGenerated {
		t.Fatalf("timestamp = %d, want TimestampGenerated", got)
	}
	if diff := cmp.Diff([]bool{true}, env.exact.calls()); diff != "" {
		t.Fatalf("exact allow flags mismatch (-want +got):\n%s", diff)
	}
	snap, err := h.Snapshot()
	if err != nil || snap == nil {
		t.Fatalf("Snapshot = %v, %v", snap, err)
	}
	var got tile.Tile
	if err := snap.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d, ok := got.Get(0, 0, 0); !ok || d.X != 1 {
		t.Fatalf("voxel = %+v, %v", d, ok)
	}
	if n := env.pool.Outstanding(); n != 0 {
		t.Fatalf("Outstanding() = %d, want 0", n)
	}
}

func TestLoadFallsBackWhenSynthesisNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.world.source.Store(true)
	h := env.run(t, StageLoad.TaskFor(tile.NewPos(0, 0, 0, 0)))

	if diff := cmp.Diff([]bool{false, true}, env.exact.calls()); diff != "" {
		t.Fatalf("exact allow flags mismatch (-want +got):\n%s", diff)
	}
	if got := timestampOf(t, h); got != tile.TimestampGenerated {
		t.Fatalf("timestamp = %d, want TimestampGenerated", got)
	}
}

func TestDebugFlagSkipsSourceGeneration(t *testing.T) {
	env := newTestEnv(t, func(p *Provider) { p.DebugExactGenerationDisabled = true })
	env.world.source.Store(true)
	env.exact.populated = true
	env.run(t, StageLoad.TaskFor(tile.NewPos(0, 0, 0, 0)))

	if diff := cmp.Diff([]bool{true}, env.exact.calls()); diff != "" {
		t.Fatalf("exact allow flags mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSkipsGeneratedTile(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := tile.NewPos(0, 2, 2, 2)
	if _, err := env.store.HandleFor(pos).Set(tile.Metadata{Timestamp: 7}, new(tile.Tile)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h := env.run(t, StageLoad.TaskFor(pos))
	if got := timestampOf(t, h); got != 7 {
		t.Fatalf("timestamp = %d, want 7", got)
	}
	if calls := env.exact.calls(); len(calls) != 0 {
		t.Fatalf("exact called %d times for a generated tile", len(calls))
	}
}

// dirtyTile stores pos at timestamp 40 and marks it dirty at 50.
func dirtyTile(t *testing.T, env *testEnv, pos tile.Pos) *store.Handle {
	t.Helper()
	h := env.store.HandleFor(pos)
	if _, err := h.Set(tile.Metadata{Timestamp: 40}, new(tile.Tile)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, err := h.MarkDirty(50); err != nil || !ok {
		t.Fatalf("MarkDirty = %v, %v", ok, err)
	}
	env.world.ts.Store(60)
	return h
}

func TestUpdateRegeneratesDirtyTile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.world.source.Store(true)
	env.exact.populated = true
	pos := tile.NewPos(0, 3, 0, 1)
	dirtyTile(t, env, pos)

	h := env.run(t, StageUpdate.TaskFor(pos))
	if got := timestampOf(t, h); got != 50 {
		t.Fatalf("timestamp = %d, want 50", got)
	}
	dirty, err := h.DirtyTimestamp()
	if err != nil || dirty != tile.TimestampBlank {
		t.Fatalf("DirtyTimestamp = %d, %v, want blank", dirty, err)
	}
	if diff := cmp.Diff([]bool{false}, env.exact.calls()); diff != "" {
		t.Fatalf("exact allow flags mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateWithoutSourceClearsDirty(t *testing.T) {
	env := newTestEnv(t, nil)
	pos := tile.NewPos(0, 3, 0, 1)
	dirtyTile(t, env, pos)

	h := env.run(t, StageUpdate.TaskFor(pos))
	if got := timestampOf(t, h); got != 40 {
		t.Fatalf("timestamp = %d, want 40", got)
	}
	dirty, err := h.DirtyTimestamp()
	if err != nil || dirty != tile.TimestampBlank {
		t.Fatalf("DirtyTimestamp = %d, %v, want blank", dirty, err)
	}
	if calls := env.exact.calls(); len(calls) != 0 {
		t.Fatalf("exact called %d times", len(calls))
	}
}

func TestRoughGenerationSkipsPyramid(t *testing.T) {
	rough := &fakeRough{}
	env := newTestEnv(t, func(p *Provider) { p.Rough = rough })
	h := env.run(t, StageLoad.TaskFor(tile.NewPos(2, 0, 0, 0)))

	if got := rough.calls.Load(); got != 1 {
		t.Fatalf("rough calls = %d, want 1", got)
	}
	if got := env.scaler.calls.Load(); got != 0 {
		t.Fatalf("scale calls = %d, want 0", got)
	}
	if got := timestampOf(t, h); got != tile.TimestampGenerated {
		t.Fatalf("timestamp = %d, want TimestampGenerated", got)
	}
}

func TestPyramidBuildsBottomUp(t *testing.T) {
	env := newTestEnv(t, nil)
	var (
		mu    sync.Mutex
		order = map[tile.Pos]int{}
	)
	if err := env.store.AddListener(&store.ListenerFuncs{Changed: func(positions []tile.Pos) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range positions {
			order[p] = len(order)
		}
	}}); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	root := tile.NewPos(2, 0, 0, 0)
	h := env.run(t, StageLoad.TaskFor(root))

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 64+8+1 {
		t.Fatalf("changed %d positions, want 73", len(order))
	}
	var check func(p tile.Pos)
	check = func(p tile.Pos) {
		if p.Level == 0 {
			return
		}
		for _, c := range p.Children() {
			if order[c] >= order[p] {
				t.Errorf("%s changed before its child %s", p, c)
			}
			check(c)
		}
	}
	check(root)

	if got := len(env.exact.calls()); got != 64 {
		t.Fatalf("exact calls = %d, want 64", got)
	}
	if got := env.scaler.nilInput.Load(); got != 0 {
		t.Fatalf("scale saw %d missing inputs", got)
	}
	snap, err := h.Snapshot()
	if err != nil || snap == nil || len(snap.Data) == 0 {
		t.Fatalf("root snapshot = %+v, %v", snap, err)
	}
	if n := env.pool.Outstanding(); n != 0 {
		t.Fatalf("Outstanding() = %d, want 0", n)
	}
}

// pyramidOf lists root and every descendant, children before parents.
func pyramidOf(root tile.Pos) []tile.Pos {
	var out []tile.Pos
	if root.Level > 0 {
		for _, c := range root.Children() {
			out = append(out, pyramidOf(c)...)
		}
	}
	return append(out, root)
}

func TestUpdatePyramidBuildsBottomUp(t *testing.T) {
	env := newTestEnv(t, nil)
	env.world.source.Store(true)
	env.exact.populated = true

	root := tile.NewPos(2, 0, 0, 0)
	positions := pyramidOf(root)
	if len(positions) != 64+8+1 {
		t.Fatalf("pyramid has %d positions, want 73", len(positions))
	}
	metas := make([]tile.Metadata, len(positions))
	tiles := make([]*tile.Tile, len(positions))
	for i := range positions {
		metas[i] = tile.Metadata{Timestamp: 40}
		tiles[i] = new(tile.Tile)
	}
	if _, err := env.store.MultiSet(positions, metas, tiles); err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if bits, err := env.store.MultiMarkDirty(positions, 50); err != nil || bits.Count() != uint(len(positions)) {
		t.Fatalf("MultiMarkDirty = %v, %v", bits, err)
	}
	env.world.ts.Store(60)

	var (
		mu    sync.Mutex
		order = map[tile.Pos]int{}
	)
	if err := env.store.AddListener(&store.ListenerFuncs{Changed: func(changed []tile.Pos) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range changed {
			if _, ok := order[p]; ok {
				t.Errorf("%s changed twice", p)
			}
			order[p] = len(order)
		}
	}}); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	env.run(t, StageUpdate.TaskFor(root))

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(positions) {
		t.Fatalf("changed %d positions, want %d", len(order), len(positions))
	}
	for _, p := range positions {
		if p.Level == 0 {
			continue
		}
		for _, c := range p.Children() {
			if order[c] >= order[p] {
				t.Errorf("%s changed before its child %s", p, c)
			}
		}
	}

	stamps, err := env.store.MultiTimestamp(positions)
	if err != nil {
		t.Fatalf("MultiTimestamp: %v", err)
	}
	dirty, err := env.store.MultiDirtyTimestamp(positions)
	if err != nil {
		t.Fatalf("MultiDirtyTimestamp: %v", err)
	}
	for i, p := range positions {
		if stamps[i] != 50 || dirty[i] != tile.TimestampBlank {
			t.Errorf("%s: timestamp %d dirty %d, want 50 and blank", p, stamps[i], dirty[i])
		}
	}

	calls := env.exact.calls()
	if len(calls) != 64 {
		t.Fatalf("exact calls = %d, want 64", len(calls))
	}
	for _, allow := range calls {
		if allow {
			t.Fatalf("exact generation asked for synthesis while source data exists")
		}
	}
	if got := env.scaler.calls.Load(); got != 9 {
		t.Fatalf("scale calls = %d, want 9", got)
	}
	if got := env.scaler.nilInput.Load(); got != 0 {
		t.Fatalf("scale saw %d missing inputs", got)
	}
	if n := env.pool.Outstanding(); n != 0 {
		t.Fatalf("Outstanding() = %d, want 0", n)
	}
}

func TestConcurrentRequestsGenerateOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	task := StageLoad.TaskFor(tile.NewPos(1, 1, 1, 1))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.run(t, task)
		}()
	}
	wg.Wait()

	if got := len(env.exact.calls()); got != 8 {
		t.Fatalf("exact calls = %d, want 8", got)
	}
	if got := env.scaler.calls.Load(); got != 1 {
		t.Fatalf("scale calls = %d, want 1", got)
	}
}

func TestExactBatchGroupClaimsNeighbours(t *testing.T) {
	env := newTestEnv(t, nil)
	env.exact.group = func(positions []tile.Pos) ([]tile.Pos, bool) {
		group := append([]tile.Pos(nil), positions...)
		for _, p := range positions {
			group = append(group, tile.NewPos(0, p.X, p.Y+1, p.Z))
		}
		return group, true
	}
	pos := tile.NewPos(0, 0, 0, 0)
	above := tile.NewPos(0, 0, 1, 0)
	env.run(t, StageLoad.TaskFor(pos))

	h := env.store.HandleFor(above)
	if got := timestampOf(t, h); got != tile.TimestampGenerated {
		t.Fatalf("neighbour timestamp = %d, want TimestampGenerated", got)
	}
	env.run(t, StageLoad.TaskFor(above))

	env.exact.mu.Lock()
	defer env.exact.mu.Unlock()
	if diff := cmp.Diff([][]tile.Pos{{pos, above}}, env.exact.batches); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}
}

func TestOutOfLimitsTaskFails(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.sched.Schedule(StageLoad.TaskFor(tile.NewPos(0, 9, 0, 0))).Get(ctx)
	if err == nil || !strings.Contains(err.Error(), "outside coordinate limits") {
		t.Fatalf("err = %v, want limits panic", err)
	}
}
