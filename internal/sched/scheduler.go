// Package sched runs keyed work with de-duplication. Every key has at most one
// live task; identical requests share its Future. A work invocation owns the
// key it was started for plus any keys it claims through its Callback, and
// must complete each of them.
package sched

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/farplane/lodtiles/internal/metrics"
)

var (
	// ErrClosed fails tasks that were pending when the scheduler closed.
	ErrClosed = errors.New("sched: scheduler closed")
	// ErrNotCompleted fails keys a work function returned without completing.
	ErrNotCompleted = errors.New("sched: work returned without completing key")
	// ErrNotOwned is returned when completing a key the invocation does not own.
	ErrNotOwned = errors.New("sched: key not owned by this invocation")
)

// WorkFunc computes the value of key and completes it through cb. An error
// or panic fails every key the invocation still owns.
type WorkFunc[K comparable, V any] func(key K, cb *Callback[K, V]) error

// Strategy selects which keys Callback.Acquire may claim.
type Strategy int

const (
	// TryStealExisting claims only tasks that are queued and not started.
	TryStealExisting Strategy = iota
	// TryStealExistingOrCreate also claims keys that have no task.
	TryStealExistingOrCreate
)

func (s Strategy) String() string {
	switch s {
	case TryStealExisting:
		return "steal_existing"
	case TryStealExistingOrCreate:
		return "steal_existing_or_create"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

type taskState uint8

const (
	stateQueued  taskState = iota // in the queue, not started
	stateOwned                    // claimed by an invocation
	stateWaiting                  // successor of an owned task
	stateDone
)

type task[K comparable, V any] struct {
	key   K
	fut   *Future[V]
	state taskState
	// next is requested while this task is owned and runs after it.
	next *task[K, V]
}

type shard[K comparable, V any] struct {
	mu    sync.Mutex
	tasks map[K]*task[K, V]
}

// Config configures a Scheduler
type Config struct {
	Workers int            // worker goroutines, default runtime.NumCPU()
	Shards  int            // task table shards, default 64
	Logger  zerolog.Logger // default zerolog.Nop()
}

// Scheduler is a fixed pool of workers over a de-duplicating task table.
type Scheduler[K comparable, V any] struct {
	fn      WorkFunc[K, V]
	log     zerolog.Logger
	workers int

	seed   maphash.Seed
	shards []shard[K, V]
	queue  *taskQueue[*task[K, V]]

	// progress is closed and replaced whenever a task finishes.
	progress atomic.Pointer[chan struct{}]
	closed   atomic.Bool
	wg       sync.WaitGroup

	scheduled atomic.Int64
	joined    atomic.Int64
	executed  atomic.Int64
	stolen    atomic.Int64
	inline    atomic.Int64
	failed    atomic.Int64
}

// New starts a scheduler running fn on cfg.Workers goroutines.
func New[K comparable, V any](fn WorkFunc[K, V], cfg Config) *Scheduler[K, V] {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	s := &Scheduler[K, V]{
		fn:      fn,
		log:     cfg.Logger.With().Str("component", "scheduler").Logger(),
		workers: cfg.Workers,
		seed:    maphash.MakeSeed(),
		shards:  make([]shard[K, V], cfg.Shards),
		queue:   newTaskQueue[*task[K, V]](),
	}
	for i := range s.shards {
		s.shards[i].tasks = make(map[K]*task[K, V])
	}
	ch := make(chan struct{})
	s.progress.Store(&ch)

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}
	s.log.Info().Int("workers", cfg.Workers).Int("shards", cfg.Shards).Msg("scheduler started")
	return s
}

func (s *Scheduler[K, V]) shardFor(key K) *shard[K, V] {
	return &s.shards[maphash.Comparable(s.seed, key)%uint64(len(s.shards))]
}

func (s *Scheduler[K, V]) event(counter *atomic.Int64, name string) {
	counter.Add(1)
	metrics.SchedulerTasks.WithLabelValues(name).Inc()
}

// Schedule requests the value of key. Requests for a key whose task has not
// started share that task. A request for a key that is executing creates one
// successor task, shared by later requests, which runs after the current one.
func (s *Scheduler[K, V]) Schedule(key K) *Future[V] {
	if s.closed.Load() {
		return failedFuture[V](ErrClosed)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	t := sh.tasks[key]
	switch {
	case t == nil:
		t = &task[K, V]{key: key, fut: newFuture[V](), state: stateQueued}
		sh.tasks[key] = t
		sh.mu.Unlock()
		s.event(&s.scheduled, "scheduled")
		s.enqueue(t)
		return t.fut
	case t.state == stateQueued:
		sh.mu.Unlock()
		s.event(&s.joined, "joined")
		return t.fut
	default:
		created := t.next == nil
		if created {
			t.next = &task[K, V]{key: key, fut: newFuture[V](), state: stateWaiting}
		}
		fut := t.next.fut
		sh.mu.Unlock()
		if created {
			s.event(&s.scheduled, "scheduled")
		} else {
			s.event(&s.joined, "joined")
		}
		return fut
	}
}

// ScatterGather schedules every key, runs the ones nobody has started on the
// calling goroutine and waits for all of them. Values are returned in key
// order; the first failure in key order is returned as the error.
func (s *Scheduler[K, V]) ScatterGather(ctx context.Context, keys []K) ([]V, error) {
	return s.gather(ctx, keys)
}

func (s *Scheduler[K, V]) enqueue(t *task[K, V]) {
	if s.closed.Load() || !s.queue.Enqueue(t) {
		s.failQueued(t, ErrClosed)
		return
	}
	metrics.SchedulerQueueDepth.Inc()
}

// claimQueued moves a queued task to owned.
func (s *Scheduler[K, V]) claimQueued(t *task[K, V]) bool {
	sh := s.shardFor(t.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if t.state != stateQueued {
		return false
	}
	t.state = stateOwned
	return true
}

func (s *Scheduler[K, V]) failQueued(t *task[K, V], err error) {
	if s.claimQueued(t) {
		var zero V
		s.finish(t, zero, err)
	}
}

// claim takes ownership of key if its task is queued, or creates an owned
// task when create is set and the key has none.
func (s *Scheduler[K, V]) claim(key K, create bool) (*task[K, V], bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.tasks[key]
	if t == nil {
		if !create {
			return nil, false
		}
		t = &task[K, V]{key: key, fut: newFuture[V](), state: stateOwned}
		sh.tasks[key] = t
		return t, true
	}
	if t.state == stateQueued {
		t.state = stateOwned
		return t, true
	}
	return nil, false
}

// joinOrClaim returns the future answering a request for key. If nobody has
// started the key the caller becomes its owner and must run it.
func (s *Scheduler[K, V]) joinOrClaim(key K) (*task[K, V], *Future[V]) {
	if s.closed.Load() {
		return nil, failedFuture[V](ErrClosed)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.tasks[key]
	switch {
	case t == nil:
		t = &task[K, V]{key: key, fut: newFuture[V](), state: stateOwned}
		sh.tasks[key] = t
		return t, t.fut
	case t.state == stateQueued:
		t.state = stateOwned
		return t, t.fut
	default:
		if t.next == nil {
			t.next = &task[K, V]{key: key, fut: newFuture[V](), state: stateWaiting}
		}
		return nil, t.next.fut
	}
}

// claimIfQueued claims the task behind fut once it has become runnable.
func (s *Scheduler[K, V]) claimIfQueued(key K, fut *Future[V]) *task[K, V] {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.tasks[key]
	if t == nil || t.fut != fut || t.state != stateQueued {
		return nil
	}
	t.state = stateOwned
	return t
}

// finish resolves an owned task and promotes its successor.
func (s *Scheduler[K, V]) finish(t *task[K, V], v V, err error) {
	sh := s.shardFor(t.key)
	sh.mu.Lock()
	if t.state != stateOwned {
		sh.mu.Unlock()
		return
	}
	t.state = stateDone
	next := t.next
	t.next = nil
	if sh.tasks[t.key] == t {
		if next != nil {
			next.state = stateQueued
			sh.tasks[t.key] = next
		} else {
			delete(sh.tasks, t.key)
		}
	}
	sh.mu.Unlock()

	t.fut.resolve(v, err)
	if next != nil {
		s.enqueue(next)
	}
	s.signalProgress()
}

func (s *Scheduler[K, V]) signalProgress() {
	ch := make(chan struct{})
	old := s.progress.Swap(&ch)
	close(*old)
}

func (s *Scheduler[K, V]) runWorker(id int) {
	defer s.wg.Done()
	log := s.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	for {
		t, ok := s.queue.Dequeue()
		if !ok {
			log.Debug().Msg("worker stopping")
			return
		}
		metrics.SchedulerQueueDepth.Dec()
		if !s.claimQueued(t) {
			continue
		}
		s.run(t)
	}
}

// run executes the work function for an owned task and fails whatever the
// invocation left incomplete.
func (s *Scheduler[K, V]) run(t *task[K, V]) {
	cb := &Callback[K, V]{s: s, key: t.key, owned: map[K]*task[K, V]{t.key: t}}
	s.event(&s.executed, "executed")
	err := s.invoke(t.key, cb)
	if len(cb.owned) == 0 {
		if err != nil {
			s.log.Warn().Err(err).Interface("key", t.key).Msg("work failed after completing its keys")
		}
		return
	}
	if err == nil {
		err = ErrNotCompleted
	}
	s.log.Error().Err(err).Interface("key", t.key).Int("owned", len(cb.owned)).Msg("work failed")
	var zero V
	for _, owned := range cb.owned {
		s.event(&s.failed, "failed")
		s.finish(owned, zero, err)
	}
	cb.owned = nil
}

func (s *Scheduler[K, V]) invoke(key K, cb *Callback[K, V]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("key", key).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("work panicked")
			err = fmt.Errorf("sched: work on %v panicked: %v", key, r)
		}
	}()
	return s.fn(key, cb)
}

func (s *Scheduler[K, V]) gather(ctx context.Context, keys []K) ([]V, error) {
	futs := make([]*Future[V], len(keys))
	seen := make(map[K]*Future[V], len(keys))
	var runnable []*task[K, V]
	for i, key := range keys {
		if fut, ok := seen[key]; ok {
			futs[i] = fut
			continue
		}
		t, fut := s.joinOrClaim(key)
		if t != nil {
			runnable = append(runnable, t)
		}
		futs[i] = fut
		seen[key] = fut
	}

	for _, t := range runnable {
		s.event(&s.inline, "inline")
		s.run(t)
	}

	for i, fut := range futs {
		if err := s.await(ctx, keys[i], fut); err != nil {
			return nil, err
		}
	}

	values := make([]V, len(keys))
	for i, fut := range futs {
		// resolved, so Get cannot block
		v, err := fut.Get(context.Background())
		if err != nil {
			return nil, fmt.Errorf("gather %v: %w", keys[i], err)
		}
		values[i] = v
	}
	return values, nil
}

// await waits for fut. A successor task becoming runnable while we wait is
// claimed and run here, so waiting never depends on a free worker.
func (s *Scheduler[K, V]) await(ctx context.Context, key K, fut *Future[V]) error {
	for !fut.Ready() {
		progress := *s.progress.Load()
		if t := s.claimIfQueued(key, fut); t != nil {
			s.event(&s.inline, "inline")
			s.run(t)
			continue
		}
		select {
		case <-fut.Done():
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops the workers after their current task and fails every task
// that has not started. It is safe to call more than once.
func (s *Scheduler[K, V]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	rest := s.queue.Close()
	metrics.SchedulerQueueDepth.Sub(float64(len(rest)))

	var pending []*task[K, V]
	var successors []*Future[V]
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, t := range sh.tasks {
			if t.state == stateQueued {
				pending = append(pending, t)
			}
			if t.next != nil {
				successors = append(successors, t.next.fut)
			}
		}
		sh.mu.Unlock()
	}
	for _, t := range pending {
		s.failQueued(t, ErrClosed)
	}
	var zero V
	for _, fut := range successors {
		fut.resolve(zero, ErrClosed)
	}
	s.signalProgress()

	s.wg.Wait()
	s.log.Info().Int64("executed", s.executed.Load()).Int64("failed", s.failed.Load()).Msg("scheduler stopped")
}

// Status is a point in time view of the scheduler.
type Status struct {
	Workers   int   `json:"workers"`
	QueueLen  int   `json:"queue_len"`
	Tasks     int   `json:"tasks"`
	Scheduled int64 `json:"scheduled"`
	Joined    int64 `json:"joined"`
	Executed  int64 `json:"executed"`
	Stolen    int64 `json:"stolen"`
	Inline    int64 `json:"inline"`
	Failed    int64 `json:"failed"`
	Closed    bool  `json:"closed"`
}

// Status returns the current status of the scheduler.
func (s *Scheduler[K, V]) Status() Status {
	tasks := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		tasks += len(sh.tasks)
		sh.mu.Unlock()
	}
	return Status{
		Workers:   s.workers,
		QueueLen:  s.queue.Len(),
		Tasks:     tasks,
		Scheduled: s.scheduled.Load(),
		Joined:    s.joined.Load(),
		Executed:  s.executed.Load(),
		Stolen:    s.stolen.Load(),
		Inline:    s.inline.Load(),
		Failed:    s.failed.Load(),
		Closed:    s.closed.Load(),
	}
}
