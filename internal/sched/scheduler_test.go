package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// counts tracks executions per key.
type counts struct {
	mu sync.Mutex
	m  map[string]int
}

func (c *counts) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]int{}
	}
	c.m[key]++
}

func (c *counts) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key]
}

// blockerScheduler runs one worker whose "block" key waits on the returned
// release function, so tests can queue tasks behind it.
func blockerScheduler(t *testing.T, fn WorkFunc[string, string]) (*Scheduler[string, string], func()) {
	t.Helper()
	gate := make(chan struct{})
	started := make(chan struct{})
	s := New(func(key string, cb *Callback[string, string]) error {
		if key == "block" {
			close(started)
			<-gate
			return cb.Complete(key, "unblocked")
		}
		return fn(key, cb)
	}, Config{Workers: 1})
	t.Cleanup(s.Close)
	s.Schedule("block")
	<-started
	var once sync.Once
	return s, func() { once.Do(func() { close(gate) }) }
}

func TestScheduleDeduplicates(t *testing.T) {
	var runs counts
	s, release := blockerScheduler(t, func(key string, cb *Callback[string, string]) error {
		runs.inc(key)
		return cb.Complete(key, "value-"+key)
	})

	const n = 50
	futs := make([]*Future[string], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futs[i] = s.Schedule("a")
		}(i)
	}
	wg.Wait()
	release()

	for i, f := range futs {
		v, err := f.Get(waitCtx(t))
		if err != nil || v != "value-a" {
			t.Fatalf("future %d = %q, %v, want value-a", i, v, err)
		}
		if f != futs[0] {
			t.Fatalf("future %d is not shared", i)
		}
	}
	if got := runs.get("a"); got != 1 {
		t.Fatalf("executions of a = %d, want 1", got)
	}
}

func TestScheduleWhileRunningCreatesSuccessor(t *testing.T) {
	var runs counts
	entered := make(chan struct{}, 2)
	proceed := make(chan struct{})
	s := New(func(key string, cb *Callback[string, string]) error {
		runs.inc(key)
		entered <- struct{}{}
		<-proceed
		return cb.Complete(key, fmt.Sprintf("run-%d", runs.get(key)))
	}, Config{Workers: 2})
	defer s.Close()

	first := s.Schedule("k")
	<-entered
	second := s.Schedule("k")
	third := s.Schedule("k")
	if second == first {
		t.Fatalf("request during execution joined the running task")
	}
	if third != second {
		t.Fatalf("requests during execution did not share the successor")
	}

	close(proceed)
	v1, err := first.Get(waitCtx(t))
	if err != nil || v1 != "run-1" {
		t.Fatalf("first = %q, %v, want run-1", v1, err)
	}
	v2, err := second.Get(waitCtx(t))
	if err != nil || v2 != "run-2" {
		t.Fatalf("second = %q, %v, want run-2", v2, err)
	}
	if got := runs.get("k"); got != 2 {
		t.Fatalf("executions = %d, want 2", got)
	}
}

func TestAcquireSteals(t *testing.T) {
	var runs counts
	var won []string
	var wonMu sync.Mutex
	s, release := blockerScheduler(t, func(key string, cb *Callback[string, string]) error {
		runs.inc(key)
		if key == "a" {
			got := cb.Acquire([]string{"a", "b", "c", "block"}, TryStealExisting)
			got = append(got, cb.Acquire([]string{"c", "b"}, TryStealExistingOrCreate)...)
			wonMu.Lock()
			won = got
			wonMu.Unlock()
			for _, k := range append([]string{"a"}, got...) {
				if err := cb.Complete(k, "by-a"); err != nil {
					return err
				}
			}
			return nil
		}
		return cb.Complete(key, "self")
	})

	fa := s.Schedule("a")
	fb := s.Schedule("b")
	release()

	if v, err := fb.Get(waitCtx(t)); err != nil || v != "by-a" {
		t.Fatalf("b = %q, %v, want by-a", v, err)
	}
	if _, err := fa.Get(waitCtx(t)); err != nil {
		t.Fatalf("a: %v", err)
	}
	wonMu.Lock()
	defer wonMu.Unlock()
	if diff := cmp.Diff([]string{"b", "c"}, won); diff != "" {
		t.Fatalf("acquired keys mismatch (-want +got):\n%s", diff)
	}
	if got := runs.get("b"); got != 0 {
		t.Fatalf("stolen key executed %d times", got)
	}
}

func TestFailureIsolation(t *testing.T) {
	boom := errors.New("boom")
	s := New(func(key string, cb *Callback[string, string]) error {
		switch key {
		case "err":
			cb.Acquire([]string{"err-batch"}, TryStealExistingOrCreate)
			return boom
		case "panic":
			panic("kaboom")
		case "forget":
			return nil
		case "partial":
			cb.Acquire([]string{"partial-batch"}, TryStealExistingOrCreate)
			if err := cb.Complete("partial", "ok"); err != nil {
				return err
			}
			return nil
		}
		return cb.Complete(key, "ok-"+key)
	}, Config{Workers: 2})
	defer s.Close()

	ctx := waitCtx(t)
	if _, err := s.Schedule("err").Get(ctx); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := s.Schedule("panic").Get(ctx); err == nil {
		t.Fatalf("panicking work succeeded")
	}
	if _, err := s.Schedule("forget").Get(ctx); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("forget = %v, want ErrNotCompleted", err)
	}
	if v, err := s.Schedule("partial").Get(ctx); err != nil || v != "ok" {
		t.Fatalf("partial = %q, %v, want ok", v, err)
	}
	if v, err := s.Schedule("good").Get(ctx); err != nil || v != "ok-good" {
		t.Fatalf("good = %q, %v", v, err)
	}
	// partial-batch fails after "partial" resolves, possibly on another worker.
	deadline := time.Now().Add(5 * time.Second)
	for s.Status().Tasks != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Status().Tasks = %d, want 0 after all work finished", s.Status().Tasks)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCompleteNotOwned(t *testing.T) {
	s := New(func(key string, cb *Callback[string, string]) error {
		if err := cb.Complete("other", "x"); !errors.Is(err, ErrNotOwned) {
			return fmt.Errorf("Complete(other) err = %v, want ErrNotOwned", err)
		}
		return cb.Complete(key, "ok")
	}, Config{Workers: 1})
	defer s.Close()
	if _, err := s.Schedule("k").Get(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
}

// treeWork sums a binary tree of ints through nested scatter-gather.
func treeWork(leafFrom int, runs *atomic.Int64) WorkFunc[int, int] {
	return func(key int, cb *Callback[int, int]) error {
		runs.Add(1)
		if key >= leafFrom {
			return cb.Complete(key, 1)
		}
		vals, err := cb.ScatterGather([]int{2*key + 1, 2*key + 2})
		if err != nil {
			return err
		}
		return cb.Complete(key, vals[0]+vals[1]+1)
	}
}

func TestScatterGatherSingleWorker(t *testing.T) {
	var runs atomic.Int64
	s := New(treeWork(15, &runs), Config{Workers: 1})
	defer s.Close()

	v, err := s.Schedule(0).Get(waitCtx(t))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 31 {
		t.Fatalf("tree sum = %d, want 31", v)
	}
	if got := runs.Load(); got != 31 {
		t.Fatalf("executions = %d, want 31", got)
	}
}

func TestScatterGatherConcurrent(t *testing.T) {
	var runs atomic.Int64
	s := New(treeWork(63, &runs), Config{Workers: 3})
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vals, err := s.ScatterGather(waitCtx(t), []int{1, 2, 1, 0})
			if err != nil {
				errs <- err
				return
			}
			if want := []int{63, 63, 63, 127}; !cmp.Equal(vals, want) {
				errs <- fmt.Errorf("values = %v, want %v", vals, want)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestScatterGatherOwnedKeyPanics(t *testing.T) {
	s := New(func(key string, cb *Callback[string, string]) error {
		_, err := cb.ScatterGather([]string{key})
		return err
	}, Config{Workers: 1})
	defer s.Close()
	_, err := s.Schedule("self").Get(waitCtx(t))
	if err == nil {
		t.Fatalf("self gather succeeded")
	}
	if got := s.Status().Failed; got != 1 {
		t.Fatalf("Status().Failed = %d, want 1", got)
	}
}

func TestCloseFailsPending(t *testing.T) {
	s, release := blockerScheduler(t, func(key string, cb *Callback[string, string]) error {
		return cb.Complete(key, "ok")
	})
	pending := s.Schedule("queued")

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	if _, err := pending.Get(waitCtx(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("pending = %v, want ErrClosed", err)
	}
	release()
	<-done

	if _, err := s.Schedule("late").Get(waitCtx(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Schedule after Close = %v, want ErrClosed", err)
	}
	if !s.Status().Closed {
		t.Fatalf("Status().Closed = false")
	}
}
