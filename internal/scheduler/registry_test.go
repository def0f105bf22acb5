package scheduler

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/utkarsh5026/stealpool/internal/algorithms"
	"github.com/utkarsh5026/stealpool/internal/latch"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		r.Terminate()
		waitDone(t, r.Done(), "registry shutdown")
	})
	return r
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestNewRegistry_NoWorkers(t *testing.T) {
	for _, n := range []int{0, -3} {
		_, err := NewRegistry(Config{NumThreads: n})
		if !errors.Is(err, ErrNoWorkers) {
			t.Errorf("NumThreads=%d: expected ErrNoWorkers, got %v", n, err)
		}
	}
}

func TestRegistry_Inject(t *testing.T) {
	r := newTestRegistry(t, Config{Name: "inject", NumThreads: 3})

	if !r.Acquire() {
		t.Fatal("Acquire failed on a live registry")
	}

	ran := make(chan *Worker, 1)
	r.Inject(NewJobRef(JobFunc(func(w *Worker) {
		defer r.Release()
		ran <- w
	})))

	select {
	case w := <-ran:
		if w.Registry() != r {
			t.Error("job ran on a worker of another registry")
		}
		got, ok := WorkerFromContext(w.Context())
		if !ok || got != w {
			t.Error("worker context does not carry the worker")
		}
		if w.Index() < 0 || w.Index() >= r.NumThreads() {
			t.Errorf("worker index %d out of range", w.Index())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("injected job never ran")
	}
}

func TestRegistry_InjectBroadcast(t *testing.T) {
	const n = 7
	r := newTestRegistry(t, Config{Name: "broadcast", NumThreads: n})

	var counts [n]atomic.Int32
	l := latch.New(n)

	if !r.AcquireN(n) {
		t.Fatal("AcquireN failed on a live registry")
	}
	r.InjectBroadcast(NewJobRef(JobFunc(func(w *Worker) {
		defer r.Release()
		counts[w.Index()].Add(1)
		l.Arrive()
	})))

	waitDone(t, l.Done(), "broadcast")

	for i := range counts {
		if got := counts[i].Load(); got != 1 {
			t.Errorf("worker %d ran the broadcast %d times, want 1", i, got)
		}
	}
}

func TestWorkerFromContext_Foreign(t *testing.T) {
	if _, ok := WorkerFromContext(t.Context()); ok {
		t.Error("plain context should not carry a worker")
	}
	if _, ok := WorkerFromContext(nil); ok { //nolint:staticcheck // nil context is handled
		t.Error("nil context should not carry a worker")
	}
}

func TestRegistry_Lifetime(t *testing.T) {
	const n = 4
	var started, exited atomic.Int32

	r, err := NewRegistry(Config{
		NumThreads:   n,
		StartHandler: func(int) { started.Add(1) },
		ExitHandler:  func(int) { exited.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if !r.Acquire() {
		t.Fatal("Acquire failed on a live registry")
	}

	r.Terminate()
	r.Terminate()

	if r.Terminating() {
		t.Fatal("registry terminated while a reference is still held")
	}

	r.Release()
	waitDone(t, r.Done(), "worker exit")

	if r.Acquire() {
		t.Error("Acquire succeeded on a terminated registry")
	}
	if got := started.Load(); got != n {
		t.Errorf("start handler called %d times, want %d", got, n)
	}
	if got := exited.Load(); got != n {
		t.Errorf("exit handler called %d times, want %d", got, n)
	}
}

func TestRegistry_ReleaseTooMany(t *testing.T) {
	r, err := NewRegistry(Config{NumThreads: 1})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r.Terminate()
	r.Wait()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on extra release")
		}
	}()
	r.Release()
}

func TestRegistry_HandlerPanicIsContained(t *testing.T) {
	r := newTestRegistry(t, Config{
		NumThreads:   2,
		StartHandler: func(int) { panic("start boom") },
	})

	if !r.Acquire() {
		t.Fatal("Acquire failed")
	}
	ran := make(chan struct{})
	r.Inject(NewJobRef(JobFunc(func(*Worker) {
		defer r.Release()
		close(ran)
	})))
	waitDone(t, ran, "job after a panicking start handler")
}

// TestWorker_WaitUntilRunsOtherJobs blocks a worker on a latch that can only
// complete through jobs queued behind it on the same pool.
func TestWorker_WaitUntilRunsOtherJobs(t *testing.T) {
	r := newTestRegistry(t, Config{NumThreads: 1})

	const children = 10
	var ran atomic.Int32
	finished := make(chan struct{})

	if !r.Acquire() {
		t.Fatal("Acquire failed")
	}
	r.Inject(NewJobRef(JobFunc(func(w *Worker) {
		defer r.Release()

		l := latch.New(children)
		for range children {
			w.Push(NewJobRef(JobFunc(func(*Worker) {
				ran.Add(1)
				l.Arrive()
			})))
		}

		w.WaitUntil(l)
		close(finished)
	})))

	waitDone(t, finished, "WaitUntil on a single-worker pool")
	if got := ran.Load(); got != children {
		t.Errorf("expected %d children to run, got %d", children, got)
	}
}

// TestWorker_CrossRegistryWait has a worker of one registry wait on work that
// a second registry broadcasts back into the first.
func TestWorker_CrossRegistryWait(t *testing.T) {
	r1 := newTestRegistry(t, Config{Name: "r1", NumThreads: 2})
	r2 := newTestRegistry(t, Config{Name: "r2", NumThreads: 3})

	var innermost atomic.Int32
	outer := latch.New(r1.NumThreads())

	broadcastAndWait := func(caller *Worker, target *Registry, job func(w *Worker)) {
		l := latch.New(target.NumThreads())
		if !target.Acquire() {
			t.Error("Acquire failed")
			return
		}
		target.InjectBroadcast(NewJobRef(JobFunc(func(w *Worker) {
			defer l.Arrive()
			job(w)
		})))
		caller.WaitUntil(l)
		target.Release()
	}

	if !r1.Acquire() {
		t.Fatal("Acquire failed")
	}
	r1.InjectBroadcast(NewJobRef(JobFunc(func(w1 *Worker) {
		defer outer.Arrive()
		broadcastAndWait(w1, r2, func(w2 *Worker) {
			broadcastAndWait(w2, r1, func(*Worker) {
				innermost.Add(1)
			})
		})
	})))

	waitDone(t, outer.Done(), "mutual broadcast")
	r1.Release()

	want := int32(r1.NumThreads() * r2.NumThreads() * r1.NumThreads())
	if got := innermost.Load(); got != want {
		t.Errorf("innermost job ran %d times, want %d", got, want)
	}
}

func TestWorker_GoexitReplacesGoroutine(t *testing.T) {
	const n = 3
	var exited atomic.Int32
	r := newTestRegistry(t, Config{
		NumThreads:  n,
		ExitHandler: func(int) { exited.Add(1) },
	})

	if !r.Acquire() {
		t.Fatal("Acquire failed")
	}
	r.Inject(NewJobRef(JobFunc(func(*Worker) {
		defer r.Release()
		runtime.Goexit()
	})))

	// Every worker, including the replaced one, must still pick up its copy.
	l := latch.New(n)
	var mu sync.Mutex
	seen := make(map[int]bool)
	if !r.AcquireN(n) {
		t.Fatal("AcquireN failed")
	}
	r.InjectBroadcast(NewJobRef(JobFunc(func(w *Worker) {
		defer r.Release()
		mu.Lock()
		seen[w.Index()] = true
		mu.Unlock()
		l.Arrive()
	})))

	waitDone(t, l.Done(), "broadcast after Goexit")
	if len(seen) != n {
		t.Errorf("expected %d workers to run the broadcast, got %d", n, len(seen))
	}

	r.Terminate()
	waitDone(t, r.Done(), "shutdown after Goexit")
	if got := exited.Load(); got != n {
		t.Errorf("exit handler called %d times, want %d", got, n)
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := newTestRegistry(t, Config{NumThreads: 2})

	const jobs = 50
	l := latch.New(jobs)
	if !r.AcquireN(jobs) {
		t.Fatal("AcquireN failed")
	}
	for range jobs {
		r.Inject(NewJobRef(JobFunc(func(*Worker) {
			defer r.Release()
			l.Arrive()
		})))
	}
	waitDone(t, l.Done(), "injected jobs")

	stats := r.Stats()
	if stats.NumThreads != 2 {
		t.Errorf("expected 2 threads, got %d", stats.NumThreads)
	}
	if stats.JobsExecuted < jobs {
		t.Errorf("expected at least %d jobs executed, got %d", jobs, stats.JobsExecuted)
	}
}

func TestRegistry_IdleBackoffFromConfig(t *testing.T) {
	r := newTestRegistry(t, Config{Name: "backoff", NumThreads: 2, IdleBackoff: algorithms.BackoffExponential})

	for _, w := range r.workers {
		for attempt, want := range []time.Duration{idleInitialDelay, 2 * idleInitialDelay, 4 * idleInitialDelay} {
			if got := w.backoff.NextDelay(attempt); got != want {
				t.Errorf("worker %d: NextDelay(%d) = %v, want %v", w.Index(), attempt, got, want)
			}
		}
		if got := w.backoff.NextDelay(100); got != idleMaxDelay {
			t.Errorf("worker %d: NextDelay(100) = %v, want %v", w.Index(), got, idleMaxDelay)
		}
	}
}
