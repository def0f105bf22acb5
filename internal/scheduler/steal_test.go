package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/utkarsh5026/stealpool/internal/latch"
)

// idleRegistry builds a registry whose workers are never started, so tests
// can drive queue operations by hand.
func idleRegistry(n int) *Registry {
	r := &Registry{
		name:     "idle",
		workers:  make([]*Worker, n),
		injector: newJobQueue(defaultInjectorCapacity),
		cfg: Config{
			Name:          "idle",
			NumThreads:    n,
			InboxCapacity: defaultInboxCapacity,
			BaseContext:   context.Background(),
		},
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
		logger:    zap.NewNop(),
	}
	r.refs.Store(1)
	for i := range r.workers {
		r.workers[i] = newWorker(r, i)
	}
	return r
}

func TestWorker_StealSingleWorker(t *testing.T) {
	r := idleRegistry(1)
	r.workers[0].local.PushBack(valueRef(1))

	if ref := r.workers[0].steal(); ref != nil {
		t.Error("a lone worker must not steal from itself")
	}
}

func TestWorker_StealFromEmptyQueues(t *testing.T) {
	r := idleRegistry(4)

	for _, w := range r.workers {
		if ref := w.steal(); ref != nil {
			t.Errorf("worker %d stole from empty queues", w.Index())
		}
	}
	if got := r.steals.Load(); got != 0 {
		t.Errorf("steals = %d, want 0", got)
	}
}

func TestWorker_StealTakesOldestAndBatches(t *testing.T) {
	r := idleRegistry(2)
	victim, thief := r.workers[0], r.workers[1]

	const pushed = 20
	for i := range pushed {
		victim.local.PushBack(valueRef(i))
	}

	ref := thief.steal()
	if ref == nil {
		t.Fatal("steal returned nil with a loaded victim")
	}
	if got := valueOf(t, ref); got != 0 {
		t.Errorf("stole %d, want the oldest job 0", got)
	}

	if got := thief.local.Len(); got != batchStealSize-1 {
		t.Errorf("thief deque holds %d, want %d", got, batchStealSize-1)
	}
	if got := victim.local.Len(); got != pushed-batchStealSize {
		t.Errorf("victim deque holds %d, want %d", got, pushed-batchStealSize)
	}
	if got := r.steals.Load(); got != 1 {
		t.Errorf("steals = %d, want 1", got)
	}

	// The batch keeps FIFO order on the thief's side, so its owner pops the
	// newest stolen job first.
	if got := valueOf(t, thief.popLocal()); got != batchStealSize-1 {
		t.Errorf("thief popped %d, want %d", got, batchStealSize-1)
	}
}

func TestWorker_StealShortQueueTakesOne(t *testing.T) {
	r := idleRegistry(2)
	victim, thief := r.workers[0], r.workers[1]

	for i := range batchStealSize {
		victim.local.PushBack(valueRef(i))
	}

	if ref := thief.steal(); ref == nil {
		t.Fatal("steal returned nil with a loaded victim")
	}
	if got := thief.local.Len(); got != 0 {
		t.Errorf("thief deque holds %d after a single steal, want 0", got)
	}
}

func TestWorker_FindWorkOrder(t *testing.T) {
	r := idleRegistry(2)
	w, peer := r.workers[0], r.workers[1]

	r.injector.Push(valueRef(4))
	peer.local.PushBack(valueRef(3))
	w.inbox.Push(valueRef(2))
	w.local.PushBack(valueRef(0))
	w.local.PushBack(valueRef(1))

	want := []int{1, 0, 2, 3, 4}
	for _, v := range want {
		ref := w.findWork()
		if ref == nil {
			t.Fatalf("findWork returned nil, want %d", v)
		}
		if got := valueOf(t, ref); got != v {
			t.Errorf("findWork returned %d, want %d", got, v)
		}
	}

	if ref := w.findWork(); ref != nil {
		t.Error("findWork returned a job from drained queues")
	}
}

func TestWorker_PushFallsBackToInjectorWhenBusy(t *testing.T) {
	r := idleRegistry(1)
	w := r.workers[0]

	w.busy.Store(true)
	w.pushLocal(valueRef(7))
	if ref := w.popLocal(); ref != nil {
		t.Error("popLocal must not touch the deque while it is busy")
	}
	w.busy.Store(false)

	if got := w.local.Len(); got != 0 {
		t.Errorf("local deque holds %d, want 0", got)
	}
	ref, ok := r.injector.Pop()
	if !ok || valueOf(t, ref) != 7 {
		t.Error("job pushed while busy did not reach the injector")
	}
}

func TestWorker_PushedJobsAreStolenUnderLoad(t *testing.T) {
	const (
		numWorkers = 4
		numJobs    = 64
	)
	r := newTestRegistry(t, Config{Name: "steal", NumThreads: numWorkers})

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	var ran atomic.Int32
	l := latch.New(numJobs)

	if !r.Acquire() {
		t.Fatal("Acquire failed on a live registry")
	}
	r.Inject(NewJobRef(JobFunc(func(w *Worker) {
		defer r.Release()
		for range numJobs {
			w.Push(NewJobRef(JobFunc(func(w *Worker) {
				defer l.Arrive()
				time.Sleep(time.Millisecond)
				ran.Add(1)
				mu.Lock()
				seen[w.Index()]++
				mu.Unlock()
			})))
		}
		w.WaitUntil(l)
	})))

	waitDone(t, l.Done(), "pushed jobs")

	if got := ran.Load(); got != numJobs {
		t.Errorf("ran %d jobs, want %d", got, numJobs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Errorf("all jobs ran on one worker: %v", seen)
	}
	if r.Stats().Steals == 0 {
		t.Error("no steals recorded although peers ran pushed jobs")
	}
	t.Logf("jobs per worker: %v", seen)
}
