package scheduler

import (
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/utkarsh5026/stealpool/internal/algorithms"
	"github.com/utkarsh5026/stealpool/internal/cpu"
	"github.com/utkarsh5026/stealpool/internal/unwind"
)

const (
	// Idle progression for a worker that found nothing to run:
	//   - misses 1-20: spin and poll again
	//   - misses 21-30: yield to the Go scheduler
	//   - misses 31+: sleep with jittered exponential backoff, woken early by a signal
	spinMisses  = 20
	yieldMisses = 30

	idleInitialDelay = 50 * time.Microsecond
	idleMaxDelay     = 5 * time.Millisecond
	idleJitter       = 0.2
)

type workerKey struct{}

// Latch is what WaitUntil waits on. *latch.CountLatch satisfies it.
type Latch interface {
	Probe() bool
	Done() <-chan struct{}
}

// Worker is one goroutine of a registry. Its identity travels in the context
// returned by Context, which every job it runs receives.
type Worker struct {
	index    int
	registry *Registry

	local *wsDeque
	inbox *jobQueue
	wake  *workerSignal

	ctx     context.Context
	backoff algorithms.Backoff

	// busy serialises owner-side deque operations. It only matters when a
	// job leaks its worker context to another goroutine.
	busy atomic.Bool
}

func newWorker(r *Registry, index int) *Worker {
	w := &Worker{
		index:    index,
		registry: r,
		local:    newWSDeque(defaultLocalQueueCapacity),
		inbox:    newJobQueue(r.cfg.InboxCapacity),
		wake:     newWorkerSignal(),
		backoff:  algorithms.NewBackoff(r.cfg.IdleBackoff, idleInitialDelay, idleMaxDelay, idleJitter),
	}

	ctx := context.WithValue(r.cfg.BaseContext, workerKey{}, w)
	w.ctx = pprof.WithLabels(ctx, pprof.Labels(
		"stealpool", r.name,
		"worker", strconv.Itoa(index),
	))
	return w
}

// WorkerFromContext returns the worker whose goroutine ctx belongs to.
func WorkerFromContext(ctx context.Context) (*Worker, bool) {
	if ctx == nil {
		return nil, false
	}
	w, ok := ctx.Value(workerKey{}).(*Worker)
	return w, ok
}

// Index returns the worker's fixed position in [0, NumThreads).
func (w *Worker) Index() int {
	return w.index
}

// Registry returns the registry the worker belongs to.
func (w *Worker) Registry() *Registry {
	return w.registry
}

// Context returns the context carrying this worker's identity.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// Push queues ref on the worker's own deque, where peers can steal it.
func (w *Worker) Push(ref *JobRef) {
	w.pushLocal(ref)
	w.registry.wakePeer(w.index)
}

// StealAndExecuteOne runs at most one pending job and reports whether it did.
//
// Search order: own deque (newest first), own broadcast inbox, a peer's deque
// (oldest first), then the shared injector.
func (w *Worker) StealAndExecuteOne() bool {
	ref := w.findWork()
	if ref == nil {
		return false
	}

	w.execute(ref)
	return true
}

// WaitUntil returns once l has completed, running other jobs in the meantime.
// It is the only way a worker blocks.
func (w *Worker) WaitUntil(l Latch) {
	misses := 0
	for !l.Probe() {
		if w.StealAndExecuteOne() {
			misses = 0
			continue
		}

		misses++
		w.idle(misses, l.Done())
	}
}

func (w *Worker) findWork() *JobRef {
	if ref := w.popLocal(); ref != nil {
		return ref
	}

	if ref, ok := w.inbox.Pop(); ok {
		return ref
	}

	if ref := w.steal(); ref != nil {
		return ref
	}

	if ref, ok := w.registry.injector.Pop(); ok {
		return ref
	}

	return nil
}

func (w *Worker) execute(ref *JobRef) {
	w.registry.jobsExecuted.Add(1)
	w.registry.metrics.JobExecuted()
	ref.execute(w)
}

func (w *Worker) pushLocal(ref *JobRef) {
	if !w.busy.CompareAndSwap(false, true) {
		w.registry.injector.Push(ref)
		return
	}
	w.local.PushBack(ref)
	w.busy.Store(false)
}

func (w *Worker) popLocal() *JobRef {
	if !w.busy.CompareAndSwap(false, true) {
		return nil
	}
	ref := w.local.PopBack()
	w.busy.Store(false)
	return ref
}

// steal takes work from a peer's deque, starting at a rotating victim.
// Victims with a long queue lose a batch; the surplus goes to the thief's
// own deque.
func (w *Worker) steal() *JobRef {
	r := w.registry
	n := len(r.workers)
	if n <= 1 {
		return nil
	}

	maxAttempts := min(n-1, maxStealAttempts)
	startIndex := int(r.stealSeed.Add(1) % uint64(n)) // #nosec G115 -- n is always positive

	for i := range maxAttempts + 1 {
		victimID := (startIndex + i) % n
		if victimID == w.index {
			continue
		}

		victim := r.workers[victimID].local
		victimLen := victim.Len()
		if victimLen == 0 {
			continue
		}

		first := victim.PopFront()
		if first == nil {
			continue
		}

		if victimLen > batchStealSize*2 {
			stealCount := min(victimLen/2, batchStealSize)
			for j := 1; j < stealCount; j++ {
				if ref := victim.PopFront(); ref != nil {
					w.pushLocal(ref)
				}
			}
		}

		r.steals.Add(1)
		r.metrics.Steal()
		return first
	}

	return nil
}

// idle backs off after the misses-th consecutive empty search. Sleeping ends
// early on a wake signal or when stop is closed.
func (w *Worker) idle(misses int, stop <-chan struct{}) {
	switch {
	case misses <= spinMisses:
		return

	case misses <= yieldMisses:
		runtime.Gosched()

	default:
		timer := time.NewTimer(w.backoff.NextDelay(misses - yieldMisses - 1))
		defer timer.Stop()

		select {
		case <-w.wake.Wait():
		case <-stop:
		case <-timer.C:
		}
	}
}

// run is the worker's main loop. It returns once the registry terminates and
// nothing is left to run.
//
// A job that calls runtime.Goexit unwinds this goroutine too. The deferred
// check spots that and starts a replacement goroutine for the same worker so
// the pool keeps its size.
func (w *Worker) run(first bool) error {
	r := w.registry
	clean := false
	defer func() {
		if clean {
			return
		}
		r.logger.Error("worker goroutine exited through runtime.Goexit, starting a replacement",
			zap.Int("worker", w.index))
		r.group.Go(func() error {
			return w.run(false)
		})
	}()

	pprof.SetGoroutineLabels(w.ctx)

	if r.cfg.CPUAffinity {
		release, err := cpu.Pin(w.index)
		defer release()
		if err != nil {
			r.logger.Warn("cpu pinning failed", zap.Int("worker", w.index), zap.Error(err))
		}
	}

	r.metrics.WorkerStarted()
	defer r.metrics.WorkerStopped()

	if first {
		r.logger.Debug("worker started", zap.Int("worker", w.index))
		w.callHandler("start", r.cfg.StartHandler)
	}

	w.loop()

	r.logger.Debug("worker exiting", zap.Int("worker", w.index))
	w.callHandler("exit", r.cfg.ExitHandler)

	clean = true
	return nil
}

func (w *Worker) loop() {
	misses := 0
	for {
		if w.StealAndExecuteOne() {
			misses = 0
			continue
		}

		if w.registry.Terminating() {
			return
		}

		misses++
		w.idle(misses, w.registry.terminate)
	}
}

func (w *Worker) callHandler(kind string, h func(index int)) {
	if h == nil {
		return
	}

	if fault := unwind.Halt(w.index, func() { h(w.index) }); fault != nil {
		w.registry.logger.Error("worker "+kind+" handler panicked",
			zap.Int("worker", w.index),
			zap.Any("panic", fault.Value),
			zap.ByteString("stack", fault.Stack))
	}
}
