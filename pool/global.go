package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/utkarsh5026/stealpool/internal/scheduler"
)

var (
	globalMu   sync.Mutex
	globalPool atomic.Pointer[ThreadPool]
)

// Global returns the process-wide default pool, building it with default
// options on first use. Its size comes from NumThreadsEnv when set, and
// GOMAXPROCS otherwise.
//
// The global pool is never closed.
func Global() *ThreadPool {
	if p := globalPool.Load(); p != nil {
		return p
	}

	globalMu.Lock()
	defer globalMu.Unlock()

	if p := globalPool.Load(); p != nil {
		return p
	}

	p, err := NewThreadPool(withEnvNumThreads(), WithName("global"))
	if err != nil {
		panic(fmt.Sprintf("stealpool: building the global pool: %v", err))
	}
	globalPool.Store(p)
	return p
}

// BuildGlobal builds the global pool with opts. It must run before anything
// uses the global pool; afterwards it returns ErrGlobalPoolInitialized.
// NumThreadsEnv still applies unless opts include WithNumThreads.
func BuildGlobal(opts ...ThreadPoolOption) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool.Load() != nil {
		return ErrGlobalPoolInitialized
	}

	all := append([]ThreadPoolOption{withEnvNumThreads(), WithName("global")}, opts...)
	p, err := NewThreadPool(all...)
	if err != nil {
		return err
	}
	globalPool.Store(p)
	return nil
}

// current returns the pool ctx's worker belongs to, or the global pool.
func current(ctx context.Context) *ThreadPool {
	if p, ok := poolFromContext(ctx); ok {
		return p
	}
	return Global()
}

// Spawn runs op once on a worker of the current pool and returns immediately.
// Called from a worker, op goes on that worker's own deque. See Broadcast for
// how the current pool is chosen.
func Spawn(ctx context.Context, op func(ctx context.Context) error) error {
	w, _ := scheduler.WorkerFromContext(ctx)
	return current(ctx).spawn(w, op)
}

// CurrentThreadIndex returns the index of the worker ctx belongs to.
// ok is false when ctx does not come from a pool worker.
func CurrentThreadIndex(ctx context.Context) (index int, ok bool) {
	w, ok := scheduler.WorkerFromContext(ctx)
	if !ok {
		return -1, false
	}
	return w.Index(), true
}

// CurrentNumThreads returns the size of the current pool: the pool ctx's
// worker belongs to, or the global pool.
func CurrentNumThreads(ctx context.Context) int {
	return current(ctx).NumThreads()
}

// Yield is the outcome of YieldNow.
type Yield int

const (
	// NotInPool means the caller is not a pool worker and nothing ran.
	NotInPool Yield = iota
	// Executed means one pending job ran.
	Executed
	// Idle means the caller is a worker but no job was pending.
	Idle
)

func (y Yield) String() string {
	switch y {
	case Executed:
		return "executed"
	case Idle:
		return "idle"
	default:
		return "not-in-pool"
	}
}

// YieldNow runs one pending job on the calling worker, if there is one.
func YieldNow(ctx context.Context) Yield {
	w, ok := scheduler.WorkerFromContext(ctx)
	if !ok {
		return NotInPool
	}
	if w.StealAndExecuteOne() {
		return Executed
	}
	return Idle
}
