package pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/utkarsh5026/stealpool/internal/latch"
	"github.com/utkarsh5026/stealpool/internal/metrics"
	"github.com/utkarsh5026/stealpool/internal/scheduler"
	"github.com/utkarsh5026/stealpool/internal/unwind"
)

// BroadcastContext is passed to each invocation of a broadcast closure.
//
// The embedded context belongs to the worker running the invocation, so
// nested pool calls made with it (Broadcast, Spawn, Install) know which pool
// and worker they come from.
type BroadcastContext struct {
	context.Context
	index      int
	numThreads int
}

// Index returns the index of the worker running this invocation,
// in [0, NumThreads()).
func (bc BroadcastContext) Index() int {
	return bc.index
}

// NumThreads returns the number of workers the broadcast runs on.
func (bc BroadcastContext) NumThreads() int {
	return bc.numThreads
}

// BroadcastFunc is the closure run by a synchronous broadcast. The same value
// is invoked concurrently on every worker and must be safe for that.
type BroadcastFunc[T any] func(bc BroadcastContext) (T, error)

// Broadcast runs op once on every worker of the current pool and returns the
// results ordered by worker index. The current pool is the one ctx's worker
// belongs to, or the global pool when ctx does not come from a worker.
func Broadcast[T any](ctx context.Context, op BroadcastFunc[T]) ([]T, error) {
	return BroadcastIn(ctx, current(ctx), op)
}

// BroadcastIn runs op once on every worker of p, blocks until all of them
// have finished and returns their results ordered by worker index.
//
// Every invocation runs even when some fail. With one failure, the error is
// that worker's *Fault. With more, it is a multierr aggregate of all of them
// (see multierr.Errors). Results from the workers that succeeded are returned
// either way.
//
// When ctx comes from a worker of any pool, that worker keeps executing
// queued jobs while it waits, so broadcasts may nest across pools.
func BroadcastIn[T any](ctx context.Context, p *ThreadPool, op BroadcastFunc[T]) ([]T, error) {
	if !p.registry.Acquire() {
		return nil, ErrPoolClosed
	}
	defer p.registry.Release()

	n := p.registry.NumThreads()
	job := &broadcastJob[T]{
		op:    op,
		slots: make([]broadcastSlot[T], n),
		latch: latch.New(n),
	}

	p.broadcasts.Add(1)
	p.metrics.Broadcast(metrics.ModeSync)
	p.registry.InjectBroadcast(scheduler.NewJobRef(job))

	wait(ctx, job.latch)
	return job.collect(p)
}

// wait blocks until l completes. A worker keeps running jobs meanwhile.
func wait(ctx context.Context, l *latch.CountLatch) {
	if w, ok := scheduler.WorkerFromContext(ctx); ok {
		w.WaitUntil(l)
		return
	}
	l.Wait()
}

type broadcastSlot[T any] struct {
	value  T
	fault  *Fault
	filled atomic.Bool
}

type broadcastJob[T any] struct {
	op    BroadcastFunc[T]
	slots []broadcastSlot[T]
	latch *latch.CountLatch
}

func (j *broadcastJob[T]) Execute(w *scheduler.Worker) {
	i := w.Index()
	slot := &j.slots[i]
	if !slot.filled.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("stealpool: broadcast slot %d executed twice", i))
	}

	slot.fault = unwind.Goexit(i)
	defer j.latch.Arrive()

	bc := BroadcastContext{Context: w.Context(), index: i, numThreads: len(j.slots)}
	slot.value, slot.fault = unwind.Capture(i, func() (T, error) {
		return j.op(bc)
	})
}

func (j *broadcastJob[T]) collect(p *ThreadPool) ([]T, error) {
	results := make([]T, len(j.slots))
	var err error

	for i := range j.slots {
		results[i] = j.slots[i].value
		if f := j.slots[i].fault; f != nil {
			p.recordFault(metrics.SourceBroadcast)
			err = multierr.Append(err, f)
		}
	}

	return results, err
}

// SpawnBroadcast schedules op once on every worker of the current pool and
// returns without waiting. See Broadcast for how the current pool is chosen.
func SpawnBroadcast(ctx context.Context, op func(bc BroadcastContext) error) error {
	return current(ctx).SpawnBroadcast(op)
}

// SpawnBroadcast schedules op once on every worker of p and returns without
// waiting. A panic or returned error goes to the pool's panic handler, once
// per failing worker; the other workers are not affected.
//
// The only error is ErrPoolClosed. Close waits for every scheduled copy.
func (p *ThreadPool) SpawnBroadcast(op func(bc BroadcastContext) error) error {
	n := p.registry.NumThreads()
	if !p.registry.AcquireN(n) {
		return ErrPoolClosed
	}

	p.spawnBroadcasts.Add(1)
	p.metrics.Broadcast(metrics.ModeSpawn)
	p.registry.InjectBroadcast(scheduler.NewJobRef(&spawnBroadcastJob{pool: p, op: op, numThreads: n}))
	return nil
}

// spawnBroadcastJob holds one registry reference per worker; each worker
// drops its own after running.
type spawnBroadcastJob struct {
	pool       *ThreadPool
	op         func(bc BroadcastContext) error
	numThreads int
}

func (j *spawnBroadcastJob) Execute(w *scheduler.Worker) {
	defer j.pool.registry.Release()

	i := w.Index()
	fault := unwind.Goexit(i)
	// Release runs even when the panic handler calls runtime.Goexit.
	defer func() {
		if fault != nil {
			j.pool.router.route(fault, metrics.SourceSpawnBroadcast)
		}
	}()

	bc := BroadcastContext{Context: w.Context(), index: i, numThreads: j.numThreads}
	_, fault = unwind.Capture(i, func() (struct{}, error) {
		return struct{}{}, j.op(bc)
	})
}
