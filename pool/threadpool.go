package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/utkarsh5026/stealpool/internal/latch"
	"github.com/utkarsh5026/stealpool/internal/metrics"
	"github.com/utkarsh5026/stealpool/internal/scheduler"
	"github.com/utkarsh5026/stealpool/internal/unwind"
)

type poolKey struct{}

// ThreadPool is a fixed set of work-stealing worker goroutines.
//
// A ThreadPool is safe for concurrent use. Its size never changes after
// NewThreadPool returns.
type ThreadPool struct {
	name     string
	registry *scheduler.Registry
	router   *faultRouter
	logger   *zap.Logger
	metrics  *metrics.Pool

	broadcasts      atomic.Uint64
	spawnBroadcasts atomic.Uint64
	faults          atomic.Uint64

	closeOnce sync.Once
}

// Stats is a point-in-time snapshot of a pool's counters.
type Stats struct {
	Name            string
	NumThreads      int
	JobsExecuted    uint64
	Steals          uint64
	Pending         int
	Broadcasts      uint64
	SpawnBroadcasts uint64
	Faults          uint64
	SuppressedLogs  uint64
}

// NewThreadPool creates a pool and starts its workers.
//
// Example:
//
//	p, err := NewThreadPool(WithNumThreads(8), WithName("render"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
func NewThreadPool(opts ...ThreadPoolOption) (*ThreadPool, error) {
	cfg := createConfig(opts...)
	if cfg.numThreads < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreadCount, cfg.numThreads)
	}

	name := cfg.name
	if name == "" {
		name = "stealpool-" + uuid.NewString()[:8]
	}

	var mp *metrics.Pool
	if cfg.registerer != nil {
		c, err := metrics.New(cfg.registerer)
		if err != nil {
			return nil, fmt.Errorf("stealpool: register metrics: %w", err)
		}
		mp = c.Pool(name)
	}

	logger := cfg.logger.Named("stealpool").With(zap.String("pool", name))

	p := &ThreadPool{
		name:    name,
		logger:  logger,
		metrics: mp,
	}
	p.router = &faultRouter{
		handler: cfg.panicHandler,
		logger:  logger,
		limiter: rate.NewLimiter(cfg.faultLogLimit, cfg.faultLogBurst),
		metrics: mp,
		faults:  &p.faults,
	}

	registry, err := scheduler.NewRegistry(scheduler.Config{
		Name:             name,
		NumThreads:       cfg.numThreads,
		InboxCapacity:    cfg.broadcastCapacity,
		InjectorCapacity: cfg.injectorCapacity,
		CPUAffinity:      cfg.cpuAffinity,
		IdleBackoff:      cfg.idleBackoff.algorithm(),
		BaseContext:      context.WithValue(context.Background(), poolKey{}, p),
		StartHandler:     cfg.startHandler,
		ExitHandler:      cfg.exitHandler,
		Logger:           logger,
		Metrics:          mp,
	})
	if err != nil {
		return nil, err
	}
	p.registry = registry

	logger.Debug("thread pool started", zap.Int("threads", registry.NumThreads()))
	return p, nil
}

// poolFromContext returns the pool whose worker ctx belongs to.
func poolFromContext(ctx context.Context) (*ThreadPool, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(poolKey{}).(*ThreadPool)
	return p, ok
}

// Name returns the pool name.
func (p *ThreadPool) Name() string {
	return p.name
}

// NumThreads returns the number of workers.
func (p *ThreadPool) NumThreads() int {
	return p.registry.NumThreads()
}

// Close releases the pool and blocks until every worker goroutine has
// returned. Work already accepted (including every copy of a SpawnBroadcast)
// runs to completion first, and every panic handler call has returned by the
// time Close does. Later calls return nil immediately.
//
// Close must not be called from a job running on the same pool.
func (p *ThreadPool) Close() error {
	p.closeOnce.Do(func() {
		p.registry.Terminate()
		p.registry.Wait()
		p.logger.Debug("thread pool closed")
	})
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *ThreadPool) Stats() Stats {
	rs := p.registry.Stats()
	return Stats{
		Name:            p.name,
		NumThreads:      rs.NumThreads,
		JobsExecuted:    rs.JobsExecuted,
		Steals:          rs.Steals,
		Pending:         rs.Pending,
		Broadcasts:      p.broadcasts.Load(),
		SpawnBroadcasts: p.spawnBroadcasts.Load(),
		Faults:          p.faults.Load(),
		SuppressedLogs:  p.router.suppressedTotal.Load(),
	}
}

// Spawn runs op once on some worker of the pool and returns immediately.
// A panic or returned error goes to the pool's panic handler.
func (p *ThreadPool) Spawn(op func(ctx context.Context) error) error {
	return p.spawn(nil, op)
}

// spawn queues op on caller's own deque when caller is one of p's workers,
// and on the injector otherwise.
func (p *ThreadPool) spawn(caller *scheduler.Worker, op func(ctx context.Context) error) error {
	if !p.registry.Acquire() {
		return ErrPoolClosed
	}

	ref := scheduler.NewJobRef(&spawnJob{pool: p, op: op})
	if caller != nil && caller.Registry() == p.registry {
		caller.Push(ref)
		return nil
	}

	p.registry.Inject(ref)
	return nil
}

type spawnJob struct {
	pool *ThreadPool
	op   func(ctx context.Context) error
}

func (j *spawnJob) Execute(w *scheduler.Worker) {
	defer j.pool.registry.Release()

	fault := unwind.Goexit(w.Index())
	// Release runs even when the panic handler calls runtime.Goexit.
	defer func() {
		if fault != nil {
			j.pool.router.route(fault, metrics.SourceSpawn)
		}
	}()

	_, fault = unwind.Capture(w.Index(), func() (struct{}, error) {
		return struct{}{}, j.op(w.Context())
	})
}

// Install runs op on a worker of p and returns its result.
//
// op receives the worker's context, so pool operations made from inside op
// (Broadcast, Spawn, CurrentThreadIndex) target p. When ctx already belongs
// to a worker of p, op runs inline on that worker.
//
// An error returned by op is returned unchanged; a panic comes back as a
// *Fault.
func Install[T any](ctx context.Context, p *ThreadPool, op func(ctx context.Context) (T, error)) (T, error) {
	caller, inWorker := scheduler.WorkerFromContext(ctx)
	if inWorker && caller.Registry() == p.registry {
		return runInstalled(p, caller.Index(), func() (T, error) { return op(ctx) })
	}

	var zero T
	if !p.registry.Acquire() {
		return zero, ErrPoolClosed
	}
	defer p.registry.Release()

	job := &installJob[T]{pool: p, op: op, latch: latch.New(1)}
	p.registry.Inject(scheduler.NewJobRef(job))

	if inWorker {
		caller.WaitUntil(job.latch)
	} else {
		job.latch.Wait()
	}

	return job.result, job.err
}

type installJob[T any] struct {
	pool   *ThreadPool
	op     func(ctx context.Context) (T, error)
	latch  *latch.CountLatch
	result T
	err    error
}

func (j *installJob[T]) Execute(w *scheduler.Worker) {
	j.err = unwind.Goexit(w.Index())
	defer j.latch.Arrive()

	j.result, j.err = runInstalled(j.pool, w.Index(), func() (T, error) {
		return j.op(w.Context())
	})
}

// runInstalled runs f, turning a panic into a *Fault but leaving a returned
// error alone.
func runInstalled[T any](p *ThreadPool, worker int, f func() (T, error)) (T, error) {
	var opErr error
	result, fault := unwind.Capture(worker, func() (T, error) {
		r, err := f()
		opErr = err
		return r, nil
	})

	if fault != nil {
		p.recordFault(metrics.SourceInstall)
		return result, fault
	}
	return result, opErr
}

func (p *ThreadPool) recordFault(source string) {
	p.faults.Add(1)
	p.metrics.Fault(source)
}
