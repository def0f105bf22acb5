// Package scheduler implements the work-stealing registry behind a stealpool
// thread pool: a fixed set of worker goroutines, each owning a Chase-Lev deque
// and a broadcast inbox, plus a shared injector queue for work submitted from
// outside the pool.
//
// Blocking inside a worker is never a plain park. A worker that waits for
// something (a broadcast to finish, an installed job to return) keeps running
// queued jobs through WaitUntil, which is what lets pools broadcast into each
// other without deadlocking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/stealpool/internal/algorithms"
	"github.com/utkarsh5026/stealpool/internal/metrics"
)

var (
	// ErrNoWorkers is returned by NewRegistry when Config.NumThreads is not
	// positive.
	ErrNoWorkers = errors.New("scheduler: registry needs at least one worker")
)

// Config describes a registry. Zero values select defaults.
type Config struct {
	Name             string
	NumThreads       int
	InboxCapacity    int
	InjectorCapacity int
	CPUAffinity      bool

	// IdleBackoff selects how long idle workers sleep between polls.
	IdleBackoff algorithms.BackoffType

	// BaseContext is the parent of every worker context. Values stored in it
	// are visible to every job the registry runs.
	BaseContext context.Context

	// StartHandler and ExitHandler run on the worker goroutine, once per
	// worker, before it takes its first job and after it takes its last.
	StartHandler func(index int)
	ExitHandler  func(index int)

	Logger  *zap.Logger
	Metrics *metrics.Pool
}

// Stats is a point-in-time snapshot of registry counters.
type Stats struct {
	NumThreads   int
	JobsExecuted uint64
	Steals       uint64
	Pending      int
}

// Registry owns the workers of one pool and their queues.
//
// Lifetime is reference counted. The pool handle holds one reference from
// NewRegistry until Terminate; every in-flight operation holds another. Once
// the count drops to zero no new reference can be taken, workers finish and
// Done is closed after every worker goroutine has returned.
type Registry struct {
	name     string
	workers  []*Worker
	injector *jobQueue
	cfg      Config

	refs       atomic.Int64
	terminate  chan struct{}
	handleOnce sync.Once

	group errgroup.Group
	done  chan struct{}

	logger  *zap.Logger
	metrics *metrics.Pool

	jobsExecuted atomic.Uint64
	steals       atomic.Uint64
	nextWake     atomic.Uint64
	stealSeed    atomic.Uint64
}

// NewRegistry builds the registry and starts its worker goroutines.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.NumThreads <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrNoWorkers, cfg.NumThreads)
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = defaultInboxCapacity
	}
	if cfg.InjectorCapacity <= 0 {
		cfg.InjectorCapacity = defaultInjectorCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}

	r := &Registry{
		name:      cfg.Name,
		workers:   make([]*Worker, cfg.NumThreads),
		injector:  newJobQueue(cfg.InjectorCapacity),
		cfg:       cfg,
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	r.refs.Store(1)

	for i := range r.workers {
		r.workers[i] = newWorker(r, i)
	}

	for _, w := range r.workers {
		r.group.Go(func() error {
			return w.run(true)
		})
	}

	go func() {
		_ = r.group.Wait()
		close(r.done)
	}()

	return r, nil
}

// Name returns the registry name used in logs, metrics and profiler labels.
func (r *Registry) Name() string {
	return r.name
}

// NumThreads returns the number of workers. It never changes.
func (r *Registry) NumThreads() int {
	return len(r.workers)
}

// Acquire takes a reference on the registry. It fails once the registry has
// started terminating.
func (r *Registry) Acquire() bool {
	return r.AcquireN(1)
}

// AcquireN takes n references at once, or none.
func (r *Registry) AcquireN(n int) bool {
	for {
		cur := r.refs.Load()
		if cur <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(cur, cur+int64(n)) {
			return true
		}
	}
}

// Release drops one reference.
func (r *Registry) Release() {
	r.ReleaseN(1)
}

// ReleaseN drops n references. Dropping the last one terminates the workers.
func (r *Registry) ReleaseN(n int) {
	left := r.refs.Add(-int64(n))
	switch {
	case left == 0:
		close(r.terminate)
		r.wakeAll()
	case left < 0:
		panic(fmt.Sprintf("scheduler: registry %q released %d references too many", r.name, -left))
	}
}

// Terminate drops the handle's reference. Calls after the first are no-ops.
func (r *Registry) Terminate() {
	r.handleOnce.Do(r.Release)
}

// Terminating reports whether the last reference has been dropped.
func (r *Registry) Terminating() bool {
	select {
	case <-r.terminate:
		return true
	default:
		return false
	}
}

// Wait blocks until every worker goroutine has returned.
func (r *Registry) Wait() {
	<-r.done
}

// Done is closed once every worker goroutine has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// InjectBroadcast queues ref once on every worker's broadcast inbox. Inboxes
// are only drained by their owner, so each worker runs ref exactly once.
func (r *Registry) InjectBroadcast(ref *JobRef) {
	for _, w := range r.workers {
		w.inbox.Push(ref)
		w.wake.Signal()
	}
}

// Inject queues ref on the shared injector, where any worker may pick it up.
func (r *Registry) Inject(ref *JobRef) {
	r.injector.Push(ref)
	r.wakeAll()
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	pending := r.injector.Len()
	for _, w := range r.workers {
		pending += w.local.Len() + w.inbox.Len()
	}

	return Stats{
		NumThreads:   len(r.workers),
		JobsExecuted: r.jobsExecuted.Load(),
		Steals:       r.steals.Load(),
		Pending:      pending,
	}
}

func (r *Registry) wakeAll() {
	for _, w := range r.workers {
		w.wake.Signal()
	}
}

// wakePeer wakes one worker other than skip, rotating over the pool.
func (r *Registry) wakePeer(skip int) {
	n := len(r.workers)
	if n <= 1 {
		return
	}

	i := int(r.nextWake.Add(1) % uint64(n)) // #nosec G115 -- n is always positive
	if i == skip {
		i = (i + 1) % n
	}
	r.workers[i].wake.Signal()
}
