// Package pool provides a work-stealing goroutine pool whose distinguishing
// operation is broadcast: running one closure exactly once on every worker.
//
// A ThreadPool owns a fixed number of workers. Each worker has its own deque
// of jobs and steals from its peers when it runs dry. Broadcasts bypass the
// deques: a copy of the job lands in every worker's inbox, so a worker busy
// with unrelated work still runs its copy once it gets back to its queues.
//
// # Basic Usage
//
//	p, err := pool.NewThreadPool(pool.WithNumThreads(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	ids, err := pool.BroadcastIn(ctx, p, func(bc pool.BroadcastContext) (int, error) {
//	    return bc.Index(), nil
//	})
//	// ids: [0 1 2 3]
//
// # Synchronous and Asynchronous Broadcast
//
//   - BroadcastIn / Broadcast: block until every worker has run the closure
//     and return the results ordered by worker index
//   - (*ThreadPool).SpawnBroadcast / SpawnBroadcast: schedule the closure on
//     every worker and return at once; failures go to the panic handler
//
// The package-level functions use the current pool: the pool of the worker
// whose context is passed in, or the global pool for any other context.
//
// # Worker Contexts
//
// Every closure run by a worker receives a context.Context that identifies
// that worker (BroadcastContext embeds one). Pass it to nested calls:
//
//	pool.BroadcastIn(ctx, p1, func(bc pool.BroadcastContext) (int, error) {
//	    // bc, not ctx: this worker keeps stealing while p2's broadcast runs
//	    _, err := pool.BroadcastIn(bc, p2, inner)
//	    return bc.Index(), err
//	})
//
// A worker that waits on a nested operation keeps executing queued jobs
// instead of blocking, so pools may broadcast into each other, to any depth,
// without deadlocking.
//
// # Error Handling
//
// Panics, returned errors and runtime.Goexit inside a closure are captured as
// a *Fault and never take the worker down. A synchronous broadcast always
// runs on every worker and then reports one *Fault, or a multierr aggregate
// when several workers failed:
//
//	_, err := pool.BroadcastIn(ctx, p, op)
//	for _, e := range multierr.Errors(err) {
//	    var f *pool.Fault
//	    if errors.As(e, &f) {
//	        log.Printf("worker %d: %v", f.Worker, f)
//	    }
//	}
//
// Asynchronous operations hand each fault to the handler set with
// WithPanicHandler, or log it when there is none.
//
// # Configuration Options
//
//   - WithNumThreads(n): Number of workers (default: GOMAXPROCS)
//   - WithName(name): Pool name for logs, metrics and pprof labels
//   - WithPanicHandler(h): Receives faults from asynchronous operations
//   - WithStartHandler(h) / WithExitHandler(h): Per-worker lifecycle callbacks
//   - WithLogger(l): zap logger (default: warnings and errors to stderr)
//   - WithMetrics(reg): Register Prometheus collectors
//   - WithCPUAffinity(true): Pin workers to CPU cores
//   - WithBroadcastCapacity(n) / WithInjectorCapacity(n): Queue sizing
//   - WithFaultLogLimit(perSecond, burst): Rate limit for unhandled fault logs
package pool
