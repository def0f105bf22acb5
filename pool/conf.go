package pool

import (
	"os"
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/utkarsh5026/stealpool/internal/algorithms"
)

// NumThreadsEnv overrides the size of the global pool when it is built
// without an explicit WithNumThreads.
const NumThreadsEnv = "STEALPOOL_NUM_THREADS"

const (
	defaultFaultLogRate  = 10
	defaultFaultLogBurst = 10
)

// IdleBackoff selects how idle workers sleep between polls of the queues,
// once spinning and yielding have found nothing.
type IdleBackoff int

const (
	// IdleBackoffJittered doubles the sleep on every empty poll and
	// randomises each step by ±20%, so idle workers wake at different times.
	// This is the default.
	IdleBackoffJittered IdleBackoff = iota
	// IdleBackoffExponential doubles the sleep on every empty poll.
	IdleBackoffExponential
)

func (b IdleBackoff) algorithm() algorithms.BackoffType {
	if b == IdleBackoffExponential {
		return algorithms.BackoffExponential
	}
	return algorithms.BackoffJittered
}

// ThreadPoolOption is a functional option for configuring a thread pool.
type ThreadPoolOption func(*threadPoolConfig)

type threadPoolConfig struct {
	numThreads        int
	name              string
	panicHandler      func(*Fault)
	startHandler      func(index int)
	exitHandler       func(index int)
	logger            *zap.Logger
	registerer        prometheus.Registerer
	cpuAffinity       bool
	broadcastCapacity int
	injectorCapacity  int
	idleBackoff       IdleBackoff
	faultLogLimit     rate.Limit
	faultLogBurst     int
}

func createConfig(opts ...ThreadPoolOption) *threadPoolConfig {
	cfg := &threadPoolConfig{
		faultLogLimit: defaultFaultLogRate,
		faultLogBurst: defaultFaultLogBurst,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.numThreads == 0 {
		cfg.numThreads = runtime.GOMAXPROCS(0)
	}
	if cfg.logger == nil {
		cfg.logger = defaultLogger()
	}

	return cfg
}

// defaultLogger writes warnings and errors to stderr in zap's console format.
func defaultLogger() *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zap.WarnLevel,
	)
	return zap.New(core)
}

// WithNumThreads sets the number of workers.
// If not specified (or 0), defaults to runtime.GOMAXPROCS(0).
// A negative count makes NewThreadPool fail with ErrInvalidThreadCount.
func WithNumThreads(n int) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		cfg.numThreads = n
	}
}

// WithName names the pool in logs, metrics and profiler labels.
// If not specified, a name of the form "stealpool-1a2b3c4d" is generated.
func WithName(name string) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPanicHandler sets the handler that receives faults from SpawnBroadcast
// and Spawn. The handler runs on the worker that faulted, once per fault.
// A panic inside the handler is recovered and logged.
//
// Without a handler, faults are logged at error level, rate limited.
func WithPanicHandler(h func(*Fault)) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		cfg.panicHandler = h
	}
}

// WithStartHandler sets a callback run on each worker goroutine before it
// takes its first job.
func WithStartHandler(h func(index int)) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		cfg.startHandler = h
	}
}

// WithExitHandler sets a callback run on each worker goroutine after the pool
// has been closed and the worker has run its last job.
func WithExitHandler(h func(index int)) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		cfg.exitHandler = h
	}
}

// WithLogger sets the zap logger. The pool logs under the "stealpool" name
// with a "pool" field.
func WithLogger(logger *zap.Logger) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics registers the pool's Prometheus collectors on reg. Pools that
// share a registerer share the metric vectors and differ by the "pool" label.
func WithMetrics(reg prometheus.Registerer) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		cfg.registerer = reg
	}
}

// WithCPUAffinity locks each worker to an OS thread pinned to one CPU core.
// Pinning failures are logged and the worker keeps running unpinned.
func WithCPUAffinity(enabled bool) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		cfg.cpuAffinity = enabled
	}
}

// WithBroadcastCapacity sets the lock-free capacity of each worker's
// broadcast inbox. Broadcasts beyond it still queue, on a slower path.
func WithBroadcastCapacity(n int) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		if n > 0 {
			cfg.broadcastCapacity = n
		}
	}
}

// WithInjectorCapacity sets the lock-free capacity of the queue that receives
// work submitted from outside the pool.
func WithInjectorCapacity(n int) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		if n > 0 {
			cfg.injectorCapacity = n
		}
	}
}

// WithIdleBackoff sets the sleep schedule of idle workers.
// If not specified, IdleBackoffJittered is used.
func WithIdleBackoff(b IdleBackoff) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		cfg.idleBackoff = b
	}
}

// WithFaultLogLimit limits how many unhandled faults per second are logged.
// Faults above the limit are counted and reported with the next logged one.
//
// Example:
//
//	WithFaultLogLimit(1, 5) // at most 1 line/sec with a burst of 5
func WithFaultLogLimit(perSecond float64, burst int) ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		if perSecond > 0 && burst > 0 {
			cfg.faultLogLimit = rate.Limit(perSecond)
			cfg.faultLogBurst = burst
		}
	}
}

// withEnvNumThreads applies NumThreadsEnv when it holds a positive integer.
// Anything else is ignored.
func withEnvNumThreads() ThreadPoolOption {
	return func(cfg *threadPoolConfig) {
		n, err := strconv.Atoi(os.Getenv(NumThreadsEnv))
		if err == nil && n > 0 {
			cfg.numThreads = n
		}
	}
}
