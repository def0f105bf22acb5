// Package metrics exposes Prometheus counters for stealpool thread pools.
//
// All pools registered against the same Registerer share one set of vectors
// and are told apart by the "pool" label. A nil *Pool is valid and records
// nothing, so pools built without WithMetrics pay no cost.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stealpool"

// Broadcast modes used as the "mode" label.
const (
	ModeSync  = "sync"
	ModeSpawn = "spawn"
)

// Fault sources used as the "source" label.
const (
	SourceBroadcast      = "broadcast"
	SourceSpawnBroadcast = "spawn_broadcast"
	SourceSpawn          = "spawn"
	SourceInstall        = "install"
)

// Collector holds the metric vectors registered on one Registerer.
type Collector struct {
	Broadcasts   *prometheus.CounterVec
	Faults       *prometheus.CounterVec
	JobsExecuted *prometheus.CounterVec
	Steals       *prometheus.CounterVec
	Workers      *prometheus.GaugeVec
}

// New builds the collector and registers it on reg. Vectors that are already
// registered (by another pool sharing reg) are reused.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "total",
				Help:      "Broadcasts dispatched, by pool and mode (sync or spawn)",
			},
			[]string{"pool", "mode"},
		),

		Faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "faults_total",
				Help:      "Closures that panicked or returned an error, by pool and source",
			},
			[]string{"pool", "source"},
		),

		JobsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "jobs_executed_total",
				Help:      "Jobs executed by pool workers",
			},
			[]string{"pool"},
		),

		Steals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "steals_total",
				Help:      "Jobs taken from another worker's deque",
			},
			[]string{"pool"},
		),

		Workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "running",
				Help:      "Worker goroutines currently running",
			},
			[]string{"pool"},
		),
	}

	var err error
	if c.Broadcasts, err = register(reg, c.Broadcasts); err != nil {
		return nil, err
	}
	if c.Faults, err = register(reg, c.Faults); err != nil {
		return nil, err
	}
	if c.JobsExecuted, err = register(reg, c.JobsExecuted); err != nil {
		return nil, err
	}
	if c.Steals, err = register(reg, c.Steals); err != nil {
		return nil, err
	}
	if c.Workers, err = register(reg, c.Workers); err != nil {
		return nil, err
	}

	return c, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Pool binds the collector to a single pool name.
func (c *Collector) Pool(name string) *Pool {
	return &Pool{
		syncBroadcasts:  c.Broadcasts.WithLabelValues(name, ModeSync),
		spawnBroadcasts: c.Broadcasts.WithLabelValues(name, ModeSpawn),
		faults:          c.Faults.MustCurryWith(prometheus.Labels{"pool": name}),
		jobs:            c.JobsExecuted.WithLabelValues(name),
		steals:          c.Steals.WithLabelValues(name),
		workers:         c.Workers.WithLabelValues(name),
	}
}

// Pool records metrics for one pool. Its methods are no-ops on a nil *Pool.
type Pool struct {
	syncBroadcasts  prometheus.Counter
	spawnBroadcasts prometheus.Counter
	faults          *prometheus.CounterVec
	jobs            prometheus.Counter
	steals          prometheus.Counter
	workers         prometheus.Gauge
}

// Broadcast counts one broadcast started in mode (ModeSync or ModeSpawn).
func (p *Pool) Broadcast(mode string) {
	if p == nil {
		return
	}
	if mode == ModeSpawn {
		p.spawnBroadcasts.Inc()
		return
	}
	p.syncBroadcasts.Inc()
}

// Fault counts one fault raised by a job of the given source.
func (p *Pool) Fault(source string) {
	if p == nil {
		return
	}
	p.faults.WithLabelValues(source).Inc()
}

// JobExecuted counts one job run by a worker.
func (p *Pool) JobExecuted() {
	if p == nil {
		return
	}
	p.jobs.Inc()
}

// Steal counts one successful steal from a peer deque.
func (p *Pool) Steal() {
	if p == nil {
		return
	}
	p.steals.Inc()
}

// WorkerStarted marks a worker goroutine as live.
func (p *Pool) WorkerStarted() {
	if p == nil {
		return
	}
	p.workers.Inc()
}

// WorkerStopped marks a worker goroutine as gone.
func (p *Pool) WorkerStopped() {
	if p == nil {
		return
	}
	p.workers.Dec()
}
