// Package benchmarks compares broadcast modes and pool shapes of stealpool.
package benchmarks

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/utkarsh5026/stealpool/pool"
)

// poolConfig defines a pool shape for benchmarking
type poolConfig struct {
	name    string
	threads int
	opts    []pool.ThreadPoolOption
}

// poolSizes returns pools of increasing size with default queues
func poolSizes() []poolConfig {
	sizes := []int{1, 2, 4, 8, 16}
	configs := make([]poolConfig, 0, len(sizes))
	for _, n := range sizes {
		configs = append(configs, poolConfig{
			name:    fmt.Sprintf("Threads_%d", n),
			threads: n,
		})
	}
	return configs
}

// queueShapes returns 8-thread pools with different inbox and injector sizes
func queueShapes() []poolConfig {
	return []poolConfig{
		{
			name:    "SmallQueues",
			threads: 8,
			opts: []pool.ThreadPoolOption{
				pool.WithBroadcastCapacity(2),
				pool.WithInjectorCapacity(2),
			},
		},
		{
			name:    "DefaultQueues",
			threads: 8,
		},
		{
			name:    "LargeQueues",
			threads: 8,
			opts: []pool.ThreadPoolOption{
				pool.WithBroadcastCapacity(4096),
				pool.WithInjectorCapacity(4096),
			},
		},
	}
}

// newBenchPool builds a pool that is closed when the benchmark ends
func newBenchPool(b *testing.B, c poolConfig) *pool.ThreadPool {
	b.Helper()

	opts := append([]pool.ThreadPoolOption{
		pool.WithNumThreads(c.threads),
		pool.WithName(c.name),
		pool.WithLogger(zap.NewNop()),
	}, c.opts...)

	p, err := pool.NewThreadPool(opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = p.Close() })
	return p
}

// runPoolBenchmark runs a benchmark function for all pool configs
func runPoolBenchmark(b *testing.B, configs []poolConfig, benchFunc func(b *testing.B, p *pool.ThreadPool)) {
	for _, c := range configs {
		b.Run(c.name, func(b *testing.B) {
			benchFunc(b, newBenchPool(b, c))
		})
	}
}

// =============================================================================
// Benchmark Workload Generators
// =============================================================================

// cpuBoundWork simulates a CPU-intensive broadcast body
func cpuBoundWork(iterations int) pool.BroadcastFunc[int] {
	return func(bc pool.BroadcastContext) (int, error) {
		result := 0
		for i := range iterations {
			result += i * (bc.Index() + 1)
		}
		return result, nil
	}
}

// spawnAndWait spawns op on every worker of p and waits for all copies
func spawnAndWait(b *testing.B, p *pool.ThreadPool, op func(bc pool.BroadcastContext)) {
	var wg sync.WaitGroup
	wg.Add(p.NumThreads())
	err := p.SpawnBroadcast(func(bc pool.BroadcastContext) error {
		defer wg.Done()
		op(bc)
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
	wg.Wait()
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}
