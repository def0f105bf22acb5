package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/utkarsh5026/stealpool/pool"
)

type benchResult struct {
	operation string
	threads   int
	rounds    int
	total     time.Duration
}

func (r benchResult) perOp() time.Duration {
	if r.rounds == 0 {
		return 0
	}
	return r.total / time.Duration(r.rounds)
}

func (r benchResult) opsPerSecond() float64 {
	if r.total <= 0 {
		return 0
	}
	return float64(r.rounds) / r.total.Seconds()
}

type benchCase struct {
	operation string
	run       func(ctx context.Context, p *pool.ThreadPool) error
}

func newBenchCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time broadcast, spawn broadcast and nested broadcast on one pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			common, err := loadCommon(v)
			if err != nil {
				return err
			}
			defer func() { _ = common.logger.Sync() }()

			rounds := v.GetInt(flagRounds)
			if rounds <= 0 {
				return fmt.Errorf("--%s must be positive, got %d", flagRounds, rounds)
			}

			p, err := pool.NewThreadPool(
				pool.WithNumThreads(common.threads),
				pool.WithName("bench"),
				pool.WithLogger(common.logger),
			)
			if err != nil {
				return err
			}
			defer p.Close()

			cases := benchCases()
			bar := makeProgressBar(cmd.ErrOrStderr(), len(cases)*rounds, "Benchmarking", common.noProgress)

			results := make([]benchResult, 0, len(cases))
			for _, c := range cases {
				bar.Describe("Benchmarking: " + c.operation)
				r, err := runBench(cmd.Context(), p, c, rounds, bar)
				if err != nil {
					return fmt.Errorf("%s: %w", c.operation, err)
				}
				results = append(results, r)
			}
			_ = bar.Finish()

			return renderBenchResults(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().Int(flagRounds, 1000, "broadcasts per operation")
	return cmd
}

func runBench(ctx context.Context, p *pool.ThreadPool, c benchCase, rounds int, bar *progressbar.ProgressBar) (benchResult, error) {
	start := time.Now()
	for range rounds {
		if err := c.run(ctx, p); err != nil {
			return benchResult{}, err
		}
		_ = bar.Add(1)
	}
	return benchResult{
		operation: c.operation,
		threads:   p.NumThreads(),
		rounds:    rounds,
		total:     time.Since(start),
	}, nil
}

func benchCases() []benchCase {
	return []benchCase{
		{operation: "broadcast", run: benchBroadcast},
		{operation: "spawn broadcast", run: benchSpawnBroadcast},
		{operation: "nested broadcast", run: benchNestedBroadcast},
	}
}

func benchBroadcast(ctx context.Context, p *pool.ThreadPool) error {
	_, err := pool.BroadcastIn(ctx, p, workerIndex)
	return err
}

func benchSpawnBroadcast(_ context.Context, p *pool.ThreadPool) error {
	var wg sync.WaitGroup
	wg.Add(p.NumThreads())
	if err := p.SpawnBroadcast(func(pool.BroadcastContext) error {
		wg.Done()
		return nil
	}); err != nil {
		return err
	}
	wg.Wait()
	return nil
}

// benchNestedBroadcast broadcasts from inside a broadcast on the same pool,
// so every worker waits on a latch while helping the others.
func benchNestedBroadcast(ctx context.Context, p *pool.ThreadPool) error {
	_, err := pool.BroadcastIn(ctx, p, func(bc pool.BroadcastContext) (int, error) {
		inner, err := pool.BroadcastIn(bc, p, workerIndex)
		return len(inner), err
	})
	return err
}
