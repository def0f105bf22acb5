package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/utkarsh5026/stealpool/pool"
)

const (
	// mutualOuterThreads is the size of the first pool in the mutual scenarios.
	mutualOuterThreads = 3
	scenarioTimeout    = 30 * time.Second
)

type scenarioConfig struct {
	threads int
	sleep   time.Duration
	logger  *zap.Logger
}

func (c scenarioConfig) newPool(threads int, name string, opts ...pool.ThreadPoolOption) (*pool.ThreadPool, error) {
	opts = append([]pool.ThreadPoolOption{
		pool.WithNumThreads(threads),
		pool.WithName(name),
		pool.WithLogger(c.logger),
	}, opts...)
	return pool.NewThreadPool(opts...)
}

func (c scenarioConfig) nap() {
	if c.sleep > 0 {
		time.Sleep(c.sleep)
	}
}

type scenario struct {
	name  string
	pools string
	run   func(ctx context.Context, cfg scenarioConfig) (expected, observed string, err error)
}

type scenarioResult struct {
	name     string
	pools    string
	expected string
	observed string
	elapsed  time.Duration
	err      error
}

func (r scenarioResult) passed() bool {
	return r.err == nil && r.expected == r.observed
}

func newScenariosCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "Run broadcast scenarios and report whether each behaved as expected",
		RunE: func(cmd *cobra.Command, _ []string) error {
			common, err := loadCommon(v)
			if err != nil {
				return err
			}
			defer func() { _ = common.logger.Sync() }()

			sleep, err := durationFlag(v, flagSleep)
			if err != nil {
				return err
			}

			cfg := scenarioConfig{threads: common.threads, sleep: sleep, logger: common.logger}
			scenarios := allScenarios(cfg)

			bar := makeProgressBar(cmd.ErrOrStderr(), len(scenarios), "Running scenarios", common.noProgress)
			results := make([]scenarioResult, 0, len(scenarios))
			for _, s := range scenarios {
				bar.Describe("Running: " + s.name)
				results = append(results, runScenario(cmd.Context(), s, cfg))
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			if err := renderScenarioResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			for _, r := range results {
				if !r.passed() {
					return fmt.Errorf("scenario %q failed", r.name)
				}
			}
			return nil
		},
	}

	cmd.Flags().Duration(flagSleep, 0, "sleep inside every closure of the mutual scenarios")
	return cmd
}

func runScenario(ctx context.Context, s scenario, cfg scenarioConfig) scenarioResult {
	start := time.Now()
	expected, observed, err := s.run(ctx, cfg)
	return scenarioResult{
		name:     s.name,
		pools:    s.pools,
		expected: expected,
		observed: observed,
		elapsed:  time.Since(start),
		err:      err,
	}
}

func allScenarios(cfg scenarioConfig) []scenario {
	n := cfg.threads
	return []scenario{
		{name: "global broadcast", pools: "global", run: globalBroadcast},
		{name: "pool broadcast", pools: fmt.Sprint(n), run: poolBroadcast},
		{name: "pool spawn broadcast", pools: fmt.Sprint(n), run: poolSpawnBroadcast},
		{name: "self broadcast", pools: fmt.Sprint(n), run: selfBroadcast},
		{name: "mutual install broadcast", pools: fmt.Sprintf("%d→%d", n, mutualOuterThreads), run: mutualInstallBroadcast},
		{name: "mutual broadcast", pools: fmt.Sprintf("%d→%d→%d", mutualOuterThreads, n, mutualOuterThreads), run: mutualBroadcast},
		{name: "mutual spawn broadcast", pools: fmt.Sprintf("%d→%d→%d", mutualOuterThreads, n, mutualOuterThreads), run: mutualSpawnBroadcast},
		{name: "broadcast panic", pools: fmt.Sprint(n), run: broadcastPanic},
		{name: "spawn broadcast panics", pools: fmt.Sprint(n), run: spawnBroadcastPanics},
	}
}

func workerIndex(bc pool.BroadcastContext) (int, error) {
	return bc.Index(), nil
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func globalBroadcast(ctx context.Context, _ scenarioConfig) (string, string, error) {
	results, err := pool.Broadcast(ctx, workerIndex)
	return fmt.Sprint(indices(pool.CurrentNumThreads(ctx))), fmt.Sprint(results), err
}

func poolBroadcast(ctx context.Context, cfg scenarioConfig) (string, string, error) {
	p, err := cfg.newPool(cfg.threads, "broadcast")
	if err != nil {
		return "", "", err
	}
	defer p.Close()

	results, err := pool.BroadcastIn(ctx, p, workerIndex)
	return fmt.Sprint(indices(cfg.threads)), fmt.Sprint(results), err
}

func poolSpawnBroadcast(_ context.Context, cfg scenarioConfig) (string, string, error) {
	p, err := cfg.newPool(cfg.threads, "spawn-broadcast")
	if err != nil {
		return "", "", err
	}

	ch := make(chan int, cfg.threads)
	if err := p.SpawnBroadcast(func(bc pool.BroadcastContext) error {
		ch <- bc.Index()
		return nil
	}); err != nil {
		return "", "", err
	}

	_ = p.Close()
	close(ch)

	got := make([]int, 0, cfg.threads)
	for i := range ch {
		got = append(got, i)
	}
	slices.Sort(got)
	return fmt.Sprint(indices(cfg.threads)), fmt.Sprint(got), nil
}

func selfBroadcast(ctx context.Context, cfg scenarioConfig) (string, string, error) {
	p, err := cfg.newPool(cfg.threads, "self")
	if err != nil {
		return "", "", err
	}
	defer p.Close()

	results, err := pool.Install(ctx, p, func(ctx context.Context) ([]int, error) {
		return pool.Broadcast(ctx, workerIndex)
	})
	return fmt.Sprint(indices(cfg.threads)), fmt.Sprint(results), err
}

func mutualPools(cfg scenarioConfig) (*pool.ThreadPool, *pool.ThreadPool, error) {
	p1, err := cfg.newPool(mutualOuterThreads, "mutual-outer")
	if err != nil {
		return nil, nil, err
	}
	p2, err := cfg.newPool(cfg.threads, "mutual-inner")
	if err != nil {
		_ = p1.Close()
		return nil, nil, err
	}
	return p1, p2, nil
}

func mutualBroadcast(ctx context.Context, cfg scenarioConfig) (string, string, error) {
	p1, p2, err := mutualPools(cfg)
	if err != nil {
		return "", "", err
	}
	defer p1.Close()
	defer p2.Close()

	var count atomic.Int64
	_, err = pool.BroadcastIn(ctx, p1, func(bc1 pool.BroadcastContext) (struct{}, error) {
		cfg.nap()
		_, err := pool.BroadcastIn(bc1, p2, func(bc2 pool.BroadcastContext) (struct{}, error) {
			cfg.nap()
			_, err := pool.BroadcastIn(bc2, p1, func(pool.BroadcastContext) (struct{}, error) {
				cfg.nap()
				count.Add(1)
				return struct{}{}, nil
			})
			return struct{}{}, err
		})
		return struct{}{}, err
	})

	want := mutualOuterThreads * cfg.threads * mutualOuterThreads
	return fmt.Sprint(want), fmt.Sprint(count.Load()), err
}

// mutualInstallBroadcast starts on one worker of the outer pool, broadcasts
// to the inner pool, and from each of those back to the outer pool.
func mutualInstallBroadcast(ctx context.Context, cfg scenarioConfig) (string, string, error) {
	p1, p2, err := mutualPools(cfg)
	if err != nil {
		return "", "", err
	}
	defer p1.Close()
	defer p2.Close()

	var count atomic.Int64
	_, err = pool.Install(ctx, p1, func(ctx context.Context) (struct{}, error) {
		_, err := pool.BroadcastIn(ctx, p2, func(bc2 pool.BroadcastContext) (struct{}, error) {
			cfg.nap()
			_, err := pool.BroadcastIn(bc2, p1, func(pool.BroadcastContext) (struct{}, error) {
				cfg.nap()
				count.Add(1)
				return struct{}{}, nil
			})
			return struct{}{}, err
		})
		return struct{}{}, err
	})

	want := cfg.threads * mutualOuterThreads
	return fmt.Sprint(want), fmt.Sprint(count.Load()), err
}

func mutualSpawnBroadcast(_ context.Context, cfg scenarioConfig) (string, string, error) {
	p1, p2, err := mutualPools(cfg)
	if err != nil {
		return "", "", err
	}
	defer p1.Close()
	defer p2.Close()

	want := mutualOuterThreads * cfg.threads * mutualOuterThreads
	done := make(chan struct{}, want)
	err = p1.SpawnBroadcast(func(pool.BroadcastContext) error {
		cfg.nap()
		return p2.SpawnBroadcast(func(pool.BroadcastContext) error {
			cfg.nap()
			return p1.SpawnBroadcast(func(pool.BroadcastContext) error {
				cfg.nap()
				done <- struct{}{}
				return nil
			})
		})
	})
	if err != nil {
		return "", "", err
	}

	// Neither pool may close before the innermost copies have been queued,
	// so completion is observed here rather than through Close.
	got := 0
	deadline := time.After(scenarioTimeout)
	for got < want {
		select {
		case <-done:
			got++
		case <-deadline:
			return fmt.Sprint(want), fmt.Sprint(got), fmt.Errorf("timed out after %v", scenarioTimeout)
		}
	}
	return fmt.Sprint(want), fmt.Sprint(got), nil
}

func broadcastPanic(ctx context.Context, cfg scenarioConfig) (string, string, error) {
	p, err := cfg.newPool(cfg.threads, "panic")
	if err != nil {
		return "", "", err
	}
	defer p.Close()

	victim := min(3, cfg.threads-1)
	var ran atomic.Int64
	_, err = pool.BroadcastIn(ctx, p, func(bc pool.BroadcastContext) (int, error) {
		ran.Add(1)
		if bc.Index() == victim {
			panic("boom")
		}
		return bc.Index(), nil
	})

	var fault *pool.Fault
	if !errors.As(err, &fault) {
		return "", "", fmt.Errorf("expected a fault, got %v", err)
	}

	expected := fmt.Sprintf("ran=%d fault@%d", cfg.threads, victim)
	return expected, fmt.Sprintf("ran=%d fault@%d", ran.Load(), fault.Worker), nil
}

func spawnBroadcastPanics(ctx context.Context, cfg scenarioConfig) (string, string, error) {
	var handled atomic.Int64
	p, err := cfg.newPool(cfg.threads, "spawn-panics", pool.WithPanicHandler(func(*pool.Fault) {
		handled.Add(1)
	}))
	if err != nil {
		return "", "", err
	}

	if err := p.SpawnBroadcast(func(bc pool.BroadcastContext) error {
		if bc.Index()%2 == 0 {
			panic(bc.Index())
		}
		return nil
	}); err != nil {
		_ = p.Close()
		return "", "", err
	}

	// The pool must stay usable after the faults.
	results, err := pool.BroadcastIn(ctx, p, workerIndex)
	_ = p.Close()
	if err != nil {
		return "", "", err
	}

	even := (cfg.threads + 1) / 2
	expected := fmt.Sprintf("handled=%d usable=%d", even, cfg.threads)
	return expected, fmt.Sprintf("handled=%d usable=%d", handled.Load(), len(results)), nil
}
