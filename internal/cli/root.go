// Package cli implements the stealpool command: a driver that exercises
// broadcast scenarios against fresh pools and times broadcast throughput.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "STEALPOOL"

// Flag names, also the viper keys. Each can be set through the environment
// as STEALPOOL_<NAME> with dashes turned into underscores.
const (
	flagThreads    = "threads"
	flagSleep      = "sleep"
	flagRounds     = "rounds"
	flagLogLevel   = "log-level"
	flagNoProgress = "no-progress"
)

// NewRootCommand builds the stealpool command tree.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "stealpool",
		Short:         "Exercise broadcast on work-stealing goroutine pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}

	root.PersistentFlags().Int(flagThreads, 7, "workers per pool")
	root.PersistentFlags().String(flagLogLevel, "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool(flagNoProgress, false, "hide the progress bar")

	root.AddCommand(newScenariosCommand(v), newBenchCommand(v))
	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

type commonOptions struct {
	threads    int
	logger     *zap.Logger
	noProgress bool
}

func loadCommon(v *viper.Viper) (commonOptions, error) {
	threads := v.GetInt(flagThreads)
	if threads <= 0 {
		return commonOptions{}, fmt.Errorf("--%s must be positive, got %d", flagThreads, threads)
	}

	logger, err := newLogger(v.GetString(flagLogLevel))
	if err != nil {
		return commonOptions{}, err
	}

	return commonOptions{
		threads:    threads,
		logger:     logger,
		noProgress: v.GetBool(flagNoProgress),
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flagLogLevel, err)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func durationFlag(v *viper.Viper, key string) (time.Duration, error) {
	d := v.GetDuration(key)
	if d < 0 {
		return 0, fmt.Errorf("--%s must not be negative, got %v", key, d)
	}
	return d, nil
}
