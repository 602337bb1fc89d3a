package testherd

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/testherd/testherd/flags"
)

// Config holds the application configuration
type Config struct {
	PlanFile        string        // Path to the test plan manifest
	DefaultRetries  int           // Retry ceiling for units without their own
	DefaultTimeout  time.Duration // Per-attempt timeout for units without their own
	Workers         int           // Number of parallel workers
	ShardIndex      int           // 0-based shard index; -1 when not sharding
	ShardTotal      int           // Total shard count; 0 when not sharding
	GlobalTimeout   time.Duration // Run-level timeout; 0 disables it
	RetryDelay      time.Duration // Backoff unit delay
	BackoffCeiling  time.Duration // Cap on backoff growth
	FailOnFlaky     bool          // Gate flaky units as failures for the exit code
	ReportFile      string        // Where to write this shard's report JSON
	WorkspaceRoot   string        // Parent dir for worker scratch workspaces
	RunInterval     time.Duration // Interval between runs
	RunOnce         bool          // Exit after one run
	ShakeIterations int           // Stability analysis iterations (0 = off)
	StabilityReport string        // Where to write the stability report
	Log             log.Logger
}

// Sharded reports whether this process runs one shard of a larger set.
func (c *Config) Sharded() bool {
	return c.ShardTotal > 0
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	planFile, err := filepath.Abs(ctx.String(flags.Plan.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for plan '%s': %w", ctx.String(flags.Plan.Name), err)
	}

	workers := ctx.Int(flags.Workers.Name)
	if workers < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d", workers)
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	retries := ctx.Int(flags.Retries.Name)
	if retries < 0 {
		return nil, fmt.Errorf("retries must not be negative, got %d", retries)
	}

	// Shard flags come in pairs: both set, or neither.
	shardIndex := ctx.Int(flags.ShardIndex.Name)
	shardTotal := ctx.Int(flags.ShardTotal.Name)
	if (shardIndex == 0) != (shardTotal == 0) {
		return nil, fmt.Errorf("--shard-index and --shard-total must be set together")
	}
	if shardTotal > 0 {
		if shardIndex < 1 || shardIndex > shardTotal {
			return nil, fmt.Errorf("shard index %d out of range 1..%d", shardIndex, shardTotal)
		}
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)

	return &Config{
		PlanFile:        planFile,
		DefaultRetries:  retries,
		DefaultTimeout:  ctx.Duration(flags.Timeout.Name),
		Workers:         workers,
		ShardIndex:      shardIndex - 1, // -1 when not sharding
		ShardTotal:      shardTotal,
		GlobalTimeout:   ctx.Duration(flags.GlobalTimeout.Name),
		RetryDelay:      ctx.Duration(flags.RetryDelay.Name),
		BackoffCeiling:  ctx.Duration(flags.BackoffCeiling.Name),
		FailOnFlaky:     ctx.Bool(flags.FailOnFlaky.Name),
		ReportFile:      ctx.String(flags.ReportFile.Name),
		WorkspaceRoot:   ctx.String(flags.WorkspaceRoot.Name),
		RunInterval:     runInterval,
		RunOnce:         runInterval == 0,
		ShakeIterations: ctx.Int(flags.ShakeIterations.Name),
		StabilityReport: ctx.String(flags.StabilityReport.Name),
		Log:             logger,
	}, nil
}
