package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "TESTHERD"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	Plan = &cli.StringFlag{
		Name:     "plan",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVars("PLAN"),
		Usage:    "Path to the test plan manifest (eg. 'plan.yaml')",
	}
	Retries = &cli.IntFlag{
		Name:    "retries",
		Value:   0,
		EnvVars: prefixEnvVars("RETRIES"),
		Usage:   "Default retry ceiling for units that don't set their own (0 = no retry safety net)",
	}
	Timeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVars("TIMEOUT"),
		Usage:   "Default per-attempt timeout for units that don't set their own",
	}
	Workers = &cli.IntFlag{
		Name:    "workers",
		Value:   0,
		EnvVars: prefixEnvVars("WORKERS"),
		Usage:   "Number of parallel workers (0 = number of CPUs)",
	}
	ShardIndex = &cli.IntFlag{
		Name:    "shard-index",
		Value:   0,
		EnvVars: prefixEnvVars("SHARD_INDEX"),
		Usage:   "1-based index of the shard to run on this machine; requires --shard-total",
	}
	ShardTotal = &cli.IntFlag{
		Name:    "shard-total",
		Value:   0,
		EnvVars: prefixEnvVars("SHARD_TOTAL"),
		Usage:   "Total number of shards; requires --shard-index",
	}
	GlobalTimeout = &cli.DurationFlag{
		Name:    "global-timeout",
		Value:   0,
		EnvVars: prefixEnvVars("GLOBAL_TIMEOUT"),
		Usage:   "Run-level timeout; when exceeded, unstarted units are skipped and in-flight attempts aborted. 0 disables it.",
	}
	RetryDelay = &cli.DurationFlag{
		Name:    "retry-delay",
		Value:   1 * time.Second,
		EnvVars: prefixEnvVars("RETRY_DELAY"),
		Usage:   "Backoff unit delay before the first retry; doubles per attempt",
	}
	BackoffCeiling = &cli.DurationFlag{
		Name:    "backoff-ceiling",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVars("BACKOFF_CEILING"),
		Usage:   "Cap on the exponential backoff between attempts",
	}
	FailOnFlaky = &cli.BoolFlag{
		Name:    "fail-on-flaky",
		Value:   false,
		EnvVars: prefixEnvVars("FAIL_ON_FLAKY"),
		Usage:   "Treat units that needed retries as failures for the exit code",
	}
	ReportFile = &cli.StringFlag{
		Name:    "report",
		Value:   "",
		EnvVars: prefixEnvVars("REPORT"),
		Usage:   "Path to write this shard's run report as JSON (omit to skip)",
	}
	WorkspaceRoot = &cli.StringFlag{
		Name:    "workspace-root",
		Value:   "",
		EnvVars: prefixEnvVars("WORKSPACE_ROOT"),
		Usage:   "Parent directory for per-worker scratch workspaces (default: system temp)",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVars("RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	ShakeIterations = &cli.IntFlag{
		Name:    "shake-iterations",
		Value:   0,
		EnvVars: prefixEnvVars("SHAKE_ITERATIONS"),
		Usage:   "Run the whole plan this many times and report per-unit stability instead of a single run (0 disables)",
	}
	StabilityReport = &cli.StringFlag{
		Name:    "stability-report",
		Value:   "stability-report.json",
		EnvVars: prefixEnvVars("STABILITY_REPORT"),
		Usage:   "Path to write the stability report when --shake-iterations is set",
	}
)

var requiredFlags = []cli.Flag{
	Plan,
}

var optionalFlags = []cli.Flag{
	Retries,
	Timeout,
	Workers,
	ShardIndex,
	ShardTotal,
	GlobalTimeout,
	RetryDelay,
	BackoffCeiling,
	FailOnFlaky,
	ReportFile,
	WorkspaceRoot,
	RunInterval,
	ShakeIterations,
	StabilityReport,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
