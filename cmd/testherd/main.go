package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	testherd "github.com/testherd/testherd"
	"github.com/testherd/testherd/exitcodes"
	"github.com/testherd/testherd/flags"
	"github.com/testherd/testherd/service"
	"github.com/testherd/testherd/shard"
)

var (
	Version   = "v0.2.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "testherd"
	app.Usage = "Test run scheduler and retry/timeout/shard coordinator"
	app.Description = "testherd executes a test plan across a worker pool, retries flaky units with escalating timeouts, shards plans across machines and merges the resulting reports"
	app.Flags = flags.Flags
	app.Action = run
	app.Commands = []*cli.Command{
		{
			Name:      "merge",
			Usage:     "Merge per-shard run reports into one consolidated report",
			ArgsUsage: "<report.json> [<report.json> ...]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "output",
					Usage: "Path to write the merged report (omit to skip)",
				},
				flags.FailOnFlaky,
			},
			Action: merge,
		},
	}

	// Start telemetry
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer otelShutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start ops server
	svc := service.New()
	svc.Start(ctx)
	defer svc.Shutdown()

	if err := app.RunContext(ctx, os.Args); err != nil {
		exitForError(err)
	}
}

// exitForError maps typed runtime errors onto the exit code convention.
func exitForError(err error) {
	switch {
	case testherd.IsRuntimeError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
	case testherd.IsGlobalTimeoutError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.GlobalTimeout))
	case testherd.IsTestFailureError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
	default:
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
	}
}

func run(ctx *cli.Context) error {
	logger := newLogger()

	cfg, err := testherd.NewConfig(ctx, logger)
	if err != nil {
		return testherd.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", fmt.Sprintf("%+v", cfg))

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	herd, err := testherd.New(runCtx, cfg, nil, func(error) { cancel() })
	if err != nil {
		return testherd.NewRuntimeError(fmt.Errorf("failed to create herd: %w", err))
	}

	err = herd.Start(runCtx)
	if cfg.RunOnce || cfg.ShakeIterations > 0 {
		return err
	}
	if err != nil {
		return err
	}

	// Continuous mode: run until interrupted.
	<-runCtx.Done()
	if stopErr := herd.Stop(context.Background()); stopErr != nil {
		logger.Error("Failed to stop herd", "error", stopErr)
	}
	return herd.WaitForShutdown(context.Background())
}

func merge(ctx *cli.Context) error {
	logger := newLogger()

	paths := ctx.Args().Slice()
	if len(paths) == 0 {
		return testherd.NewRuntimeError(fmt.Errorf("merge requires at least one report file"))
	}

	reports, err := shard.ReadReports(paths)
	if err != nil {
		return testherd.NewRuntimeError(err)
	}

	merged, err := shard.Merge(reports)
	if err != nil {
		// Overlapping unit ids signal a partitioner invariant violation;
		// halt rather than emit a misleading report.
		return testherd.NewRuntimeError(err)
	}

	if out := ctx.String("output"); out != "" {
		if err := shard.WriteReport(merged, out); err != nil {
			return testherd.NewRuntimeError(err)
		}
		logger.Info("Merged report written", "path", out, "shards", len(reports))
	}

	if err := testherd.NewConsoleResultFormatter(logger).FormatReport(merged); err != nil {
		logger.Error("Failed to print results", "error", err)
	}

	failed := merged.Stats.Failed
	if ctx.Bool(flags.FailOnFlaky.Name) {
		failed += merged.Stats.Flaky
	}
	if failed > 0 {
		return testherd.NewTestFailureError(fmt.Sprintf("%d of %d units failed", failed, merged.Stats.Total))
	}
	if merged.TimedOut {
		return testherd.NewGlobalTimeoutError("one or more shards hit the global timeout")
	}
	return nil
}

func newLogger() log.Logger {
	logger := log.NewLogger(log.NewTerminalHandler(os.Stderr, true))
	log.SetDefault(logger)
	return logger
}
