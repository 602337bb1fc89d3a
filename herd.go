// Package testherd wires the orchestration core (plan loading, shard
// selection, the worker pool and run coordinator) into a runnable service.
package testherd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/testherd/testherd/metrics"
	"github.com/testherd/testherd/plan"
	"github.com/testherd/testherd/runner"
	"github.com/testherd/testherd/shard"
	"github.com/testherd/testherd/types"
)

// Herd drives test runs: once, periodically, or in stability-shake mode.
type Herd struct {
	ctx         context.Context
	config      *Config
	units       []types.TestUnit
	coordinator *runner.Coordinator
	formatter   ResultFormatter
	report      *types.RunReport

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New loads the plan, applies the shard selection, and builds the run
// coordinator. registry may be nil when every plan unit carries a command.
func New(ctx context.Context, config *Config, registry *plan.Registry, shutdownCallback func(error)) (*Herd, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating herd with config",
		"plan", config.PlanFile,
		"workers", config.Workers,
		"retries", config.DefaultRetries,
		"timeout", config.DefaultTimeout,
		"sharded", config.Sharded())

	fallback := plan.UnitDefaults{
		Retries: &config.DefaultRetries,
		Timeout: plan.Duration(config.DefaultTimeout),
	}
	units, err := plan.Load(config.PlanFile, registry, fallback, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	cfg := runner.Config{
		Workers:       config.Workers,
		Policy:        runner.NewRetryPolicy(config.RetryDelay, config.BackoffCeiling),
		GlobalTimeout: config.GlobalTimeout,
		Factory:       runner.NewWorkspaceFactory(config.WorkspaceRoot, config.Log),
		Log:           config.Log,
	}

	if config.Sharded() {
		shards, err := shard.Partition(units, config.ShardTotal)
		if err != nil {
			return nil, fmt.Errorf("failed to partition plan: %w", err)
		}
		selected := shard.Select(units, shards[config.ShardIndex])
		config.Log.Info("Shard selected",
			"shard", config.ShardIndex+1,
			"total", config.ShardTotal,
			"units", len(selected),
			"of", len(units))
		units = selected

		idx := config.ShardIndex
		cfg.ShardIndex = &idx
		cfg.ShardTotal = config.ShardTotal
	}

	coordinator, err := runner.NewCoordinator(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	return &Herd{
		ctx:              ctx,
		config:           config,
		units:            units,
		coordinator:      coordinator,
		formatter:        NewConsoleResultFormatter(config.Log),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Units returns the units this process will run (after shard selection).
func (h *Herd) Units() []types.TestUnit {
	return h.units
}

// Report returns the most recent run report.
func (h *Herd) Report() *types.RunReport {
	return h.report
}

// Start runs the plan. In run-once mode it returns the terminal error that
// maps to the process exit code; in continuous mode it schedules periodic
// runs until stopped.
func (h *Herd) Start(ctx context.Context) error {
	h.ctx = ctx
	h.done = make(chan struct{})
	h.running.Store(true)

	if h.config.ShakeIterations > 0 {
		defer h.triggerShutdown()
		return h.runStability()
	}

	if h.config.RunOnce {
		h.config.Log.Info("Starting testherd in run-once mode")
		err := h.runPlan()
		h.triggerShutdown()
		return err
	}

	h.config.Log.Info("Starting testherd in continuous mode", "interval", h.config.RunInterval)
	if err := h.runPlan(); err != nil && IsRuntimeError(err) {
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.config.Log.Debug("Starting periodic runner goroutine", "interval", h.config.RunInterval)

		for {
			select {
			case <-time.After(h.config.RunInterval):
				if !h.running.Load() {
					h.config.Log.Debug("Service stopped, exiting periodic runner")
					return
				}
				h.config.Log.Info("Running periodic tests")
				if err := h.runPlan(); err != nil {
					h.config.Log.Error("Error running periodic tests", "error", err)
				}

			case <-h.done:
				h.config.Log.Debug("Done signal received, stopping periodic runner")
				return

			case <-ctx.Done():
				h.config.Log.Debug("Context canceled, stopping periodic runner")
				h.running.Store(false)
				return
			}
		}
	}()
	return nil
}

// runPlan executes one full run and converts the report into the typed
// error that selects the process exit code.
func (h *Herd) runPlan() error {
	report, err := h.coordinator.Run(h.ctx, h.units)
	if err != nil {
		// Structural fault (worker pool); the partial report is still shown.
		if report != nil {
			h.report = report
			_ = h.formatter.FormatReport(report)
		}
		return NewRuntimeError(err)
	}
	h.report = report

	if h.config.ReportFile != "" {
		if err := shard.WriteReport(report, h.config.ReportFile); err != nil {
			return NewRuntimeError(err)
		}
		h.config.Log.Info("Report written", "path", h.config.ReportFile)
	}

	if err := h.formatter.FormatReport(report); err != nil {
		h.config.Log.Error("Failed to print results", "error", err)
	}

	for _, o := range report.Outcomes {
		metrics.RecordOutcome(report.RunID, o)
	}
	metrics.RecordRun(report.RunID, string(report.Status()), report.WallClock)
	h.config.Log.Info("Run completed", "run_id", report.RunID, "status", report.Status())

	return h.gate(report)
}

// gate maps a report to the typed error behind the exit code convention.
func (h *Herd) gate(report *types.RunReport) error {
	failed := report.Stats.Failed
	if h.config.FailOnFlaky {
		failed += report.Stats.Flaky
	}
	if failed > 0 {
		return NewTestFailureError(fmt.Sprintf("%d of %d units failed", failed, report.Stats.Total))
	}
	if report.TimedOut {
		return NewGlobalTimeoutError(fmt.Sprintf("%d skipped, %d aborted", report.Stats.Skipped, report.Stats.Aborted))
	}
	return nil
}

// runStability executes the shake analysis instead of a gated run.
func (h *Herd) runStability() error {
	stability, err := runner.NewStabilityRunner(h.coordinator, h.config.ShakeIterations, h.config.Log)
	if err != nil {
		return NewRuntimeError(err)
	}

	report, err := stability.Run(h.ctx, h.units)
	if err != nil {
		return NewRuntimeError(err)
	}
	if err := runner.SaveStabilityReport(report, h.config.StabilityReport); err != nil {
		return NewRuntimeError(err)
	}

	unstable := 0
	for _, u := range report.Units {
		if u.Recommendation != runner.RecommendationStable {
			unstable++
		}
	}
	h.config.Log.Info("Stability analysis complete",
		"iterations", report.Iterations,
		"units", len(report.Units),
		"unstable", unstable,
		"report", h.config.StabilityReport)
	if unstable > 0 {
		return NewTestFailureError(fmt.Sprintf("%d of %d units are unstable", unstable, len(report.Units)))
	}
	return nil
}

func (h *Herd) triggerShutdown() {
	if h.shutdownCallback == nil {
		return
	}
	go func() {
		h.shutdownCallback(nil)
	}()
}

// Stop stops the testherd service.
func (h *Herd) Stop(ctx context.Context) error {
	h.config.Log.Info("Stopping testherd")

	if !h.running.Load() {
		h.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	// Update running state first to prevent new runs
	h.running.Store(false)
	close(h.done)

	h.config.Log.Info("testherd stopped successfully")
	return nil
}

// Stopped returns true if the testherd service is stopped.
func (h *Herd) Stopped() bool {
	return !h.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
func (h *Herd) WaitForShutdown(ctx context.Context) error {
	h.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		h.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}
