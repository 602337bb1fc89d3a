package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/testherd/testherd/types"
)

// ErrGlobalTimeout is the cancellation cause used when the run-level timeout
// fires. It is a defined terminal state, not an error: the run still emits a
// well-formed report.
var ErrGlobalTimeout = errors.New("global run timeout exceeded")

// ErrWorkerPoolFailure is the cancellation cause used when the pool cannot
// reprovision a worker within its retry bound.
var ErrWorkerPoolFailure = errors.New("worker pool failure")

// Config holds the coordinator configuration.
type Config struct {
	// Workers is the fixed worker pool size. Must be at least 1.
	Workers int

	// Policy drives retry, timeout escalation and backoff decisions.
	Policy RetryPolicy

	// GlobalTimeout cuts the whole run short when exceeded. Zero disables it.
	GlobalTimeout time.Duration

	// Factory provisions worker execution contexts.
	Factory types.ContextFactory

	// Executor runs individual attempts. Defaults to NewAttemptExecutor.
	Executor AttemptExecutor

	// ShardIndex/ShardTotal label the produced report. ShardIndex is nil
	// when the run is not sharded.
	ShardIndex *int
	ShardTotal int

	Log log.Logger
}

// Coordinator is the top-level driver: it feeds the worker pool, loops each
// unit through the retry policy, aggregates terminal outcomes as they
// finalize, and produces a run report. Outcomes stream in as workers free
// up; there is no global barrier until the end.
type Coordinator struct {
	cfg      Config
	executor AttemptExecutor
	log      log.Logger
}

// dispatchItem is one schedulable piece of work: a single independent unit,
// or a whole serial group pinned to one worker.
type dispatchItem struct {
	units []types.TestUnit
	group string // empty for independent units
}

// NewCoordinator validates the configuration and creates a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Factory == nil {
		return nil, errors.New("context factory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	executor := cfg.Executor
	if executor == nil {
		executor = NewAttemptExecutor(cfg.Log)
	}
	return &Coordinator{
		cfg:      cfg,
		executor: executor,
		log:      cfg.Log.New("component", "coordinator"),
	}, nil
}

// Run executes all units to completion (or global timeout) and returns the
// run report. Cancellation never leaves the system without a report: on
// global timeout or external abort, unstarted units are marked skipped,
// in-flight attempts are recorded as aborted, and the report is emitted.
// The returned error is non-nil only for structural faults (a worker pool
// that cannot be provisioned); the report is still valid in that case.
func (c *Coordinator) Run(ctx context.Context, units []types.TestUnit) (*types.RunReport, error) {
	runID := uuid.New().String()
	start := time.Now()

	report := &types.RunReport{
		RunID:      runID,
		ShardIndex: c.cfg.ShardIndex,
		ShardTotal: c.cfg.ShardTotal,
	}

	if len(units) == 0 {
		// Legal when sharding hands this machine an empty partition.
		c.log.Info("No units to run, emitting empty report", "run_id", runID)
		report.WallClock = time.Since(start)
		return report, nil
	}

	ctx, span := otel.Tracer("testherd/runner").Start(ctx, "run")
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.units", len(units)),
		attribute.Int("run.workers", c.cfg.Workers),
	)
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.cfg.GlobalTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, c.cfg.GlobalTimeout, ErrGlobalTimeout)
		defer cancelTimeout()
	}

	pool, err := NewWorkerPool(runCtx, c.cfg.Factory, c.cfg.Workers, c.cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Close()

	items := collectDispatchItems(units)
	c.log.Info("Starting run",
		"run_id", runID, "units", len(units), "items", len(items), "workers", c.cfg.Workers)

	workChan := make(chan dispatchItem)
	outcomeChan := make(chan types.TerminalOutcome, len(units))

	// Dispatcher: stops feeding new work the moment the run is cancelled.
	go func() {
		defer close(workChan)
		for _, item := range items {
			select {
			case workChan <- item:
			case <-runCtx.Done():
				c.log.Debug("Run cancelled while dispatching", "cause", context.Cause(runCtx))
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case item, ok := <-workChan:
					if !ok {
						return
					}
					c.processItem(runCtx, pool, item, outcomeChan, cancel)
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	// Single-writer aggregation: one goroutine owns the report, so no unit's
	// outcome is ever written twice and no counter needs a lock.
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		for outcome := range outcomeChan {
			report.Outcomes = append(report.Outcomes, outcome)
			report.Stats.Add(outcome)
			c.log.Debug("Outcome finalized",
				"unit", outcome.UnitID, "status", outcome.FinalStatus, "attempts", outcome.AttemptCount)
		}
	}()

	wg.Wait()
	close(outcomeChan)
	<-aggDone

	// Units that never produced an outcome were never started: skipped.
	seen := make(map[string]bool, len(report.Outcomes))
	for _, o := range report.Outcomes {
		seen[o.UnitID] = true
	}
	for _, u := range units {
		if !seen[u.ID] {
			outcome := types.TerminalOutcome{UnitID: u.ID, FinalStatus: types.FinalStatusSkipped}
			report.Outcomes = append(report.Outcomes, outcome)
			report.Stats.Add(outcome)
		}
	}

	// Stable presentation ordering; execution order carries no meaning.
	sort.Slice(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].UnitID < report.Outcomes[j].UnitID
	})

	report.WallClock = time.Since(start)
	report.TimedOut = errors.Is(context.Cause(runCtx), ErrGlobalTimeout)

	span.SetAttributes(attribute.String("run.status", string(report.Status())))
	c.log.Info("Run complete",
		"run_id", runID,
		"status", report.Status(),
		"passed", report.Stats.Passed,
		"flaky", report.Stats.Flaky,
		"failed", report.Stats.Failed,
		"skipped", report.Stats.Skipped,
		"aborted", report.Stats.Aborted,
		"duration", report.WallClock)

	if cause := context.Cause(runCtx); errors.Is(cause, ErrWorkerPoolFailure) {
		return report, cause
	}
	return report, nil
}

// processItem runs one dispatch item to its terminal outcomes.
func (c *Coordinator) processItem(ctx context.Context, pool *WorkerPool, item dispatchItem, outcomes chan<- types.TerminalOutcome, cancel context.CancelCauseFunc) {
	if item.group != "" {
		c.processGroup(ctx, pool, item, outcomes, cancel)
		return
	}

	unit := item.units[0]
	w, err := pool.Acquire(ctx)
	if err != nil {
		// Never started: the aggregation pass marks it skipped.
		return
	}

	history := c.runAttemptLoop(ctx, pool, unit, w, cancel)
	outcomes <- Classify(unit.ID, history)
}

// runAttemptLoop drives a single unit through attempts until success,
// retry exhaustion, or run cancellation. It owns the worker it is given and
// either releases it (after success) or recycles it (after any failure)
// before returning.
func (c *Coordinator) runAttemptLoop(ctx context.Context, pool *WorkerPool, unit types.TestUnit, w *Worker, cancel context.CancelCauseFunc) []types.AttemptResult {
	var history []types.AttemptResult
	budget := TimeoutForAttempt(unit.BaseTimeout, 0)

	for attempt := 0; ; attempt++ {
		res := c.executor.Execute(ctx, unit, attempt, budget, w)
		history = append(history, res)

		if res.Status == types.AttemptStatusSuccess {
			// A clean worker can serve the next, unrelated unit as-is.
			pool.Release(w)
			return history
		}

		// Full disposal after any non-success attempt: the context identity
		// used by a retry (or by the next unit) is always fresh.
		if err := pool.Recycle(ctx, w); err != nil {
			c.log.Error("Worker pool cannot reprovision, aborting run", "error", err)
			cancel(fmt.Errorf("%w: %v", ErrWorkerPoolFailure, err))
			return history
		}
		w = nil

		decision := c.cfg.Policy.Decide(history, unit.MaxRetries, unit.BaseTimeout)
		if !decision.ShouldRetry {
			return history
		}

		c.log.Info("Retrying unit",
			"unit", unit.ID,
			"next_attempt", attempt+1,
			"next_timeout", decision.NextTimeout,
			"backoff", decision.BackoffDelay)

		if !sleepCtx(ctx, decision.BackoffDelay) {
			return history
		}

		var err error
		w, err = pool.Acquire(ctx)
		if err != nil {
			return history
		}
		budget = decision.NextTimeout
	}
}

// processGroup runs a serial group on a single worker. If any unit in the
// group fails, the entire group restarts from its first unit on a fresh
// worker, because later units may depend on state established by earlier
// ones. A unit in a group is never retried in isolation.
func (c *Coordinator) processGroup(ctx context.Context, pool *WorkerPool, item dispatchItem, outcomes chan<- types.TerminalOutcome, cancel context.CancelCauseFunc) {
	histories := make(map[string][]types.AttemptResult, len(item.units))
	maxRetries := groupRetryBudget(item.units)

	w, err := pool.Acquire(ctx)
	if err != nil {
		c.emitGroupOutcomes(item, histories, outcomes)
		return
	}

	for attempt := 0; ; attempt++ {
		var failed *types.AttemptResult
		var failedUnit types.TestUnit

		for _, unit := range item.units {
			budget := TimeoutForAttempt(unit.BaseTimeout, attempt)
			res := c.executor.Execute(ctx, unit, attempt, budget, w)
			histories[unit.ID] = append(histories[unit.ID], res)

			if res.Failed() {
				failed = &res
				failedUnit = unit
				break
			}
		}

		if failed == nil {
			pool.Release(w)
			break
		}

		// Group restart always begins on a fresh worker.
		if err := pool.Recycle(ctx, w); err != nil {
			c.log.Error("Worker pool cannot reprovision, aborting run", "error", err)
			cancel(fmt.Errorf("%w: %v", ErrWorkerPoolFailure, err))
			break
		}
		w = nil

		decision := c.cfg.Policy.Decide(histories[failedUnit.ID], maxRetries, failedUnit.BaseTimeout)
		if !decision.ShouldRetry {
			break
		}

		c.log.Info("Retrying serial group from its first unit",
			"group", item.group,
			"failed_unit", failedUnit.ID,
			"next_attempt", attempt+1,
			"backoff", decision.BackoffDelay)

		if !sleepCtx(ctx, decision.BackoffDelay) {
			break
		}
		w, err = pool.Acquire(ctx)
		if err != nil {
			break
		}
	}

	c.emitGroupOutcomes(item, histories, outcomes)
}

// emitGroupOutcomes classifies every unit of a group from its own attempt
// history. Units that never ran at all come out skipped.
func (c *Coordinator) emitGroupOutcomes(item dispatchItem, histories map[string][]types.AttemptResult, outcomes chan<- types.TerminalOutcome) {
	for _, unit := range item.units {
		outcomes <- Classify(unit.ID, histories[unit.ID])
	}
}

// collectDispatchItems turns the declared unit list into schedulable items,
// folding serial groups into single indivisible items at the position of
// their first member. Declaration order is preserved.
func collectDispatchItems(units []types.TestUnit) []dispatchItem {
	var items []dispatchItem
	groupIndex := make(map[string]int)

	for _, u := range units {
		if u.GroupID == "" {
			items = append(items, dispatchItem{units: []types.TestUnit{u}})
			continue
		}
		if idx, ok := groupIndex[u.GroupID]; ok {
			items[idx].units = append(items[idx].units, u)
			continue
		}
		groupIndex[u.GroupID] = len(items)
		items = append(items, dispatchItem{units: []types.TestUnit{u}, group: u.GroupID})
	}
	return items
}

// groupRetryBudget is the group's retry ceiling: the minimum maxRetries
// across its members, since the group retries as a whole.
func groupRetryBudget(units []types.TestUnit) int {
	budget := units[0].MaxRetries
	for _, u := range units[1:] {
		if u.MaxRetries < budget {
			budget = u.MaxRetries
		}
	}
	return budget
}

// sleepCtx waits for d or until the context is cancelled. Returns false when
// cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
