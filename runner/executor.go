package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/testherd/testherd/types"
)

// AttemptExecutor runs exactly one attempt of one unit inside a worker's
// execution context, enforcing the attempt's timeout budget.
type AttemptExecutor interface {
	Execute(ctx context.Context, unit types.TestUnit, attemptIndex int, timeoutBudget time.Duration, w *Worker) types.AttemptResult
}

// attemptExecutor implements AttemptExecutor
type attemptExecutor struct {
	log log.Logger
}

var _ AttemptExecutor = (*attemptExecutor)(nil)

// NewAttemptExecutor creates an attempt executor.
func NewAttemptExecutor(logger log.Logger) AttemptExecutor {
	if logger == nil {
		logger = log.Root()
	}
	return &attemptExecutor{log: logger.New("component", "executor")}
}

// Execute runs the unit's work and produces exactly one attempt result.
// A hung attempt is forcibly cancelled when the budget elapses and recorded
// as timed_out; cancellation of the surrounding run is recorded as aborted.
// Faults in the unit's work (including panics) are captured as failures and
// never propagate to crash the orchestrator.
func (e *attemptExecutor) Execute(ctx context.Context, unit types.TestUnit, attemptIndex int, timeoutBudget time.Duration, w *Worker) types.AttemptResult {
	result := types.AttemptResult{
		UnitID:        unit.ID,
		AttemptIndex:  attemptIndex,
		TimeoutBudget: timeoutBudget,
	}

	ctx, span := otel.Tracer("testherd/runner").Start(ctx, "attempt")
	span.SetAttributes(
		attribute.String("unit.id", unit.ID),
		attribute.Int("attempt.index", attemptIndex),
	)
	defer span.End()

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeoutBudget > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeoutBudget)
	}
	defer cancel()

	e.log.Debug("Starting attempt",
		"unit", unit.ID, "attempt", attemptIndex, "budget", timeoutBudget, "worker", w.ID())

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		if unit.Run == nil {
			done <- errors.New("unit has no work attached")
			return
		}
		done <- unit.Run(attemptCtx, w.Context())
	}()

	var workErr error
	select {
	case workErr = <-done:
	case <-attemptCtx.Done():
		// The work goroutine is cut loose; its context is cancelled so a
		// well-behaved unit unwinds on its own. We do not wait for it.
		workErr = attemptCtx.Err()
	}
	result.Duration = time.Since(start)

	switch {
	case workErr == nil:
		result.Status = types.AttemptStatusSuccess
	case ctx.Err() != nil:
		// The run itself was cancelled (global timeout or external abort),
		// not this attempt's budget.
		result.Status = types.AttemptStatusAborted
		result.Diagnostics = fmt.Sprintf("attempt aborted: %v", context.Cause(ctx))
	case errors.Is(workErr, context.DeadlineExceeded):
		result.Status = types.AttemptStatusTimedOut
		result.Diagnostics = fmt.Sprintf("attempt timed out after %v (budget %v)", result.Duration.Round(time.Millisecond), timeoutBudget)
	default:
		result.Status = types.AttemptStatusFailure
		result.Diagnostics = workErr.Error()
	}

	span.SetAttributes(attribute.String("attempt.status", string(result.Status)))
	e.log.Debug("Attempt finished",
		"unit", unit.ID, "attempt", attemptIndex, "status", result.Status, "duration", result.Duration)
	return result
}
