package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/testherd/testherd/types"
)

func testWorker() *Worker {
	return &Worker{id: "test-worker", ec: &stubContext{serial: 1}}
}

// TestExecutor_Success verifies a clean run produces a success result with
// the attempt metadata filled in
func TestExecutor_Success(t *testing.T) {
	exec := NewAttemptExecutor(nil)
	unit := types.TestUnit{
		ID: "ok",
		Run: func(ctx context.Context, ec types.ExecContext) error {
			return nil
		},
	}

	res := exec.Execute(context.Background(), unit, 0, time.Second, testWorker())
	assert.Equal(t, types.AttemptStatusSuccess, res.Status)
	assert.Equal(t, "ok", res.UnitID)
	assert.Equal(t, 0, res.AttemptIndex)
	assert.Equal(t, time.Second, res.TimeoutBudget)
	assert.False(t, res.Failed())
}

// TestExecutor_Failure verifies a returned error is captured as a failure
// with the error text as diagnostics
func TestExecutor_Failure(t *testing.T) {
	exec := NewAttemptExecutor(nil)
	unit := types.TestUnit{
		ID: "bad",
		Run: func(ctx context.Context, ec types.ExecContext) error {
			return errors.New("expected 4, got 5")
		},
	}

	res := exec.Execute(context.Background(), unit, 1, time.Second, testWorker())
	assert.Equal(t, types.AttemptStatusFailure, res.Status)
	assert.Equal(t, "expected 4, got 5", res.Diagnostics)
	assert.True(t, res.Failed())
}

// TestExecutor_PanicCaptured verifies a panicking unit is contained: the
// orchestrator survives and the panic value lands in the diagnostics
func TestExecutor_PanicCaptured(t *testing.T) {
	exec := NewAttemptExecutor(nil)
	unit := types.TestUnit{
		ID: "panicky",
		Run: func(ctx context.Context, ec types.ExecContext) error {
			panic("nil map write")
		},
	}

	res := exec.Execute(context.Background(), unit, 0, time.Second, testWorker())
	assert.Equal(t, types.AttemptStatusFailure, res.Status)
	assert.Contains(t, res.Diagnostics, "panic: nil map write")
}

// TestExecutor_Timeout verifies a hung unit is cut off at its budget and
// recorded as timed_out
func TestExecutor_Timeout(t *testing.T) {
	exec := NewAttemptExecutor(nil)
	unit := types.TestUnit{
		ID: "hung",
		Run: func(ctx context.Context, ec types.ExecContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	start := time.Now()
	res := exec.Execute(context.Background(), unit, 0, 50*time.Millisecond, testWorker())
	assert.Equal(t, types.AttemptStatusTimedOut, res.Status)
	assert.Less(t, time.Since(start), 2*time.Second, "executor must not wait past the budget")
	assert.Contains(t, res.Diagnostics, "timed out")
}

// TestExecutor_RunCancellationIsAborted verifies cancellation of the
// surrounding run is recorded as aborted, distinct from a budget timeout
func TestExecutor_RunCancellationIsAborted(t *testing.T) {
	exec := NewAttemptExecutor(nil)
	unit := types.TestUnit{
		ID: "interrupted",
		Run: func(ctx context.Context, ec types.ExecContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := exec.Execute(ctx, unit, 0, 10*time.Second, testWorker())
	assert.Equal(t, types.AttemptStatusAborted, res.Status)
}

// TestExecutor_NilWork verifies a unit without attached work fails instead of
// crashing
func TestExecutor_NilWork(t *testing.T) {
	exec := NewAttemptExecutor(nil)
	res := exec.Execute(context.Background(), types.TestUnit{ID: "empty"}, 0, time.Second, testWorker())
	assert.Equal(t, types.AttemptStatusFailure, res.Status)
}

// TestExecutor_ReceivesWorkerContext verifies the unit's work runs against
// the worker's execution context, not some ambient one
func TestExecutor_ReceivesWorkerContext(t *testing.T) {
	exec := NewAttemptExecutor(nil)
	w := testWorker()

	var got types.ExecContext
	unit := types.TestUnit{
		ID: "ctx",
		Run: func(ctx context.Context, ec types.ExecContext) error {
			got = ec
			return nil
		},
	}

	exec.Execute(context.Background(), unit, 0, time.Second, w)
	assert.Same(t, w.Context(), got)
}
