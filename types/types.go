package types

import (
	"context"
	"time"
)

// AttemptStatus represents the possible states of a single attempt
type AttemptStatus string

const (
	AttemptStatusSuccess  AttemptStatus = "success"
	AttemptStatusFailure  AttemptStatus = "failure"
	AttemptStatusTimedOut AttemptStatus = "timed_out"
	AttemptStatusAborted  AttemptStatus = "aborted"
)

// FinalStatus represents the terminal classification of a test unit
type FinalStatus string

const (
	FinalStatusPassed  FinalStatus = "passed"
	FinalStatusFlaky   FinalStatus = "flaky"
	FinalStatusFailed  FinalStatus = "failed"
	FinalStatusSkipped FinalStatus = "skipped"
	FinalStatusAborted FinalStatus = "aborted"
)

// ExecContext is an opaque execution context owned by a worker. The
// orchestration core never inspects it; it only hands it to unit work and
// returns it to the factory for disposal.
type ExecContext any

// ContextFactory provisions and tears down worker execution contexts.
// It is supplied by the external automation layer.
type ContextFactory interface {
	Create(ctx context.Context) (ExecContext, error)
	Dispose(ec ExecContext) error
}

// UnitWork is the opaque callable supplied per test unit by the external
// test-authoring layer. A nil error means the attempt succeeded.
type UnitWork func(ctx context.Context, ec ExecContext) error

// TestUnit is the atomic unit of work: one test case.
// Units are created once at collection time and are immutable for the life
// of the run.
type TestUnit struct {
	// ID is a stable, unique identifier for the unit.
	ID string

	// GroupID identifies a serial group the unit belongs to. Units sharing a
	// GroupID execute in declared order on a single worker and are retried
	// together as a whole. Empty for independent units.
	GroupID string

	// MaxRetries is the ceiling on retry attempts; a unit produces at most
	// MaxRetries+1 attempt results.
	MaxRetries int

	// BaseTimeout is the attempt-0 timeout budget.
	BaseTimeout time.Duration

	// Run executes one attempt of the unit's work.
	Run UnitWork `json:"-" yaml:"-"`
}

// AttemptResult captures the outcome of exactly one attempt of one unit.
// It is created once by the attempt executor and immutable afterwards.
type AttemptResult struct {
	UnitID        string        `json:"unit_id"`
	AttemptIndex  int           `json:"attempt_index"`
	Status        AttemptStatus `json:"status"`
	Duration      time.Duration `json:"duration"`
	TimeoutBudget time.Duration `json:"timeout_budget"`

	// Diagnostics carries the captured failure detail (assertion message,
	// panic value, timeout notice) for the report sink to render.
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Failed reports whether the attempt counts as a failure for retry purposes.
// Timeouts and aborts are failures; only success is not.
func (a AttemptResult) Failed() bool {
	return a.Status != AttemptStatusSuccess
}

// RetryDecision is the output of the retry policy. It is a pure function of
// attempt history and policy parameters, never persisted.
type RetryDecision struct {
	ShouldRetry     bool
	NextTimeout     time.Duration
	BackoffDelay    time.Duration
	RequiresCleanup bool
}

// TerminalOutcome is the per-unit terminal record, derived once all attempts
// for the unit conclude.
type TerminalOutcome struct {
	UnitID        string          `json:"unit_id"`
	FinalStatus   FinalStatus     `json:"final_status"`
	AttemptCount  int             `json:"attempt_count"`
	TotalDuration time.Duration   `json:"total_duration"`
	Attempts      []AttemptResult `json:"attempts,omitempty"`

	// Diagnostics is the last attempt's diagnostics, surfaced for rendering.
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Passing reports whether the outcome counts as non-blocking for CI gating.
// Flaky is a strict subset of passed: flagged separately but does not block
// the run unless the caller opts into a stricter gate.
func (o TerminalOutcome) Passing(failOnFlaky bool) bool {
	switch o.FinalStatus {
	case FinalStatusPassed, FinalStatusSkipped:
		return true
	case FinalStatusFlaky:
		return !failOnFlaky
	default:
		return false
	}
}

// Shard is a disjoint partition of the full unit set.
type Shard struct {
	Index   int      `json:"index"`
	Total   int      `json:"total"`
	UnitIDs []string `json:"unit_ids"`
}

// ResultStats tracks aggregate counts for a run report.
type ResultStats struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Flaky   int `json:"flaky"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Aborted int `json:"aborted"`
}

// Add folds one terminal outcome into the stats.
func (s *ResultStats) Add(o TerminalOutcome) {
	s.Total++
	switch o.FinalStatus {
	case FinalStatusPassed:
		s.Passed++
	case FinalStatusFlaky:
		s.Flaky++
	case FinalStatusFailed:
		s.Failed++
	case FinalStatusSkipped:
		s.Skipped++
	case FinalStatusAborted:
		s.Aborted++
	}
}

// RunReport is the output of one run (one shard, or the merged whole).
type RunReport struct {
	RunID string `json:"run_id"`

	// ShardIndex is nil for a merged/global report.
	ShardIndex *int `json:"shard_index,omitempty"`
	ShardTotal int  `json:"shard_total,omitempty"`

	Outcomes []TerminalOutcome `json:"outcomes"`
	Stats    ResultStats       `json:"stats"`

	// WallClock is the run's wall-clock duration, as opposed to the sum of
	// per-unit durations.
	WallClock time.Duration `json:"wall_clock"`

	// TimedOut is set when the run was cut short by the global run timeout.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Status returns the overall status of the report: failed if any unit
// failed, aborted if the run was cut short without failures, otherwise
// passed (an empty report passes).
func (r *RunReport) Status() FinalStatus {
	if r.Stats.Failed > 0 {
		return FinalStatusFailed
	}
	if r.TimedOut || r.Stats.Aborted > 0 {
		return FinalStatusAborted
	}
	if r.Stats.Flaky > 0 {
		return FinalStatusFlaky
	}
	return FinalStatusPassed
}
