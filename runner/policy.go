package runner

import (
	"time"

	"github.com/testherd/testherd/types"
)

// Retry policy defaults
const (
	// DefaultRetryDelay is the unit delay for the first backoff step.
	DefaultRetryDelay = 1 * time.Second

	// DefaultBackoffCeiling caps the exponential backoff between attempts.
	DefaultBackoffCeiling = 30 * time.Second
)

// RetryPolicy decides whether a failed unit gets another attempt, what the
// next attempt's timeout budget is, and how long to back off before it.
// Decisions are a pure function of attempt history and policy parameters so
// reruns stay reproducible.
type RetryPolicy struct {
	// RetryDelay is the backoff unit delay: the wait before attempt 1 is
	// RetryDelay, before attempt 2 it doubles, and so on.
	RetryDelay time.Duration

	// BackoffCeiling caps the backoff growth.
	BackoffCeiling time.Duration
}

// NewRetryPolicy creates a retry policy, filling in defaults for zero values.
func NewRetryPolicy(retryDelay, backoffCeiling time.Duration) RetryPolicy {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if backoffCeiling <= 0 {
		backoffCeiling = DefaultBackoffCeiling
	}
	return RetryPolicy{RetryDelay: retryDelay, BackoffCeiling: backoffCeiling}
}

// Decide computes the retry decision for a unit given its ordered attempt
// history. maxRetries=0 means the first failure is terminal.
func (p RetryPolicy) Decide(history []types.AttemptResult, maxRetries int, baseTimeout time.Duration) types.RetryDecision {
	if len(history) == 0 {
		// Nothing has run yet; the first attempt gets the base budget.
		return types.RetryDecision{
			ShouldRetry: false,
			NextTimeout: baseTimeout,
		}
	}

	last := history[len(history)-1]
	nextIndex := len(history)

	decision := types.RetryDecision{
		ShouldRetry:     last.Failed() && len(history) <= maxRetries,
		NextTimeout:     TimeoutForAttempt(baseTimeout, nextIndex),
		BackoffDelay:    p.backoff(last.AttemptIndex),
		RequiresCleanup: nextIndex > 0,
	}
	return decision
}

// TimeoutForAttempt returns the escalated timeout budget for the given
// attempt index: baseTimeout * (attemptIndex + 1). Linear escalation gives
// transient slowness proportionally more room without unbounded growth.
func TimeoutForAttempt(baseTimeout time.Duration, attemptIndex int) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	return baseTimeout * time.Duration(attemptIndex+1)
}

// backoff returns 2^failedAttemptIndex * RetryDelay, capped at the ceiling.
func (p RetryPolicy) backoff(failedAttemptIndex int) time.Duration {
	if failedAttemptIndex < 0 {
		failedAttemptIndex = 0
	}
	delay := p.RetryDelay
	for i := 0; i < failedAttemptIndex; i++ {
		delay *= 2
		if delay >= p.BackoffCeiling {
			return p.BackoffCeiling
		}
	}
	if delay > p.BackoffCeiling {
		return p.BackoffCeiling
	}
	return delay
}
