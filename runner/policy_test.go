package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testherd/testherd/types"
)

func attempt(idx int, status types.AttemptStatus) types.AttemptResult {
	return types.AttemptResult{UnitID: "u", AttemptIndex: idx, Status: status}
}

// TestRetryPolicy_NoRetryAfterSuccess verifies a successful attempt never
// triggers a retry regardless of remaining budget
func TestRetryPolicy_NoRetryAfterSuccess(t *testing.T) {
	p := NewRetryPolicy(time.Second, 30*time.Second)

	d := p.Decide([]types.AttemptResult{attempt(0, types.AttemptStatusSuccess)}, 5, 10*time.Second)
	assert.False(t, d.ShouldRetry)
}

// TestRetryPolicy_RetriesWithinBudget verifies the shouldRetry rule:
// last attempt failed and history length has not exceeded maxRetries
func TestRetryPolicy_RetriesWithinBudget(t *testing.T) {
	p := NewRetryPolicy(time.Second, 30*time.Second)

	history := []types.AttemptResult{attempt(0, types.AttemptStatusFailure)}
	d := p.Decide(history, 2, 10*time.Second)
	assert.True(t, d.ShouldRetry)

	history = append(history, attempt(1, types.AttemptStatusTimedOut))
	d = p.Decide(history, 2, 10*time.Second)
	assert.True(t, d.ShouldRetry, "timeouts count as failures for retry purposes")

	history = append(history, attempt(2, types.AttemptStatusFailure))
	d = p.Decide(history, 2, 10*time.Second)
	assert.False(t, d.ShouldRetry, "maxRetries+1 attempts exhaust the budget")
}

// TestRetryPolicy_ZeroRetries verifies maxRetries=0 means no safety net:
// the first failure is terminal
func TestRetryPolicy_ZeroRetries(t *testing.T) {
	p := NewRetryPolicy(time.Second, 30*time.Second)

	d := p.Decide([]types.AttemptResult{attempt(0, types.AttemptStatusFailure)}, 0, 10*time.Second)
	assert.False(t, d.ShouldRetry)
}

// TestRetryPolicy_EscalatingTimeout verifies linear timeout escalation:
// attempt n gets baseTimeout * (n + 1)
func TestRetryPolicy_EscalatingTimeout(t *testing.T) {
	p := NewRetryPolicy(time.Second, 30*time.Second)
	base := 10 * time.Second

	history := []types.AttemptResult{attempt(0, types.AttemptStatusFailure)}
	d := p.Decide(history, 5, base)
	assert.Equal(t, 2*base, d.NextTimeout)

	history = append(history, attempt(1, types.AttemptStatusFailure))
	d = p.Decide(history, 5, base)
	assert.Equal(t, 3*base, d.NextTimeout)

	assert.Equal(t, base, TimeoutForAttempt(base, 0))
	assert.Equal(t, 4*base, TimeoutForAttempt(base, 3))
}

// TestRetryPolicy_ExponentialBackoff verifies the backoff doubles per failed
// attempt and is capped at the ceiling
func TestRetryPolicy_ExponentialBackoff(t *testing.T) {
	p := NewRetryPolicy(time.Second, 5*time.Second)

	history := []types.AttemptResult{attempt(0, types.AttemptStatusFailure)}
	d := p.Decide(history, 10, time.Second)
	assert.Equal(t, 1*time.Second, d.BackoffDelay)

	history = append(history, attempt(1, types.AttemptStatusFailure))
	d = p.Decide(history, 10, time.Second)
	assert.Equal(t, 2*time.Second, d.BackoffDelay)

	history = append(history, attempt(2, types.AttemptStatusFailure))
	d = p.Decide(history, 10, time.Second)
	assert.Equal(t, 4*time.Second, d.BackoffDelay)

	// 2^3 = 8s would exceed the 5s ceiling
	history = append(history, attempt(3, types.AttemptStatusFailure))
	d = p.Decide(history, 10, time.Second)
	assert.Equal(t, 5*time.Second, d.BackoffDelay)
}

// TestRetryPolicy_RequiresCleanup verifies retried attempts always request a
// full worker reset
func TestRetryPolicy_RequiresCleanup(t *testing.T) {
	p := NewRetryPolicy(time.Second, 30*time.Second)

	d := p.Decide([]types.AttemptResult{attempt(0, types.AttemptStatusFailure)}, 3, time.Second)
	assert.True(t, d.RequiresCleanup)
}

// TestRetryPolicy_Deterministic verifies identical history and parameters
// always produce identical decisions, keeping reruns reproducible
func TestRetryPolicy_Deterministic(t *testing.T) {
	p := NewRetryPolicy(2*time.Second, 20*time.Second)
	history := []types.AttemptResult{
		attempt(0, types.AttemptStatusFailure),
		attempt(1, types.AttemptStatusTimedOut),
	}

	first := p.Decide(history, 4, 15*time.Second)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, p.Decide(history, 4, 15*time.Second))
	}
}

// TestRetryPolicy_Defaults verifies zero values fall back to the documented
// defaults
func TestRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(0, 0)
	assert.Equal(t, DefaultRetryDelay, p.RetryDelay)
	assert.Equal(t, DefaultBackoffCeiling, p.BackoffCeiling)
}
