package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testherd/testherd/types"
)

// TestStabilityRunner_DetectsUnstableUnit runs the set several times and
// verifies a unit that needed retries in any iteration is flagged unstable
func TestStabilityRunner_DetectsUnstableUnit(t *testing.T) {
	counter := newCallCounter()
	units := []types.TestUnit{
		{ID: "steady", BaseTimeout: time.Second, Run: passingWork(counter, "steady")},
		// Fails on its first call of every iteration, then recovers. Two calls
		// per iteration means odd calls fail.
		{ID: "shaky", MaxRetries: 1, BaseTimeout: time.Second, Run: func(ctx context.Context, ec types.ExecContext) error {
			if counter.record("shaky", ec)%2 == 1 {
				return assert.AnError
			}
			return nil
		}},
	}

	c := newTestCoordinator(t, 2, &stubFactory{}, 0)
	s, err := NewStabilityRunner(c, 3, nil)
	require.NoError(t, err)

	report, err := s.Run(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, report.RunIDs, 3)
	require.Len(t, report.Units, 2)

	steady := report.Units[1]
	require.Equal(t, "steady", steady.UnitID)
	assert.Equal(t, RecommendationStable, steady.Recommendation)
	assert.Equal(t, float64(100), steady.PassRate)

	shaky := report.Units[0]
	require.Equal(t, "shaky", shaky.UnitID)
	assert.Equal(t, RecommendationUnstable, shaky.Recommendation)
	assert.Equal(t, 3, shaky.Flaky)
	assert.Equal(t, 0, shaky.Passes)
}

// TestSummarizeUnit verifies the per-unit aggregation math
func TestSummarizeUnit(t *testing.T) {
	outcomes := []types.TerminalOutcome{
		{UnitID: "u", FinalStatus: types.FinalStatusPassed, TotalDuration: time.Second},
		{UnitID: "u", FinalStatus: types.FinalStatusFailed, TotalDuration: 3 * time.Second, Diagnostics: "boom"},
		{UnitID: "u", FinalStatus: types.FinalStatusFlaky, TotalDuration: 2 * time.Second},
		{UnitID: "u", FinalStatus: types.FinalStatusSkipped},
	}

	result := summarizeUnit("u", outcomes)
	assert.Equal(t, 4, result.TotalRuns)
	assert.Equal(t, 1, result.Passes)
	assert.Equal(t, 1, result.Failures)
	assert.Equal(t, 1, result.Flaky)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, float64(25), result.PassRate)
	assert.Equal(t, time.Duration(0), result.MinDuration)
	assert.Equal(t, 3*time.Second, result.MaxDuration)
	assert.Equal(t, 1500*time.Millisecond, result.AvgDuration)
	assert.Equal(t, []string{"boom"}, result.FailureDiagnostics)
	assert.Equal(t, RecommendationUnstable, result.Recommendation)
}

// TestSummarizeUnit_AllPassesIsStable verifies a perfect record comes out
// stable
func TestSummarizeUnit_AllPassesIsStable(t *testing.T) {
	outcomes := []types.TerminalOutcome{
		{UnitID: "u", FinalStatus: types.FinalStatusPassed, TotalDuration: time.Second},
		{UnitID: "u", FinalStatus: types.FinalStatusPassed, TotalDuration: time.Second},
	}

	result := summarizeUnit("u", outcomes)
	assert.Equal(t, RecommendationStable, result.Recommendation)
	assert.Equal(t, float64(100), result.PassRate)
}

// TestSaveStabilityReport verifies the report round-trips through its JSON
// file form
func TestSaveStabilityReport(t *testing.T) {
	report := &StabilityReport{
		Iterations: 2,
		RunIDs:     []string{"r1", "r2"},
		Units: []StabilityResult{
			{UnitID: "u", TotalRuns: 2, Passes: 2, PassRate: 100, Recommendation: RecommendationStable},
		},
		GeneratedAt: time.Now().UTC(),
	}

	path := filepath.Join(t.TempDir(), "stability.json")
	require.NoError(t, SaveStabilityReport(report, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded StabilityReport
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, report.Iterations, loaded.Iterations)
	assert.Equal(t, report.Units, loaded.Units)
}

// TestNewStabilityRunner_Validation verifies constructor checks
func TestNewStabilityRunner_Validation(t *testing.T) {
	c := newTestCoordinator(t, 1, &stubFactory{}, 0)

	_, err := NewStabilityRunner(nil, 3, nil)
	assert.Error(t, err)

	_, err = NewStabilityRunner(c, 0, nil)
	assert.Error(t, err)
}
