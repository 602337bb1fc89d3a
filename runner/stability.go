package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testherd/testherd/types"
)

// Stability recommendations
const (
	RecommendationStable   = "STABLE"
	RecommendationUnstable = "UNSTABLE"
)

// StabilityResult aggregates one unit's behavior across repeated runs.
type StabilityResult struct {
	UnitID      string        `json:"unit_id"`
	TotalRuns   int           `json:"total_runs"`
	Passes      int           `json:"passes"`
	Flaky       int           `json:"flaky"`
	Failures    int           `json:"failures"`
	Skipped     int           `json:"skipped"`
	PassRate    float64       `json:"pass_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`

	// FailureDiagnostics keeps the first few captured failures for triage.
	FailureDiagnostics []string `json:"failure_diagnostics,omitempty"`

	Recommendation string `json:"recommendation"`
}

// StabilityReport is the complete shake analysis: every unit's pass rate
// over the requested number of iterations. Rendering is the report sink's
// concern; this is structured data only.
type StabilityReport struct {
	Iterations  int               `json:"iterations"`
	RunIDs      []string          `json:"run_ids"`
	Units       []StabilityResult `json:"units"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// StabilityRunner runs the full unit set repeatedly to shake out flaky
// units before they reach the retry safety net.
type StabilityRunner struct {
	coordinator *Coordinator
	iterations  int
	log         log.Logger
}

// NewStabilityRunner creates a stability runner around an existing
// coordinator.
func NewStabilityRunner(coordinator *Coordinator, iterations int, logger log.Logger) (*StabilityRunner, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if iterations < 1 {
		return nil, fmt.Errorf("iterations must be at least 1, got %d", iterations)
	}
	if logger == nil {
		logger = log.Root()
	}
	return &StabilityRunner{
		coordinator: coordinator,
		iterations:  iterations,
		log:         logger.New("component", "stability"),
	}, nil
}

// Run executes the unit set iterations times and aggregates per-unit pass
// rates. A run that is cut short (pool failure) is logged and the remaining
// iterations continue.
func (s *StabilityRunner) Run(ctx context.Context, units []types.TestUnit) (*StabilityReport, error) {
	s.log.Info("Starting stability analysis", "iterations", s.iterations, "units", len(units))

	perUnit := make(map[string][]types.TerminalOutcome)
	report := &StabilityReport{Iterations: s.iterations}

	for i := 1; i <= s.iterations; i++ {
		s.log.Info("Running iteration", "iteration", i, "total", s.iterations)

		runReport, err := s.coordinator.Run(ctx, units)
		if err != nil {
			s.log.Error("Iteration ended with a pool failure, continuing", "iteration", i, "error", err)
		}
		if runReport == nil {
			continue
		}
		report.RunIDs = append(report.RunIDs, runReport.RunID)
		for _, o := range runReport.Outcomes {
			perUnit[o.UnitID] = append(perUnit[o.UnitID], o)
		}
		if ctx.Err() != nil {
			s.log.Warn("Stability analysis cancelled", "completed_iterations", i)
			break
		}
	}

	for unitID, outcomes := range perUnit {
		report.Units = append(report.Units, summarizeUnit(unitID, outcomes))
	}
	sort.Slice(report.Units, func(i, j int) bool {
		return report.Units[i].UnitID < report.Units[j].UnitID
	})
	report.GeneratedAt = time.Now()

	return report, nil
}

// summarizeUnit folds a unit's outcomes across iterations into one result.
// A flaky outcome counts as unstable even though it passes CI gating: the
// whole point of the analysis is to find units that needed retries.
func summarizeUnit(unitID string, outcomes []types.TerminalOutcome) StabilityResult {
	result := StabilityResult{UnitID: unitID, TotalRuns: len(outcomes)}

	var total time.Duration
	for i, o := range outcomes {
		switch o.FinalStatus {
		case types.FinalStatusPassed:
			result.Passes++
		case types.FinalStatusFlaky:
			result.Flaky++
		case types.FinalStatusSkipped:
			result.Skipped++
		default:
			result.Failures++
			if len(result.FailureDiagnostics) < 5 && o.Diagnostics != "" {
				result.FailureDiagnostics = append(result.FailureDiagnostics, o.Diagnostics)
			}
		}

		total += o.TotalDuration
		if i == 0 || o.TotalDuration < result.MinDuration {
			result.MinDuration = o.TotalDuration
		}
		if o.TotalDuration > result.MaxDuration {
			result.MaxDuration = o.TotalDuration
		}
	}

	if result.TotalRuns > 0 {
		result.AvgDuration = total / time.Duration(result.TotalRuns)
		result.PassRate = float64(result.Passes) / float64(result.TotalRuns) * 100
	}

	if result.Passes == result.TotalRuns && result.TotalRuns > 0 {
		result.Recommendation = RecommendationStable
	} else {
		result.Recommendation = RecommendationUnstable
	}
	return result
}

// SaveStabilityReport writes the report as JSON.
func SaveStabilityReport(report *StabilityReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stability report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stability report: %w", err)
	}
	return nil
}
