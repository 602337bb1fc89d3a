package runner

import (
	"github.com/testherd/testherd/types"
)

// Classify derives the terminal outcome for a unit from its full attempt
// history. Classification only ever looks at the last attempt's status plus
// the attempt count; earlier failures are informational and surface through
// the retained attempt list.
func Classify(unitID string, history []types.AttemptResult) types.TerminalOutcome {
	outcome := types.TerminalOutcome{
		UnitID:       unitID,
		AttemptCount: len(history),
		Attempts:     history,
	}

	if len(history) == 0 {
		// Never dispatched: the unit was skipped (global timeout fired, or a
		// serial-group sibling failed before it ever ran).
		outcome.FinalStatus = types.FinalStatusSkipped
		return outcome
	}

	for _, a := range history {
		outcome.TotalDuration += a.Duration
	}

	last := history[len(history)-1]
	outcome.Diagnostics = last.Diagnostics

	switch {
	case last.Status == types.AttemptStatusSuccess && len(history) == 1:
		outcome.FinalStatus = types.FinalStatusPassed
	case last.Status == types.AttemptStatusSuccess:
		// Failed at least once but ultimately succeeded within the retry
		// budget: flagged for monitoring, does not block the run.
		outcome.FinalStatus = types.FinalStatusFlaky
	case last.Status == types.AttemptStatusAborted:
		outcome.FinalStatus = types.FinalStatusAborted
	default:
		outcome.FinalStatus = types.FinalStatusFailed
	}
	return outcome
}
