package shard

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/testherd/testherd/types"
)

// MergeConflictError reports unit ids that appear in more than one shard
// report. It signals a partitioner invariant violation and is never silently
// repaired.
type MergeConflictError struct {
	UnitIDs []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("shard reports overlap on unit ids: %s", strings.Join(e.UnitIDs, ", "))
}

// Merge combines independently produced per-shard run reports into one
// consolidated report. Input order does not matter; the output outcome list
// is sorted by unit id for reproducible diffs between runs. Overlapping unit
// ids across inputs are fatal.
func Merge(reports []*types.RunReport) (*types.RunReport, error) {
	merged := &types.RunReport{RunID: uuid.New().String()}

	owner := make(map[string]bool)
	var conflicts []string
	for _, r := range reports {
		if r == nil {
			continue
		}
		for _, o := range r.Outcomes {
			if owner[o.UnitID] {
				conflicts = append(conflicts, o.UnitID)
				continue
			}
			owner[o.UnitID] = true
			merged.Outcomes = append(merged.Outcomes, o)
			merged.Stats.Add(o)
		}
		if r.WallClock > merged.WallClock {
			// Shards run side by side; the merged wall clock is the slowest
			// shard, not the sum.
			merged.WallClock = r.WallClock
		}
		if r.TimedOut {
			merged.TimedOut = true
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, &MergeConflictError{UnitIDs: conflicts}
	}

	sort.Slice(merged.Outcomes, func(i, j int) bool {
		return merged.Outcomes[i].UnitID < merged.Outcomes[j].UnitID
	})
	return merged, nil
}

// WriteReport writes a run report as JSON, the interchange format between
// shard machines and the merge step.
func WriteReport(report *types.RunReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// ReadReport loads a single run report from disk.
func ReadReport(path string) (*types.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}
	var report types.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &report, nil
}

// ReadReports loads shard reports concurrently from the given paths.
func ReadReports(paths []string) ([]*types.RunReport, error) {
	reports := make([]*types.RunReport, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			r, err := ReadReport(path)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
