package testherd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/testherd/testherd/types"
)

// ResultFormatter is responsible for formatting and displaying run reports.
type ResultFormatter interface {
	FormatReport(report *types.RunReport) error
}

// ConsoleResultFormatter implements the ResultFormatter interface.
type ConsoleResultFormatter struct {
	logger log.Logger
}

// NewConsoleResultFormatter creates a new ConsoleResultFormatter.
func NewConsoleResultFormatter(logger log.Logger) *ConsoleResultFormatter {
	return &ConsoleResultFormatter{
		logger: logger,
	}
}

// FormatReport formats and displays a run report.
func (f *ConsoleResultFormatter) FormatReport(report *types.RunReport) error {
	f.logger.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	title := fmt.Sprintf("Run Results (%s)", formatDuration(report.WallClock))
	if report.ShardIndex != nil {
		title = fmt.Sprintf("Run Results - Shard %d/%d (%s)", *report.ShardIndex+1, report.ShardTotal, formatDuration(report.WallClock))
	}
	t.SetTitle(title)

	t.AppendHeader(table.Row{
		"Unit", "Status", "Attempts", "Duration", "Diagnostics",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Unit", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Diagnostics", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, o := range report.Outcomes {
		t.AppendRow(table.Row{
			o.UnitID,
			getResultString(o.FinalStatus),
			o.AttemptCount,
			formatDuration(o.TotalDuration),
			firstLine(stripansi.Strip(o.Diagnostics)),
		})
	}

	switch report.Status() {
	case types.FinalStatusPassed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.FinalStatusFlaky, types.FinalStatusAborted:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("TOTAL %d", report.Stats.Total),
		getResultString(report.Status()),
		"",
		formatDuration(report.WallClock),
		fmt.Sprintf("passed=%d flaky=%d failed=%d skipped=%d aborted=%d",
			report.Stats.Passed, report.Stats.Flaky, report.Stats.Failed,
			report.Stats.Skipped, report.Stats.Aborted),
	})

	t.Render()
	return nil
}

// getResultString returns a short marker for a terminal status
func getResultString(status types.FinalStatus) string {
	switch status {
	case types.FinalStatusPassed:
		return "✓ passed"
	case types.FinalStatusFlaky:
		return "~ flaky"
	case types.FinalStatusSkipped:
		return "- skipped"
	case types.FinalStatusAborted:
		return "! aborted"
	default:
		return "✗ failed"
	}
}

// firstLine trims diagnostics down to their first line for the table; the
// full text stays in the report for the sink to render.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
