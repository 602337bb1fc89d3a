package metrics

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/testherd/testherd/types"
)

const (
	MetricsNamespace = "testherd"
)

var (
	Debug bool = true

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	unitOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "unit_outcomes_total",
		Help:      "Count of terminal unit outcomes",
	}, []string{
		"run_id",
		"status",
	})

	unitAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "unit_attempts_total",
		Help:      "Count of attempts consumed by finalized units",
	}, []string{
		"run_id",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of test runs",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of test runs",
	}, []string{
		"run_id",
	})
)

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordOutcome records one finalized unit outcome.
func RecordOutcome(runID string, outcome types.TerminalOutcome) {
	if Debug {
		log.Debug("metric inc",
			"m", "unit_outcomes_total",
			"run_id", runID,
			"unit", outcome.UnitID,
			"status", outcome.FinalStatus)
	}
	unitOutcomesTotal.WithLabelValues(runID, string(outcome.FinalStatus)).Inc()
	unitAttemptsTotal.WithLabelValues(runID).Add(float64(outcome.AttemptCount))
}

// RecordRun records the aggregate result of a completed run.
func RecordRun(runID string, result string, duration time.Duration) {
	runResults.WithLabelValues(runID, result).Set(1)
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
