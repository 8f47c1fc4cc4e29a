package metrics

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsNamespace = "qaharness"
)

var (
	nonLabelRegex = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors by component",
	}, []string{
		"component",
		"error",
	})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "execution_transitions_total",
		Help:      "Count of execution lifecycle transitions by target state",
	}, []string{
		"suite",
		"state",
	})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "outcomes_total",
		Help:      "Count of recorded test outcomes",
	}, []string{
		"suite",
		"status",
	})

	malformedOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "malformed_outcomes_total",
		Help:      "Count of outcomes whose end preceded their start",
	}, []string{
		"suite",
	})

	artifactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "artifacts_total",
		Help:      "Count of artifact captures by kind and result",
	}, []string{
		"kind",
		"result",
	})

	persistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "persist_failures_total",
		Help:      "Count of outcomes that could not be persisted",
	})

	reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "reports_total",
		Help:      "Count of report renders and writes by format and result",
	}, []string{
		"format",
		"stage",
		"result",
	})

	caseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "test_case_duration_seconds",
		Help:      "Duration of executed test cases",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{
		"suite",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func toLabel(s string) string {
	label := strings.Trim(nonLabelRegex.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if label == "" {
		return "unknown"
	}
	return label
}

func RecordError(component, label string) {
	errorsTotal.WithLabelValues(toLabel(component), toLabel(label)).Inc()
}

func RecordTransition(suite, state string) {
	executionsTotal.WithLabelValues(suite, state).Inc()
}

// RecordOutcome counts one recorded outcome and observes its duration.
func RecordOutcome(suite, status string, seconds float64, malformed bool) {
	outcomesTotal.WithLabelValues(suite, status).Inc()
	caseDuration.WithLabelValues(suite).Observe(seconds)
	if malformed {
		malformedOutcomesTotal.WithLabelValues(suite).Inc()
	}
}

func RecordArtifact(kind string, err error) {
	artifactsTotal.WithLabelValues(kind, result(err)).Inc()
}

func RecordPersistFailure() {
	persistFailuresTotal.Inc()
}

// RecordReport counts a render or write of one report format.
func RecordReport(format, stage string, err error) {
	reportsTotal.WithLabelValues(format, stage, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
