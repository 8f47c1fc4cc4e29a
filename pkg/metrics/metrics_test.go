package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLabel(t *testing.T) {
	validLabelRegex := regexp.MustCompile(`^[a-z0-9_]+$`)
	tests := []struct {
		in   string
		want string
	}{
		{in: "write failed", want: "write_failed"},
		{in: "test@error#123", want: "test_error_123"},
		{in: "  ", want: "unknown"},
		{in: "", want: "unknown"},
		{in: "Persist", want: "persist"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := toLabel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Regexp(t, validLabelRegex, got)
		})
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRecordOutcome(t *testing.T) {
	RecordOutcome("metrics-test", "FAILED", 0.5, false)
	RecordOutcome("metrics-test", "FAILED", 0, true)

	body := scrape(t)
	assert.Contains(t, body, `qaharness_outcomes_total{status="FAILED",suite="metrics-test"} 2`)
	assert.Contains(t, body, `qaharness_malformed_outcomes_total{suite="metrics-test"} 1`)
	assert.Contains(t, body, `qaharness_test_case_duration_seconds_count{suite="metrics-test"} 2`)
}

func TestRecordArtifactAndReport(t *testing.T) {
	RecordArtifact("request", nil)
	RecordArtifact("response", errors.New("disk full"))
	RecordReport("junit", "write", errors.New("read-only"))

	body := scrape(t)
	assert.Contains(t, body, `qaharness_artifacts_total{kind="request",result="ok"} 1`)
	assert.Contains(t, body, `qaharness_artifacts_total{kind="response",result="error"} 1`)
	assert.Contains(t, body, `qaharness_reports_total{format="junit",result="error",stage="write"} 1`)
}

func TestRecordErrorDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordError("tracker", "suite unreadable: open x.yaml")
		RecordPersistFailure()
		RecordTransition("smoke", "RUNNING")
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordPersistFailure()
	assert.True(t, strings.Contains(scrape(t), "qaharness_persist_failures_total"))
}
