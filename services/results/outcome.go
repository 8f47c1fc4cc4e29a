package results

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the terminal result of a single test case.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// ParseStatus normalises a status string emitted by a test engine.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PASSED", "PASS", "SUCCESS":
		return StatusPassed, true
	case "FAILED", "FAIL", "FAILURE", "ERROR":
		return StatusFailed, true
	case "SKIPPED", "SKIP":
		return StatusSkipped, true
	default:
		return "", false
	}
}

// UnmarshalJSON accepts any spelling understood by ParseStatus.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, ok := ParseStatus(raw)
	if !ok {
		return fmt.Errorf("unknown status %q", raw)
	}
	*s = parsed
	return nil
}

// TestOutcome is the recorded result of one test case within one execution.
type TestOutcome struct {
	ExecutionID  string        `json:"executionId"`
	TestCaseID   string        `json:"testCaseId"`
	Name         string        `json:"name"`
	Suite        string        `json:"suite"`
	Status       Status        `json:"status"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"-"`
	ArtifactLink string        `json:"artifactLink,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`

	// Malformed is set when the event's end preceded its start.
	Malformed bool `json:"-"`
}

// DurationMillis returns the duration in whole milliseconds.
func (o TestOutcome) DurationMillis() int64 {
	return o.Duration.Milliseconds()
}

// Event is what a test engine adapter hands to the Sink when a test case
// completes. Payloads are already serialised by the adapter.
type Event struct {
	TestCaseID      string    `json:"test_case_id"`
	Name            string    `json:"name"`
	Suite           string    `json:"suite"`
	Status          Status    `json:"status"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Screenshot      []byte    `json:"screenshot,omitempty"`
	RequestPayload  string    `json:"request_payload,omitempty"`
	ResponsePayload string    `json:"response_payload,omitempty"`
}

// HasEvidence reports whether the event carries any failure evidence.
func (e Event) HasEvidence() bool {
	return len(e.Screenshot) > 0 || e.RequestPayload != "" || e.ResponsePayload != ""
}

// Sink accepts outcome events from any test-execution adapter.
type Sink interface {
	Record(ctx context.Context, executionID string, ev Event) error
}

// NewOutcome converts an engine event into a TestOutcome. An end time before
// the start time is clamped to a zero duration and flagged as malformed.
func NewOutcome(executionID string, ev Event) TestOutcome {
	name := strings.TrimSpace(ev.Name)
	if name == "" {
		name = ev.TestCaseID
	}

	out := TestOutcome{
		ExecutionID: executionID,
		TestCaseID:  ev.TestCaseID,
		Name:        name,
		Suite:       ev.Suite,
		Status:      ev.Status,
		StartTime:   ev.StartTime,
		EndTime:     ev.EndTime,
	}

	if ev.EndTime.Before(ev.StartTime) {
		out.Malformed = true
	} else {
		out.Duration = ev.EndTime.Sub(ev.StartTime)
	}

	if ev.Status == StatusFailed {
		out.ErrorMessage = ev.ErrorMessage
	}

	return out
}
