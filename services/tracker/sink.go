package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qaharness/pkg/bus"
	"qaharness/pkg/metrics"
	"qaharness/services/artifacts"
	"qaharness/services/executions"
	"qaharness/services/results"
)

const publishTimeout = 5 * time.Second

type recordedEvent struct {
	ExecutionID  string `json:"execution_id"`
	TestCaseID   string `json:"test_case_id"`
	Suite        string `json:"suite"`
	Status       string `json:"status"`
	DurationMs   int64  `json:"duration_ms"`
	ArtifactLink string `json:"artifact_link,omitempty"`
}

// Record implements results.Sink. It normalises the event, captures evidence
// for failures, stores the outcome and hands it to persistence.
func (t *Tracker) Record(ctx context.Context, executionID string, ev results.Event) error {
	status, ok := results.ParseStatus(string(ev.Status))
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, ev.Status)
	}
	ev.Status = status

	outcome, err := t.collect(executionID, ev)
	if err != nil {
		return err
	}

	if t.cfg.Persister != nil {
		t.cfg.Persister.Persist(ctx, outcome)
	}
	t.publish(ctx, bus.SubjectOutcomeRecorded, recordedEvent{
		ExecutionID:  outcome.ExecutionID,
		TestCaseID:   outcome.TestCaseID,
		Suite:        outcome.Suite,
		Status:       string(outcome.Status),
		DurationMs:   outcome.DurationMillis(),
		ArtifactLink: outcome.ArtifactLink,
	})
	return nil
}

func (t *Tracker) collect(executionID string, ev results.Event) (results.TestOutcome, error) {
	r, ok := t.lookup(executionID)
	if !ok {
		if t.cfg.Registry.Get(executionID) == executions.NotFound {
			return results.TestOutcome{}, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
		}
		return results.TestOutcome{}, fmt.Errorf("%w: %s", ErrExecutionClosed, executionID)
	}

	// Hold the read side so finalize cannot snapshot while this outcome is
	// half recorded.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || t.cfg.Registry.Get(executionID).Terminal() {
		return results.TestOutcome{}, fmt.Errorf("%w: %s", ErrExecutionClosed, executionID)
	}

	outcome := results.NewOutcome(executionID, ev)
	if outcome.Status == results.StatusFailed && ev.HasEvidence() {
		outcome.ArtifactLink = t.captureEvidence(outcome, ev)
	}

	if err := t.cfg.Collector.Record(executionID, outcome); err != nil {
		return results.TestOutcome{}, err
	}
	metrics.RecordOutcome(outcome.Suite, string(outcome.Status), outcome.Duration.Seconds(), outcome.Malformed)
	return outcome, nil
}

// captureEvidence writes every payload present on the event and returns the
// link shown in reports: the screenshot when present, then the response,
// then the request.
func (t *Tracker) captureEvidence(outcome results.TestOutcome, ev results.Event) string {
	type evidence struct {
		kind    artifacts.Kind
		payload []byte
		present bool
	}
	items := []evidence{
		{kind: artifacts.KindScreenshot, payload: ev.Screenshot, present: len(ev.Screenshot) > 0},
		{kind: artifacts.KindResponse, payload: []byte(ev.ResponsePayload), present: ev.ResponsePayload != ""},
		{kind: artifacts.KindRequest, payload: []byte(ev.RequestPayload), present: ev.RequestPayload != ""},
	}

	var link string
	for _, item := range items {
		if !item.present {
			continue
		}
		l, err := t.cfg.Artifacts.Capture(outcome, item.kind, item.payload)
		metrics.RecordArtifact(string(item.kind), err)
		if err != nil {
			var werr *artifacts.WriteError
			event := t.logger.Warn()
			if errors.As(err, &werr) {
				event = t.logger.Error().Str("path", werr.Path)
			}
			event.Err(err).
				Str("execution_id", outcome.ExecutionID).
				Str("test_case_id", outcome.TestCaseID).
				Str("kind", string(item.kind)).
				Msg("capture artifact")
			continue
		}
		if link == "" {
			link = l
		}
	}
	return link
}

func (t *Tracker) publish(ctx context.Context, subject string, v any) {
	if t.cfg.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := t.cfg.Publisher.Publish(ctx, subject, v); err != nil {
		metrics.RecordError("bus", "publish")
		t.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
