package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"qaharness/pkg/bus"
	"qaharness/pkg/metrics"
	"qaharness/services/results"
	"qaharness/services/tracker"
)

const durableName = "qaharness-ingest"

// Subscriber is the consuming side of the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Submission is the message an external test engine publishes for each
// finished test case.
type Submission struct {
	ExecutionID string        `json:"execution_id"`
	Event       results.Event `json:"event"`
}

// Ingestor forwards outcomes submitted over the bus into a results.Sink.
type Ingestor struct {
	sink   results.Sink
	sub    Subscriber
	logger zerolog.Logger

	subMu  sync.Mutex
	closer io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(sink results.Sink, sub Subscriber, logger zerolog.Logger) (*Ingestor, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return &Ingestor{
		sink:   sink,
		sub:    sub,
		logger: logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// Start subscribes to submitted outcomes and processes them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	closer, err := i.sub.Subscribe(ctx, bus.SubjectOutcomeSubmitted, durableName, i.handle)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.closer = closer
	i.subMu.Unlock()
	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.closer == nil {
		return nil
	}
	err := i.closer.Close()
	i.closer = nil
	return err
}

// handle returns an error wrapping bus.ErrDrop for messages that can never
// succeed so they are not redelivered.
func (i *Ingestor) handle(ctx context.Context, data []byte) error {
	var msg Submission
	if err := json.Unmarshal(data, &msg); err != nil {
		return i.drop("decode", fmt.Errorf("decode submission: %v", err))
	}
	if strings.TrimSpace(msg.ExecutionID) == "" {
		return i.drop("validate", errors.New("execution_id missing from submission"))
	}
	if strings.TrimSpace(msg.Event.TestCaseID) == "" {
		return i.drop("validate", errors.New("event.test_case_id missing from submission"))
	}

	err := i.sink.Record(ctx, msg.ExecutionID, msg.Event)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tracker.ErrUnknownExecution),
		errors.Is(err, tracker.ErrExecutionClosed),
		errors.Is(err, tracker.ErrInvalidStatus),
		errors.Is(err, results.ErrMissingExecution),
		errors.Is(err, results.ErrMissingTestCase):
		i.logger.Warn().Err(err).Str("execution_id", msg.ExecutionID).Str("test_case_id", msg.Event.TestCaseID).Msg("submission rejected")
		metrics.RecordError("ingest", "rejected")
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	default:
		metrics.RecordError("ingest", "record")
		return err
	}
}

func (i *Ingestor) drop(label string, err error) error {
	i.logger.Warn().Err(err).Msg("dropping submission")
	metrics.RecordError("ingest", label)
	return fmt.Errorf("%w: %v", bus.ErrDrop, err)
}
