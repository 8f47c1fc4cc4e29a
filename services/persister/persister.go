package persister

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"qaharness/pkg/metrics"
	"qaharness/services/results"
)

// DefaultTimeout bounds a single persist call.
const DefaultTimeout = 5 * time.Second

// Persister durably stores one outcome.
type Persister interface {
	Persist(ctx context.Context, outcome results.TestOutcome) error
}

// Func adapts a function to Persister.
type Func func(ctx context.Context, outcome results.TestOutcome) error

func (f Func) Persist(ctx context.Context, outcome results.TestOutcome) error {
	return f(ctx, outcome)
}

// BestEffort persists outcomes without ever failing the caller. Failures are
// logged and counted; the in-memory outcome is left untouched.
type BestEffort struct {
	next    Persister
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBestEffort wraps next. A nil next turns every call into a no-op.
func NewBestEffort(next Persister, timeout time.Duration, logger zerolog.Logger) *BestEffort {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BestEffort{next: next, timeout: timeout, logger: logger}
}

// Persist stores outcome, swallowing any error or panic from the backend.
func (b *BestEffort) Persist(ctx context.Context, outcome results.TestOutcome) {
	if b == nil || b.next == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	if err := b.call(ctx, outcome); err != nil {
		metrics.RecordPersistFailure()
		b.logger.Warn().
			Err(err).
			Str("execution_id", outcome.ExecutionID).
			Str("test_case_id", outcome.TestCaseID).
			Msg("persist outcome")
	}
}

func (b *BestEffort) call(ctx context.Context, outcome results.TestOutcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persister panic: %v", r)
		}
	}()
	return b.next.Persist(ctx, outcome)
}
