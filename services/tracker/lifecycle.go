package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"qaharness/pkg/bus"
	"qaharness/pkg/metrics"
	"qaharness/services/executions"
)

// ExecutionSaver persists execution lifecycle rows.
type ExecutionSaver interface {
	SaveExecution(ctx context.Context, exec executions.Execution) error
}

type lifecycleEvent struct {
	ExecutionID string    `json:"execution_id"`
	Suite       string    `json:"suite"`
	State       string    `json:"state"`
	Previous    string    `json:"previous,omitempty"`
	At          time.Time `json:"at"`
}

// LifecycleNotifier returns a registry notifier that counts transitions and,
// when configured, publishes them and saves the execution row. publisher and
// saver may be nil.
func LifecycleNotifier(publisher bus.Publisher, saver ExecutionSaver, logger zerolog.Logger) executions.Notifier {
	return func(change executions.Change) {
		exec := change.Execution
		metrics.RecordTransition(exec.Suite, string(exec.State))

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if saver != nil {
			if err := saver.SaveExecution(ctx, exec); err != nil {
				metrics.RecordError("persister", "save_execution")
				logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("save execution")
			}
		}

		if publisher == nil {
			return
		}
		subject := bus.SubjectExecutionTransitioned
		if change.Previous == "" {
			subject = bus.SubjectExecutionCreated
		}
		evt := lifecycleEvent{
			ExecutionID: exec.ID,
			Suite:       exec.Suite,
			State:       string(exec.State),
			Previous:    string(change.Previous),
			At:          exec.UpdatedAt,
		}
		if err := publisher.Publish(ctx, subject, evt); err != nil {
			metrics.RecordError("bus", "publish")
			logger.Warn().Err(err).Str("subject", subject).Msg("publish lifecycle")
		}
	}
}
