package persister

import (
	"context"
	"errors"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"qaharness/pkg/db"
	"qaharness/services/executions"
	"qaharness/services/results"
)

// ErrExecutionNotFound is returned when no execution row exists.
var ErrExecutionNotFound = errors.New("execution not found")

const selectResults = `
SELECT id, execution_id, test_case_id, name, suite, status, start_time, end_time,
       duration_ms, artifact_link, error_message, COALESCE(meta, '{}'::jsonb) AS meta,
       created_at, updated_at
FROM test_results
WHERE execution_id = $1
ORDER BY suite, start_time, test_case_id`

const selectExecution = `
SELECT id, suite, state, created_at, updated_at
FROM executions
WHERE id = $1`

// Reader queries persisted results through pgx.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// ListResults returns the stored outcomes of an execution in report order.
func (r *Reader) ListResults(ctx context.Context, executionID string) ([]results.TestOutcome, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("nil reader")
	}

	var rows []resultModel
	if err := db.Select(ctx, r.pool, &rows, selectResults, executionID); err != nil {
		return nil, err
	}

	out := make([]results.TestOutcome, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toOutcome())
	}
	results.Sort(out)
	return out, nil
}

// GetExecution returns the last persisted lifecycle row of an execution.
func (r *Reader) GetExecution(ctx context.Context, executionID string) (executions.Execution, error) {
	if r == nil || r.pool == nil {
		return executions.Execution{}, errors.New("nil reader")
	}

	var row executionModel
	if err := db.Get(ctx, r.pool, &row, selectExecution, executionID); err != nil {
		if pgxscan.NotFound(err) {
			return executions.Execution{}, ErrExecutionNotFound
		}
		return executions.Execution{}, err
	}
	return row.toExecution(), nil
}
