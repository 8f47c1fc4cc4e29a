package persister

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qaharness/services/executions"
	"qaharness/services/results"
)

// GormStore writes outcomes and execution rows through GORM.
type GormStore struct {
	orm *gorm.DB
}

func NewGormStore(orm *gorm.DB) *GormStore {
	return &GormStore{orm: orm}
}

// Persist upserts the outcome keyed by (execution_id, test_case_id).
func (s *GormStore) Persist(ctx context.Context, outcome results.TestOutcome) error {
	if s == nil || s.orm == nil {
		return errors.New("nil gorm store")
	}
	model := newResultModel(outcome)
	return s.upsertResult(ctx, &model).Error
}

func (s *GormStore) upsertResult(ctx context.Context, model *resultModel) *gorm.DB {
	return s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "execution_id"}, {Name: "test_case_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "suite", "status", "start_time", "end_time", "duration_ms",
			"artifact_link", "error_message", "meta", "updated_at",
		}),
	}).Create(model)
}

// SaveExecution upserts the lifecycle row of an execution.
func (s *GormStore) SaveExecution(ctx context.Context, exec executions.Execution) error {
	if s == nil || s.orm == nil {
		return errors.New("nil gorm store")
	}
	model := newExecutionModel(exec)
	return s.upsertExecution(ctx, &model).Error
}

// Lifecycle notifications are delivered outside the registry lock, so a
// stale RUNNING write can arrive after COMPLETED. The stored row only ever
// moves forward.
const forwardOnly = stateRank + ` < ` + excludedStateRank

const (
	stateRank         = `CASE "executions"."state" WHEN 'QUEUED' THEN 0 WHEN 'RUNNING' THEN 1 ELSE 2 END`
	excludedStateRank = `CASE "excluded"."state" WHEN 'QUEUED' THEN 0 WHEN 'RUNNING' THEN 1 ELSE 2 END`
)

func (s *GormStore) upsertExecution(ctx context.Context, model *executionModel) *gorm.DB {
	return s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: forwardOnly}}},
	}).Create(model)
}
