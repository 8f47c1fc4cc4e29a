package persister

import (
	"time"

	"gorm.io/datatypes"

	"qaharness/services/executions"
	"qaharness/services/results"
)

type resultModel struct {
	ID           int64             `gorm:"type:bigserial;primaryKey" db:"id"`
	ExecutionID  string            `gorm:"type:text;not null" db:"execution_id"`
	TestCaseID   string            `gorm:"type:text;not null" db:"test_case_id"`
	Name         string            `gorm:"type:text;not null" db:"name"`
	Suite        string            `gorm:"type:text;not null" db:"suite"`
	Status       string            `gorm:"type:text;not null" db:"status"`
	StartTime    time.Time         `gorm:"type:timestamptz" db:"start_time"`
	EndTime      time.Time         `gorm:"type:timestamptz" db:"end_time"`
	DurationMs   int64             `gorm:"not null;default:0" db:"duration_ms"`
	ArtifactLink string            `gorm:"type:text" db:"artifact_link"`
	ErrorMessage string            `gorm:"type:text" db:"error_message"`
	Meta         datatypes.JSONMap `gorm:"type:jsonb" db:"meta"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;autoCreateTime" db:"created_at"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;autoUpdateTime" db:"updated_at"`
}

func (resultModel) TableName() string { return "test_results" }

func newResultModel(o results.TestOutcome) resultModel {
	m := resultModel{
		ExecutionID:  o.ExecutionID,
		TestCaseID:   o.TestCaseID,
		Name:         o.Name,
		Suite:        o.Suite,
		Status:       string(o.Status),
		StartTime:    o.StartTime.UTC(),
		EndTime:      o.EndTime.UTC(),
		DurationMs:   o.DurationMillis(),
		ArtifactLink: o.ArtifactLink,
		ErrorMessage: o.ErrorMessage,
	}
	if o.Malformed {
		m.Meta = datatypes.JSONMap{"malformed": true}
	}
	return m
}

func (m resultModel) toOutcome() results.TestOutcome {
	return results.TestOutcome{
		ExecutionID:  m.ExecutionID,
		TestCaseID:   m.TestCaseID,
		Name:         m.Name,
		Suite:        m.Suite,
		Status:       results.Status(m.Status),
		StartTime:    m.StartTime,
		EndTime:      m.EndTime,
		Duration:     time.Duration(m.DurationMs) * time.Millisecond,
		ArtifactLink: m.ArtifactLink,
		ErrorMessage: m.ErrorMessage,
		Malformed:    m.Meta["malformed"] == true,
	}
}

type executionModel struct {
	ID        string    `gorm:"type:text;primaryKey" db:"id"`
	Suite     string    `gorm:"type:text;not null" db:"suite"`
	State     string    `gorm:"type:text;not null" db:"state"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null" db:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null" db:"updated_at"`
}

func (executionModel) TableName() string { return "executions" }

func newExecutionModel(e executions.Execution) executionModel {
	return executionModel{
		ID:        e.ID,
		Suite:     e.Suite,
		State:     string(e.State),
		CreatedAt: e.CreatedAt.UTC(),
		UpdatedAt: e.UpdatedAt.UTC(),
	}
}

func (m executionModel) toExecution() executions.Execution {
	return executions.Execution{
		ID:        m.ID,
		Suite:     m.Suite,
		State:     executions.State(m.State),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
