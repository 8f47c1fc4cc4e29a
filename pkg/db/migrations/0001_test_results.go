package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
)

func init() {
	goose.AddMigrationContext(upTestResults, downTestResults)
}

// TestResult is the schema of one persisted outcome.
type TestResult struct {
	ID           int64             `gorm:"type:bigserial;primaryKey"`
	ExecutionID  string            `gorm:"type:text;not null;uniqueIndex:idx_test_results_key,priority:1"`
	TestCaseID   string            `gorm:"type:text;not null;uniqueIndex:idx_test_results_key,priority:2"`
	Name         string            `gorm:"type:text;not null"`
	Suite        string            `gorm:"type:text;not null;index"`
	Status       string            `gorm:"type:text;not null"`
	StartTime    time.Time         `gorm:"type:timestamptz"`
	EndTime      time.Time         `gorm:"type:timestamptz"`
	DurationMs   int64             `gorm:"not null;default:0"`
	ArtifactLink string            `gorm:"type:text"`
	ErrorMessage string            `gorm:"type:text"`
	Meta         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (TestResult) TableName() string { return "test_results" }

func upTestResults(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&TestResult{})
}

func downTestResults(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&TestResult{})
}
