package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upExecutions, downExecutions)
}

// Execution is the schema of one persisted execution lifecycle row.
type Execution struct {
	ID        string    `gorm:"type:text;primaryKey"`
	Suite     string    `gorm:"type:text;not null;index"`
	State     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null"`
}

func upExecutions(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Execution{})
}

func downExecutions(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Execution{})
}
