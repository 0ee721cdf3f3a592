package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upRevocations, downRevocations)
}

// Revocation is a committed loss of access whose denylist push has not yet
// succeeded.
type Revocation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UnitID    string    `gorm:"type:text;not null;index:idx_revocations_unit_user"`
	UserID    string    `gorm:"type:text;not null;index:idx_revocations_unit_user"`
	Source    string    `gorm:"type:text;not null"`
	CreatedBy string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func upRevocations(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Revocation{})
}

func downRevocations(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Revocation{})
}
