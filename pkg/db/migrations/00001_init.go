package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Gateway struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	FacilityID           string    `gorm:"type:text;uniqueIndex;not null"`
	Name                 string    `gorm:"type:text"`
	KeyManagementVersion string    `gorm:"type:text;not null;default:'v2'"`
	CreatedAt            time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt            time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type User struct {
	ID        string    `gorm:"type:text;primaryKey"`
	Role      string    `gorm:"type:text;not null;default:'tenant'"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Unit struct {
	ID              string    `gorm:"type:text;primaryKey"`
	FacilityID      string    `gorm:"type:text;not null;index"`
	Name            string    `gorm:"type:text"`
	PrimaryTenantID string    `gorm:"type:text;index"`
	CreatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type UnitShare struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UnitID    string     `gorm:"type:text;not null;index"`
	UserID    string     `gorm:"type:text;not null;index"`
	RevokedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Unit      Unit       `gorm:"foreignKey:UnitID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Device struct {
	ID         string     `gorm:"type:text;primaryKey"`
	FacilityID string     `gorm:"type:text;not null;index"`
	UnitID     *string    `gorm:"type:text;index"`
	Serial     string     `gorm:"type:text"`
	MAC        string     `gorm:"type:text"`
	Name       string     `gorm:"type:text"`
	Firmware   string     `gorm:"type:text"`
	Battery    *int       `gorm:"type:integer"`
	LastSeenAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Command struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	FacilityID    string     `gorm:"type:text;not null;index:idx_commands_facility_status"`
	CmdType       string     `gorm:"type:text;not null"`
	Payload       string     `gorm:"type:text;not null"`
	Signature     string     `gorm:"type:text"`
	Status        string     `gorm:"type:text;not null;index:idx_commands_facility_status;index:idx_commands_due"`
	AttemptCount  int        `gorm:"not null;default:0"`
	Version       int        `gorm:"not null;default:0"`
	NextAttemptAt time.Time  `gorm:"type:timestamptz;not null;index:idx_commands_due"`
	LastAttemptAt *time.Time `gorm:"type:timestamptz"`
	LastError     string     `gorm:"type:text"`
	CreatedBy     string     `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type CommandAttempt struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	CommandID   uuid.UUID `gorm:"type:uuid;not null;index"`
	AttemptedAt time.Time `gorm:"type:timestamptz;not null"`
	Result      string    `gorm:"type:text;not null"`
	ErrorDetail string    `gorm:"type:text"`
	Manual      bool      `gorm:"not null;default:false"`
	Command     Command   `gorm:"foreignKey:CommandID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type DenylistEntry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID   string    `gorm:"type:text;not null;index:idx_denylist_device_user"`
	UserID     string    `gorm:"type:text;not null;index:idx_denylist_device_user"`
	FacilityID string    `gorm:"type:text;not null;index"`
	Action     string    `gorm:"type:text;not null"`
	ExpiresAt  time.Time `gorm:"type:timestamptz;not null"`
	Source     string    `gorm:"type:text;not null"`
	CreatedBy  string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;index:idx_denylist_device_user"`
}

type RoutePassIssuance struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"type:text;not null;index:idx_route_pass_user_issued"`
	AppDeviceID string         `gorm:"type:text;not null"`
	JTI         string         `gorm:"column:jti;type:text;not null;uniqueIndex"`
	Audiences   datatypes.JSON `gorm:"type:jsonb;not null"`
	KeyID       string         `gorm:"type:text;not null"`
	IssuedAt    time.Time      `gorm:"type:timestamptz;not null;index:idx_route_pass_user_issued"`
	ExpiresAt   time.Time      `gorm:"type:timestamptz;not null"`
}

type KeyMaterial struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	KeyID            string     `gorm:"type:text;not null;uniqueIndex:idx_key_materials_key_version"`
	Role             string     `gorm:"type:text;not null"`
	Version          string     `gorm:"type:text;not null;uniqueIndex:idx_key_materials_key_version"`
	PublicKey        string     `gorm:"type:text;not null"`
	Status           string     `gorm:"type:text;not null"`
	RootSignature    string     `gorm:"type:text"`
	RotationManifest string     `gorm:"type:text"`
	CreatedAt        time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	RetiredAt        *time.Time `gorm:"type:timestamptz"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Gateway{},
		&User{},
		&Unit{},
		&UnitShare{},
		&Device{},
		&Command{},
		&CommandAttempt{},
		&DenylistEntry{},
		&RoutePassIssuance{},
		&KeyMaterial{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&UnitShare{}, "Unit"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&CommandAttempt{}, "Command"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&KeyMaterial{},
		&RoutePassIssuance{},
		&DenylistEntry{},
		&CommandAttempt{},
		&Command{},
		&Device{},
		&UnitShare{},
		&Unit{},
		&User{},
		&Gateway{},
	)
}
