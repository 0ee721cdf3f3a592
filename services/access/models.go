package access

import (
	"time"

	"github.com/google/uuid"
)

// Account roles stored on users. Only tenant accounts are subject to share
// and deactivation flows.
const (
	AccountTenant = "tenant"
	AccountStaff  = "staff"
)

type gatewayModel struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	FacilityID           string    `gorm:"uniqueIndex;not null"`
	Name                 string
	KeyManagementVersion string    `gorm:"not null;default:'v2'"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (gatewayModel) TableName() string { return "gateways" }

type userModel struct {
	ID        string    `gorm:"primaryKey"`
	Role      string    `gorm:"not null;default:'tenant'"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (userModel) TableName() string { return "users" }

type unitModel struct {
	ID              string `gorm:"primaryKey"`
	FacilityID      string `gorm:"not null;index"`
	Name            string
	PrimaryTenantID string    `gorm:"index"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (unitModel) TableName() string { return "units" }

type unitShareModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UnitID    string    `gorm:"not null;index"`
	UserID    string    `gorm:"not null;index"`
	RevokedAt *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

func (unitShareModel) TableName() string { return "unit_shares" }

// revocationModel is a user's loss of access to a unit that has been
// committed but not yet turned into denylist entries and pushes. Rows are
// written in the same transaction as the tenancy change and deleted once the
// denylist work succeeds, so a failed push is finished by the next attempt.
type revocationModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UnitID    string    `gorm:"not null;index:idx_revocations_unit_user"`
	UserID    string    `gorm:"not null;index:idx_revocations_unit_user"`
	Source    string    `gorm:"not null"`
	CreatedBy string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (revocationModel) TableName() string { return "revocations" }

type deviceModel struct {
	ID         string  `gorm:"primaryKey"`
	FacilityID string  `gorm:"not null;index"`
	UnitID     *string `gorm:"index"`
	Serial     string
	MAC        string `gorm:"column:mac"`
	Name       string
	Firmware   string
	Battery    *int
	LastSeenAt *time.Time
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (deviceModel) TableName() string { return "devices" }

func (m deviceModel) snapshot() map[string]any {
	out := map[string]any{
		"serial":   m.Serial,
		"mac":      m.MAC,
		"name":     m.Name,
		"firmware": m.Firmware,
	}
	if m.UnitID != nil {
		out["unit_id"] = *m.UnitID
	}
	if m.Battery != nil {
		out["battery"] = *m.Battery
	}
	return out
}

// Device is a lock as the inventory knows it.
type Device struct {
	ID         string     `json:"id"`
	FacilityID string     `json:"facility_id"`
	UnitID     *string    `json:"unit_id,omitempty"`
	Serial     string     `json:"serial,omitempty"`
	MAC        string     `json:"mac,omitempty"`
	Name       string     `json:"name,omitempty"`
	Firmware   string     `json:"firmware,omitempty"`
	Battery    *int       `json:"battery,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

func (m deviceModel) toAPI() Device {
	return Device{
		ID:         m.ID,
		FacilityID: m.FacilityID,
		UnitID:     m.UnitID,
		Serial:     m.Serial,
		MAC:        m.MAC,
		Name:       m.Name,
		Firmware:   m.Firmware,
		Battery:    m.Battery,
		LastSeenAt: m.LastSeenAt,
	}
}

// Models lists the gorm models read and written by this package.
func Models() []any {
	return []any{&gatewayModel{}, &userModel{}, &unitModel{}, &unitShareModel{}, &revocationModel{}, &deviceModel{}}
}
