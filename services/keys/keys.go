// Package keys manages the ROOT/OPS Ed25519 signing hierarchy.
//
// ROOT private material never reaches this process: only the ROOT public key
// is configured, and OPS keys become usable once a ROOT-signed rotation
// manifest registering them has been applied. OPS keys stay valid for
// verification until explicitly retired.
package keys

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role is a key's place in the hierarchy.
type Role string

const (
	RoleRoot Role = "ROOT"
	RoleOps  Role = "OPS"
)

// Version is the key format a device understands.
type Version string

const (
	// V1 is the legacy hex format for hardware without chain verification.
	V1 Version = "v1"
	// V2 is the base64 format with ROOT-signed rotations.
	V2 Version = "v2"
)

// ParseVersion maps user input to a Version, defaulting to V2.
func ParseVersion(s string) (Version, error) {
	switch Version(s) {
	case "", V2:
		return V2, nil
	case V1:
		return V1, nil
	default:
		return "", errors.New("unknown key version " + s)
	}
}

// Status tracks whether a key may still be used for verification.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

var (
	ErrSignerUnavailable = errors.New("signing key unavailable")
	ErrNotFound          = errors.New("key not found")
	ErrInvalidRotation   = errors.New("invalid rotation manifest")
	ErrKeyInUse          = errors.New("key is in use by the online signer")
)

// KeyMaterial is the public record of a key.
type KeyMaterial struct {
	ID            uuid.UUID  `json:"id"`
	KeyID         string     `json:"key_id"`
	Role          Role       `json:"role"`
	Version       Version    `json:"version"`
	PublicKey     string     `json:"public_key"`
	Status        Status     `json:"status"`
	RootSignature string     `json:"root_signature,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	RetiredAt     *time.Time `json:"retired_at,omitempty"`
}

// Signature is a payload signature in the text form of its version.
type Signature struct {
	KeyID   string  `json:"kid"`
	Version Version `json:"version"`
	Value   string  `json:"signature"`
}

type keyMaterialModel struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	KeyID            string     `gorm:"not null;uniqueIndex:idx_key_materials_key_version"`
	Role             string     `gorm:"not null"`
	Version          string     `gorm:"not null;uniqueIndex:idx_key_materials_key_version"`
	PublicKey        string     `gorm:"not null"`
	Status           string     `gorm:"not null"`
	RootSignature    string
	RotationManifest string
	CreatedAt        time.Time `gorm:"not null"`
	RetiredAt        *time.Time
}

func (keyMaterialModel) TableName() string { return "key_materials" }

func (m keyMaterialModel) toAPI() KeyMaterial {
	return KeyMaterial{
		ID:            m.ID,
		KeyID:         m.KeyID,
		Role:          Role(m.Role),
		Version:       Version(m.Version),
		PublicKey:     m.PublicKey,
		Status:        Status(m.Status),
		RootSignature: m.RootSignature,
		CreatedAt:     m.CreatedAt,
		RetiredAt:     m.RetiredAt,
	}
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&keyMaterialModel{}}
}
