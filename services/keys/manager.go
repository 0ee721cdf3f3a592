package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gatewarden/services/audit"
)

// Manager owns key material records and the online OPS signer.
type Manager struct {
	orm    *gorm.DB
	root   ed25519.PublicKey
	signer *Signer
	audit  audit.Recorder
	now    func() time.Time
}

// NewManager returns a Manager. signer may be nil, in which case every signing
// operation fails closed with ErrSignerUnavailable.
func NewManager(orm *gorm.DB, root ed25519.PublicKey, signer *Signer, rec audit.Recorder) (*Manager, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if len(root) != ed25519.PublicKeySize {
		return nil, errors.New("root public key is required")
	}
	if rec == nil {
		return nil, errors.New("audit recorder is required")
	}
	return &Manager{
		orm:    orm,
		root:   root,
		signer: signer,
		audit:  rec,
		now:    time.Now,
	}, nil
}

// RootPublicKey returns the configured ROOT public key.
func (m *Manager) RootPublicKey() ed25519.PublicKey {
	return m.root
}

// EnsureRoot records the ROOT public key so clients can fetch it alongside OPS keys.
func (m *Manager) EnsureRoot(ctx context.Context) error {
	row := keyMaterialModel{
		ID:        uuid.New(),
		KeyID:     Fingerprint(m.root),
		Role:      string(RoleRoot),
		Version:   string(V2),
		PublicKey: EncodePublicKey(V2, m.root),
		Status:    string(StatusActive),
		CreatedAt: m.now().UTC(),
	}
	return m.orm.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// Rotate applies a ROOT-signed manifest, registering its OPS key for every
// version the manifest covers. Applying the same manifest twice is a no-op.
func (m *Manager) Rotate(ctx context.Context, manifest RotationManifest, actor string) ([]KeyMaterial, error) {
	if err := manifest.Verify(m.root); err != nil {
		return nil, err
	}
	pub, err := manifest.OpsPublicKey()
	if err != nil {
		return nil, err
	}
	raw, err := MarshalManifest(manifest)
	if err != nil {
		return nil, err
	}

	keyID := Fingerprint(pub)
	now := m.now().UTC()
	var out []KeyMaterial

	err = m.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, version := range manifest.KeyVersions {
			var existing keyMaterialModel
			err := tx.Where("key_id = ? AND version = ?", keyID, string(version)).First(&existing).Error
			if err == nil {
				out = append(out, existing.toAPI())
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			row := keyMaterialModel{
				ID:        uuid.New(),
				KeyID:     keyID,
				Role:      string(RoleOps),
				Version:   string(version),
				PublicKey: EncodePublicKey(version, pub),
				Status:    string(StatusActive),
				CreatedAt: now,
			}
			// v1 hardware cannot check the ROOT chain, so only v2 records carry it.
			if version == V2 {
				row.RootSignature = manifest.Signature
				row.RotationManifest = string(raw)
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			out = append(out, row.toAPI())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.audit.Record(ctx, audit.Entry{
		Actor:  actor,
		Action: "keys.rotate",
		Obj:    keyID,
		Details: map[string]any{
			"versions": manifest.KeyVersions,
			"reason":   manifest.Reason,
			"root_kid": manifest.RootKeyID,
		},
	}); err != nil {
		return out, fmt.Errorf("audit rotation: %w", err)
	}
	return out, nil
}

// Retire marks every version of keyID retired. The key held by the online
// signer cannot be retired.
func (m *Manager) Retire(ctx context.Context, keyID, actor string) error {
	if m.signer != nil && m.signer.KeyID() == keyID {
		return ErrKeyInUse
	}
	now := m.now().UTC()
	res := m.orm.WithContext(ctx).Model(&keyMaterialModel{}).
		Where("key_id = ? AND role = ? AND status = ?", keyID, string(RoleOps), string(StatusActive)).
		Updates(map[string]any{"status": string(StatusRetired), "retired_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return m.audit.Record(ctx, audit.Entry{
		Actor:   actor,
		Action:  "keys.retire",
		Obj:     keyID,
		Details: map[string]any{"retired_at": now},
	})
}

// List returns every key record, newest first.
func (m *Manager) List(ctx context.Context) ([]KeyMaterial, error) {
	var rows []keyMaterialModel
	if err := m.orm.WithContext(ctx).Order("created_at DESC, version ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]KeyMaterial, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// VerificationKeys returns every non-retired OPS key of the given version.
func (m *Manager) VerificationKeys(ctx context.Context, version Version) ([]KeyMaterial, error) {
	var rows []keyMaterialModel
	err := m.orm.WithContext(ctx).
		Where("role = ? AND version = ? AND status = ?", string(RoleOps), string(version), string(StatusActive)).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]KeyMaterial, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// CurrentOpsPublicKey returns the OPS key devices of the given version should
// trust for new payloads: the online signer's key when it is registered for
// that version, otherwise the newest active key.
func (m *Manager) CurrentOpsPublicKey(ctx context.Context, version Version) (KeyMaterial, error) {
	if m.signer != nil {
		if km, err := m.activeKey(ctx, m.signer.KeyID(), version); err == nil {
			return km, nil
		} else if !errors.Is(err, ErrNotFound) {
			return KeyMaterial{}, err
		}
	}

	keys, err := m.VerificationKeys(ctx, version)
	if err != nil {
		return KeyMaterial{}, err
	}
	if len(keys) == 0 {
		return KeyMaterial{}, ErrNotFound
	}
	return keys[0], nil
}

// Sign signs payload with the online OPS key in the format of version.
func (m *Manager) Sign(ctx context.Context, version Version, payload []byte) (Signature, error) {
	if err := m.requireSigner(ctx, version); err != nil {
		return Signature{}, err
	}
	raw, err := m.signer.Sign(payload)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		KeyID:   m.signer.KeyID(),
		Version: version,
		Value:   EncodeSignature(version, raw),
	}, nil
}

// SigningKey returns a copy of the online OPS private key for JWT signing.
func (m *Manager) SigningKey(ctx context.Context) (ed25519.PrivateKey, string, error) {
	if err := m.requireSigner(ctx, V2); err != nil {
		return nil, "", err
	}
	return m.signer.privateKeyCopy(), m.signer.KeyID(), nil
}

// SignerKeyID returns the online signer's key id, or "" when none is loaded.
func (m *Manager) SignerKeyID() string {
	return m.signer.KeyID()
}

func (m *Manager) requireSigner(ctx context.Context, version Version) error {
	if m.signer == nil {
		return ErrSignerUnavailable
	}
	if _, err := m.activeKey(ctx, m.signer.KeyID(), version); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: key %s is not registered for %s", ErrSignerUnavailable, m.signer.KeyID(), version)
		}
		return err
	}
	return nil
}

func (m *Manager) activeKey(ctx context.Context, keyID string, version Version) (KeyMaterial, error) {
	var row keyMaterialModel
	err := m.orm.WithContext(ctx).
		Where("key_id = ? AND version = ? AND role = ? AND status = ?", keyID, string(version), string(RoleOps), string(StatusActive)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return KeyMaterial{}, ErrNotFound
		}
		return KeyMaterial{}, err
	}
	return row.toAPI(), nil
}
