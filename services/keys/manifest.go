package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// RotationManifest is the ROOT-signed statement that registers a new OPS key.
type RotationManifest struct {
	Version       string    `yaml:"version"`
	CreatedAt     time.Time `yaml:"created_at"`
	Reason        string    `yaml:"reason,omitempty"`
	Role          Role      `yaml:"role"`
	KeyVersions   []Version `yaml:"key_versions"`
	PublicKey     string    `yaml:"public_key"`
	RootKeyID     string    `yaml:"root_key_id"`
	RootPublicKey string    `yaml:"root_public_key"`
	Signature     string    `yaml:"signature,omitempty"`
}

// NewRotationManifest describes registering opsPublicKey for the given versions.
func NewRotationManifest(opsPublicKey ed25519.PublicKey, versions []Version, reason string, now time.Time) RotationManifest {
	if len(versions) == 0 {
		versions = []Version{V2}
	}
	return RotationManifest{
		Version:     manifestVersion,
		CreatedAt:   now.UTC().Truncate(time.Second),
		Reason:      reason,
		Role:        RoleOps,
		KeyVersions: versions,
		PublicKey:   base64.StdEncoding.EncodeToString(opsPublicKey),
	}
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m RotationManifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Sign fills the ROOT fields and signature using root.
func (m *RotationManifest) Sign(root *Signer) error {
	if root == nil {
		return ErrSignerUnavailable
	}
	m.RootKeyID = root.KeyID()
	m.RootPublicKey = base64.StdEncoding.EncodeToString(root.PublicKey())
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := root.Sign(payload)
	if err != nil {
		return err
	}
	m.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks the manifest is well formed and signed by root.
func (m RotationManifest) Verify(root ed25519.PublicKey) error {
	if m.Version != manifestVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidRotation, m.Version)
	}
	if m.Role != RoleOps {
		return fmt.Errorf("%w: role must be %s", ErrInvalidRotation, RoleOps)
	}
	if len(m.KeyVersions) == 0 {
		return fmt.Errorf("%w: key_versions is empty", ErrInvalidRotation)
	}
	for _, v := range m.KeyVersions {
		if v != V1 && v != V2 {
			return fmt.Errorf("%w: unknown key version %q", ErrInvalidRotation, v)
		}
	}
	if _, err := m.OpsPublicKey(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRotation, err)
	}
	if strings.TrimSpace(m.Signature) == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidRotation)
	}

	embedded, err := ParsePublicKey(m.RootPublicKey)
	if err != nil || !samePublicKey(root, embedded) {
		return fmt.Errorf("%w: signed by unexpected root key", ErrInvalidRotation)
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if err := VerifySignature(V2, root, payload, m.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRotation, err)
	}
	return nil
}

// OpsPublicKey decodes the registered OPS key.
func (m RotationManifest) OpsPublicKey() (ed25519.PublicKey, error) {
	return ParsePublicKey(m.PublicKey)
}

// Covers reports whether the manifest registers its key for version v.
func (m RotationManifest) Covers(v Version) bool {
	return slices.Contains(m.KeyVersions, v)
}

// MarshalManifest renders m as YAML.
func MarshalManifest(m RotationManifest) ([]byte, error) {
	return yaml.Marshal(m)
}

// UnmarshalManifest parses a YAML manifest.
func UnmarshalManifest(data []byte) (RotationManifest, error) {
	var m RotationManifest
	if len(data) == 0 {
		return m, errors.New("empty manifest")
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidRotation, err)
	}
	return m, nil
}
