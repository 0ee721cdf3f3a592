package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// Signer holds an Ed25519 key pair derived from an age secret key seed.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// LoadSigner decodes an AGE-SECRET-KEY-1... string into a Signer.
func LoadSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("secret key is required")
	}

	seed, err := decodeAgeSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("parse secret key: %w", err)
	}
	privateKey := ed25519.NewKeyFromSeed(seed)

	var recipient string
	if identity, err := age.ParseX25519Identity(secret); err == nil {
		if r := identity.Recipient(); r != nil {
			recipient = r.String()
		}
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		recipient:  recipient,
	}, nil
}

// GenerateSigner creates a fresh age identity and returns it with its Signer.
func GenerateSigner() (*Signer, string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, "", err
	}
	secret := identity.String()
	signer, err := LoadSigner(secret)
	if err != nil {
		return nil, "", err
	}
	return signer, secret, nil
}

// Sign returns the raw Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	if s == nil || len(s.privateKey) == 0 {
		return nil, ErrSignerUnavailable
	}
	return ed25519.Sign(s.privateKey, payload), nil
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	if s == nil {
		return nil
	}
	return s.publicKey
}

// KeyID returns the fingerprint of the signer's public key.
func (s *Signer) KeyID() string {
	if s == nil {
		return ""
	}
	return Fingerprint(s.publicKey)
}

// Recipient returns the age recipient matching the secret key.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func (s *Signer) privateKeyCopy() ed25519.PrivateKey {
	out := make(ed25519.PrivateKey, len(s.privateKey))
	copy(out, s.privateKey)
	return out
}

// Fingerprint is the short identifier used as key id in tokens and packets.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// EncodePublicKey renders pub in the text form devices of the given version expect.
func EncodePublicKey(version Version, pub ed25519.PublicKey) string {
	if version == V1 {
		return hex.EncodeToString(pub)
	}
	return base64.StdEncoding.EncodeToString(pub)
}

// EncodeSignature renders sig in the text form devices of the given version expect.
func EncodeSignature(version Version, sig []byte) string {
	if version == V1 {
		return hex.EncodeToString(sig)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// ParsePublicKey accepts a v2 base64 or v1 hex public key.
func ParsePublicKey(raw string) (ed25519.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("public key is required")
	}
	var decoded []byte
	if len(raw) == hex.EncodedLen(ed25519.PublicKeySize) {
		if b, err := hex.DecodeString(raw); err == nil {
			decoded = b
		}
	}
	if decoded == nil {
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		decoded = b
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

// VerifySignature checks a text signature produced by EncodeSignature.
func VerifySignature(version Version, pub ed25519.PublicKey, payload []byte, signature string) error {
	var (
		sig []byte
		err error
	)
	if version == V1 {
		sig, err = hex.DecodeString(strings.TrimSpace(signature))
	} else {
		sig, err = base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	}
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if !ed25519.Verify(pub, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func samePublicKey(a, b ed25519.PublicKey) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
