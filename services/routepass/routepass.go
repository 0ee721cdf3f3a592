// Package routepass issues the short-lived capability tokens lock controllers
// verify offline.
package routepass

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"gatewarden/pkg/metrics"
	"gatewarden/services/keys"
)

const (
	lockPrefix      = "lock:"
	sharedKeyPrefix = "shared_key:"
	defaultTTL      = 24 * time.Hour
)

var (
	ErrUserInactive = errors.New("user is inactive")
	ErrUserUnknown  = errors.New("user not found")
	ErrNoGrants     = errors.New("user has no lock grants")
	ErrInvalidPass  = errors.New("invalid route pass")
)

// SharedDevice is a lock reachable through a unit shared with the user.
type SharedDevice struct {
	PrimaryTenantID string
	DeviceID        string
}

// Grants is a user's access at one instant.
type Grants struct {
	OwnedDeviceIDs []string
	Shared         []SharedDevice
}

// Audiences renders the grants as sorted, de-duplicated aud values.
func (g Grants) Audiences() []string {
	out := make([]string, 0, len(g.OwnedDeviceIDs)+len(g.Shared))
	for _, id := range g.OwnedDeviceIDs {
		out = append(out, LockAudience(id))
	}
	for _, s := range g.Shared {
		out = append(out, SharedKeyAudience(s.PrimaryTenantID, s.DeviceID))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// LockAudience is the aud value for a device in a unit the bearer rents.
func LockAudience(deviceID string) string { return lockPrefix + deviceID }

// SharedKeyAudience is the aud value for a device in a unit shared by ownerID.
func SharedKeyAudience(ownerID, deviceID string) string {
	return sharedKeyPrefix + ownerID + ":" + deviceID
}

// GrantSource resolves users and their current grants.
type GrantSource interface {
	UserActive(ctx context.Context, userID string) (bool, error)
	Grants(ctx context.Context, userID string) (Grants, error)
}

// KeySource hands out the online OPS signing key.
type KeySource interface {
	SigningKey(ctx context.Context) (ed25519.PrivateKey, string, error)
}

// Claims are the route pass claims.
type Claims struct {
	jwt.RegisteredClaims
}

// Allows reports whether the pass names audience.
func (c Claims) Allows(audience string) bool {
	return slices.Contains(c.Audience, audience)
}

// Issued is a freshly signed pass.
type Issued struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	KeyID     string    `json:"kid"`
	Audiences []string  `json:"aud"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Issuance is the stored record of an issued pass.
type Issuance struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	AppDeviceID string    `json:"app_device_id"`
	JTI         string    `json:"jti"`
	Audiences   []string  `json:"audiences"`
	KeyID       string    `json:"kid"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the pass had expired at t.
func (i Issuance) Expired(t time.Time) bool {
	return !t.Before(i.ExpiresAt)
}

type issuanceModel struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"not null;index:idx_route_pass_user_issued"`
	AppDeviceID string         `gorm:"not null"`
	JTI         string         `gorm:"column:jti;not null;uniqueIndex"`
	Audiences   datatypes.JSON `gorm:"not null"`
	KeyID       string         `gorm:"not null"`
	IssuedAt    time.Time      `gorm:"not null;index:idx_route_pass_user_issued"`
	ExpiresAt   time.Time      `gorm:"not null"`
}

func (issuanceModel) TableName() string { return "route_pass_issuances" }

func (m issuanceModel) toAPI() (Issuance, error) {
	var aud []string
	if len(m.Audiences) > 0 {
		if err := json.Unmarshal(m.Audiences, &aud); err != nil {
			return Issuance{}, fmt.Errorf("decode audiences: %w", err)
		}
	}
	return Issuance{
		ID:          m.ID,
		UserID:      m.UserID,
		AppDeviceID: m.AppDeviceID,
		JTI:         m.JTI,
		Audiences:   aud,
		KeyID:       m.KeyID,
		IssuedAt:    m.IssuedAt,
		ExpiresAt:   m.ExpiresAt,
	}, nil
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&issuanceModel{}}
}

// Service issues and records route passes.
type Service struct {
	orm    *gorm.DB
	grants GrantSource
	keys   KeySource
	ttl    time.Duration
	now    func() time.Time
}

// NewService returns a Service issuing passes valid for ttl.
func NewService(orm *gorm.DB, grants GrantSource, keySource KeySource, ttl time.Duration) (*Service, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if grants == nil {
		return nil, errors.New("grant source is required")
	}
	if keySource == nil {
		return nil, errors.New("key source is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{orm: orm, grants: grants, keys: keySource, ttl: ttl, now: time.Now}, nil
}

// Issue signs a pass for userID's current grants and records it before returning.
func (s *Service) Issue(ctx context.Context, userID, appDeviceID string) (Issued, error) {
	if userID == "" || appDeviceID == "" {
		return Issued{}, errors.New("user id and app device id are required")
	}

	active, err := s.grants.UserActive(ctx, userID)
	if err != nil {
		return Issued{}, err
	}
	if !active {
		return Issued{}, ErrUserInactive
	}

	priv, keyID, err := s.keys.SigningKey(ctx)
	if err != nil {
		return Issued{}, err
	}

	grants, err := s.grants.Grants(ctx, userID)
	if err != nil {
		return Issued{}, err
	}
	audiences := grants.Audiences()
	if len(audiences) == 0 {
		// A pass without audiences opens nothing; refuse rather than sign one.
		return Issued{}, ErrNoGrants
	}

	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	jti := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  audiences,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	})
	token.Header["kid"] = keyID
	signed, err := token.SignedString(priv)
	if err != nil {
		return Issued{}, fmt.Errorf("sign route pass: %w", err)
	}

	audJSON, err := json.Marshal(audiences)
	if err != nil {
		return Issued{}, err
	}
	row := issuanceModel{
		ID:          uuid.New(),
		UserID:      userID,
		AppDeviceID: appDeviceID,
		JTI:         jti,
		Audiences:   datatypes.JSON(audJSON),
		KeyID:       keyID,
		IssuedAt:    now,
		ExpiresAt:   exp,
	}
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return Issued{}, fmt.Errorf("record issuance: %w", err)
	}
	metrics.RoutePassesIssued.Inc()

	return Issued{
		Token:     signed,
		JTI:       jti,
		KeyID:     keyID,
		Audiences: audiences,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

// Latest returns the user's most recent issuance, or nil when none exists.
func (s *Service) Latest(ctx context.Context, userID string) (*Issuance, error) {
	var row issuanceModel
	err := s.orm.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("issued_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out, err := row.toAPI()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns up to limit issuances for userID, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Issuance, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []issuanceModel
	err := s.orm.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("issued_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Issuance, 0, len(rows))
	for _, row := range rows {
		iss, err := row.toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, iss)
	}
	return out, nil
}

// Verify checks raw the way a lock does: against cached OPS keys, without
// contacting the cloud. verification maps key ids to public keys.
func Verify(raw string, verification map[string]ed25519.PublicKey, now time.Time) (Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := verification[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	if c.Subject == "" || c.ID == "" {
		return Claims{}, fmt.Errorf("%w: incomplete claims", ErrInvalidPass)
	}
	return c, nil
}

// VerificationSet decodes key records into the map Verify expects.
func VerificationSet(records []keys.KeyMaterial) (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(records))
	for _, km := range records {
		pub, err := keys.ParsePublicKey(km.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", km.KeyID, err)
		}
		out[km.KeyID] = pub
	}
	return out, nil
}
