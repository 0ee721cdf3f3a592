// Package denylist records access revocations and pushes signed deltas to gateways.
//
// Entries are always written before any push is considered, so the audit
// trail never depends on a gateway being reachable.
package denylist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gatewarden/pkg/protocol"
	"gatewarden/services/keys"
	"gatewarden/services/routepass"
)

// Action is what an entry does to a (device, user) pair.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Entry is one subject in a denylist packet.
type Entry struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
}

// Packet is a signed denylist delta ready to enqueue.
type Packet struct {
	CmdType   protocol.CmdType `json:"cmd_type"`
	Payload   json.RawMessage  `json:"payload"`
	Signature string           `json:"signature"`
	KeyID     string           `json:"kid"`
}

type packetPayload struct {
	CmdType   protocol.CmdType `json:"cmd_type"`
	Entries   []Entry          `json:"entries"`
	DeviceIDs []string         `json:"device_ids"`
	IssuedAt  int64            `json:"issued_at"`
	KeyID     string           `json:"kid"`
}

// Record is a stored denylist entry.
type Record struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	FacilityID string    `json:"facility_id"`
	Action     Action    `json:"action"`
	ExpiresAt  time.Time `json:"expires_at"`
	Source     string    `json:"source"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// Denies reports whether the record blocks access at t.
func (r Record) Denies(t time.Time) bool {
	return r.Action == ActionAdd && t.Before(r.ExpiresAt)
}

type entryModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID   string    `gorm:"not null;index:idx_denylist_device_user"`
	UserID     string    `gorm:"not null;index:idx_denylist_device_user"`
	FacilityID string    `gorm:"not null;index"`
	Action     string    `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null"`
	Source     string    `gorm:"not null"`
	CreatedBy  string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index:idx_denylist_device_user"`
}

func (entryModel) TableName() string { return "denylist_entries" }

func (m entryModel) toAPI() Record {
	return Record{
		ID:         m.ID,
		DeviceID:   m.DeviceID,
		UserID:     m.UserID,
		FacilityID: m.FacilityID,
		Action:     Action(m.Action),
		ExpiresAt:  m.ExpiresAt,
		Source:     m.Source,
		CreatedBy:  m.CreatedBy,
		CreatedAt:  m.CreatedAt,
	}
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&entryModel{}}
}

// Signer signs payloads with the online OPS key.
type Signer interface {
	Sign(ctx context.Context, version keys.Version, payload []byte) (keys.Signature, error)
	SignerKeyID() string
}

// Enqueuer accepts commands for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, facilityID string, cmdType protocol.CmdType, payload json.RawMessage, signature string) (uuid.UUID, error)
}

// IssuanceLookup finds a user's latest route pass.
type IssuanceLookup interface {
	Latest(ctx context.Context, userID string) (*routepass.Issuance, error)
}

// KeyVersions resolves the key format a facility's gateway understands.
type KeyVersions interface {
	KeyVersion(ctx context.Context, facilityID string) (keys.Version, error)
}

// Target is a lock a change applies to.
type Target struct {
	DeviceID   string
	FacilityID string
}

// Change describes revoking or restoring one user's access to a set of locks.
type Change struct {
	UserID    string
	Targets   []Target
	Source    string
	CreatedBy string
}

func (c Change) validate() error {
	if c.UserID == "" {
		return errors.New("user id is required")
	}
	if c.Source == "" || c.CreatedBy == "" {
		return errors.New("source and created_by are required")
	}
	for _, t := range c.Targets {
		if t.DeviceID == "" || t.FacilityID == "" {
			return errors.New("every target needs a device and facility id")
		}
	}
	return nil
}

// Outcome reports what Add or Remove did.
type Outcome struct {
	Records  []Record    `json:"records"`
	Commands []uuid.UUID `json:"commands"`
	Skipped  bool        `json:"skipped"`
}

// Service builds packets and applies changes.
type Service struct {
	orm       *gorm.DB
	signer    Signer
	issuances IssuanceLookup
	queue     Enqueuer
	versions  KeyVersions
	now       func() time.Time
}

// NewService wires a Service.
func NewService(orm *gorm.DB, signer Signer, issuances IssuanceLookup, queue Enqueuer, versions KeyVersions) (*Service, error) {
	switch {
	case orm == nil:
		return nil, errors.New("orm is required")
	case signer == nil:
		return nil, errors.New("signer is required")
	case issuances == nil:
		return nil, errors.New("issuance lookup is required")
	case queue == nil:
		return nil, errors.New("queue is required")
	case versions == nil:
		return nil, errors.New("key versions are required")
	}
	return &Service{
		orm:       orm,
		signer:    signer,
		issuances: issuances,
		queue:     queue,
		versions:  versions,
		now:       time.Now,
	}, nil
}

// BuildAdd signs a DENYLIST_ADD packet.
func (s *Service) BuildAdd(ctx context.Context, version keys.Version, entries []Entry, deviceIDs []string) (Packet, error) {
	return s.build(ctx, protocol.CmdDenylistAdd, version, entries, deviceIDs)
}

// BuildRemove signs a DENYLIST_REMOVE packet.
func (s *Service) BuildRemove(ctx context.Context, version keys.Version, entries []Entry, deviceIDs []string) (Packet, error) {
	return s.build(ctx, protocol.CmdDenylistRemove, version, entries, deviceIDs)
}

func (s *Service) build(ctx context.Context, cmdType protocol.CmdType, version keys.Version, entries []Entry, deviceIDs []string) (Packet, error) {
	if len(entries) == 0 {
		return Packet{}, errors.New("at least one entry is required")
	}
	kid := s.signer.SignerKeyID()
	if kid == "" {
		return Packet{}, keys.ErrSignerUnavailable
	}

	devices := slices.Clone(deviceIDs)
	slices.Sort(devices)
	devices = slices.Compact(devices)

	payload, err := json.Marshal(packetPayload{
		CmdType:   cmdType,
		Entries:   entries,
		DeviceIDs: devices,
		IssuedAt:  s.now().UTC().Unix(),
		KeyID:     kid,
	})
	if err != nil {
		return Packet{}, err
	}

	sig, err := s.signer.Sign(ctx, version, payload)
	if err != nil {
		return Packet{}, err
	}
	if sig.KeyID != kid {
		return Packet{}, fmt.Errorf("%w: signer changed while building packet", keys.ErrSignerUnavailable)
	}
	return Packet{CmdType: cmdType, Payload: payload, Signature: sig.Value, KeyID: kid}, nil
}

// ShouldSkipAdd reports whether pushing an add is pointless because the
// user's latest route pass has already expired (or none was ever issued):
// locks reject such passes on their own.
func (s *Service) ShouldSkipAdd(ctx context.Context, userID string) (bool, error) {
	latest, err := s.issuances.Latest(ctx, userID)
	if err != nil {
		return false, err
	}
	return latest == nil || latest.Expired(s.now().UTC()), nil
}

// Add denies change.UserID on every target. Entries are persisted first; at
// most one DENYLIST_ADD per facility follows unless ShouldSkipAdd holds.
func (s *Service) Add(ctx context.Context, change Change) (Outcome, error) {
	if err := change.validate(); err != nil {
		return Outcome{}, err
	}
	now := s.now().UTC()

	latest, err := s.issuances.Latest(ctx, change.UserID)
	if err != nil {
		return Outcome{}, err
	}
	skip := latest == nil || latest.Expired(now)
	expiresAt := now
	if latest != nil && !skip {
		expiresAt = latest.ExpiresAt.UTC()
	}

	records, err := s.persist(ctx, change, ActionAdd, expiresAt, now)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Records: records, Skipped: skip}
	if skip || len(change.Targets) == 0 {
		out.Skipped = true
		return out, nil
	}

	entries := []Entry{{Sub: change.UserID, Exp: expiresAt.Unix()}}
	out.Commands, err = s.push(ctx, protocol.CmdDenylistAdd, entries, change.Targets)
	return out, err
}

// Remove restores change.UserID on every target. Entries are persisted first;
// a DENYLIST_REMOVE is pushed to each facility where one of the targets was
// still denying the user.
func (s *Service) Remove(ctx context.Context, change Change) (Outcome, error) {
	if err := change.validate(); err != nil {
		return Outcome{}, err
	}
	now := s.now().UTC()

	deviceIDs := make([]string, 0, len(change.Targets))
	for _, t := range change.Targets {
		deviceIDs = append(deviceIDs, t.DeviceID)
	}
	denying, err := s.Effective(ctx, deviceIDs)
	if err != nil {
		return Outcome{}, err
	}
	var (
		pushTargets []Target
		expiresAt   time.Time
	)
	for _, t := range change.Targets {
		for _, rec := range denying {
			if rec.DeviceID == t.DeviceID && rec.UserID == change.UserID {
				pushTargets = append(pushTargets, t)
				if rec.ExpiresAt.After(expiresAt) {
					expiresAt = rec.ExpiresAt.UTC()
				}
				break
			}
		}
	}
	if expiresAt.IsZero() {
		expiresAt = now
	}

	records, err := s.persist(ctx, change, ActionRemove, expiresAt, now)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Records: records}
	if len(pushTargets) == 0 {
		out.Skipped = true
		return out, nil
	}

	entries := []Entry{{Sub: change.UserID, Exp: expiresAt.Unix()}}
	out.Commands, err = s.push(ctx, protocol.CmdDenylistRemove, entries, pushTargets)
	return out, err
}

func (s *Service) persist(ctx context.Context, change Change, action Action, expiresAt, now time.Time) ([]Record, error) {
	rows := make([]entryModel, 0, len(change.Targets))
	for _, t := range change.Targets {
		rows = append(rows, entryModel{
			ID:         uuid.Must(uuid.NewV7()),
			DeviceID:   t.DeviceID,
			UserID:     change.UserID,
			FacilityID: t.FacilityID,
			Action:     string(action),
			ExpiresAt:  expiresAt,
			Source:     change.Source,
			CreatedBy:  change.CreatedBy,
			CreatedAt:  now,
		})
	}
	if len(rows) > 0 {
		err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&rows).Error
		})
		if err != nil {
			return nil, fmt.Errorf("persist denylist entries: %w", err)
		}
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

func (s *Service) push(ctx context.Context, cmdType protocol.CmdType, entries []Entry, targets []Target) ([]uuid.UUID, error) {
	byFacility := map[string][]string{}
	var facilities []string
	for _, t := range targets {
		if _, ok := byFacility[t.FacilityID]; !ok {
			facilities = append(facilities, t.FacilityID)
		}
		byFacility[t.FacilityID] = append(byFacility[t.FacilityID], t.DeviceID)
	}
	slices.Sort(facilities)

	var ids []uuid.UUID
	for _, facilityID := range facilities {
		version, err := s.versions.KeyVersion(ctx, facilityID)
		if err != nil {
			return ids, err
		}
		packet, err := s.build(ctx, cmdType, version, entries, byFacility[facilityID])
		if err != nil {
			return ids, fmt.Errorf("build %s for %s: %w", cmdType, facilityID, err)
		}
		id, err := s.queue.Enqueue(ctx, facilityID, packet.CmdType, packet.Payload, packet.Signature)
		if err != nil {
			return ids, fmt.Errorf("enqueue %s for %s: %w", cmdType, facilityID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Effective returns, for every (device, user) pair on deviceIDs, the latest
// entry when it still denies access.
func (s *Service) Effective(ctx context.Context, deviceIDs []string) ([]Record, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	var rows []entryModel
	err := s.orm.WithContext(ctx).
		Where("device_id IN ?", deviceIDs).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return s.effective(rows), nil
}

// EffectiveForFacility returns the denying entries for every lock in facilityID.
func (s *Service) EffectiveForFacility(ctx context.Context, facilityID string) ([]Record, error) {
	var rows []entryModel
	err := s.orm.WithContext(ctx).
		Where("facility_id = ?", facilityID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return s.effective(rows), nil
}

// rows must be ordered newest first. Entry ids are UUIDv7, so id breaks ties
// between entries written at the same instant.
func (s *Service) effective(rows []entryModel) []Record {
	now := s.now().UTC()
	seen := map[[2]string]bool{}
	var out []Record
	for _, row := range rows {
		key := [2]string{row.DeviceID, row.UserID}
		if seen[key] {
			continue
		}
		seen[key] = true
		rec := row.toAPI()
		if rec.Denies(now) {
			out = append(out, rec)
		}
	}
	return out
}

// Filter narrows History.
type Filter struct {
	Facilities []string
	UserID     string
	DeviceID   string
}

// History returns stored entries, newest first.
func (s *Service) History(ctx context.Context, f Filter, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := s.orm.WithContext(ctx).Model(&entryModel{})
	if len(f.Facilities) > 0 {
		query = query.Where("facility_id IN ?", f.Facilities)
	}
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.DeviceID != "" {
		query = query.Where("device_id = ?", f.DeviceID)
	}
	var rows []entryModel
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}
