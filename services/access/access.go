// Package access applies tenancy changes (share revoke and grant, user
// deactivation, FMS tenant events) and turns each into denylist changes for
// the affected locks.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gatewarden/services/audit"
	"gatewarden/services/auth"
	"gatewarden/services/denylist"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNotTenant = fmt.Errorf("%w: account is not a tenant", auth.ErrForbidden)
	ErrInvalid   = errors.New("invalid request")
)

// Denylister applies denylist changes.
type Denylister interface {
	Add(ctx context.Context, change denylist.Change) (denylist.Outcome, error)
	Remove(ctx context.Context, change denylist.Change) (denylist.Outcome, error)
}

// Result reports a tenancy change and the denylist work it caused.
type Result struct {
	UserID   string           `json:"user_id"`
	UnitID   string           `json:"unit_id,omitempty"`
	Denylist denylist.Outcome `json:"denylist"`
}

// Service mutates tenancy and keeps the denylist in step with it.
type Service struct {
	orm      *gorm.DB
	dir      *Directory
	denylist Denylister
	audit    audit.Recorder
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires a Service.
func NewService(orm *gorm.DB, dir *Directory, dl Denylister, rec audit.Recorder, log zerolog.Logger) (*Service, error) {
	switch {
	case orm == nil:
		return nil, errors.New("orm is required")
	case dir == nil:
		return nil, errors.New("directory is required")
	case dl == nil:
		return nil, errors.New("denylist is required")
	case rec == nil:
		return nil, errors.New("audit recorder is required")
	}
	return &Service{
		orm:      orm,
		dir:      dir,
		denylist: dl,
		audit:    rec,
		log:      log.With().Str("component", "access").Logger(),
		now:      time.Now,
	}, nil
}

// Directory returns the read side.
func (s *Service) Directory() *Directory { return s.dir }

func operator(ctx context.Context) (auth.Principal, error) {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	if !p.Operator() {
		return auth.Principal{}, auth.ErrForbidden
	}
	return p, nil
}

// tenant loads userID and refuses non-tenant accounts.
func (s *Service) tenant(ctx context.Context, userID string) (userModel, error) {
	if userID == "" {
		return userModel{}, fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	var user userModel
	err := s.orm.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return userModel{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return userModel{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	if user.Role != AccountTenant {
		return userModel{}, ErrNotTenant
	}
	return user, nil
}

// RevokeShare ends userID's share of unitID and denylists the unit's locks
// for that user.
func (s *Service) RevokeShare(ctx context.Context, unitID, userID string) (Result, error) {
	p, err := operator(ctx)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.tenant(ctx, userID); err != nil {
		return Result{}, err
	}
	unit, err := s.dir.unit(ctx, s.orm, unitID)
	if err != nil {
		return Result{}, err
	}
	if err := p.RequireFacility(unit.FacilityID); err != nil {
		return Result{}, err
	}

	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&unitShareModel{}).
			Where("unit_id = ? AND user_id = ? AND revoked_at IS NULL", unitID, userID).
			Update("revoked_at", s.now().UTC())
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return s.pendRevocation(tx, unitID, userID, "share_revoke", p.Subject)
	})
	if err != nil {
		return Result{}, fmt.Errorf("revoke share: %w", err)
	}

	// A revocation whose push failed earlier is still pending and is finished here.
	out, n, err := s.drainRevocations(ctx, unitID, userID)
	if err == nil && n == 0 {
		return Result{}, fmt.Errorf("%w: no active share of %s for %s", ErrNotFound, unitID, userID)
	}
	s.record(ctx, p.Subject, "share.revoke", unitID, map[string]any{
		"user_id":  userID,
		"commands": len(out.Commands),
		"skipped":  out.Skipped,
	})
	return Result{UserID: userID, UnitID: unitID, Denylist: out}, err
}

// GrantShare shares unitID with userID and lifts any denylist entries the
// user has on the unit's locks.
func (s *Service) GrantShare(ctx context.Context, unitID, userID string) (Result, error) {
	p, err := operator(ctx)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.tenant(ctx, userID); err != nil {
		return Result{}, err
	}
	unit, err := s.dir.unit(ctx, s.orm, unitID)
	if err != nil {
		return Result{}, err
	}
	if err := p.RequireFacility(unit.FacilityID); err != nil {
		return Result{}, err
	}
	if unit.PrimaryTenantID == userID {
		return Result{}, fmt.Errorf("%w: %s already rents %s", ErrInvalid, userID, unitID)
	}

	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&unitShareModel{}).
			Where("unit_id = ? AND user_id = ? AND revoked_at IS NULL", unitID, userID).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return nil
		}
		if err := cancelRevocations(tx, unitID, userID); err != nil {
			return err
		}
		return tx.Create(&unitShareModel{
			ID:        uuid.New(),
			UnitID:    unitID,
			UserID:    userID,
			CreatedAt: s.now().UTC(),
		}).Error
	})
	if err != nil {
		return Result{}, fmt.Errorf("grant share: %w", err)
	}

	out, err := s.applyUnit(ctx, unitID, userID, "share_grant", p.Subject, false)
	s.record(ctx, p.Subject, "share.grant", unitID, map[string]any{
		"user_id":  userID,
		"commands": len(out.Commands),
		"skipped":  out.Skipped,
	})
	return Result{UserID: userID, UnitID: unitID, Denylist: out}, err
}

// DeactivateUser marks a tenant inactive and denylists every lock they can reach.
func (s *Service) DeactivateUser(ctx context.Context, userID string) (Result, error) {
	return s.setActive(ctx, userID, false)
}

// ReactivateUser restores a tenant and lifts the entries deactivation wrote.
func (s *Service) ReactivateUser(ctx context.Context, userID string) (Result, error) {
	return s.setActive(ctx, userID, true)
}

func (s *Service) setActive(ctx context.Context, userID string, active bool) (Result, error) {
	p, err := operator(ctx)
	if err != nil {
		return Result{}, err
	}
	user, err := s.tenant(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	targets, err := s.dir.UserTargets(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	for _, fid := range facilitiesOf(targets) {
		if err := p.RequireFacility(fid); err != nil {
			return Result{}, err
		}
	}

	action, source := "user.reactivate", "user_reactivate"
	if !active {
		action, source = "user.deactivate", "user_deactivate"
	}
	if user.Active != active {
		err := s.orm.WithContext(ctx).Model(&userModel{}).Where("id = ?", userID).Updates(map[string]any{
			"active":     active,
			"updated_at": s.now().UTC(),
		}).Error
		if err != nil {
			return Result{}, fmt.Errorf("update user %s: %w", userID, err)
		}
	}

	out, err := s.apply(ctx, denylist.Change{
		UserID:    userID,
		Targets:   targets,
		Source:    source,
		CreatedBy: p.Subject,
	}, !active)
	s.record(ctx, p.Subject, action, userID, map[string]any{
		"devices":  len(targets),
		"commands": len(out.Commands),
		"skipped":  out.Skipped,
	})
	return Result{UserID: userID, Denylist: out}, err
}

// pendRevocation records, inside tx, that userID lost access to unitID and
// still has to be denylisted on its locks.
func (s *Service) pendRevocation(tx *gorm.DB, unitID, userID, source, actor string) error {
	// Time-ordered ids keep revocations of the same instant in creation order.
	return tx.Create(&revocationModel{
		ID:        uuid.Must(uuid.NewV7()),
		UnitID:    unitID,
		UserID:    userID,
		Source:    source,
		CreatedBy: actor,
		CreatedAt: s.now().UTC(),
	}).Error
}

// cancelRevocations drops pending revocations of userID on unitID once the
// user regains access, so a late drain does not lock them out again.
func cancelRevocations(tx *gorm.DB, unitID, userID string) error {
	return tx.Where("unit_id = ? AND user_id = ?", unitID, userID).Delete(&revocationModel{}).Error
}

// drainRevocations denylists every pending revocation on unitID, restricted
// to userID when it is set, deleting each once its entries are persisted and
// pushed. It stops at the first failure and returns how many it found.
func (s *Service) drainRevocations(ctx context.Context, unitID, userID string) (denylist.Outcome, int, error) {
	query := s.orm.WithContext(ctx).Where("unit_id = ?", unitID)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var pending []revocationModel
	if err := query.Order("created_at ASC, id ASC").Find(&pending).Error; err != nil {
		return denylist.Outcome{}, 0, fmt.Errorf("load pending revocations: %w", err)
	}
	if len(pending) == 0 {
		return denylist.Outcome{Skipped: true}, 0, nil
	}

	targets, err := s.dir.UnitTargets(ctx, unitID)
	if err != nil {
		return denylist.Outcome{}, len(pending), err
	}
	total := denylist.Outcome{Skipped: true}
	for _, rev := range pending {
		out, err := s.apply(ctx, denylist.Change{UserID: rev.UserID, Targets: targets, Source: rev.Source, CreatedBy: rev.CreatedBy}, true)
		total.Records = append(total.Records, out.Records...)
		total.Commands = append(total.Commands, out.Commands...)
		total.Skipped = total.Skipped && out.Skipped
		if err != nil {
			return total, len(pending), err
		}
		if err := s.orm.WithContext(ctx).Where("id = ?", rev.ID).Delete(&revocationModel{}).Error; err != nil {
			return total, len(pending), fmt.Errorf("clear revocation: %w", err)
		}
	}
	return total, len(pending), nil
}

func (s *Service) applyUnit(ctx context.Context, unitID, userID, source, actor string, deny bool) (denylist.Outcome, error) {
	targets, err := s.dir.UnitTargets(ctx, unitID)
	if err != nil {
		return denylist.Outcome{}, err
	}
	return s.apply(ctx, denylist.Change{UserID: userID, Targets: targets, Source: source, CreatedBy: actor}, deny)
}

func (s *Service) apply(ctx context.Context, change denylist.Change, deny bool) (denylist.Outcome, error) {
	if len(change.Targets) == 0 {
		return denylist.Outcome{Skipped: true}, nil
	}
	if deny {
		return s.denylist.Add(ctx, change)
	}
	return s.denylist.Remove(ctx, change)
}

func (s *Service) record(ctx context.Context, actor, action, obj string, details map[string]any) {
	if err := s.audit.Record(ctx, audit.Entry{Actor: actor, Action: action, Obj: obj, Details: details}); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("audit record failed")
	}
}
