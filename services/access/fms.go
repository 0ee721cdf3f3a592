package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gorm.io/gorm"

	"gatewarden/pkg/bus"
)

const (
	fmsActor   = "fms"
	fmsDurable = "access-fms"
)

// TenantEventKind is what happened to a unit's tenancy in the FMS.
type TenantEventKind string

const (
	TenantAdded   TenantEventKind = "added"
	TenantUpdated TenantEventKind = "updated"
	TenantRemoved TenantEventKind = "removed"
)

// TenantEvent is one FMS tenancy change.
type TenantEvent struct {
	ID         string          `json:"id"`
	Kind       TenantEventKind `json:"kind" validate:"required,oneof=added updated removed"`
	FacilityID string          `json:"facility_id" validate:"required"`
	UnitID     string          `json:"unit_id" validate:"required"`
	TenantID   string          `json:"tenant_id" validate:"required"`
}

// ConsumeTenantEvents subscribes HandleTenantEvent to the FMS subject.
func (s *Service) ConsumeTenantEvents(ctx context.Context, b *bus.Bus) (io.Closer, error) {
	return b.Subscribe(ctx, bus.SubjectTenantEvents, fmsDurable, func(ctx context.Context, data []byte) error {
		var evt TenantEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			// Redelivery cannot fix a malformed event.
			s.log.Error().Err(err).Msg("dropping malformed tenant event")
			return nil
		}
		if err := s.HandleTenantEvent(ctx, evt); err != nil {
			if errors.Is(err, ErrInvalid) {
				s.log.Error().Err(err).Str("event_id", evt.ID).Msg("dropping invalid tenant event")
				return nil
			}
			return err
		}
		return nil
	})
}

// HandleTenantEvent applies one FMS tenancy change to the unit and the
// denylist. A tenant moving in is lifted from the unit's locks; a tenant
// moving out, and anyone they shared with, is denylisted on them. The
// departures are committed with the tenancy change and drained afterwards, so
// a redelivered event finishes denylisting that failed the first time.
func (s *Service) HandleTenantEvent(ctx context.Context, evt TenantEvent) error {
	if err := Validate(evt); err != nil {
		return err
	}

	source := "fms_" + string(evt.Kind)
	var (
		previous string
		departed []string
	)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit unitModel
		err := tx.Where("id = ?", evt.UnitID).Take(&unit).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			unit = unitModel{ID: evt.UnitID, FacilityID: evt.FacilityID, CreatedAt: s.now().UTC()}
		case err != nil:
			return err
		case unit.FacilityID != evt.FacilityID:
			return fmt.Errorf("%w: unit %s is not in facility %s", ErrInvalid, evt.UnitID, evt.FacilityID)
		}
		previous = unit.PrimaryTenantID

		departing := ""
		if evt.Kind == TenantRemoved {
			if previous != evt.TenantID {
				return nil
			}
			unit.PrimaryTenantID = ""
			departing = previous
		} else {
			unit.PrimaryTenantID = evt.TenantID
			if err := ensureTenant(tx, evt.TenantID, s.now); err != nil {
				return err
			}
			if err := cancelRevocations(tx, evt.UnitID, evt.TenantID); err != nil {
				return err
			}
			if previous != evt.TenantID {
				departing = previous
			}
		}
		if departing != "" {
			if departed, err = s.moveOut(tx, evt.UnitID, departing, source); err != nil {
				return err
			}
		}
		unit.UpdatedAt = s.now().UTC()
		return tx.Save(&unit).Error
	})
	if err != nil {
		return fmt.Errorf("apply tenant event: %w", err)
	}

	out, pending, err := s.drainRevocations(ctx, evt.UnitID, "")
	if err != nil {
		return err
	}
	switch evt.Kind {
	case TenantAdded, TenantUpdated:
		if _, err := s.applyUnit(ctx, evt.UnitID, evt.TenantID, source, fmsActor, false); err != nil {
			return err
		}
	case TenantRemoved:
		if previous != evt.TenantID && pending == 0 {
			s.log.Info().Str("unit_id", evt.UnitID).Str("tenant_id", evt.TenantID).Msg("tenant removal for non-current tenant ignored")
			return nil
		}
	}

	s.record(ctx, fmsActor, "tenant."+string(evt.Kind), evt.UnitID, map[string]any{
		"tenant_id":          evt.TenantID,
		"previous_tenant_id": previous,
		"facility_id":        evt.FacilityID,
		"departed":           departed,
		"commands":           len(out.Commands),
	})
	return nil
}

// moveOut, inside tx, revokes the unit's shares and records the departing
// tenant and every sharee as pending revocations. It returns who departed.
func (s *Service) moveOut(tx *gorm.DB, unitID, tenantID, source string) ([]string, error) {
	var sharees []string
	err := tx.Model(&unitShareModel{}).
		Where("unit_id = ? AND revoked_at IS NULL", unitID).
		Order("created_at ASC").
		Pluck("user_id", &sharees).Error
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	if err := tx.Model(&unitShareModel{}).
		Where("unit_id = ? AND revoked_at IS NULL", unitID).
		Update("revoked_at", s.now().UTC()).Error; err != nil {
		return nil, fmt.Errorf("revoke shares: %w", err)
	}

	departed := append([]string{tenantID}, sharees...)
	for _, userID := range departed {
		if err := s.pendRevocation(tx, unitID, userID, source, fmsActor); err != nil {
			return nil, fmt.Errorf("record revocation: %w", err)
		}
	}
	return departed, nil
}

func ensureTenant(tx *gorm.DB, userID string, now func() time.Time) error {
	var count int64
	if err := tx.Model(&userModel{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	at := now().UTC()
	return tx.Create(&userModel{ID: userID, Role: AccountTenant, Active: true, CreatedAt: at, UpdatedAt: at}).Error
}
