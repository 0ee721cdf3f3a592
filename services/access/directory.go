package access

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/gorm"

	"gatewarden/services/denylist"
	"gatewarden/services/keys"
	"gatewarden/services/routepass"
)

// Directory answers who may open which lock from the tenancy read models.
type Directory struct {
	orm *gorm.DB
}

// NewDirectory returns a Directory over orm.
func NewDirectory(orm *gorm.DB) (*Directory, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Directory{orm: orm}, nil
}

// UserActive reports whether userID may hold a route pass.
func (d *Directory) UserActive(ctx context.Context, userID string) (bool, error) {
	user, err := d.user(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.Active, nil
}

func (d *Directory) user(ctx context.Context, userID string) (userModel, error) {
	var user userModel
	err := d.orm.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return userModel{}, routepass.ErrUserUnknown
	}
	if err != nil {
		return userModel{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	return user, nil
}

// Grants resolves the locks userID can open right now: devices in units the
// user rents, and devices in units shared with the user.
func (d *Directory) Grants(ctx context.Context, userID string) (routepass.Grants, error) {
	var owned []deviceModel
	err := d.orm.WithContext(ctx).
		Joins("JOIN units ON units.id = devices.unit_id").
		Where("units.primary_tenant_id = ?", userID).
		Order("devices.id").
		Find(&owned).Error
	if err != nil {
		return routepass.Grants{}, fmt.Errorf("owned devices: %w", err)
	}

	var shared []struct {
		DeviceID        string
		PrimaryTenantID string
	}
	err = d.orm.WithContext(ctx).
		Table("unit_shares").
		Select("devices.id AS device_id, units.primary_tenant_id AS primary_tenant_id").
		Joins("JOIN units ON units.id = unit_shares.unit_id").
		Joins("JOIN devices ON devices.unit_id = units.id").
		Where("unit_shares.user_id = ? AND unit_shares.revoked_at IS NULL", userID).
		Where("units.primary_tenant_id <> '' AND units.primary_tenant_id <> ?", userID).
		Order("devices.id").
		Scan(&shared).Error
	if err != nil {
		return routepass.Grants{}, fmt.Errorf("shared devices: %w", err)
	}

	g := routepass.Grants{OwnedDeviceIDs: make([]string, 0, len(owned))}
	for _, dev := range owned {
		g.OwnedDeviceIDs = append(g.OwnedDeviceIDs, dev.ID)
	}
	for _, s := range shared {
		g.Shared = append(g.Shared, routepass.SharedDevice{PrimaryTenantID: s.PrimaryTenantID, DeviceID: s.DeviceID})
	}
	return g, nil
}

// KeyVersion returns the key format of facilityID's gateway, V2 when unknown.
func (d *Directory) KeyVersion(ctx context.Context, facilityID string) (keys.Version, error) {
	var gw gatewayModel
	err := d.orm.WithContext(ctx).Where("facility_id = ?", facilityID).Take(&gw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return keys.V2, nil
	}
	if err != nil {
		return "", fmt.Errorf("load gateway for %s: %w", facilityID, err)
	}
	return keys.ParseVersion(gw.KeyManagementVersion)
}

// Facilities lists every facility with a registered gateway.
func (d *Directory) Facilities(ctx context.Context) ([]string, error) {
	var ids []string
	if err := d.orm.WithContext(ctx).Model(&gatewayModel{}).Order("facility_id").Pluck("facility_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	return ids, nil
}

// unit loads unitID or returns ErrNotFound.
func (d *Directory) unit(ctx context.Context, tx *gorm.DB, unitID string) (unitModel, error) {
	var u unitModel
	err := tx.WithContext(ctx).Where("id = ?", unitID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return unitModel{}, fmt.Errorf("%w: unit %s", ErrNotFound, unitID)
	}
	if err != nil {
		return unitModel{}, fmt.Errorf("load unit %s: %w", unitID, err)
	}
	return u, nil
}

// UnitTargets lists the locks of unitID.
func (d *Directory) UnitTargets(ctx context.Context, unitID string) ([]denylist.Target, error) {
	var devices []deviceModel
	if err := d.orm.WithContext(ctx).Where("unit_id = ?", unitID).Order("id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("unit devices: %w", err)
	}
	return targets(devices), nil
}

// UserTargets lists every lock userID can currently reach, as owner or sharee.
func (d *Directory) UserTargets(ctx context.Context, userID string) ([]denylist.Target, error) {
	var devices []deviceModel
	err := d.orm.WithContext(ctx).
		Distinct("devices.*").
		Joins("JOIN units ON units.id = devices.unit_id").
		Joins("LEFT JOIN unit_shares ON unit_shares.unit_id = units.id AND unit_shares.user_id = ? AND unit_shares.revoked_at IS NULL", userID).
		Where("units.primary_tenant_id = ? OR unit_shares.id IS NOT NULL", userID).
		Order("devices.id").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("user devices: %w", err)
	}
	return targets(devices), nil
}

func targets(devices []deviceModel) []denylist.Target {
	out := make([]denylist.Target, 0, len(devices))
	for _, dev := range devices {
		out = append(out, denylist.Target{DeviceID: dev.ID, FacilityID: dev.FacilityID})
	}
	return out
}

func facilitiesOf(ts []denylist.Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.FacilityID)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
