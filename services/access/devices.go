package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"gatewarden/services/audit"
	"gatewarden/services/auth"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DeviceReport is one lock as a gateway reports it. At least one of
// device_id, serial or mac must identify it.
type DeviceReport struct {
	DeviceID string  `json:"device_id" validate:"required_without_all=Serial MAC,max=128"`
	Serial   string  `json:"serial" validate:"required_without_all=DeviceID MAC,max=128"`
	MAC      string  `json:"mac" validate:"required_without_all=DeviceID Serial,max=64"`
	UnitID   *string `json:"unit_id" validate:"omitempty,min=1"`
	Name     string  `json:"name" validate:"max=256"`
	Firmware string  `json:"firmware" validate:"max=64"`
	Battery  *int    `json:"battery" validate:"omitempty,min=0,max=100"`
}

// SyncRequest is a gateway's device inventory.
type SyncRequest struct {
	Devices []DeviceReport `json:"devices" validate:"required,max=1000,dive"`
}

// SyncResult counts what a sync changed.
type SyncResult struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Devices   []Device `json:"devices"`
}

// ValidationError lists the fields a payload failed on.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Validate checks v against its validate tags.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Fields: fields}
}

// SyncDevices upserts facilityID's reported devices. The whole payload is
// validated before anything is written.
func (s *Service) SyncDevices(ctx context.Context, facilityID string, req SyncRequest) (SyncResult, error) {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return SyncResult{}, auth.ErrUnauthenticated
	}
	if err := p.RequireFacility(facilityID); err != nil {
		return SyncResult{}, err
	}
	if err := Validate(req); err != nil {
		return SyncResult{}, err
	}

	now := s.now().UTC()
	var result SyncResult
	changes := map[string]map[string]map[string]any{}

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, report := range req.Devices {
			existing, found, err := findDevice(tx, facilityID, report)
			if err != nil {
				return err
			}
			if report.UnitID != nil {
				unit, err := s.dir.unit(ctx, tx, *report.UnitID)
				if err != nil {
					return err
				}
				if unit.FacilityID != facilityID {
					return fmt.Errorf("%w: unit %s belongs to another facility", auth.ErrForbidden, unit.ID)
				}
			}

			next := existing
			if !found {
				next = deviceModel{ID: report.DeviceID, FacilityID: facilityID, CreatedAt: now}
				if next.ID == "" {
					next.ID = uuid.NewString()
				}
			}
			applyReport(&next, report)
			next.LastSeenAt = &now
			next.UpdatedAt = now

			diff := audit.Diff(existing.snapshot(), next.snapshot())
			switch {
			case !found:
				if err := tx.Create(&next).Error; err != nil {
					return fmt.Errorf("create device: %w", err)
				}
				result.Created++
				changes[next.ID] = diff
			case len(diff) > 0:
				if err := tx.Save(&next).Error; err != nil {
					return fmt.Errorf("update device %s: %w", next.ID, err)
				}
				result.Updated++
				changes[next.ID] = diff
			default:
				if err := tx.Model(&deviceModel{}).Where("id = ?", next.ID).Update("last_seen_at", now).Error; err != nil {
					return fmt.Errorf("touch device %s: %w", next.ID, err)
				}
				result.Unchanged++
			}
			result.Devices = append(result.Devices, next.toAPI())
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}

	if len(changes) > 0 {
		details := make(map[string]any, len(changes))
		for id, diff := range changes {
			details[id] = diff
		}
		s.record(ctx, p.Subject, "devices.sync", facilityID, details)
	}
	return result, nil
}

// findDevice matches a report by id, then serial, then MAC within the facility.
// A device id owned by another facility is a scope violation.
func findDevice(tx *gorm.DB, facilityID string, r DeviceReport) (deviceModel, bool, error) {
	var dev deviceModel
	var err error
	switch {
	case r.DeviceID != "":
		err = tx.Where("id = ?", r.DeviceID).Take(&dev).Error
		if err == nil && dev.FacilityID != facilityID {
			return deviceModel{}, false, fmt.Errorf("%w: device %s belongs to another facility", auth.ErrForbidden, r.DeviceID)
		}
	case r.Serial != "":
		err = tx.Where("facility_id = ? AND serial = ?", facilityID, r.Serial).Take(&dev).Error
	default:
		err = tx.Where("facility_id = ? AND mac = ?", facilityID, strings.ToLower(r.MAC)).Take(&dev).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return deviceModel{}, false, nil
	}
	if err != nil {
		return deviceModel{}, false, fmt.Errorf("find device: %w", err)
	}
	return dev, true, nil
}

func applyReport(dev *deviceModel, r DeviceReport) {
	if r.Serial != "" {
		dev.Serial = r.Serial
	}
	if r.MAC != "" {
		dev.MAC = strings.ToLower(r.MAC)
	}
	if r.Name != "" {
		dev.Name = r.Name
	}
	if r.Firmware != "" {
		dev.Firmware = r.Firmware
	}
	if r.UnitID != nil {
		dev.UnitID = r.UnitID
	}
	if r.Battery != nil {
		dev.Battery = r.Battery
	}
}

// Devices lists facilityID's inventory.
func (s *Service) Devices(ctx context.Context, facilityID string) ([]Device, error) {
	var rows []deviceModel
	if err := s.orm.WithContext(ctx).Where("facility_id = ?", facilityID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAPI())
	}
	return out, nil
}
