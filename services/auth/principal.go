// Package auth resolves bearer tokens into principals and enforces facility scope.
package auth

import (
	"context"
	"errors"
	"slices"
)

// Role is the caller's authority level.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleSupport         Role = "support"
	RoleFacilityManager Role = "facility_manager"
	RoleGateway         Role = "gateway"
	RoleTenant          Role = "tenant"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSupport, RoleFacilityManager, RoleGateway, RoleTenant:
		return true
	default:
		return false
	}
}

// Principal is an authenticated caller.
type Principal struct {
	Subject    string   `json:"sub"`
	Role       Role     `json:"role"`
	Facilities []string `json:"facilities,omitempty"`
}

// Global reports whether the principal may act on any facility.
func (p Principal) Global() bool {
	return p.Role == RoleAdmin || p.Role == RoleSupport
}

// Operator reports whether the principal may use the administrative surface.
func (p Principal) Operator() bool {
	return p.Global() || p.Role == RoleFacilityManager
}

// Elevated reports whether the principal may force operations such as retryNow.
func (p Principal) Elevated() bool {
	return p.Global()
}

// CanAccessFacility reports whether facilityID is inside the principal's scope.
func (p Principal) CanAccessFacility(facilityID string) bool {
	if facilityID == "" {
		return false
	}
	if p.Global() {
		return true
	}
	if p.Role != RoleFacilityManager && p.Role != RoleGateway {
		return false
	}
	return slices.Contains(p.Facilities, facilityID)
}

// RequireFacility returns ErrForbidden unless facilityID is in scope.
func (p Principal) RequireFacility(facilityID string) error {
	if !p.CanAccessFacility(facilityID) {
		return ErrForbidden
	}
	return nil
}

// ScopeFacilities narrows a requested facility list to the principal's scope.
// Global principals get the request back unchanged (nil meaning all facilities).
// Scoped principals get their own set when nothing was requested and
// ErrForbidden when any requested facility lies outside it.
func (p Principal) ScopeFacilities(requested []string) ([]string, error) {
	if p.Global() {
		return requested, nil
	}
	if p.Role != RoleFacilityManager && p.Role != RoleGateway {
		return nil, ErrForbidden
	}
	if len(requested) == 0 {
		if len(p.Facilities) == 0 {
			return nil, ErrForbidden
		}
		return slices.Clone(p.Facilities), nil
	}
	for _, id := range requested {
		if !slices.Contains(p.Facilities, id) {
			return nil, ErrForbidden
		}
	}
	return requested, nil
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
