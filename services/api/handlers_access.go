package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"gatewarden/services/access"
	"gatewarden/services/auth"
	"gatewarden/services/denylist"
)

func (a *API) handleGrantShare(w http.ResponseWriter, r *http.Request) {
	a.shareChange(w, r, a.deps.Access.GrantShare)
}

func (a *API) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	a.shareChange(w, r, a.deps.Access.RevokeShare)
}

func (a *API) shareChange(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, unitID, userID string) (access.Result, error)) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := fn(ctx, chi.URLParam(r, "unitID"), chi.URLParam(r, "userID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	a.userChange(w, r, a.deps.Access.DeactivateUser)
}

func (a *API) handleReactivateUser(w http.ResponseWriter, r *http.Request) {
	a.userChange(w, r, a.deps.Access.ReactivateUser)
}

func (a *API) userChange(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID string) (access.Result, error)) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := fn(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleRoutePassHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	userID := chi.URLParam(r, "userID")
	if err := a.requireUserInScope(ctx, userID); err != nil {
		respondErr(w, err)
		return
	}
	limit, _ := paging(r)
	history, err := a.deps.RoutePass.History(ctx, userID, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"route_passes": history})
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	if err := auth.Must(r.Context()).RequireFacility(facilityID); err != nil {
		respondErr(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	devices, err := a.deps.Access.Devices(ctx, facilityID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *API) handleFacilityDenylist(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	if err := auth.Must(r.Context()).RequireFacility(facilityID); err != nil {
		respondErr(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	records, err := a.deps.Denylist.EffectiveForFacility(ctx, facilityID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": records})
}

func (a *API) handleDenylistHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	facilities, err := auth.Must(r.Context()).ScopeFacilities(q["facility_id"])
	if err != nil {
		respondErr(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	limit, offset := paging(r)
	records, err := a.deps.Denylist.History(ctx, denylist.Filter{
		Facilities: facilities,
		UserID:     q.Get("user_id"),
		DeviceID:   q.Get("device_id"),
	}, limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": records})
}

// requireUserInScope lets facility managers see users with access to one of
// their facilities only.
func (a *API) requireUserInScope(ctx context.Context, userID string) error {
	p := auth.Must(ctx)
	if p.Global() {
		return nil
	}
	targets, err := a.deps.Access.Directory().UserTargets(ctx, userID)
	if err != nil {
		return err
	}
	if slices.ContainsFunc(targets, func(t denylist.Target) bool { return p.CanAccessFacility(t.FacilityID) }) {
		return nil
	}
	return auth.ErrForbidden
}
