package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gatewarden/services/access"
	"gatewarden/services/auth"
	"gatewarden/services/denylist"
	"gatewarden/services/keys"
)

// InternalDeps are what the gateway-facing router needs.
type InternalDeps struct {
	Access   *access.Service
	Denylist *denylist.Service
	Keys     *keys.Manager
	Now      func() time.Time
}

// InternalRoutes builds the router gateways reach through PROXY_REQUEST. It is
// never mounted on a listener; the bridge runs it with the gateway's principal
// already on the context.
func InternalRoutes(deps InternalDeps) (http.Handler, error) {
	switch {
	case deps.Access == nil:
		return nil, errors.New("access service is required")
	case deps.Denylist == nil:
		return nil, errors.New("denylist service is required")
	case deps.Keys == nil:
		return nil, errors.New("key manager is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := internalHandlers{deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(auth.RequireRole(func(p auth.Principal) bool { return p.Role == auth.RoleGateway }))

	r.Get("/time", h.handleTime)
	r.Get("/keys/ops/{version}", h.handleOpsKey)
	r.Route("/facilities/{facilityID}", func(r chi.Router) {
		r.Use(requireFacilityParam)
		r.Get("/devices", h.handleDevices)
		r.Post("/devices/sync", h.handleSyncDevices)
		r.Get("/denylist", h.handleDenylist)
	})
	return r, nil
}

type internalHandlers struct {
	deps InternalDeps
}

func requireFacilityParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Must(r.Context()).RequireFacility(chi.URLParam(r, "facilityID")); err != nil {
			respondErr(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h internalHandlers) handleTime(w http.ResponseWriter, _ *http.Request) {
	now := h.deps.Now().UTC()
	respondJSON(w, http.StatusOK, map[string]any{"ts": now.Unix(), "ts_ms": now.UnixMilli(), "rfc3339": now.Format(time.RFC3339)})
}

// handleOpsKey returns the OPS public key devices of a version should trust,
// with the ROOT signature for v2.
func (h internalHandlers) handleOpsKey(w http.ResponseWriter, r *http.Request) {
	version, err := keys.ParseVersion(chi.URLParam(r, "version"))
	if err != nil {
		respondErr(w, fmt.Errorf("%w: %v", access.ErrInvalid, err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	km, err := h.deps.Keys.CurrentOpsPublicKey(ctx, version)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"kid":            km.KeyID,
		"version":        km.Version,
		"public_key":     km.PublicKey,
		"root_signature": km.RootSignature,
	})
}

func (h internalHandlers) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	devices, err := h.deps.Access.Devices(ctx, chi.URLParam(r, "facilityID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h internalHandlers) handleSyncDevices(w http.ResponseWriter, r *http.Request) {
	var req access.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := h.deps.Access.SyncDevices(ctx, chi.URLParam(r, "facilityID"), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleDenylist returns the facility's effective entries so a reconnecting
// gateway can rebuild its local list.
func (h internalHandlers) handleDenylist(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	records, err := h.deps.Denylist.EffectiveForFacility(ctx, chi.URLParam(r, "facilityID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": records})
}
