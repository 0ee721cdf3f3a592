package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gatewarden/services/access"
	"gatewarden/services/auth"
	"gatewarden/services/gateway"
)

type proxyRequest struct {
	Method    string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Path      string            `json:"path" validate:"required,startswith=/"`
	Query     map[string]string `json:"query,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty" validate:"omitempty,min=100,max=60000"`
}

func (a *API) handleListGateways(w http.ResponseWriter, r *http.Request) {
	p := auth.Must(r.Context())
	out := make([]gateway.Info, 0)
	for _, info := range a.deps.Registry.Sessions() {
		if p.CanAccessFacility(info.FacilityID) {
			out = append(out, info)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"gateways": out})
}

func (a *API) handleProbeGateway(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	if err := auth.Must(r.Context()).RequireFacility(facilityID); err != nil {
		respondErr(w, err)
		return
	}
	pong, err := a.deps.Registry.Probe(r.Context(), facilityID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pong)
}

func (a *API) handleProxyGateway(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	if err := auth.Must(r.Context()).RequireFacility(facilityID); err != nil {
		respondErr(w, err)
		return
	}

	var req proxyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := access.Validate(req); err != nil {
		respondErr(w, err)
		return
	}

	s, ok := a.deps.Registry.Session(facilityID)
	if !ok {
		respondErr(w, gateway.ErrOffline)
		return
	}
	resp, err := a.deps.Bridge.SendRequestAndAwait(r.Context(), s, req.Method, req.Path, req.Query, req.Body,
		time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
