package api

import (
	"net/http"

	"gatewarden/services/access"
	"gatewarden/services/auth"
)

type issueRoutePassRequest struct {
	AppDeviceID string `json:"app_device_id" validate:"required,max=128"`
}

// handleIssueRoutePass signs a pass for the calling tenant's current grants.
func (a *API) handleIssueRoutePass(w http.ResponseWriter, r *http.Request) {
	var req issueRoutePassRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := access.Validate(req); err != nil {
		respondErr(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	issued, err := a.deps.RoutePass.Issue(ctx, auth.Must(ctx).Subject, req.AppDeviceID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, issued)
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if a.deps.Audit == nil {
		respondErr(w, errNotConfigured)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	limit, offset := paging(r)
	entries, err := a.deps.Audit.List(ctx, r.URL.Query().Get("obj"), limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
