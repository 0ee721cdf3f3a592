package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gatewarden/services/access"
	"gatewarden/services/auth"
	"gatewarden/services/commands"
	"gatewarden/services/gateway"
	"gatewarden/services/keys"
	"gatewarden/services/proxy"
	"gatewarden/services/routepass"
)

var errNotConfigured = errors.New("not configured")

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: %v", access.ErrInvalid, err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondErr maps a service error to its status code.
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, errStatus(err), err)
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, routepass.ErrUserInactive),
		errors.Is(err, routepass.ErrNoGrants):
		return http.StatusForbidden
	case errors.Is(err, commands.ErrNotFound), errors.Is(err, access.ErrNotFound),
		errors.Is(err, keys.ErrNotFound), errors.Is(err, routepass.ErrUserUnknown):
		return http.StatusNotFound
	case errors.Is(err, access.ErrInvalid), errors.Is(err, keys.ErrInvalidRotation):
		return http.StatusBadRequest
	case errors.Is(err, commands.ErrConflict), errors.Is(err, commands.ErrInvalidState),
		errors.Is(err, keys.ErrKeyInUse):
		return http.StatusConflict
	case errors.Is(err, commands.ErrGatewayOffline), errors.Is(err, gateway.ErrOffline),
		errors.Is(err, gateway.ErrConnectionClosed), errors.Is(err, keys.ErrSignerUnavailable),
		errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, proxy.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

func paging(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a uuid", access.ErrInvalid, name)
	}
	return id, nil
}
