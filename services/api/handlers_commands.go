package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"gatewarden/services/access"
	"gatewarden/services/auth"
	"gatewarden/services/commands"
)

func (a *API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := commands.Filter{Facilities: q["facility_id"]}
	for _, raw := range q["status"] {
		s := commands.Status(raw)
		if !s.Valid() {
			respondErr(w, fmt.Errorf("%w: unknown status %q", access.ErrInvalid, raw))
			return
		}
		f.Statuses = append(f.Statuses, s)
	}
	f, err := commands.ScopeFilter(auth.Must(r.Context()), f)
	if err != nil {
		respondErr(w, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	limit, offset := paging(r)
	list, err := a.deps.Queue.List(ctx, f, limit, offset)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"commands": list})
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	cmd, err := a.scopedCommand(ctx, r)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"command": cmd})
}

func (a *API) handleCommandAttempts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	cmd, err := a.scopedCommand(ctx, r)
	if err != nil {
		respondErr(w, err)
		return
	}
	attempts, err := a.deps.Queue.Attempts(ctx, cmd.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (a *API) handleRetryCommand(w http.ResponseWriter, r *http.Request) {
	a.transitionCommand(w, r, a.deps.Dispatcher.RetryNow)
}

func (a *API) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	a.transitionCommand(w, r, a.deps.Queue.Cancel)
}

func (a *API) handleRequeueCommand(w http.ResponseWriter, r *http.Request) {
	a.transitionCommand(w, r, a.deps.Queue.RequeueDead)
}

func (a *API) transitionCommand(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (commands.Command, error)) {
	// Manual retries wait on an ack, so they get the request deadline rather than withTimeout.
	ctx := r.Context()
	cmd, err := a.scopedCommand(ctx, r)
	if err != nil {
		respondErr(w, err)
		return
	}
	updated, err := fn(ctx, cmd.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"command": updated})
}

// scopedCommand loads the command named in the path, hiding commands outside
// the caller's facilities.
func (a *API) scopedCommand(ctx context.Context, r *http.Request) (commands.Command, error) {
	id, err := uuidParam(r, "commandID")
	if err != nil {
		return commands.Command{}, err
	}
	cmd, err := a.deps.Queue.Get(ctx, id)
	if err != nil {
		return commands.Command{}, err
	}
	if !auth.Must(ctx).CanAccessFacility(cmd.FacilityID) {
		return commands.Command{}, commands.ErrNotFound
	}
	return cmd, nil
}
