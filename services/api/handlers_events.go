package api

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"gatewarden/services/auth"
)

// handleEventStream upgrades to a websocket and streams queue-state and
// gateway events for the caller's facilities. An optional comma separated
// facility_id query narrows the stream further.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	p := auth.Must(r.Context())
	var only map[string]bool
	if raw := r.URL.Query().Get("facility_id"); raw != "" {
		only = make(map[string]bool)
		for _, id := range strings.Split(raw, ",") {
			only[strings.TrimSpace(id)] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.config.AllowedOrigins})
	if err != nil {
		a.log.Warn().Err(err).Msg("event stream upgrade")
		return
	}
	defer conn.CloseNow()

	events, cancel := a.deps.Hub.Subscribe(eventBuffer)
	defer cancel()

	// Clients only listen; CloseRead cancels ctx once they go away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if !p.CanAccessFacility(evt.FacilityID) || (only != nil && !only[evt.FacilityID]) {
				continue
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}
