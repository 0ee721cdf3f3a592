package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewarden/pkg/protocol"
	"gatewarden/services/auth"
	"gatewarden/services/events"
	"gatewarden/services/gateway"
	"gatewarden/services/gateway/gatewaytest"
)

type fixture struct {
	reg    *gateway.Registry
	bridge *Bridge
	calls  *atomic.Int32
	client *gatewaytest.Client
}

// internalAPI echoes the caller's principal and request back as JSON.
func internalAPI(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/plain" {
			_, _ = io.WriteString(w, "pong")
			return
		}
		p, _ := auth.FromContext(r.Context())
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"role":       p.Role,
			"facilities": p.Facilities,
			"path":       r.URL.Path,
			"query":      r.URL.Query().Get("limit"),
			"body":       json.RawMessage(body),
		})
	})
}

func newFixture(t *testing.T, ctx context.Context, facilityID string) *fixture {
	t.Helper()
	tokens, err := auth.NewTokens("proxy-test-key")
	require.NoError(t, err)
	reg, err := gateway.NewRegistry(tokens, events.Nop{}, zerolog.Nop(), gateway.Options{})
	require.NoError(t, err)

	calls := &atomic.Int32{}
	bridge, err := NewBridge(internalAPI(calls), time.Second, zerolog.Nop())
	require.NoError(t, err)
	reg.SetInboundHandler(bridge.HandleInboundRequest)

	srv, cli := gatewaytest.Pipe()
	go func() { _ = reg.ServeConn(ctx, srv) }()
	raw, err := tokens.Mint(auth.Principal{Subject: "gw", Role: auth.RoleGateway, Facilities: []string{facilityID}}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, cli.Send(ctx, protocol.Auth{Token: raw, FacilityID: facilityID}))
	msg, err := cli.Receive(ctx)
	require.NoError(t, err)
	require.IsType(t, protocol.AuthOK{}, msg)

	return &fixture{reg: reg, bridge: bridge, calls: calls, client: cli}
}

func (f *fixture) roundTrip(t *testing.T, ctx context.Context, req protocol.ProxyRequest) protocol.ProxyResponse {
	t.Helper()
	require.NoError(t, f.client.Send(ctx, req))
	msg, err := f.client.Receive(ctx)
	require.NoError(t, err)
	resp, ok := msg.(protocol.ProxyResponse)
	require.True(t, ok, "got %T", msg)
	return resp
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInboundRequestRunsUnderFacilityScope(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, ctx, "fac-a")

	resp := f.roundTrip(t, ctx, protocol.ProxyRequest{
		ID:     "r-1",
		Method: "post",
		Path:   "/facilities/fac-a/devices/sync",
		Query:  map[string]string{"limit": "5"},
		Body:   json.RawMessage(`{"devices":[]}`),
	})
	assert.Equal(t, "r-1", resp.ID)
	assert.Equal(t, http.StatusCreated, resp.Status)

	var got struct {
		Role       auth.Role       `json:"role"`
		Facilities []string        `json:"facilities"`
		Path       string          `json:"path"`
		Query      string          `json:"query"`
		Body       json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &got))
	assert.Equal(t, auth.RoleGateway, got.Role)
	assert.Equal(t, []string{"fac-a"}, got.Facilities)
	assert.Equal(t, "/facilities/fac-a/devices/sync", got.Path)
	assert.Equal(t, "5", got.Query)
	assert.JSONEq(t, `{"devices":[]}`, string(got.Body))
}

func TestInboundCrossFacilityRejectedWithoutForwarding(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, ctx, "fac-a")

	tests := []protocol.ProxyRequest{
		{ID: "p", Method: "GET", Path: "/facilities/fac-b/denylist"},
		{ID: "q", Method: "GET", Path: "/denylist", Query: map[string]string{"facility_id": "fac-b"}},
		{ID: "c", Method: "GET", Path: "/denylist?facilityId=fac-b"},
		{ID: "d", Method: "GET", Path: "/facilities/fac-a/../fac-b/denylist"},
	}
	for _, req := range tests {
		resp := f.roundTrip(t, ctx, req)
		assert.Equal(t, req.ID, resp.ID)
		assert.Equal(t, http.StatusForbidden, resp.Status, req.Path)
	}
	assert.Zero(t, f.calls.Load())
}

func TestInboundWrapsNonJSONBody(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, ctx, "fac-a")

	resp := f.roundTrip(t, ctx, protocol.ProxyRequest{ID: "t", Method: "GET", Path: "/plain"})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `"pong"`, string(resp.Body))

	resp = f.roundTrip(t, ctx, protocol.ProxyRequest{ID: "rel", Method: "GET", Path: "relative"})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestSendRequestAndAwait(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, ctx, "fac-a")
	s, ok := f.reg.Session("fac-a")
	require.True(t, ok)

	go func() {
		_ = f.client.Run(ctx, func(msg protocol.Message) protocol.Message {
			req, ok := msg.(protocol.ProxyRequest)
			if !ok || req.Path == "/slow" {
				return nil
			}
			return protocol.ProxyResponse{ID: req.ID, Status: http.StatusOK, Body: json.RawMessage(`{"locks":2}`)}
		})
	}()

	resp, err := f.bridge.SendRequestAndAwait(ctx, s, "get", "/status", nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"locks":2}`, string(resp.Body))

	_, err = f.bridge.SendRequestAndAwait(ctx, s, "GET", "/slow", nil, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Zero(t, s.Pending())
	assert.True(t, f.reg.Online("fac-a"))
}

func TestSendRequestAndAwaitFailsOnClose(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, ctx, "fac-a")
	s, ok := f.reg.Session("fac-a")
	require.True(t, ok)

	errc := make(chan error, 1)
	go func() {
		_, err := f.bridge.SendRequestAndAwait(ctx, s, "GET", "/status", nil, nil, 5*time.Second)
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, 5*time.Millisecond)
	f.client.Close()

	assert.ErrorIs(t, <-errc, gateway.ErrConnectionClosed)
	assert.Zero(t, s.Pending())
}
