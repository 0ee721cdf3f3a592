// Package proxy tunnels HTTP-shaped request/response pairs over gateway
// sessions in both directions.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gatewarden/pkg/metrics"
	"gatewarden/pkg/protocol"
	"gatewarden/services/auth"
	"gatewarden/services/gateway"
)

const defaultTimeout = 15 * time.Second

// ErrNoResponse is returned when the gateway does not answer in time.
var ErrNoResponse = errors.New("no response from gateway")

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

// Bridge serves gateway-initiated requests on an internal handler and sends
// server-initiated requests to gateways.
type Bridge struct {
	internal http.Handler
	timeout  time.Duration
	log      zerolog.Logger
}

// NewBridge returns a Bridge serving inbound requests on internal.
func NewBridge(internal http.Handler, timeout time.Duration, log zerolog.Logger) (*Bridge, error) {
	if internal == nil {
		return nil, errors.New("internal handler is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Bridge{
		internal: internal,
		timeout:  timeout,
		log:      log.With().Str("component", "proxy").Logger(),
	}, nil
}

// Timeout returns the default wait for outbound requests.
func (b *Bridge) Timeout() time.Duration { return b.timeout }

// HandleInboundRequest serves req for the gateway behind s and replies with a
// PROXY_RESPONSE carrying the same id. Requests naming another facility are
// answered 403 without reaching the internal API.
func (b *Bridge) HandleInboundRequest(ctx context.Context, s *gateway.Session, req protocol.ProxyRequest) {
	resp := b.serve(ctx, s.FacilityID(), req)
	if err := s.Send(ctx, resp); err != nil {
		b.log.Warn().Err(err).Str("facility_id", s.FacilityID()).Str("id", req.ID).Msg("send proxy response")
	}
}

func (b *Bridge) serve(ctx context.Context, facilityID string, req protocol.ProxyRequest) protocol.ProxyResponse {
	target, err := requestURL(req.Path, req.Query)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues(directionInbound, "bad_request").Inc()
		return errorResponse(req.ID, http.StatusBadRequest, err.Error())
	}
	if err := checkFacility(facilityID, target); err != nil {
		metrics.ProxyRequests.WithLabelValues(directionInbound, "forbidden").Inc()
		b.log.Warn().Str("facility_id", facilityID).Str("path", req.Path).Msg("cross-facility proxy request rejected")
		return errorResponse(req.ID, http.StatusForbidden, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ctx = auth.WithPrincipal(ctx, auth.Principal{
		Subject:    "gateway:" + facilityID,
		Role:       auth.RoleGateway,
		Facilities: []string{facilityID},
	})

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), target.String(), bytes.NewReader(req.Body))
	if err != nil {
		metrics.ProxyRequests.WithLabelValues(directionInbound, "bad_request").Inc()
		return errorResponse(req.ID, http.StatusBadRequest, err.Error())
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rec := newResponseBuffer()
	b.internal.ServeHTTP(rec, httpReq)

	metrics.ProxyRequests.WithLabelValues(directionInbound, outcome(rec.status)).Inc()
	return protocol.ProxyResponse{ID: req.ID, Status: rec.status, Body: jsonBody(rec.body.Bytes())}
}

// SendRequestAndAwait issues a request to the gateway behind s under a fresh
// correlation id and waits up to timeout for its PROXY_RESPONSE.
func (b *Bridge) SendRequestAndAwait(ctx context.Context, s *gateway.Session, method, p string, query map[string]string, body json.RawMessage, timeout time.Duration) (protocol.ProxyResponse, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}
	if method == "" || p == "" {
		return protocol.ProxyResponse{}, errors.New("method and path are required")
	}
	req := protocol.ProxyRequest{
		ID:     uuid.NewString(),
		Method: strings.ToUpper(method),
		Path:   p,
		Query:  query,
		Body:   body,
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := s.Request(waitCtx, req.ID, req)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		metrics.ProxyRequests.WithLabelValues(directionOutbound, "timeout").Inc()
		return protocol.ProxyResponse{}, fmt.Errorf("%w: %s %s after %s", ErrNoResponse, req.Method, p, timeout)
	default:
		metrics.ProxyRequests.WithLabelValues(directionOutbound, "error").Inc()
		return protocol.ProxyResponse{}, err
	}

	resp, ok := reply.(protocol.ProxyResponse)
	if !ok {
		metrics.ProxyRequests.WithLabelValues(directionOutbound, "error").Inc()
		return protocol.ProxyResponse{}, fmt.Errorf("%w: %s", gateway.ErrUnexpectedReply, reply.Type())
	}
	metrics.ProxyRequests.WithLabelValues(directionOutbound, outcome(resp.Status)).Inc()
	return resp, nil
}

func requestURL(p string, query map[string]string) (*url.URL, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("path %q must be absolute", p)
	}
	u, err := url.Parse(p)
	if err != nil {
		return nil, fmt.Errorf("parse path: %w", err)
	}
	if u.Host != "" || u.Scheme != "" {
		return nil, fmt.Errorf("path %q must not name a host", p)
	}
	u.Path = path.Clean(u.Path)
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	u.Scheme, u.Host = "http", "internal"
	return u, nil
}

// checkFacility rejects paths and queries that name a facility other than facilityID.
func checkFacility(facilityID string, u *url.URL) error {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "facilities" && segments[i+1] != facilityID {
			return fmt.Errorf("%w: path names facility %q", auth.ErrForbidden, segments[i+1])
		}
	}
	q := u.Query()
	for _, key := range []string{"facility_id", "facilityId"} {
		for _, v := range q[key] {
			if v != facilityID {
				return fmt.Errorf("%w: query names facility %q", auth.ErrForbidden, v)
			}
		}
	}
	return nil
}

func errorResponse(id string, status int, msg string) protocol.ProxyResponse {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return protocol.ProxyResponse{ID: id, Status: status, Body: body}
}

// jsonBody passes JSON through and wraps anything else as a JSON string.
func jsonBody(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	wrapped, _ := json.Marshal(string(b))
	return wrapped
}

func outcome(status int) string {
	switch {
	case status == http.StatusForbidden:
		return "forbidden"
	case status >= 500:
		return "error"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}

type responseBuffer struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: http.Header{}, status: http.StatusOK}
}

func (r *responseBuffer) Header() http.Header { return r.header }

func (r *responseBuffer) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseBuffer) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(p)
}
