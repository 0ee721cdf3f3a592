// Package gateway owns the live transport sessions to facility gateways.
//
// There is at most one session per facility. A newer authenticated session
// replaces and closes the older one; heartbeat timeouts remove sessions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gatewarden/pkg/metrics"
	"gatewarden/pkg/protocol"
	"gatewarden/services/auth"
	"gatewarden/services/events"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 90 * time.Second
	defaultAuthTimeout       = 10 * time.Second
)

// TokenVerifier resolves bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (auth.Principal, error)
}

// InboundHandler serves a PROXY_REQUEST sent by a gateway.
type InboundHandler func(ctx context.Context, s *Session, req protocol.ProxyRequest)

// ConnectHook runs after a session has been acknowledged.
type ConnectHook func(ctx context.Context, facilityID string)

// Options tunes session liveness.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
}

// Registry maps facility ids to live sessions.
type Registry struct {
	tokens   TokenVerifier
	notifier events.Notifier
	log      zerolog.Logger
	opts     Options
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	hooksMu sync.RWMutex
	hooks   []ConnectHook
	inbound InboundHandler
}

// NewRegistry returns an empty registry.
func NewRegistry(tokens TokenVerifier, notifier events.Notifier, log zerolog.Logger, opts Options) (*Registry, error) {
	if tokens == nil {
		return nil, errors.New("token verifier is required")
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	return &Registry{
		tokens:   tokens,
		notifier: notifier,
		log:      log.With().Str("component", "gateway_registry").Logger(),
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// OnConnect registers a hook run after every successful handshake.
func (r *Registry) OnConnect(hook ConnectHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// SetInboundHandler installs the handler for gateway-initiated PROXY_REQUESTs.
func (r *Registry) SetInboundHandler(h InboundHandler) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.inbound = h
}

// Authenticate checks that rawToken may open a session for facilityID.
// Global roles may connect for any facility, facility managers and gateways
// only for facilities they are assigned. Tenants never may.
func (r *Registry) Authenticate(_ context.Context, rawToken, facilityID string) (auth.Principal, error) {
	if facilityID == "" {
		return auth.Principal{}, fmt.Errorf("%w: facility id is required", auth.ErrUnauthenticated)
	}
	p, err := r.tokens.Verify(rawToken)
	if err != nil {
		return auth.Principal{}, err
	}
	if err := p.RequireFacility(facilityID); err != nil {
		return auth.Principal{}, err
	}
	return p, nil
}

// ServeConn runs the handshake and then the read loop for conn until it
// closes. A failed handshake closes conn with a policy violation.
func (r *Registry) ServeConn(ctx context.Context, conn Conn) error {
	authCtx, cancel := context.WithTimeout(ctx, r.opts.AuthTimeout)
	first, err := conn.Read(authCtx)
	cancel()
	if err != nil {
		r.reject(conn, "auth required")
		return fmt.Errorf("read auth: %w", err)
	}
	hello, ok := first.(protocol.Auth)
	if !ok {
		r.reject(conn, "auth required")
		return fmt.Errorf("%w: first frame was %s", auth.ErrUnauthenticated, first.Type())
	}
	p, err := r.Authenticate(ctx, hello.Token, hello.FacilityID)
	if err != nil {
		r.reject(conn, "authentication failed")
		r.log.Warn().Err(err).Str("facility_id", hello.FacilityID).Msg("gateway authentication failed")
		return err
	}

	s := newSession(hello.FacilityID, p, conn, r.now().UTC())

	// Hold the write lock so nothing reaches the gateway before AUTH_OK.
	s.writeMu.Lock()
	r.register(s)
	err = conn.Write(ctx, protocol.AuthOK{FacilityID: s.facilityID})
	s.writeMu.Unlock()
	if err != nil {
		r.drop(s, websocket.StatusInternalError, "write auth_ok")
		return fmt.Errorf("write auth_ok: %w", err)
	}

	r.log.Info().Str("facility_id", s.facilityID).Str("subject", p.Subject).Msg("gateway connected")
	r.notify(events.KindGatewayConnected, s.facilityID, nil)

	r.hooksMu.RLock()
	hooks := append([]ConnectHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		go hook(context.WithoutCancel(ctx), s.facilityID)
	}

	err = r.readLoop(ctx, s)
	r.drop(s, websocket.StatusNormalClosure, "closed")
	return err
}

func (r *Registry) reject(conn Conn, reason string) {
	metrics.GatewayAuthFailures.Inc()
	_ = conn.Close(websocket.StatusPolicyViolation, reason)
}

func (r *Registry) readLoop(ctx context.Context, s *Session) error {
	for {
		msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
				r.log.Warn().Err(err).Str("facility_id", s.facilityID).Msg("dropping gateway frame")
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case protocol.Pong:
			s.heartbeat(r.now().UTC())
		case protocol.CommandAck:
			if !s.resolve(m.ID, m) {
				r.log.Debug().Str("facility_id", s.facilityID).Str("id", m.ID).Msg("ack without waiter")
			}
		case protocol.ProxyResponse:
			if !s.resolve(m.ID, m) {
				r.log.Debug().Str("facility_id", s.facilityID).Str("id", m.ID).Msg("proxy response without waiter")
			}
		case protocol.ProxyRequest:
			r.hooksMu.RLock()
			h := r.inbound
			r.hooksMu.RUnlock()
			if h == nil {
				_ = s.Send(ctx, protocol.ProxyResponse{ID: m.ID, Status: 503})
				continue
			}
			go h(ctx, s, m)
		default:
			r.log.Debug().Str("facility_id", s.facilityID).Str("type", string(msg.Type())).Msg("ignoring gateway frame")
		}
	}
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	prev := r.sessions[s.facilityID]
	r.sessions[s.facilityID] = s
	r.mu.Unlock()

	if prev != nil {
		prev.Close(websocket.StatusNormalClosure, "superseded")
		r.log.Info().Str("facility_id", s.facilityID).Msg("gateway session superseded")
	} else {
		metrics.GatewaySessions.Inc()
	}
}

// drop closes s and removes it if it is still the facility's current session.
func (r *Registry) drop(s *Session, status websocket.StatusCode, reason string) bool {
	r.mu.Lock()
	current := r.sessions[s.facilityID] == s
	if current {
		delete(r.sessions, s.facilityID)
	}
	r.mu.Unlock()

	s.Close(status, reason)
	if current {
		metrics.GatewaySessions.Dec()
		r.notify(events.KindGatewayDisconnected, s.facilityID, map[string]any{"reason": reason})
	}
	return current
}

// Session returns the live session for facilityID.
func (r *Registry) Session(facilityID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[facilityID]
	return s, ok
}

// Online reports whether facilityID has a live session.
func (r *Registry) Online(facilityID string) bool {
	_, ok := r.Session(facilityID)
	return ok
}

// Sessions lists live sessions ordered by facility id.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FacilityID < out[j].FacilityID })
	return out
}

// Deliver pushes cmd and waits for its COMMAND_ACK.
func (r *Registry) Deliver(ctx context.Context, facilityID string, cmd protocol.Command) error {
	s, ok := r.Session(facilityID)
	if !ok {
		return ErrOffline
	}
	reply, err := s.Request(ctx, cmd.ID, cmd)
	if err != nil {
		return err
	}
	ack, ok := reply.(protocol.CommandAck)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type())
	}
	if !ack.OK {
		if ack.Error == "" {
			ack.Error = "rejected"
		}
		return fmt.Errorf("gateway nack: %s", ack.Error)
	}
	return nil
}

// Probe pings facilityID's gateway and reports the round trip to operators.
func (r *Registry) Probe(ctx context.Context, facilityID string) (protocol.PongOK, error) {
	s, ok := r.Session(facilityID)
	if !ok {
		return protocol.PongOK{}, ErrOffline
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.opts.HeartbeatTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		return protocol.PongOK{}, err
	}
	pong := protocol.PongOK{FacilityID: facilityID, TS: r.now().UTC().UnixMilli()}
	r.notify(events.KindGatewayPongOK, facilityID, map[string]any{"ts": pong.TS})
	return pong, nil
}

// RunHeartbeat pings every session each interval and removes sessions whose
// last PONG is older than the timeout.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pingAll(ctx)
			r.sweep()
		}
	}
}

func (r *Registry) pingAll(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		go func(s *Session) {
			pingCtx, cancel := context.WithTimeout(ctx, r.opts.HeartbeatInterval)
			defer cancel()
			if err := s.Ping(pingCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				r.log.Debug().Err(err).Str("facility_id", s.facilityID).Msg("heartbeat ping")
			}
		}(s)
	}
}

// sweep removes sessions that missed the heartbeat window and returns their facility ids.
func (r *Registry) sweep() []string {
	cutoff := r.now().UTC().Add(-r.opts.HeartbeatTimeout)

	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.LastHeartbeatAt().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	var removed []string
	for _, s := range stale {
		if r.drop(s, websocket.StatusGoingAway, "heartbeat timeout") {
			metrics.HeartbeatTimeouts.Inc()
			r.log.Warn().Str("facility_id", s.facilityID).Msg("gateway heartbeat timeout")
			removed = append(removed, s.facilityID)
		}
	}
	return removed
}

// CloseAll ends every session, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		r.drop(s, websocket.StatusGoingAway, "shutting down")
	}
}

func (r *Registry) notify(kind events.Kind, facilityID string, data map[string]any) {
	r.notifier.Notify(events.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		FacilityID: facilityID,
		At:         r.now().UTC(),
		Data:       data,
	})
}
