package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"gatewarden/pkg/protocol"
	"gatewarden/services/auth"
)

var (
	ErrOffline                = errors.New("gateway offline")
	ErrConnectionClosed       = errors.New("gateway connection closed")
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
	ErrUnexpectedReply        = errors.New("unexpected reply type")
)

// Conn is a framed, message-oriented gateway transport.
type Conn interface {
	Read(ctx context.Context) (protocol.Message, error)
	Write(ctx context.Context, msg protocol.Message) error
	Close(status websocket.StatusCode, reason string) error
}

// State is a session's lifecycle position.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Info is a read-only view of a session for operators.
type Info struct {
	FacilityID      string    `json:"facility_id"`
	Subject         string    `json:"subject"`
	Role            auth.Role `json:"role"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	State           State     `json:"state"`
}

// Session is one authenticated gateway connection. Writes are serialised;
// replies are matched to requests by correlation id.
type Session struct {
	facilityID      string
	principal       auth.Principal
	authenticatedAt time.Time
	conn            Conn

	writeMu sync.Mutex

	mu            sync.Mutex
	lastHeartbeat time.Time
	waiters       map[string]chan protocol.Message
	pongs         map[chan struct{}]struct{}
	state         State

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(facilityID string, p auth.Principal, conn Conn, now time.Time) *Session {
	return &Session{
		facilityID:      facilityID,
		principal:       p,
		authenticatedAt: now,
		conn:            conn,
		lastHeartbeat:   now,
		waiters:         make(map[string]chan protocol.Message),
		pongs:           make(map[chan struct{}]struct{}),
		state:           StateActive,
		done:            make(chan struct{}),
	}
}

// FacilityID returns the facility the session authenticated for.
func (s *Session) FacilityID() string { return s.facilityID }

// Principal returns the identity that authenticated the session.
func (s *Session) Principal() auth.Principal { return s.principal }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastHeartbeatAt returns when the gateway last answered a PING.
func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		FacilityID:      s.facilityID,
		Subject:         s.principal.Subject,
		Role:            s.principal.Role,
		AuthenticatedAt: s.authenticatedAt,
		LastHeartbeatAt: s.lastHeartbeat,
		State:           s.state,
	}
}

// Pending returns the number of requests waiting for a reply.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Send writes msg to the gateway.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, msg); err != nil {
		return errors.Join(ErrConnectionClosed, err)
	}
	return nil
}

// Request sends msg and waits for the reply carrying id. The waiter is removed
// however the call ends.
func (s *Session) Request(ctx context.Context, id string, msg protocol.Message) (protocol.Message, error) {
	if id == "" {
		return nil, errors.New("correlation id is required")
	}
	reply := make(chan protocol.Message, 1)

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if _, exists := s.waiters[id]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateCorrelationID
	}
	s.waiters[id] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	if err := s.Send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case m := <-reply:
		return m, nil
	case <-s.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends PING and waits for the next PONG.
func (s *Session) Ping(ctx context.Context) error {
	pong := make(chan struct{}, 1)
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	s.pongs[pong] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pongs, pong)
		s.mu.Unlock()
	}()

	if err := s.Send(ctx, protocol.Ping{}); err != nil {
		return err
	}
	select {
	case <-pong:
		return nil
	case <-s.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session and the transport. Outstanding requests fail with
// ErrConnectionClosed.
func (s *Session) Close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close(status, reason)
	})
}

func (s *Session) heartbeat(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = at
	for ch := range s.pongs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// resolve hands a reply to its waiter and reports whether one existed.
func (s *Session) resolve(id string, msg protocol.Message) bool {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}
