// Package events carries operator-facing notifications: queue-state changes,
// gateway connects and probe results. Delivery is best effort; nothing in here
// may fail the state change that produced an event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewarden/pkg/bus"
	"gatewarden/pkg/metrics"
)

// Kind names an event.
type Kind string

const (
	KindCommandStatus       Kind = "command.status"
	KindGatewayConnected    Kind = "gateway.connected"
	KindGatewayDisconnected Kind = "gateway.disconnected"
	KindGatewayPongOK       Kind = "gateway.pong_ok"
)

// Event is a single notification.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	FacilityID string         `json:"facility_id"`
	CommandID  string         `json:"command_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(evt Event)
}

// Sink is a destination the outbox forwards events to.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}

// Outbox decouples producers from sinks with a bounded queue drained by Run.
type Outbox struct {
	queue chan Event
	sinks []Sink
	log   zerolog.Logger
}

// NewOutbox returns an outbox holding up to size pending events.
func NewOutbox(size int, log zerolog.Logger, sinks ...Sink) *Outbox {
	if size <= 0 {
		size = 256
	}
	return &Outbox{
		queue: make(chan Event, size),
		sinks: sinks,
		log:   log.With().Str("component", "outbox").Logger(),
	}
}

// Notify queues evt, dropping it when the queue is full.
func (o *Outbox) Notify(evt Event) {
	if o == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	select {
	case o.queue <- evt:
	default:
		metrics.OutboxDropped.Inc()
		o.log.Warn().Str("kind", string(evt.Kind)).Str("facility_id", evt.FacilityID).Msg("outbox full, dropping event")
	}
}

// Run forwards queued events to every sink until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-o.queue:
			o.forward(ctx, evt)
		}
	}
}

func (o *Outbox) forward(ctx context.Context, evt Event) {
	for _, sink := range o.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sink.Publish(sendCtx, evt)
		cancel()
		if err != nil {
			o.log.Warn().Err(err).Str("kind", string(evt.Kind)).Msg("publish event")
		}
	}
}

// Hub fans events out to in-process subscribers such as operator websocket streams.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber with the given buffer. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers evt to every subscriber with room for it. Slow subscribers miss events.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// BusSink publishes events to NATS so other instances and consumers see them.
type BusSink struct {
	Bus *bus.Bus
}

// Publish routes command events and gateway events to their subjects.
func (s BusSink) Publish(ctx context.Context, evt Event) error {
	subject := bus.SubjectGatewayEvents
	if evt.Kind == KindCommandStatus {
		subject = bus.SubjectCommandEvents
	}
	return s.Bus.Publish(ctx, subject, evt.ID, evt)
}
