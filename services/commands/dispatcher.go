package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gatewarden/pkg/protocol"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultAckTimeout       = 10 * time.Second
	dispatchBatch           = 200

	// reclaimGrace is added to the ack timeout before a command left in
	// sending is treated as abandoned.
	reclaimGrace = 30 * time.Second
)

// Transport delivers commands to live gateway sessions.
type Transport interface {
	Online(facilityID string) bool
	Deliver(ctx context.Context, facilityID string, cmd protocol.Command) error
}

// Sealer rebuilds and signs a command's payload at delivery time, for
// commands whose content must be fresh on every attempt.
type Sealer func(ctx context.Context, cmd Command) (json.RawMessage, string, error)

// DispatcherOptions tunes the dispatcher loop.
type DispatcherOptions struct {
	Interval   time.Duration
	AckTimeout time.Duration
	Sealers    map[protocol.CmdType]Sealer
}

// Dispatcher pushes due commands to online facilities. Deliveries to one
// facility are serialised; facilities proceed independently.
type Dispatcher struct {
	queue     *Queue
	transport Transport
	log       zerolog.Logger
	opts      DispatcherOptions

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDispatcher returns a Dispatcher draining queue through transport.
func NewDispatcher(queue *Queue, transport Transport, log zerolog.Logger, opts DispatcherOptions) (*Dispatcher, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultDispatchInterval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Sealers == nil {
		opts.Sealers = map[protocol.CmdType]Sealer{}
	}
	return &Dispatcher{
		queue:     queue,
		transport: transport,
		log:       log.With().Str("component", "dispatcher").Logger(),
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Kick requests an immediate dispatch cycle.
func (d *Dispatcher) Kick() {
	d.queue.Kick()
}

// Run dispatches on every tick and kick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.queue.kick:
		}
		if err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("dispatch cycle")
		}
	}
}

// RunOnce attempts every due command whose facility is online and returns
// when those attempts have finished.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	reclaimed, err := d.queue.ReclaimStale(ctx, d.opts.AckTimeout+reclaimGrace)
	if err != nil {
		return fmt.Errorf("reclaim stale commands: %w", err)
	}
	if reclaimed > 0 {
		d.log.Warn().Int("count", reclaimed).Msg("reclaimed commands abandoned in sending")
	}

	due, err := d.queue.Due(ctx, dispatchBatch)
	if err != nil {
		return err
	}

	byFacility := map[string][]Command{}
	var order []string
	for _, cmd := range due {
		if _, seen := byFacility[cmd.FacilityID]; !seen {
			order = append(order, cmd.FacilityID)
		}
		byFacility[cmd.FacilityID] = append(byFacility[cmd.FacilityID], cmd)
	}

	var wg sync.WaitGroup
	for _, facilityID := range order {
		if !d.transport.Online(facilityID) {
			continue
		}
		lock := d.facilityLock(facilityID)
		if !lock.TryLock() {
			continue
		}
		wg.Add(1)
		go func(facilityID string, cmds []Command) {
			defer wg.Done()
			defer lock.Unlock()
			for _, cmd := range cmds {
				if ctx.Err() != nil {
					return
				}
				if !d.transport.Online(facilityID) {
					return
				}
				if _, err := d.attempt(ctx, cmd, false); err != nil && !errors.Is(err, ErrConflict) {
					d.log.Warn().Err(err).Str("command_id", cmd.ID.String()).Str("facility_id", facilityID).Msg("dispatch command")
				}
			}
		}(facilityID, byFacility[facilityID])
	}
	wg.Wait()
	return ctx.Err()
}

// RetryNow delivers a pending or failed command immediately, ignoring its
// backoff. It returns ErrGatewayOffline without changing the command when the
// facility has no live session.
func (d *Dispatcher) RetryNow(ctx context.Context, id uuid.UUID) (Command, error) {
	cmd, err := d.queue.Get(ctx, id)
	if err != nil {
		return Command{}, err
	}
	if cmd.Status != StatusPending && cmd.Status != StatusFailed {
		return Command{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, cmd.Status)
	}
	if !d.transport.Online(cmd.FacilityID) {
		return Command{}, ErrGatewayOffline
	}

	lock := d.facilityLock(cmd.FacilityID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the facility lock; the loop may have moved it meanwhile.
	cmd, err = d.queue.Get(ctx, id)
	if err != nil {
		return Command{}, err
	}
	if cmd.Status != StatusPending && cmd.Status != StatusFailed {
		return Command{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, cmd.Status)
	}
	return d.attempt(ctx, cmd, true)
}

func (d *Dispatcher) facilityLock(facilityID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[facilityID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[facilityID] = lock
	}
	return lock
}

// attempt claims cmd, delivers it and records the outcome.
func (d *Dispatcher) attempt(ctx context.Context, cmd Command, manual bool) (Command, error) {
	q := d.queue
	claimedAt := q.now().UTC()
	claimed, err := q.transition(q.orm.WithContext(ctx), cmd, StatusSending, map[string]any{
		"last_attempt_at": claimedAt,
	})
	if err != nil {
		return Command{}, err
	}
	q.emit(claimed)

	payload, signature := claimed.Payload, claimed.Signature
	var deliverErr error
	if seal, ok := d.opts.Sealers[claimed.CmdType]; ok {
		sealedPayload, sealedSig, err := seal(ctx, claimed)
		if err != nil {
			deliverErr = fmt.Errorf("seal %s: %w", claimed.CmdType, err)
		} else {
			payload, signature = sealedPayload, sealedSig
		}
	}
	if deliverErr == nil {
		msg := protocol.Command{ID: claimed.ID.String(), Payload: payload, Signature: signature}
		ackCtx, cancel := context.WithTimeout(ctx, d.opts.AckTimeout)
		deliverErr = d.transport.Deliver(ackCtx, claimed.FacilityID, msg)
		cancel()
	}

	result := ResultAcked
	switch {
	case deliverErr == nil:
	case errors.Is(deliverErr, context.DeadlineExceeded):
		result = ResultTimeout
	default:
		result = ResultFailed
	}

	// The outcome must land even when ctx was cancelled mid-delivery.
	finished, superseded, err := q.recordAttempt(context.WithoutCancel(ctx), claimed, attemptOutcome{
		at:        claimedAt,
		result:    result,
		err:       deliverErr,
		manual:    manual,
		payload:   payload,
		signature: signature,
	})
	if err != nil {
		return Command{}, err
	}
	if superseded {
		return finished, nil
	}

	q.emit(finished)
	if deliverErr != nil {
		d.log.Info().
			Str("command_id", finished.ID.String()).
			Str("facility_id", finished.FacilityID).
			Str("status", string(finished.Status)).
			Int("attempt_count", finished.AttemptCount).
			Err(deliverErr).
			Msg("command delivery failed")
	}
	return finished, nil
}
