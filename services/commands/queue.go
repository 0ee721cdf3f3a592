package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gatewarden/pkg/metrics"
	"gatewarden/pkg/protocol"
	"gatewarden/services/auth"
	"gatewarden/services/events"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 5 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
)

// Config tunes retry behaviour.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Backoff returns the delay before retrying after the n-th failed attempt.
func (c Config) Backoff(n int) time.Duration {
	c = c.withDefaults()
	if n < 1 {
		n = 1
	}
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return min(d, c.MaxBackoff)
}

// Filter narrows List.
type Filter struct {
	Facilities []string
	Statuses   []Status
}

// ScopeFilter forces callers that are not global into their own facilities.
func ScopeFilter(p auth.Principal, f Filter) (Filter, error) {
	scoped, err := p.ScopeFacilities(f.Facilities)
	if err != nil {
		return Filter{}, err
	}
	f.Facilities = scoped
	return f, nil
}

// Queue stores commands and applies operator transitions.
type Queue struct {
	orm      *gorm.DB
	notifier events.Notifier
	cfg      Config
	kick     chan struct{}
	now      func() time.Time
}

// NewQueue returns a Queue. notifier receives a queue-state event after every transition.
func NewQueue(orm *gorm.DB, notifier events.Notifier, cfg Config) (*Queue, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Queue{
		orm:      orm,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}, nil
}

// Config returns the effective retry configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Kick wakes the dispatcher without waiting for its next tick.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Enqueue inserts a pending command and returns its id. Delivery is asynchronous.
func (q *Queue) Enqueue(ctx context.Context, facilityID string, cmdType protocol.CmdType, payload json.RawMessage, signature string) (uuid.UUID, error) {
	if facilityID == "" {
		return uuid.Nil, errors.New("facility id is required")
	}
	if !cmdType.Valid() {
		return uuid.Nil, fmt.Errorf("unknown cmd_type %q", cmdType)
	}
	if !json.Valid(payload) {
		return uuid.Nil, errors.New("payload must be valid JSON")
	}

	now := q.now().UTC()
	row := commandModel{
		ID:            uuid.New(),
		FacilityID:    facilityID,
		CmdType:       string(cmdType),
		Payload:       string(payload),
		Signature:     signature,
		Status:        string(StatusPending),
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p, ok := auth.FromContext(ctx); ok {
		row.CreatedBy = p.Subject
	}
	if err := q.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, err
	}

	q.emit(row.toAPI())
	q.Kick()
	return row.ID, nil
}

// Get returns one command.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	var row commandModel
	if err := q.orm.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Command{}, ErrNotFound
		}
		return Command{}, err
	}
	return row.toAPI(), nil
}

// List returns commands matching f, newest first.
func (q *Queue) List(ctx context.Context, f Filter, limit, offset int) ([]Command, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := q.orm.WithContext(ctx).Model(&commandModel{})
	if len(f.Facilities) > 0 {
		query = query.Where("facility_id IN ?", f.Facilities)
	}
	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", statusStrings(f.Statuses))
	}

	var rows []commandModel
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Command, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// Attempts returns the delivery history of a command, oldest first.
func (q *Queue) Attempts(ctx context.Context, id uuid.UUID) ([]Attempt, error) {
	if _, err := q.Get(ctx, id); err != nil {
		return nil, err
	}
	var rows []attemptModel
	if err := q.orm.WithContext(ctx).Where("command_id = ?", id).Order("attempted_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Attempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// Cancel stops a command that has not reached a terminal state. An in-flight
// delivery is not aborted, but its outcome no longer changes the command.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (Command, error) {
	return q.transitionByID(ctx, id, []Status{StatusPending, StatusFailed, StatusSending}, StatusCanceled, nil)
}

// RequeueDead moves a dead command back to pending with a fresh attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, id uuid.UUID) (Command, error) {
	cmd, err := q.transitionByID(ctx, id, []Status{StatusDead}, StatusPending, map[string]any{
		"attempt_count":   0,
		"next_attempt_at": q.now().UTC(),
		"last_error":      "",
	})
	if err != nil {
		return Command{}, err
	}
	q.Kick()
	return cmd, nil
}

// Due returns pending or failed commands whose next attempt time has passed.
func (q *Queue) Due(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []commandModel
	err := q.orm.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", statusStrings([]Status{StatusPending, StatusFailed}), q.now().UTC()).
		Order("next_attempt_at ASC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Command, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out, nil
}

// ReclaimStale fails commands left in sending for longer than olderThan,
// recording a timeout attempt for each. Such commands belong to a delivery
// whose outcome was never written, for example after a crash.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().UTC().Add(-olderThan)
	var rows []commandModel
	err := q.orm.WithContext(ctx).
		Where("status = ? AND last_attempt_at <= ?", string(StatusSending), cutoff).
		Order("last_attempt_at ASC").
		Limit(dispatchBatch).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, row := range rows {
		cmd := row.toAPI()
		at := cutoff
		if cmd.LastAttemptAt != nil {
			at = *cmd.LastAttemptAt
		}
		finished, superseded, err := q.recordAttempt(ctx, cmd, attemptOutcome{
			at:        at,
			result:    ResultTimeout,
			err:       errDeliveryAbandoned,
			payload:   cmd.Payload,
			signature: cmd.Signature,
		})
		if err != nil {
			return reclaimed, err
		}
		if superseded {
			continue
		}
		q.emit(finished)
		reclaimed++
	}
	return reclaimed, nil
}

var errDeliveryAbandoned = errors.New("delivery abandoned without an outcome")

type attemptOutcome struct {
	at        time.Time
	result    Result
	err       error
	manual    bool
	payload   json.RawMessage
	signature string
}

// recordAttempt appends the attempt and moves the claimed command to acked,
// failed or dead in one transaction. superseded reports that the command
// changed while in flight; the attempt is kept and the current command is
// returned untouched.
func (q *Queue) recordAttempt(ctx context.Context, claimed Command, out attemptOutcome) (Command, bool, error) {
	metrics.CommandAttempts.WithLabelValues(string(out.result)).Inc()

	attemptCount := claimed.AttemptCount + 1
	attempt := attemptModel{
		ID:          uuid.New(),
		CommandID:   claimed.ID,
		AttemptedAt: out.at,
		Result:      string(out.result),
		Manual:      out.manual,
	}
	updates := map[string]any{
		"attempt_count": attemptCount,
		"payload":       string(out.payload),
		"signature":     out.signature,
	}
	next := StatusAcked
	if out.err != nil {
		attempt.ErrorDetail = out.err.Error()
		updates["last_error"] = out.err.Error()
		next = StatusFailed
		if attemptCount >= q.cfg.MaxAttempts {
			next = StatusDead
		} else {
			updates["next_attempt_at"] = q.now().UTC().Add(q.cfg.Backoff(attemptCount))
		}
	} else {
		updates["last_error"] = ""
	}

	var finished Command
	superseded := false
	err := q.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&attempt).Error; err != nil {
			return err
		}
		updated, err := q.transition(tx, claimed, next, updates)
		if errors.Is(err, ErrConflict) {
			// Canceled while in flight: keep the attempt, leave the command alone.
			superseded = true
			return nil
		}
		if err != nil {
			return err
		}
		finished = updated
		return nil
	})
	if err != nil {
		return Command{}, false, fmt.Errorf("record attempt: %w", err)
	}
	if superseded {
		current, err := q.Get(ctx, claimed.ID)
		if err != nil {
			return Command{}, true, err
		}
		return current, true, nil
	}
	return finished, false, nil
}

// Outstanding counts facilityID's commands of cmdType that are not terminal.
func (q *Queue) Outstanding(ctx context.Context, facilityID string, cmdType protocol.CmdType) (int64, error) {
	var n int64
	err := q.orm.WithContext(ctx).Model(&commandModel{}).
		Where("facility_id = ? AND cmd_type = ? AND status IN ?", facilityID, string(cmdType),
			statusStrings([]Status{StatusPending, StatusSending, StatusFailed})).
		Count(&n).Error
	return n, err
}

func (q *Queue) transitionByID(ctx context.Context, id uuid.UUID, from []Status, to Status, extra map[string]any) (Command, error) {
	cmd, err := q.Get(ctx, id)
	if err != nil {
		return Command{}, err
	}
	if !slices.Contains(from, cmd.Status) {
		return Command{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, cmd.Status)
	}
	updated, err := q.transition(q.orm.WithContext(ctx), cmd, to, extra)
	if err != nil {
		return Command{}, err
	}
	q.emit(updated)
	return updated, nil
}

// transition moves cmd to status to, guarded by its version. The caller must
// have checked that the move is legal from cmd.Status and emit once committed.
func (q *Queue) transition(tx *gorm.DB, cmd Command, to Status, extra map[string]any) (Command, error) {
	now := q.now().UTC()
	updates := map[string]any{
		"status":     string(to),
		"version":    cmd.Version + 1,
		"updated_at": now,
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := tx.Model(&commandModel{}).
		Where("id = ? AND version = ?", cmd.ID, cmd.Version).
		Updates(updates)
	if res.Error != nil {
		return Command{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Command{}, ErrConflict
	}

	var row commandModel
	if err := tx.Where("id = ?", cmd.ID).First(&row).Error; err != nil {
		return Command{}, err
	}
	return row.toAPI(), nil
}

func (q *Queue) emit(cmd Command) {
	metrics.CommandTransitions.WithLabelValues(string(cmd.Status)).Inc()
	q.notifier.Notify(events.Event{
		ID:         uuid.NewString(),
		Kind:       events.KindCommandStatus,
		FacilityID: cmd.FacilityID,
		CommandID:  cmd.ID.String(),
		Status:     string(cmd.Status),
		At:         q.now().UTC(),
		Data: map[string]any{
			"cmd_type":      string(cmd.CmdType),
			"attempt_count": cmd.AttemptCount,
			"last_error":    cmd.LastError,
		},
	})
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
