package commands

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewarden/pkg/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	online    map[string]bool
	delivered []protocol.Command
	deliver   func(ctx context.Context, cmd protocol.Command) error
}

func (f *fakeTransport) Online(facilityID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[facilityID]
}

func (f *fakeTransport) setOnline(facilityID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[facilityID] = online
}

func (f *fakeTransport) Deliver(ctx context.Context, _ string, cmd protocol.Command) error {
	f.mu.Lock()
	f.delivered = append(f.delivered, cmd)
	deliver := f.deliver
	f.mu.Unlock()
	if deliver == nil {
		return nil
	}
	return deliver(ctx, cmd)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func newDispatcher(t *testing.T, cfg Config, opts DispatcherOptions) (*Dispatcher, *Queue, *clock, *recorder, *fakeTransport) {
	t.Helper()
	q, clk, rec := newQueue(t, cfg)
	transport := &fakeTransport{online: map[string]bool{"fac-a": true}}
	d, err := NewDispatcher(q, transport, zerolog.Nop(), opts)
	require.NoError(t, err)
	return d, q, clk, rec, transport
}

func TestDispatchAcks(t *testing.T) {
	d, q, _, rec, transport := newDispatcher(t, Config{}, DispatcherOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-a", protocol.CmdDenylistAdd, samplePayload, "sig")
	require.NoError(t, err)
	require.NoError(t, d.RunOnce(ctx))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, cmd.Status)
	assert.Equal(t, 1, cmd.AttemptCount)
	require.Equal(t, 1, transport.count())
	assert.Equal(t, id.String(), transport.delivered[0].ID)
	assert.Equal(t, "sig", transport.delivered[0].Signature)
	assert.Equal(t, []string{"pending", "sending", "acked"}, rec.statuses(id.String()))

	attempts, err := q.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ResultAcked, attempts[0].Result)
	assert.False(t, attempts[0].Manual)
}

func TestDeadAfterMaxAttempts(t *testing.T) {
	d, q, clk, _, transport := newDispatcher(t, Config{MaxAttempts: 3}, DispatcherOptions{})
	transport.deliver = func(context.Context, protocol.Command) error { return errors.New("lock bus busy") }
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-a", protocol.CmdDenylistAdd, samplePayload, "")
	require.NoError(t, err)

	require.NoError(t, d.RunOnce(ctx))
	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.True(t, clk.now().Add(5*time.Second).Equal(cmd.NextAttemptAt), "next attempt %s", cmd.NextAttemptAt)

	// Not due yet: backoff holds the next attempt back.
	require.NoError(t, d.RunOnce(ctx))
	assert.Equal(t, 1, transport.count())

	for i := 0; i < 5; i++ {
		clk.advance(time.Hour)
		require.NoError(t, d.RunOnce(ctx))
	}

	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, cmd.Status)
	assert.Equal(t, 3, cmd.AttemptCount)
	assert.Equal(t, 3, transport.count())
	assert.Equal(t, "lock bus busy", cmd.LastError)

	attempts, err := q.Attempts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	transport.deliver = nil
	requeued, err := q.RequeueDead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, requeued.Status)
	assert.Zero(t, requeued.AttemptCount)

	require.NoError(t, d.RunOnce(ctx))
	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, cmd.Status)
	assert.Equal(t, 1, cmd.AttemptCount)
}

func TestAckTimeoutCountsAsAttempt(t *testing.T) {
	d, q, _, _, transport := newDispatcher(t, Config{}, DispatcherOptions{AckTimeout: 10 * time.Millisecond})
	transport.deliver = func(ctx context.Context, _ protocol.Command) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-a", protocol.CmdDenylistRemove, samplePayload, "")
	require.NoError(t, err)
	require.NoError(t, d.RunOnce(ctx))

	attempts, err := q.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ResultTimeout, attempts[0].Result)
}

func TestOfflineFacilityIsNotCharged(t *testing.T) {
	d, q, _, _, transport := newDispatcher(t, Config{}, DispatcherOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-b", protocol.CmdDenylistAdd, samplePayload, "")
	require.NoError(t, err)
	require.NoError(t, d.RunOnce(ctx))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cmd.Status)
	assert.Zero(t, cmd.AttemptCount)
	assert.Zero(t, transport.count())

	transport.setOnline("fac-b", true)
	require.NoError(t, d.RunOnce(ctx))
	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, cmd.Status)
}

func TestRetryNow(t *testing.T) {
	d, q, _, _, transport := newDispatcher(t, Config{}, DispatcherOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-b", protocol.CmdDenylistAdd, samplePayload, "")
	require.NoError(t, err)

	_, err = d.RetryNow(ctx, id)
	require.ErrorIs(t, err, ErrGatewayOffline)
	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cmd.Status)
	assert.Zero(t, cmd.Version)

	transport.setOnline("fac-b", true)
	cmd, err = d.RetryNow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, cmd.Status)

	attempts, err := q.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Manual)

	_, err = d.RetryNow(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = d.RetryNow(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelWhileInFlight(t *testing.T) {
	d, q, _, rec, transport := newDispatcher(t, Config{}, DispatcherOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-a", protocol.CmdDenylistAdd, samplePayload, "")
	require.NoError(t, err)
	transport.deliver = func(ctx context.Context, _ protocol.Command) error {
		_, err := q.Cancel(ctx, id)
		return err
	}

	require.NoError(t, d.RunOnce(ctx))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, cmd.Status)
	assert.Zero(t, cmd.AttemptCount)

	attempts, err := q.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ResultAcked, attempts[0].Result)
	assert.Equal(t, []string{"pending", "sending", "canceled"}, rec.statuses(id.String()))

	require.NoError(t, d.RunOnce(ctx))
	assert.Equal(t, 1, transport.count())
}

func TestSealerRefreshesPayload(t *testing.T) {
	sealed := json.RawMessage(`{"cmd_type":"SECURE_TIME_SYNC","ts":1780000000,"facility_id":"fac-a"}`)
	opts := DispatcherOptions{Sealers: map[protocol.CmdType]Sealer{
		protocol.CmdSecureTimeSync: func(_ context.Context, cmd Command) (json.RawMessage, string, error) {
			return sealed, "fresh-sig", nil
		},
	}}
	d, q, _, _, transport := newDispatcher(t, Config{}, opts)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-a", protocol.CmdSecureTimeSync, json.RawMessage(`{"cmd_type":"SECURE_TIME_SYNC"}`), "")
	require.NoError(t, err)
	require.NoError(t, d.RunOnce(ctx))

	require.Equal(t, 1, transport.count())
	assert.JSONEq(t, string(sealed), string(transport.delivered[0].Payload))
	assert.Equal(t, "fresh-sig", transport.delivered[0].Signature)

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, string(sealed), string(cmd.Payload))
	assert.Equal(t, "fresh-sig", cmd.Signature)
}

func TestShutdownDuringDeliveryRecordsAttempt(t *testing.T) {
	d, q, clk, _, transport := newDispatcher(t, Config{}, DispatcherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := q.Enqueue(context.Background(), "fac-a", protocol.CmdDenylistAdd, samplePayload, "")
	require.NoError(t, err)
	transport.deliver = func(ctx context.Context, _ protocol.Command) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	require.ErrorIs(t, d.RunOnce(ctx), context.Canceled)

	bg := context.Background()
	cmd, err := q.Get(bg, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.Equal(t, 1, cmd.AttemptCount)

	attempts, err := q.Attempts(bg, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ResultFailed, attempts[0].Result)

	transport.deliver = nil
	clk.advance(time.Minute)
	require.NoError(t, d.RunOnce(bg))
	cmd, err = q.Get(bg, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, cmd.Status)
	assert.Equal(t, 2, transport.count())
}

func TestReclaimAbandonedSending(t *testing.T) {
	d, q, clk, rec, transport := newDispatcher(t, Config{}, DispatcherOptions{AckTimeout: 10 * time.Second})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fac-a", protocol.CmdSecureTimeSync, samplePayload, "")
	require.NoError(t, err)
	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)

	// A claim whose outcome never got written, as after a crash mid-delivery.
	_, err = q.transition(q.orm, cmd, StatusSending, map[string]any{"last_attempt_at": clk.now()})
	require.NoError(t, err)

	require.NoError(t, d.RunOnce(ctx))
	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, cmd.Status, "within the ack window the delivery may still be live")

	clk.advance(10*time.Second + reclaimGrace + time.Second)
	require.NoError(t, d.RunOnce(ctx))

	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.Equal(t, 1, cmd.AttemptCount)
	assert.Equal(t, errDeliveryAbandoned.Error(), cmd.LastError)
	assert.Zero(t, transport.count(), "backoff applies to the reclaimed attempt")
	assert.Contains(t, rec.statuses(id.String()), "failed")

	attempts, err := q.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ResultTimeout, attempts[0].Result)

	n, err := q.Outstanding(ctx, "fac-a", protocol.CmdSecureTimeSync)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	clk.advance(time.Hour)
	require.NoError(t, d.RunOnce(ctx))
	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, cmd.Status)
	assert.Equal(t, 2, cmd.AttemptCount)
	assert.Equal(t, 1, transport.count())
}
