package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (s *recordingSink) Publish(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, evt)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestOutboxForwardsDespiteFailingSink(t *testing.T) {
	failing := &recordingSink{fail: true}
	ok := &recordingSink{}
	outbox := NewOutbox(8, zerolog.Nop(), failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.Run(ctx)

	outbox.Notify(Event{Kind: KindCommandStatus, FacilityID: "f1", Status: "pending"})
	outbox.Notify(Event{Kind: KindGatewayPongOK, FacilityID: "f1"})

	require.Eventually(t, func() bool { return ok.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, failing.len())
	assert.False(t, ok.got[0].At.IsZero())
}

func TestOutboxNotifyNeverBlocks(t *testing.T) {
	outbox := NewOutbox(1, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			outbox.Notify(Event{Kind: KindCommandStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full outbox")
	}
}

func TestHubSubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(2)

	require.NoError(t, hub.Publish(context.Background(), Event{Kind: KindGatewayConnected, FacilityID: "f1"}))
	evt := <-ch
	assert.Equal(t, "f1", evt.FacilityID)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Publish(context.Background(), Event{Kind: KindGatewayConnected}))
}
