package denylist

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewarden/pkg/db/dbtest"
	"gatewarden/pkg/protocol"
	"gatewarden/services/keys"
	"gatewarden/services/routepass"
)

type testSigner struct {
	signer *keys.Signer
}

func (s testSigner) Sign(_ context.Context, version keys.Version, payload []byte) (keys.Signature, error) {
	if s.signer == nil {
		return keys.Signature{}, keys.ErrSignerUnavailable
	}
	raw, err := s.signer.Sign(payload)
	if err != nil {
		return keys.Signature{}, err
	}
	return keys.Signature{KeyID: s.signer.KeyID(), Version: version, Value: keys.EncodeSignature(version, raw)}, nil
}

func (s testSigner) SignerKeyID() string { return s.signer.KeyID() }

type enqueued struct {
	facilityID string
	cmdType    protocol.CmdType
	payload    json.RawMessage
	signature  string
}

type fakeQueue struct {
	items []enqueued
}

func (q *fakeQueue) Enqueue(_ context.Context, facilityID string, cmdType protocol.CmdType, payload json.RawMessage, signature string) (uuid.UUID, error) {
	q.items = append(q.items, enqueued{facilityID, cmdType, payload, signature})
	return uuid.New(), nil
}

type fakeIssuances map[string]*routepass.Issuance

func (f fakeIssuances) Latest(_ context.Context, userID string) (*routepass.Issuance, error) {
	return f[userID], nil
}

type fakeVersions map[string]keys.Version

func (f fakeVersions) KeyVersion(_ context.Context, facilityID string) (keys.Version, error) {
	if v, ok := f[facilityID]; ok {
		return v, nil
	}
	return keys.V2, nil
}

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	queue  *fakeQueue
	signer *keys.Signer
	passes fakeIssuances
}

func newFixture(t *testing.T, withSigner bool) *fixture {
	t.Helper()
	signer, _, err := keys.GenerateSigner()
	require.NoError(t, err)
	s := testSigner{}
	if withSigner {
		s.signer = signer
	}

	passes := fakeIssuances{
		"tenant-s": {UserID: "tenant-s", ExpiresAt: now.Add(6 * time.Hour)},
		"stale":    {UserID: "stale", ExpiresAt: now.Add(-time.Minute)},
	}
	queue := &fakeQueue{}
	svc, err := NewService(dbtest.Open(t, Models()...), s, passes, queue, fakeVersions{"fac-legacy": keys.V1})
	require.NoError(t, err)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, queue: queue, signer: signer, passes: passes}
}

func decodePayload(t *testing.T, raw json.RawMessage) packetPayload {
	t.Helper()
	var p packetPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestBuildSignsPayloadPerVersion(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	entries := []Entry{{Sub: "tenant-s", Exp: now.Add(time.Hour).Unix()}}

	for _, version := range []keys.Version{keys.V1, keys.V2} {
		packet, err := f.svc.BuildAdd(ctx, version, entries, []string{"dev-2", "dev-1", "dev-2"})
		require.NoError(t, err)
		assert.Equal(t, protocol.CmdDenylistAdd, packet.CmdType)

		p := decodePayload(t, packet.Payload)
		assert.Equal(t, protocol.CmdDenylistAdd, p.CmdType)
		assert.Equal(t, entries, p.Entries)
		assert.Equal(t, []string{"dev-1", "dev-2"}, p.DeviceIDs)
		assert.Equal(t, now.Unix(), p.IssuedAt)
		assert.Equal(t, f.signer.KeyID(), p.KeyID)
		require.NoError(t, keys.VerifySignature(version, f.signer.PublicKey(), packet.Payload, packet.Signature))
	}

	remove, err := f.svc.BuildRemove(ctx, keys.V2, entries, []string{"dev-1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdDenylistRemove, decodePayload(t, remove.Payload).CmdType)

	_, err = f.svc.BuildAdd(ctx, keys.V2, nil, []string{"dev-1"})
	assert.Error(t, err)
}

func TestShouldSkipAdd(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	tests := map[string]bool{"tenant-s": false, "stale": true, "never-issued": true}
	for user, want := range tests {
		got, err := f.svc.ShouldSkipAdd(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, want, got, user)
	}
}

func TestAddPushesOnePacketPerFacility(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	out, err := f.svc.Add(ctx, Change{
		UserID: "tenant-s",
		Targets: []Target{
			{DeviceID: "dev-1", FacilityID: "fac-a"},
			{DeviceID: "dev-2", FacilityID: "fac-a"},
			{DeviceID: "dev-9", FacilityID: "fac-legacy"},
		},
		Source:    "share_revoke",
		CreatedBy: "ops-1",
	})
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Len(t, out.Records, 3)
	require.Len(t, out.Commands, 2)
	require.Len(t, f.queue.items, 2)

	first := f.queue.items[0]
	assert.Equal(t, "fac-a", first.facilityID)
	p := decodePayload(t, first.payload)
	assert.Equal(t, []Entry{{Sub: "tenant-s", Exp: now.Add(6 * time.Hour).Unix()}}, p.Entries)
	assert.Equal(t, []string{"dev-1", "dev-2"}, p.DeviceIDs)
	require.NoError(t, keys.VerifySignature(keys.V2, f.signer.PublicKey(), first.payload, first.signature))

	legacy := f.queue.items[1]
	assert.Equal(t, "fac-legacy", legacy.facilityID)
	require.NoError(t, keys.VerifySignature(keys.V1, f.signer.PublicKey(), legacy.payload, legacy.signature))
}

func TestAddSkipsPushForExpiredPassButPersists(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	out, err := f.svc.Add(ctx, Change{
		UserID:    "stale",
		Targets:   []Target{{DeviceID: "dev-1", FacilityID: "fac-a"}},
		Source:    "user_deactivate",
		CreatedBy: "ops-1",
	})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, f.queue.items)

	history, err := f.svc.History(ctx, Filter{UserID: "stale"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionAdd, history[0].Action)
}

func TestReplayAddRemoveAddMatchesSingleAdd(t *testing.T) {
	ctx := context.Background()
	change := Change{
		UserID:    "tenant-s",
		Targets:   []Target{{DeviceID: "dev-1", FacilityID: "fac-a"}},
		Source:    "share_revoke",
		CreatedBy: "ops-1",
	}

	single := newFixture(t, true)
	_, err := single.svc.Add(ctx, change)
	require.NoError(t, err)
	want, err := single.svc.Effective(ctx, []string{"dev-1"})
	require.NoError(t, err)

	replay := newFixture(t, true)
	clock := now
	replay.svc.now = func() time.Time { return clock }
	_, err = replay.svc.Add(ctx, change)
	require.NoError(t, err)
	clock = clock.Add(time.Second)
	_, err = replay.svc.Remove(ctx, change)
	require.NoError(t, err)
	clock = clock.Add(time.Second)
	_, err = replay.svc.Add(ctx, change)
	require.NoError(t, err)
	got, err := replay.svc.Effective(ctx, []string{"dev-1"})
	require.NoError(t, err)

	require.Len(t, want, 1)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].Action, got[0].Action)
	assert.Equal(t, want[0].UserID, got[0].UserID)
	assert.Equal(t, want[0].DeviceID, got[0].DeviceID)
	assert.True(t, want[0].ExpiresAt.Equal(got[0].ExpiresAt))

	var cmdTypes []protocol.CmdType
	for _, item := range replay.queue.items {
		cmdTypes = append(cmdTypes, item.cmdType)
	}
	assert.Equal(t, []protocol.CmdType{protocol.CmdDenylistAdd, protocol.CmdDenylistRemove, protocol.CmdDenylistAdd}, cmdTypes)
}

func TestSameInstantEntriesResolveInWriteOrder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	change := Change{
		UserID:    "tenant-s",
		Targets:   []Target{{DeviceID: "dev-1", FacilityID: "fac-a"}},
		Source:    "share_revoke",
		CreatedBy: "ops-1",
	}

	// The clock is frozen, so every entry shares one created_at.
	for i := 0; i < 3; i++ {
		_, err := f.svc.Add(ctx, change)
		require.NoError(t, err)
		_, err = f.svc.Remove(ctx, change)
		require.NoError(t, err)

		denying, err := f.svc.Effective(ctx, []string{"dev-1"})
		require.NoError(t, err)
		assert.Empty(t, denying, "round %d", i)
	}

	_, err := f.svc.Add(ctx, change)
	require.NoError(t, err)
	denying, err := f.svc.EffectiveForFacility(ctx, "fac-a")
	require.NoError(t, err)
	require.Len(t, denying, 1)
	assert.Equal(t, ActionAdd, denying[0].Action)

	history, err := f.svc.History(ctx, Filter{UserID: "tenant-s"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 7)
	assert.Equal(t, ActionAdd, history[0].Action)
	assert.Equal(t, ActionRemove, history[1].Action)
}

func TestRemoveWithoutDenyingEntryIsNotPushed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	out, err := f.svc.Remove(ctx, Change{
		UserID:    "tenant-s",
		Targets:   []Target{{DeviceID: "dev-1", FacilityID: "fac-a"}},
		Source:    "share_grant",
		CreatedBy: "ops-1",
	})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Len(t, out.Records, 1)
	assert.Empty(t, f.queue.items)
}

func TestAddWithoutSignerStillPersists(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Add(ctx, Change{
		UserID:    "tenant-s",
		Targets:   []Target{{DeviceID: "dev-1", FacilityID: "fac-a"}},
		Source:    "share_revoke",
		CreatedBy: "ops-1",
	})
	require.ErrorIs(t, err, keys.ErrSignerUnavailable)
	assert.Empty(t, f.queue.items)

	history, err := f.svc.History(ctx, Filter{Facilities: []string{"fac-a"}}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
