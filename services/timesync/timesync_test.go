package timesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewarden/pkg/db/dbtest"
	"gatewarden/pkg/protocol"
	"gatewarden/services/commands"
	"gatewarden/services/events"
	"gatewarden/services/keys"
)

type facilities []string

func (f facilities) Facilities(context.Context) ([]string, error) { return f, nil }

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

func (s testSigner) SignerKeyID() string {
	if s.signer == nil {
		return ""
	}
	return s.signer.KeyID()
}

type versions map[string]keys.Version

func (v versions) KeyVersion(_ context.Context, facilityID string) (keys.Version, error) {
	if ver, ok := v[facilityID]; ok {
		return ver, nil
	}
	return keys.V2, nil
}

func newQueue(t *testing.T) *commands.Queue {
	t.Helper()
	q, err := commands.NewQueue(dbtest.Open(t, commands.Models()...), events.Nop{}, commands.Config{})
	require.NoError(t, err)
	return q
}

func TestSyncAllCoalescesOutstanding(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	s, err := NewScheduler(q, facilities{"fac-a", "fac-b"}, "", zerolog.Nop())
	require.NoError(t, err)

	n, err := s.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.SyncAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.OnConnect(ctx, "fac-c")
	list, err := q.List(ctx, commands.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, cmd := range list {
		assert.Equal(t, protocol.CmdSecureTimeSync, cmd.CmdType)
		assert.Equal(t, commands.StatusPending, cmd.Status)
	}

	_, err = q.Cancel(ctx, list[0].ID)
	require.NoError(t, err)
	ok, err := s.SyncFacility(ctx, list[0].FacilityID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSealerStampsAndSigns(t *testing.T) {
	signer, _, err := keys.GenerateSigner()
	require.NoError(t, err)
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	seal := Sealer(testSigner{signer: signer}, versions{"fac-legacy": keys.V1}, func() time.Time { return at })

	for fid, version := range map[string]keys.Version{"fac-a": keys.V2, "fac-legacy": keys.V1} {
		payload, sig, err := seal(context.Background(), commands.Command{ID: uuid.New(), FacilityID: fid, CmdType: protocol.CmdSecureTimeSync})
		require.NoError(t, err)

		var got Payload
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, Payload{CmdType: protocol.CmdSecureTimeSync, FacilityID: fid, TS: at.Unix(), KeyID: signer.KeyID()}, got)
		require.NoError(t, keys.VerifySignature(version, signer.PublicKey(), payload, sig))
	}

	_, _, err = Sealer(testSigner{}, versions{}, nil)(context.Background(), commands.Command{FacilityID: "fac-a"})
	assert.ErrorIs(t, err, keys.ErrSignerUnavailable)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s, err := NewScheduler(newQueue(t), facilities{}, "not a schedule", zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))

	s, err = NewScheduler(newQueue(t), facilities{}, "*/30 * * * * *", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
