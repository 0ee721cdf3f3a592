package access

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gatewarden/pkg/db/dbtest"
	"gatewarden/pkg/protocol"
	"gatewarden/services/audit"
	"gatewarden/services/auth"
	"gatewarden/services/denylist"
	"gatewarden/services/keys"
	"gatewarden/services/routepass"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type testSigner struct {
	signer *keys.Signer
}

func (s testSigner) Sign(_ context.Context, version keys.Version, payload []byte) (keys.Signature, error) {
	raw, err := s.signer.Sign(payload)
	if err != nil {
		return keys.Signature{}, err
	}
	return keys.Signature{KeyID: s.signer.KeyID(), Version: version, Value: keys.EncodeSignature(version, raw)}, nil
}

func (s testSigner) SignerKeyID() string { return s.signer.KeyID() }

type pushed struct {
	facilityID string
	cmdType    protocol.CmdType
	subs       []string
}

type fakeQueue struct {
	items []pushed
	// fail makes that many upcoming Enqueue calls return an error.
	fail int
}

func (q *fakeQueue) Enqueue(_ context.Context, facilityID string, cmdType protocol.CmdType, payload json.RawMessage, _ string) (uuid.UUID, error) {
	if q.fail > 0 {
		q.fail--
		return uuid.Nil, errors.New("db blip")
	}
	var p struct {
		Entries []struct {
			Sub string `json:"sub"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return uuid.Nil, err
	}
	item := pushed{facilityID: facilityID, cmdType: cmdType}
	for _, e := range p.Entries {
		item.subs = append(item.subs, e.Sub)
	}
	q.items = append(q.items, item)
	return uuid.New(), nil
}

type fakeIssuances map[string]*routepass.Issuance

func (f fakeIssuances) Latest(_ context.Context, userID string) (*routepass.Issuance, error) {
	return f[userID], nil
}

type fixture struct {
	svc   *Service
	dl    *denylist.Service
	orm   *gorm.DB
	queue *fakeQueue
	audit *audit.Memory
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orm := dbtest.Open(t, append(Models(), denylist.Models()...)...)

	seed := []any{
		&gatewayModel{ID: uuid.New(), FacilityID: "fac-a", KeyManagementVersion: "v1"},
		&gatewayModel{ID: uuid.New(), FacilityID: "fac-b", KeyManagementVersion: "v2"},
		&userModel{ID: "tenant-p", Role: AccountTenant, Active: true},
		&userModel{ID: "tenant-s", Role: AccountTenant, Active: true},
		&userModel{ID: "tenant-q", Role: AccountTenant, Active: true},
		&userModel{ID: "staff-1", Role: AccountStaff, Active: true},
		&unitModel{ID: "u-1", FacilityID: "fac-a", PrimaryTenantID: "tenant-p"},
		&unitModel{ID: "u-2", FacilityID: "fac-b", PrimaryTenantID: "tenant-q"},
		&deviceModel{ID: "d-1", FacilityID: "fac-a", UnitID: strPtr("u-1"), Serial: "SN-1"},
		&deviceModel{ID: "d-2", FacilityID: "fac-a", UnitID: strPtr("u-1"), Serial: "SN-2"},
		&deviceModel{ID: "d-9", FacilityID: "fac-b", UnitID: strPtr("u-2"), Serial: "SN-9"},
		&unitShareModel{ID: uuid.New(), UnitID: "u-1", UserID: "tenant-s"},
	}
	for _, row := range seed {
		require.NoError(t, orm.Create(row).Error)
	}

	dir, err := NewDirectory(orm)
	require.NoError(t, err)
	signer, _, err := keys.GenerateSigner()
	require.NoError(t, err)
	// The denylist service runs on the wall clock.
	valid := time.Now().Add(12 * time.Hour)
	passes := fakeIssuances{
		"tenant-p": {UserID: "tenant-p", ExpiresAt: valid},
		"tenant-s": {UserID: "tenant-s", ExpiresAt: valid},
		"tenant-q": {UserID: "tenant-q", ExpiresAt: valid},
	}
	queue := &fakeQueue{}
	dl, err := denylist.NewService(orm, testSigner{signer: signer}, passes, queue, dir)
	require.NoError(t, err)

	rec := &audit.Memory{}
	svc, err := NewService(orm, dir, dl, rec, zerolog.Nop())
	require.NoError(t, err)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, dl: dl, orm: orm, queue: queue, audit: rec}
}

func admin() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: "ops-1", Role: auth.RoleAdmin})
}

func manager(facilities ...string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: "mgr-1", Role: auth.RoleFacilityManager, Facilities: facilities})
}

func TestGrantsAndKeyVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := f.svc.Directory()

	owner, err := dir.Grants(ctx, "tenant-p")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:d-1", "lock:d-2"}, owner.Audiences())

	sharee, err := dir.Grants(ctx, "tenant-s")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared_key:tenant-p:d-1", "shared_key:tenant-p:d-2"}, sharee.Audiences())

	active, err := dir.UserActive(ctx, "tenant-s")
	require.NoError(t, err)
	assert.True(t, active)
	_, err = dir.UserActive(ctx, "nobody")
	assert.ErrorIs(t, err, routepass.ErrUserUnknown)

	v, err := dir.KeyVersion(ctx, "fac-a")
	require.NoError(t, err)
	assert.Equal(t, keys.V1, v)
	v, err = dir.KeyVersion(ctx, "fac-unknown")
	require.NoError(t, err)
	assert.Equal(t, keys.V2, v)

	facilities, err := dir.Facilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fac-a", "fac-b"}, facilities)
}

func TestRevokeThenRegrantShare(t *testing.T) {
	f := newFixture(t)
	ctx := admin()

	_, err := f.svc.RevokeShare(ctx, "u-1", "tenant-s")
	require.NoError(t, err)
	require.Len(t, f.queue.items, 1)
	assert.Equal(t, pushed{facilityID: "fac-a", cmdType: protocol.CmdDenylistAdd, subs: []string{"tenant-s"}}, f.queue.items[0])

	grants, err := f.svc.Directory().Grants(ctx, "tenant-s")
	require.NoError(t, err)
	assert.Empty(t, grants.Audiences())

	_, err = f.svc.RevokeShare(ctx, "u-1", "tenant-s")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.GrantShare(ctx, "u-1", "tenant-s")
	require.NoError(t, err)
	require.Len(t, f.queue.items, 2)
	assert.Equal(t, pushed{facilityID: "fac-a", cmdType: protocol.CmdDenylistRemove, subs: []string{"tenant-s"}}, f.queue.items[1])

	grants, err = f.svc.Directory().Grants(ctx, "tenant-s")
	require.NoError(t, err)
	assert.Len(t, grants.Audiences(), 2)

	var actions []string
	for _, e := range f.audit.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"share.revoke", "share.grant"}, actions)
}

func TestDeactivateThenReactivateUser(t *testing.T) {
	f := newFixture(t)
	ctx := admin()

	_, err := f.svc.DeactivateUser(ctx, "tenant-p")
	require.NoError(t, err)
	require.Len(t, f.queue.items, 1)
	assert.Equal(t, pushed{facilityID: "fac-a", cmdType: protocol.CmdDenylistAdd, subs: []string{"tenant-p"}}, f.queue.items[0])

	active, err := f.svc.Directory().UserActive(ctx, "tenant-p")
	require.NoError(t, err)
	assert.False(t, active)

	_, err = f.svc.ReactivateUser(ctx, "tenant-p")
	require.NoError(t, err)
	require.Len(t, f.queue.items, 2)
	assert.Equal(t, pushed{facilityID: "fac-a", cmdType: protocol.CmdDenylistRemove, subs: []string{"tenant-p"}}, f.queue.items[1])

	active, err = f.svc.Directory().UserActive(ctx, "tenant-p")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestScopeAndAccountChecks(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DeactivateUser(admin(), "staff-1")
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.svc.DeactivateUser(manager("fac-a"), "tenant-q")
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.svc.RevokeShare(manager("fac-b"), "u-1", "tenant-s")
	assert.ErrorIs(t, err, auth.ErrForbidden)

	tenant := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "tenant-p", Role: auth.RoleTenant})
	_, err = f.svc.RevokeShare(tenant, "u-1", "tenant-s")
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.svc.DeactivateUser(context.Background(), "tenant-p")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	assert.Empty(t, f.queue.items)
	active, err := f.svc.Directory().UserActive(context.Background(), "tenant-q")
	require.NoError(t, err)
	assert.True(t, active)
}

func gatewayContext(facilityID string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: "gw", Role: auth.RoleGateway, Facilities: []string{facilityID}})
}

func TestSyncDevicesRejectsUnidentifiedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := gatewayContext("fac-a")

	var before int64
	require.NoError(t, f.orm.Model(&deviceModel{}).Count(&before).Error)

	_, err := f.svc.SyncDevices(ctx, "fac-a", SyncRequest{Devices: []DeviceReport{
		{Serial: "SN-new", Name: "front gate"},
		{Name: "no identity", Firmware: "1.2.0"},
	}})
	require.ErrorIs(t, err, ErrInvalid)

	var after int64
	require.NoError(t, f.orm.Model(&deviceModel{}).Count(&after).Error)
	assert.Equal(t, before, after)

	entries, err := f.dl.History(context.Background(), denylist.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, f.queue.items)
	assert.Empty(t, f.audit.Entries())
}

func TestSyncDevicesUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := gatewayContext("fac-a")

	battery := 80
	res, err := f.svc.SyncDevices(ctx, "fac-a", SyncRequest{Devices: []DeviceReport{
		{Serial: "SN-1", Firmware: "2.0.1", Battery: &battery},
		{MAC: "AA:BB:CC:00:11:22", Name: "side door", UnitID: strPtr("u-1")},
		{DeviceID: "d-2"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	devices, err := f.svc.Devices(ctx, "fac-a")
	require.NoError(t, err)
	require.Len(t, devices, 3)
	byID := map[string]Device{}
	for _, d := range devices {
		byID[d.ID] = d
		require.NotNil(t, d.LastSeenAt, d.ID)
	}
	assert.Equal(t, "2.0.1", byID["d-1"].Firmware)
	require.NotNil(t, byID["d-1"].Battery)
	assert.Equal(t, 80, *byID["d-1"].Battery)
	assert.Equal(t, "aa:bb:cc:00:11:22", res.Devices[1].MAC)
	assert.Equal(t, "side door", byID[res.Devices[1].ID].Name)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "devices.sync", entries[0].Action)
	assert.Len(t, entries[0].Details, 2)

	_, err = f.svc.SyncDevices(ctx, "fac-a", SyncRequest{Devices: []DeviceReport{{DeviceID: "d-9"}}})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.svc.SyncDevices(ctx, "fac-b", SyncRequest{Devices: []DeviceReport{{Serial: "x"}}})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestTenantEventMovesAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.HandleTenantEvent(ctx, TenantEvent{ID: "e-1", Kind: TenantUpdated, FacilityID: "fac-a", UnitID: "u-1", TenantID: "tenant-n"})
	require.NoError(t, err)

	var unit unitModel
	require.NoError(t, f.orm.Where("id = ?", "u-1").Take(&unit).Error)
	assert.Equal(t, "tenant-n", unit.PrimaryTenantID)

	active, err := f.svc.Directory().UserActive(ctx, "tenant-n")
	require.NoError(t, err)
	assert.True(t, active)

	require.Len(t, f.queue.items, 2)
	assert.Equal(t, []string{"tenant-p"}, f.queue.items[0].subs)
	assert.Equal(t, []string{"tenant-s"}, f.queue.items[1].subs)
	for _, item := range f.queue.items {
		assert.Equal(t, protocol.CmdDenylistAdd, item.cmdType)
	}

	grants, err := f.svc.Directory().Grants(ctx, "tenant-n")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:d-1", "lock:d-2"}, grants.Audiences())

	err = f.svc.HandleTenantEvent(ctx, TenantEvent{Kind: TenantRemoved, FacilityID: "fac-b", UnitID: "u-1", TenantID: "tenant-n"})
	assert.ErrorIs(t, err, ErrInvalid)

	err = f.svc.HandleTenantEvent(ctx, TenantEvent{Kind: "moved", FacilityID: "fac-a", UnitID: "u-1", TenantID: "tenant-n"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func pendingRevocations(t *testing.T, f *fixture) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.orm.Model(&revocationModel{}).Count(&n).Error)
	return n
}

func TestTenantRemovalRedeliveryFinishesDenylisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evt := TenantEvent{ID: "e-7", Kind: TenantRemoved, FacilityID: "fac-a", UnitID: "u-1", TenantID: "tenant-p"}

	f.queue.fail = 1
	require.Error(t, f.svc.HandleTenantEvent(ctx, evt))
	assert.Empty(t, f.queue.items)

	var unit unitModel
	require.NoError(t, f.orm.Where("id = ?", "u-1").Take(&unit).Error)
	assert.Empty(t, unit.PrimaryTenantID, "tenancy change is committed before the push")
	assert.EqualValues(t, 2, pendingRevocations(t, f))

	// The bus redelivers the event after the failure.
	require.NoError(t, f.svc.HandleTenantEvent(ctx, evt))
	assert.Equal(t, []pushed{
		{facilityID: "fac-a", cmdType: protocol.CmdDenylistAdd, subs: []string{"tenant-p"}},
		{facilityID: "fac-a", cmdType: protocol.CmdDenylistAdd, subs: []string{"tenant-s"}},
	}, f.queue.items)
	assert.Zero(t, pendingRevocations(t, f))

	// Nothing is left to finish, so a further copy is ignored.
	require.NoError(t, f.svc.HandleTenantEvent(ctx, evt))
	assert.Len(t, f.queue.items, 2)
}

func TestRevokeShareRetryAfterPushFailure(t *testing.T) {
	f := newFixture(t)
	ctx := admin()

	f.queue.fail = 1
	_, err := f.svc.RevokeShare(ctx, "u-1", "tenant-s")
	require.Error(t, err)
	assert.Empty(t, f.queue.items)

	grants, err := f.svc.Directory().Grants(ctx, "tenant-s")
	require.NoError(t, err)
	assert.Empty(t, grants.Audiences())

	_, err = f.svc.RevokeShare(ctx, "u-1", "tenant-s")
	require.NoError(t, err)
	require.Len(t, f.queue.items, 1)
	assert.Equal(t, pushed{facilityID: "fac-a", cmdType: protocol.CmdDenylistAdd, subs: []string{"tenant-s"}}, f.queue.items[0])
	assert.Zero(t, pendingRevocations(t, f))

	_, err = f.svc.RevokeShare(ctx, "u-1", "tenant-s")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegrantDropsPendingRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := admin()

	f.queue.fail = 1
	_, err := f.svc.RevokeShare(ctx, "u-1", "tenant-s")
	require.Error(t, err)
	assert.EqualValues(t, 1, pendingRevocations(t, f))

	_, err = f.svc.GrantShare(ctx, "u-1", "tenant-s")
	require.NoError(t, err)
	assert.Zero(t, pendingRevocations(t, f))

	// A later tenant event drains the unit without locking the sharee out.
	require.NoError(t, f.svc.HandleTenantEvent(context.Background(), TenantEvent{Kind: TenantUpdated, FacilityID: "fac-a", UnitID: "u-1", TenantID: "tenant-p"}))
	for _, item := range f.queue.items {
		if item.cmdType == protocol.CmdDenylistAdd {
			assert.NotContains(t, item.subs, "tenant-s")
		}
	}
}
