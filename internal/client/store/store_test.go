package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logging.NewJSON(&bytes.Buffer{}))
}

func TestSave_NoopWithoutPendingChanges(t *testing.T) {
	s := setupStore(t)

	assert.False(t, s.HasPendingChanges())
	require.NoError(t, s.Save(context.Background()))
	assert.False(t, s.HasPendingChanges())
}

func TestSave_CoalescesRepeatedWritesToSameEvent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := model.NewProfile("Alice")
	s.UpsertProfile(p)

	e := model.NewEvent(p.ID, model.CategorySleep, time.Now())
	s.UpsertEvent(e)
	stopped := e.Stopped(time.Now().Add(time.Hour))
	s.UpsertEvent(stopped)

	assert.True(t, s.HasPendingChanges())
	require.NoError(t, s.Save(ctx))
	assert.False(t, s.HasPendingChanges())

	row, err := s.Event(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, row.Event.EndedAt)
	assert.True(t, row.Pending)
}

func TestSave_EmitsNotifications(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := model.NewProfile("Alice")
	s.UpsertProfile(p)
	require.NoError(t, s.Save(ctx))

	select {
	case ev := <-s.Notifications():
		assert.Equal(t, EntityProfile, ev.Entity)
		assert.Equal(t, p.ID, ev.ID)
		assert.Equal(t, OpUpsert, ev.Op)
		assert.Equal(t, OriginLocal, ev.Origin)
	default:
		t.Fatal("expected a notification")
	}
}

func TestDeleteProfile_CascadesToEvents(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := model.NewProfile("Alice")
	e := model.NewEvent(p.ID, model.CategoryDiaper, time.Now())
	s.UpsertProfile(p)
	s.UpsertEvent(e)
	require.NoError(t, s.Save(ctx))

	s.DeleteProfile(p.ID)
	require.NoError(t, s.Save(ctx))

	_, err := s.Profile(ctx, p.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	events, err := s.EventsByProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	// soft-deleted rows remain visible to the push path
	row, err := s.Event(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, row.Deleted)
	assert.True(t, row.Pending)
}

func TestPendingPush_AndConfirm(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := model.NewProfile("Alice")
	e := model.NewEvent(p.ID, model.CategorySleep, time.Now())
	s.UpsertProfile(p)
	s.UpsertEvent(e)
	require.NoError(t, s.Save(ctx))
	s.DeleteEvent(e.ID)
	require.NoError(t, s.Save(ctx))

	profiles, events, err := s.PendingPush(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.Len(t, events, 1)
	assert.True(t, events[0].Deleted)

	require.NoError(t, s.ConfirmPushed(ctx, profiles, events))

	profiles, events, err = s.PendingPush(ctx)
	require.NoError(t, err)
	assert.Empty(t, profiles)
	assert.Empty(t, events)

	// the deleted event is gone for good
	_, err = s.Event(ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestApplyRemoteBatch_AdvancesTokenAtomically(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := model.NewProfile("Alice")
	e1 := model.NewEvent(p.ID, model.CategorySleep, time.Now())
	e2 := model.NewEvent(p.ID, model.CategoryDiaper, time.Now())

	err := s.ApplyRemoteBatch(ctx, "zone-1",
		[]model.CareProfile{p}, []model.CareEvent{e1, e2}, nil, "tok-1")
	require.NoError(t, err)

	token, err := s.ChangeToken(ctx, "zone-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// remote rows are not pending
	row, err := s.Event(ctx, e1.ID)
	require.NoError(t, err)
	assert.False(t, row.Pending)

	// second batch deletes one event
	err = s.ApplyRemoteBatch(ctx, "zone-1", nil, nil,
		[]Deletion{{EntityEvent, e2.ID}}, "tok-2")
	require.NoError(t, err)

	_, err = s.Event(ctx, e2.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	token, err = s.ChangeToken(ctx, "zone-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestApplyRemoteBatch_FailureKeepsToken(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetChangeToken(ctx, "zone-1", "tok-0"))

	// a cancelled context fails the transaction before commit
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	p := model.NewProfile("Alice")
	err := s.ApplyRemoteBatch(cancelled, "zone-1", []model.CareProfile{p}, nil, nil, "tok-1")
	require.Error(t, err)

	token, err := s.ChangeToken(ctx, "zone-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-0", token, "token must stay at its pre-batch value")

	_, err = s.Profile(ctx, p.ID)
	assert.ErrorIs(t, err, common.ErrNotFound, "no partial application")
}

func TestImportSnapshot_DeduplicatesById(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := model.NewProfile("Alice")
	e := model.NewEvent(p.ID, model.CategorySleep, time.Now().Add(-time.Hour))
	s.UpsertProfile(p)
	s.UpsertEvent(e)
	require.NoError(t, s.Save(ctx))

	snap := &model.Snapshot{
		FormatVersion: model.SnapshotFormatVersion,
		Profile:       p,
		Events:        []model.CareEvent{e},
	}

	added, updated, err := s.ImportSnapshot(ctx, p.ID, snap)
	require.NoError(t, err)
	assert.Zero(t, added, "re-importing the same export adds nothing")
	assert.Zero(t, updated)

	// an edited incoming copy updates in place
	edited := e.Stopped(time.Now())
	snap.Events = []model.CareEvent{edited}
	added, updated, err = s.ImportSnapshot(ctx, p.ID, snap)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 1, updated)

	events, err := s.EventsByProfile(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotNil(t, events[0].EndedAt)
}

func TestImportSnapshot_RejectsCrossProfile(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	snap := &model.Snapshot{
		FormatVersion: model.SnapshotFormatVersion,
		Profile:       model.NewProfile("Other"),
	}

	_, _, err := s.ImportSnapshot(ctx, "some-other-profile", snap)
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestShareMetadata_RoundTripAndEvict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	meta, err := s.ShareMetadata(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, meta)

	want := ShareMetadata{ProfileID: "p1", ZoneID: "z1", RootRecord: "prof-p1", ShareID: "s1", Shared: true}
	require.NoError(t, s.SetShareMetadata(ctx, want))

	meta, err = s.ShareMetadata(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, want, *meta)

	all, err := s.AllShareMetadata(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "p1")

	require.NoError(t, s.DeleteShareMetadata(ctx, "p1"))
	meta, err = s.ShareMetadata(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestSubscriptionAndDeviceIDsAreStable(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	sub1, err := s.SubscriptionID(ctx, "private")
	require.NoError(t, err)
	sub2, err := s.SubscriptionID(ctx, "private")
	require.NoError(t, err)
	assert.Equal(t, sub1, sub2)

	dev1, err := s.DeviceID(ctx)
	require.NoError(t, err)
	dev2, err := s.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev1, dev2)
	assert.NotEqual(t, dev1, sub1)
}

func TestActionState_FromStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := model.NewProfile("Alice")
	open := model.NewEvent(p.ID, model.CategorySleep, time.Now().Add(-time.Hour))
	done := model.NewEvent(p.ID, model.CategoryDiaper, time.Now().Add(-30*time.Minute))
	s.UpsertProfile(p)
	s.UpsertEvent(open)
	s.UpsertEvent(done)
	require.NoError(t, s.Save(ctx))

	state, err := s.ActionState(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, state.Active, model.CategorySleep)
	require.Len(t, state.History, 1)
	assert.Equal(t, done.ID, state.History[0].ID)
}
