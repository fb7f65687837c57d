package storage

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/carelog/internal/common"
)

const (
	owner  = "user-owner"
	friend = "user-friend"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	return New("https://carelog.example.test")
}

func rec(name string, payload string) Record {
	raw := fmt.Sprintf(`{"name":%q,"type":"CareEvent","zone_id":"z1","fields":{"id":%q,"note":%q}}`, name, name, payload)
	return Record{Name: name, Raw: json.RawMessage(raw)}
}

func TestEnsureZone_IdempotentForOwnerConflictForOthers(t *testing.T) {
	s := newStorage(t)

	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.EnsureZone(owner, "z1"))
	assert.ErrorIs(t, s.EnsureZone(friend, "z1"), common.ErrConflict)
}

func TestChanges_TokenAdvancesAndResumes(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))

	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("a", "1"), rec("b", "1")}))

	records, deleted, token, more, err := s.Changes(owner, "z1", "")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Empty(t, deleted)
	assert.False(t, more)
	require.NotEmpty(t, token)

	// nothing new: same token comes back with an empty page
	records, deleted, token2, _, err := s.Changes(owner, "z1", token)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, deleted)
	assert.Equal(t, token, token2)

	// a later write is visible only after the token
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("c", "1")}))
	records, _, token3, _, err := s.Changes(owner, "z1", token)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, token, token3)
}

func TestChanges_RewrittenRecordAppearsOnceInLatestState(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))

	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("a", "old")}))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("a", "new")}))

	records, _, _, _, err := s.Changes(owner, "z1", "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, string(records[0]), "new")
}

func TestChanges_ReportsDeletions(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("a", "1"), rec("b", "1")}))

	_, _, token, _, err := s.Changes(owner, "z1", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteRecords(owner, "z1", []string{"a", "never-existed"}))

	records, deleted, _, _, err := s.Changes(owner, "z1", token)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, []string{"a"}, deleted)
}

func TestChanges_RejectsForeignToken(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.EnsureZone(owner, "z2"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("a", "1")}))

	_, _, token, _, err := s.Changes(owner, "z1", "")
	require.NoError(t, err)

	_, _, _, _, err = s.Changes(owner, "z2", token)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, _, _, _, err = s.Changes(owner, "z1", "not!base64!")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestChanges_PagesLargeBacklogs(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))

	batch := make([]Record, changesPageSize+10)
	for i := range batch {
		batch[i] = rec(fmt.Sprintf("r%03d", i), "x")
	}
	require.NoError(t, s.SaveRecords(owner, "z1", batch))

	records, _, token, more, err := s.Changes(owner, "z1", "")
	require.NoError(t, err)
	assert.Len(t, records, changesPageSize)
	assert.True(t, more)

	records, _, _, more, err = s.Changes(owner, "z1", token)
	require.NoError(t, err)
	assert.Len(t, records, 10)
	assert.False(t, more)
}

func TestShare_CreateIsIdempotentPerZone(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("root", "1")}))

	first, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)
	assert.NotEmpty(t, first.InviteToken)
	assert.Contains(t, first.URL, first.InviteToken)

	second, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestShare_CreateRequiresExistingRoot(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))

	_, err := s.CreateShare(owner, "z1", "missing-root")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAcceptShare_GrantsZoneAccessAndListsAcceptorFirst(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("root", "1")}))
	share, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)

	// before accepting, the friend cannot touch the zone
	_, _, _, _, err = s.Changes(friend, "z1", "")
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	accepted, err := s.AcceptShare(friend, share.InviteToken)
	require.NoError(t, err)
	require.NotEmpty(t, accepted.Participants)
	assert.Equal(t, friend, accepted.Participants[0].ID)
	assert.Equal(t, "accepted", accepted.Participants[0].Status)
	assert.Equal(t, "readonly", accepted.Participants[0].Permission)

	_, _, _, _, err = s.Changes(friend, "z1", "")
	assert.NoError(t, err)

	// read-only participants cannot write
	err = s.SaveRecords(friend, "z1", []Record{rec("x", "1")})
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestAcceptShare_OwnerCannotAcceptOwnInvite(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("root", "1")}))
	share, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)

	_, err = s.AcceptShare(owner, share.InviteToken)
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = s.AcceptShare(friend, "bogus-token")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpdateParticipant_GrantsEditAccess(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("root", "1")}))
	share, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)
	_, err = s.AcceptShare(friend, share.InviteToken)
	require.NoError(t, err)

	require.NoError(t, s.UpdateParticipant(owner, share.ID, friend, "edit"))
	assert.NoError(t, s.SaveRecords(friend, "z1", []Record{rec("x", "1")}))

	assert.ErrorIs(t, s.UpdateParticipant(owner, share.ID, "nobody", "edit"), common.ErrNotFound)
	assert.ErrorIs(t, s.UpdateParticipant(friend, share.ID, friend, "edit"), common.ErrUnauthorized)
}

func TestRemoveParticipant_RevokesAccess(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("root", "1")}))
	share, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)
	_, err = s.AcceptShare(friend, share.InviteToken)
	require.NoError(t, err)

	require.NoError(t, s.RemoveParticipant(owner, share.ID, friend))
	_, _, _, _, err = s.Changes(friend, "z1", "")
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	assert.ErrorIs(t, s.RemoveParticipant(owner, share.ID, friend), common.ErrNotFound)
}

func TestDeleteZone_TearsDownShare(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("root", "1")}))
	share, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)

	require.NoError(t, s.DeleteZone(owner, "z1"))

	_, err = s.ResolveShare(owner, share.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.AcceptShare(friend, share.InviteToken)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestZoneAudience(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.EnsureZone(owner, "z1"))
	require.NoError(t, s.SaveRecords(owner, "z1", []Record{rec("root", "1")}))

	assert.Equal(t, []string{owner}, s.ZoneAudience("z1"))

	share, err := s.CreateShare(owner, "z1", "root")
	require.NoError(t, err)
	_, err = s.AcceptShare(friend, share.InviteToken)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{owner, friend}, s.ZoneAudience("z1"))
	assert.Empty(t, s.ZoneAudience("no-such-zone"))
}

func TestEnsureSubscription_ReusesExisting(t *testing.T) {
	s := newStorage(t)

	id, err := s.EnsureSubscription(owner, "zone-wide", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)

	id, err = s.EnsureSubscription(owner, "zone-wide", "sub-2")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id, "first registration wins")

	id, err = s.EnsureSubscription(friend, "zone-wide", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id, "empty subscription ID gets minted")
}
