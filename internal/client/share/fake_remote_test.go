package share

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dmitrijs2005/carelog/internal/client/remote"
	"github.com/dmitrijs2005/carelog/internal/common"
)

// fakeRemote is an in-memory record store with working shares, so the full
// create/resolve/accept lifecycle can be exercised without a server.
type fakeRemote struct {
	mu     sync.Mutex
	zones  map[string]*fakeZone
	shares map[string]*remote.Share
	tokens map[string]string // invite token -> share id

	nextShare        int
	createShareCalls int
	resolveErr       error // injected failure for ResolveShare

	// permission granted to accepting participants
	acceptPermission string
}

type fakeZone struct {
	records map[string]remote.Record
	seq     int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		zones:            make(map[string]*fakeZone),
		shares:           make(map[string]*remote.Share),
		tokens:           make(map[string]string),
		acceptPermission: "readonly",
	}
}

func (f *fakeRemote) zone(id string) *fakeZone {
	z, ok := f.zones[id]
	if !ok {
		z = &fakeZone{records: make(map[string]remote.Record)}
		f.zones[id] = z
	}
	return z
}

func (f *fakeRemote) EnsureZone(ctx context.Context, zoneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zone(zoneID)
	return nil
}

func (f *fakeRemote) DeleteZone(ctx context.Context, zoneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.zones[zoneID]; !ok {
		return common.ErrNotFound
	}
	delete(f.zones, zoneID)
	return nil
}

func (f *fakeRemote) SaveRecords(ctx context.Context, zoneID string, records []remote.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zone(zoneID)
	for _, r := range records {
		z.records[r.Name] = r
		z.seq++
	}
	return nil
}

func (f *fakeRemote) DeleteRecords(ctx context.Context, zoneID string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zone(zoneID)
	for _, name := range names {
		delete(z.records, name)
		z.seq++
	}
	return nil
}

func (f *fakeRemote) FetchRecord(ctx context.Context, zoneID, name string) (*remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zones[zoneID]
	if !ok {
		return nil, common.ErrNotFound
	}
	r, ok := z.records[name]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &r, nil
}

// Changes returns the zone's entire current contents in one batch; enough
// for the token-less initial fetch the acceptor performs.
func (f *fakeRemote) Changes(ctx context.Context, zoneID, sinceToken string) (*remote.ChangeBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zones[zoneID]
	if !ok {
		return nil, common.ErrNotFound
	}
	batch := &remote.ChangeBatch{Token: strconv.FormatInt(z.seq, 10)}
	for _, r := range z.records {
		batch.Records = append(batch.Records, r)
	}
	return batch, nil
}

func (f *fakeRemote) CreateShare(ctx context.Context, zoneID, rootRecord string) (*remote.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createShareCalls++
	f.nextShare++
	id := fmt.Sprintf("share-%d", f.nextShare)
	invite := fmt.Sprintf("invite-%d", f.nextShare)
	s := &remote.Share{
		ID:          id,
		ZoneID:      zoneID,
		RootRecord:  rootRecord,
		URL:         "https://example.test/s/" + id,
		InviteToken: invite,
	}
	f.shares[id] = s
	f.tokens[invite] = id
	return s, nil
}

func (f *fakeRemote) ResolveShare(ctx context.Context, shareID string) (*remote.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	s, ok := f.shares[shareID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRemote) DeleteShare(ctx context.Context, shareID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shares[shareID]
	if !ok {
		return common.ErrNotFound
	}
	delete(f.tokens, s.InviteToken)
	delete(f.shares, shareID)
	return nil
}

// AcceptShare registers the caller as a participant and returns the share
// with the caller's own participant entry first.
func (f *fakeRemote) AcceptShare(ctx context.Context, inviteToken string) (*remote.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[inviteToken]
	if !ok {
		return nil, common.ErrNotFound
	}
	s := f.shares[id]
	p := remote.Participant{
		ID:         fmt.Sprintf("participant-%d", len(s.Participants)+1),
		Permission: f.acceptPermission,
		Status:     "accepted",
	}
	s.Participants = append(s.Participants, p)

	cp := *s
	cp.Participants = []remote.Participant{p}
	return &cp, nil
}

func (f *fakeRemote) UpdateParticipant(ctx context.Context, shareID, participantID, permission string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shares[shareID]
	if !ok {
		return common.ErrNotFound
	}
	for i := range s.Participants {
		if s.Participants[i].ID == participantID {
			s.Participants[i].Permission = permission
			return nil
		}
	}
	return common.ErrParticipantNotFound
}

func (f *fakeRemote) RemoveParticipant(ctx context.Context, shareID, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shares[shareID]
	if !ok {
		return common.ErrNotFound
	}
	for i := range s.Participants {
		if s.Participants[i].ID == participantID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return nil
		}
	}
	return common.ErrParticipantNotFound
}

func (f *fakeRemote) EnsureSubscription(ctx context.Context, scope, subscriptionID string) (string, error) {
	return subscriptionID, nil
}
