package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dmitrijs2005/carelog/internal/client/remote"
	"github.com/dmitrijs2005/carelog/internal/common"
)

// fakeRemote is an in-memory record store with a real per-zone change feed,
// so conflict and convergence behavior can be exercised without a server.
type fakeRemote struct {
	mu    sync.Mutex
	zones map[string]*fakeZone

	changesErr error // injected failure for Changes
	saveErr    error // injected failure for SaveRecords

	subscriptions map[string]string
}

type feedEntry struct {
	seq     int64
	name    string
	deleted bool
}

type fakeZone struct {
	records map[string]remote.Record
	feed    []feedEntry
	seq     int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		zones:         make(map[string]*fakeZone),
		subscriptions: make(map[string]string),
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
	if f.saveErr != nil {
		return f.saveErr
	}
	z := f.zone(zoneID)
	for _, r := range records {
		z.records[r.Name] = r
		z.seq++
		z.feed = append(z.feed, feedEntry{seq: z.seq, name: r.Name})
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
		z.feed = append(z.feed, feedEntry{seq: z.seq, name: name, deleted: true})
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

func (f *fakeRemote) Changes(ctx context.Context, zoneID, sinceToken string) (*remote.ChangeBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	z, ok := f.zones[zoneID]
	if !ok {
		return nil, common.ErrNotFound
	}

	var since int64
	if sinceToken != "" {
		v, err := strconv.ParseInt(sinceToken, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad token", common.ErrValidation)
		}
		since = v
	}

	batch := &remote.ChangeBatch{Token: strconv.FormatInt(z.seq, 10)}
	seenDeleted := make(map[string]bool)
	seenSaved := make(map[string]bool)
	// newest state per name only, walking the feed backwards
	for i := len(z.feed) - 1; i >= 0; i-- {
		e := z.feed[i]
		if e.seq <= since {
			break
		}
		if seenDeleted[e.name] || seenSaved[e.name] {
			continue
		}
		if e.deleted {
			seenDeleted[e.name] = true
			batch.Deleted = append(batch.Deleted, e.name)
			continue
		}
		seenSaved[e.name] = true
		if r, ok := z.records[e.name]; ok {
			batch.Records = append(batch.Records, r)
		}
	}
	return batch, nil
}

func (f *fakeRemote) CreateShare(ctx context.Context, zoneID, rootRecord string) (*remote.Share, error) {
	return nil, common.ErrNotFound
}

func (f *fakeRemote) ResolveShare(ctx context.Context, shareID string) (*remote.Share, error) {
	return nil, common.ErrNotFound
}

func (f *fakeRemote) DeleteShare(ctx context.Context, shareID string) error { return nil }

func (f *fakeRemote) AcceptShare(ctx context.Context, inviteToken string) (*remote.Share, error) {
	return nil, common.ErrNotFound
}

func (f *fakeRemote) UpdateParticipant(ctx context.Context, shareID, participantID, permission string) error {
	return common.ErrParticipantNotFound
}

func (f *fakeRemote) RemoveParticipant(ctx context.Context, shareID, participantID string) error {
	return common.ErrParticipantNotFound
}

func (f *fakeRemote) EnsureSubscription(ctx context.Context, scope, subscriptionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.subscriptions[scope]; ok {
		return existing, nil
	}
	f.subscriptions[scope] = subscriptionID
	return subscriptionID, nil
}
