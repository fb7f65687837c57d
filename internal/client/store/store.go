// Package store is the single point of read/write access to the on-device
// database. Mutations are staged in memory and committed in one transaction
// by Save, so bursts of rapid logging coalesce into few physical commits.
// Every commit emits change notifications for the sync coordinator and
// in-memory caches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/carelog/internal/client/resolver"
	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/dbx"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// Entity names the two persisted entity kinds.
type Entity string

const (
	EntityProfile Entity = "profile"
	EntityEvent   Entity = "event"
)

// Op is what happened to an entity.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Origin says which path produced a change. The sync coordinator pushes
// only locally-originated changes back out, so remote merges don't echo.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginImport Origin = "import"
)

// ChangeEvent is one committed mutation.
type ChangeEvent struct {
	Entity Entity
	ID     string
	Op     Op
	Origin Origin
}

// Deletion identifies an entity removed on the remote side.
type Deletion struct {
	Entity Entity
	ID     string
}

type stageKey struct {
	entity Entity
	id     string
}

type stagedOp struct {
	op      Op
	profile *model.CareProfile
	event   *model.CareEvent
}

// Store is the local store adapter. All writers go through it; its mutex
// is the single-owner discipline that keeps concurrent UI edits and
// background merges serialized.
type Store struct {
	db  *sql.DB
	log logging.Logger

	mu     sync.Mutex
	staged map[stageKey]stagedOp

	notify  chan ChangeEvent
	dropped atomic.Int64

	profiles *ProfileRepo
	events   *EventRepo
	kv       *KVRepo
}

// New wraps an opened local database.
func New(db *sql.DB, log logging.Logger) *Store {
	return &Store{
		db:       db,
		log:      log.With("component", "store"),
		staged:   make(map[stageKey]stagedOp),
		notify:   make(chan ChangeEvent, 256),
		profiles: NewProfileRepo(db),
		events:   NewEventRepo(db),
		kv:       NewKVRepo(db),
	}
}

// Notifications streams committed changes. The channel is buffered; if a
// consumer stalls, notifications are dropped and counted rather than
// blocking commits.
func (s *Store) Notifications() <-chan ChangeEvent { return s.notify }

// DroppedNotifications reports how many notifications were discarded.
func (s *Store) DroppedNotifications() int64 { return s.dropped.Load() }

// UpsertProfile stages a profile write.
func (s *Store) UpsertProfile(p model.CareProfile) {
	p = p.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[stageKey{EntityProfile, p.ID}] = stagedOp{op: OpUpsert, profile: &p}
}

// DeleteProfile stages a profile deletion (cascades to its events on save).
func (s *Store) DeleteProfile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[stageKey{EntityProfile, id}] = stagedOp{op: OpDelete}
}

// UpsertEvent stages an event write. The date-validation rule runs here so
// local writes and remote merges persist identical shapes.
func (s *Store) UpsertEvent(e model.CareEvent) {
	e = e.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[stageKey{EntityEvent, e.ID}] = stagedOp{op: OpUpsert, event: &e}
}

// DeleteEvent stages an event deletion.
func (s *Store) DeleteEvent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[stageKey{EntityEvent, id}] = stagedOp{op: OpDelete}
}

// HasPendingChanges reports whether Save has anything to commit.
func (s *Store) HasPendingChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged) > 0
}

// Save commits all staged mutations in one transaction. With nothing
// staged it is a no-op and performs no storage commit. On failure the
// staged set is kept so the caller may retry.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	if len(s.staged) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.staged
	s.staged = make(map[stageKey]stagedOp)
	s.mu.Unlock()

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		profiles := NewProfileRepo(tx)
		events := NewEventRepo(tx)

		for key, op := range batch {
			switch {
			case key.entity == EntityProfile && op.op == OpUpsert:
				if err := profiles.Upsert(ctx, *op.profile, true); err != nil {
					return err
				}
			case key.entity == EntityProfile && op.op == OpDelete:
				if err := profiles.MarkDeleted(ctx, key.id); err != nil {
					return err
				}
				if err := events.MarkDeletedByProfile(ctx, key.id); err != nil {
					return err
				}
			case key.entity == EntityEvent && op.op == OpUpsert:
				if err := events.Upsert(ctx, *op.event, true); err != nil {
					return err
				}
			case key.entity == EntityEvent && op.op == OpDelete:
				if err := events.MarkDeleted(ctx, key.id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		// restage so the mutations are not lost; newer staged entries win
		s.mu.Lock()
		for key, op := range batch {
			if _, exists := s.staged[key]; !exists {
				s.staged[key] = op
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("save: %w", err)
	}

	for key, op := range batch {
		s.emit(ChangeEvent{Entity: key.entity, ID: key.id, Op: op.op, Origin: OriginLocal})
	}
	return nil
}

func (s *Store) emit(ev ChangeEvent) {
	select {
	case s.notify <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Profile reads one profile. Deleted profiles report ErrNotFound.
func (s *Store) Profile(ctx context.Context, id string) (*model.CareProfile, error) {
	row, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Deleted {
		return nil, common.ErrNotFound
	}
	p := row.Profile
	return &p, nil
}

// Profiles lists live profiles.
func (s *Store) Profiles(ctx context.Context) ([]model.CareProfile, error) {
	return s.profiles.GetAll(ctx)
}

// Event reads one event row (including soft-deleted rows, which the sync
// merge needs to see).
func (s *Store) Event(ctx context.Context, id string) (*EventRow, error) {
	return s.events.GetByID(ctx, id)
}

// EventsByProfile lists a profile's live events, newest first.
func (s *Store) EventsByProfile(ctx context.Context, profileID string) ([]model.CareEvent, error) {
	return s.events.GetByProfile(ctx, profileID)
}

// ActionState computes the derived projection for a profile.
func (s *Store) ActionState(ctx context.Context, profileID string) (model.ActionState, error) {
	events, err := s.events.GetByProfile(ctx, profileID)
	if err != nil {
		return model.ActionState{}, err
	}
	return model.BuildActionState(events), nil
}

// PendingPush collects everything awaiting a push to the remote store.
func (s *Store) PendingPush(ctx context.Context) (profiles []ProfileRow, events []EventRow, err error) {
	profiles, err = s.profiles.GetPending(ctx)
	if err != nil {
		return nil, nil, err
	}
	events, err = s.events.GetPending(ctx)
	if err != nil {
		return nil, nil, err
	}
	return profiles, events, nil
}

// ConfirmPushed clears pending flags for upserts and purges soft-deleted
// rows whose remote deletion has been confirmed, all in one transaction.
func (s *Store) ConfirmPushed(ctx context.Context, profiles []ProfileRow, events []EventRow) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		profileRepo := NewProfileRepo(tx)
		eventRepo := NewEventRepo(tx)

		for _, pr := range profiles {
			if pr.Deleted {
				if err := profileRepo.Purge(ctx, pr.Profile.ID); err != nil {
					return err
				}
				continue
			}
			if err := profileRepo.ClearPending(ctx, pr.Profile.ID); err != nil {
				return err
			}
		}
		for _, er := range events {
			if er.Deleted {
				if err := eventRepo.Purge(ctx, er.Event.ID); err != nil {
					return err
				}
				continue
			}
			if err := eventRepo.ClearPending(ctx, er.Event.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyRemoteBatch writes one fetched change batch and the zone's advanced
// change token atomically. If anything fails, the token stays put and the
// next sync re-fetches the same batch (at-least-once application).
func (s *Store) ApplyRemoteBatch(ctx context.Context, zoneID string,
	profiles []model.CareProfile, events []model.CareEvent,
	deletions []Deletion, token string) error {

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		profileRepo := NewProfileRepo(tx)
		eventRepo := NewEventRepo(tx)
		kv := NewKVRepo(tx)

		for _, p := range profiles {
			if err := profileRepo.Upsert(ctx, p, false); err != nil {
				return err
			}
		}
		for _, e := range events {
			if err := eventRepo.Upsert(ctx, e, false); err != nil {
				return err
			}
		}
		for _, d := range deletions {
			switch d.Entity {
			case EntityProfile:
				if err := profileRepo.Purge(ctx, d.ID); err != nil {
					return err
				}
				if err := eventRepo.PurgeByProfile(ctx, d.ID); err != nil {
					return err
				}
			case EntityEvent:
				if err := eventRepo.Purge(ctx, d.ID); err != nil {
					return err
				}
			}
		}

		return kv.Set(ctx, changeTokenKey(zoneID), []byte(token))
	})
	if err != nil {
		return fmt.Errorf("apply remote batch for zone %s: %w", zoneID, err)
	}

	for _, p := range profiles {
		s.emit(ChangeEvent{Entity: EntityProfile, ID: p.ID, Op: OpUpsert, Origin: OriginRemote})
	}
	for _, e := range events {
		s.emit(ChangeEvent{Entity: EntityEvent, ID: e.ID, Op: OpUpsert, Origin: OriginRemote})
	}
	for _, d := range deletions {
		s.emit(ChangeEvent{Entity: d.Entity, ID: d.ID, Op: OpDelete, Origin: OriginRemote})
	}
	return nil
}

// ImportSnapshot merges an exported snapshot into the given profile.
// Cross-profile imports are rejected to prevent accidental data mixing.
// Existing events are updated only when the resolver prefers the incoming
// version; duplicates are never appended.
func (s *Store) ImportSnapshot(ctx context.Context, activeProfileID string, snap *model.Snapshot) (added, updated int, err error) {
	if snap.Profile.ID != activeProfileID {
		return 0, 0, fmt.Errorf("%w: snapshot belongs to profile %s, active profile is %s",
			common.ErrConflict, snap.Profile.ID, activeProfileID)
	}

	var toEmit []ChangeEvent
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		eventRepo := NewEventRepo(tx)

		for _, incoming := range snap.Events {
			incoming = incoming.Normalized()
			incoming.ProfileID = activeProfileID

			existing, err := eventRepo.GetByID(ctx, incoming.ID)
			if errors.Is(err, common.ErrNotFound) {
				if err := eventRepo.Upsert(ctx, incoming, true); err != nil {
					return err
				}
				added++
				toEmit = append(toEmit, ChangeEvent{EntityEvent, incoming.ID, OpUpsert, OriginImport})
				continue
			}
			if err != nil {
				return err
			}

			// same-timestamp copies are the dedup case: keep the stored
			// row untouched so re-imports stay no-ops
			if incoming.UpdatedAt.Equal(existing.Event.UpdatedAt) {
				continue
			}
			if resolver.Resolve(existing.Event, incoming) == resolver.WinnerRemote {
				if err := eventRepo.Upsert(ctx, incoming, true); err != nil {
					return err
				}
				updated++
				toEmit = append(toEmit, ChangeEvent{EntityEvent, incoming.ID, OpUpsert, OriginImport})
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("import snapshot: %w", err)
	}

	for _, ev := range toEmit {
		s.emit(ev)
	}
	return added, updated, nil
}

const (
	changeTokenPrefix  = "token/"
	shareMetaPrefix    = "share/"
	subscriptionPrefix = "sub/"
	deviceIDKey        = "device_id"
)

func changeTokenKey(zoneID string) string { return changeTokenPrefix + zoneID }

// ChangeToken returns the persisted change token for a zone, or "" if the
// zone has never been synced.
func (s *Store) ChangeToken(ctx context.Context, zoneID string) (string, error) {
	v, err := s.kv.Get(ctx, changeTokenKey(zoneID))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SetChangeToken persists a zone's change token outside a batch apply
// (used by the token-less full fetch during share acceptance).
func (s *Store) SetChangeToken(ctx context.Context, zoneID, token string) error {
	return s.kv.Set(ctx, changeTokenKey(zoneID), []byte(token))
}

// SubscriptionID returns the persisted subscription identifier for a scope,
// minting and persisting a fresh one on first use so re-registration is
// idempotent across restarts.
func (s *Store) SubscriptionID(ctx context.Context, scope string) (string, error) {
	key := subscriptionPrefix + scope
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if len(v) > 0 {
		return string(v), nil
	}
	id := uuid.NewString()
	if err := s.kv.Set(ctx, key, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

// DeviceID returns this installation's stable device identifier.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	v, err := s.kv.Get(ctx, deviceIDKey)
	if err != nil {
		return "", err
	}
	if len(v) > 0 {
		return string(v), nil
	}
	id := uuid.NewString()
	if err := s.kv.Set(ctx, deviceIDKey, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
