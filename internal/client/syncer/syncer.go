// Package syncer owns the fetch-and-merge cycle between the local store and
// the remote record store. It subscribes to push notifications, debounces
// bursts into single sync passes, tracks change tokens per zone, and
// exposes a manual sync entry point with diagnostics.
//
// No polling happens here: every remote fetch is triggered by a push
// notification, a local change, or an explicit SyncNow.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/carelog/internal/client/mapper"
	"github.com/dmitrijs2005/carelog/internal/client/remote"
	"github.com/dmitrijs2005/carelog/internal/client/resolver"
	"github.com/dmitrijs2005/carelog/internal/client/store"
	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// State is the coordinator's per-attempt lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateApplying State = "applying"
	StateWaiting  State = "waiting"
	StateFailed   State = "failed"
)

// SubscriptionScope is the scope registered for zone-wide pushes.
const SubscriptionScope = "private"

const (
	defaultDebounce = 2 * time.Second
	seenPushLimit   = 256
)

// ZoneStats counts what a zone's sync passes have done.
type ZoneStats struct {
	Applied int64
	Deleted int64
	Skipped int64
	Pushed  int64
}

// Diagnostics is a read-only snapshot for operational visibility.
type Diagnostics struct {
	State                State
	LastPushAt           time.Time
	LastSyncAt           time.Time
	Zones                map[string]ZoneStats
	DroppedNotifications int64
}

// Coordinator drives synchronization. One instance per local store.
type Coordinator struct {
	store  *store.Store
	remote remote.RecordStore
	log    logging.Logger

	debounce time.Duration
	backoff  func() retry.Backoff

	mu         sync.Mutex
	state      State
	timer      *time.Timer
	seen       map[string]struct{}
	seenOrder  []string
	lastPushAt time.Time
	lastSyncAt time.Time
	zoneStats  map[string]ZoneStats

	syncMu  sync.Mutex // serializes sync passes
	trigger chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDebounce overrides the push-coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

// WithBackoff overrides the retry policy for transient remote failures.
func WithBackoff(factory func() retry.Backoff) Option {
	return func(c *Coordinator) { c.backoff = factory }
}

// New builds a Coordinator.
func New(s *store.Store, r remote.RecordStore, log logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		remote:   r,
		log:      log.With("component", "syncer"),
		debounce: defaultDebounce,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(4, retry.WithCappedDuration(30*time.Second, retry.NewFibonacci(time.Second)))
		},
		state:     StateIdle,
		seen:      make(map[string]struct{}),
		zoneStats: make(map[string]ZoneStats),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes pushes and local changes until ctx is cancelled. It first
// makes sure the zone-wide subscription exists, reusing the persisted
// subscription identifier so restarts never register duplicates.
func (c *Coordinator) Run(ctx context.Context, pushes <-chan remote.PushNotification) error {
	if err := c.ensureSubscription(ctx); err != nil {
		// not fatal: pushes may be missing, but manual sync still works
		c.log.Warn(ctx, "subscription registration failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-pushes:
			if !ok {
				return nil
			}
			c.HandlePush(ctx, n)

		case ev := <-c.store.Notifications():
			// only locally-originated changes need a push; applying a
			// remote batch must not trigger another cycle
			if ev.Origin == store.OriginLocal || ev.Origin == store.OriginImport {
				c.schedule()
			}

		case <-c.trigger:
			if err := c.SyncNow(ctx); err != nil {
				c.log.Error(ctx, "sync pass failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) ensureSubscription(ctx context.Context) error {
	subID, err := c.store.SubscriptionID(ctx, SubscriptionScope)
	if err != nil {
		return err
	}
	effective, err := c.remote.EnsureSubscription(ctx, SubscriptionScope, subID)
	if err != nil {
		return err
	}
	c.log.Info(ctx, "subscription ensured", "subscription", effective)
	return nil
}

// HandlePush deduplicates a push by its notification identifier and
// schedules a debounced sync pass.
func (c *Coordinator) HandlePush(ctx context.Context, n remote.PushNotification) {
	c.mu.Lock()
	if _, dup := c.seen[n.ID]; dup {
		c.mu.Unlock()
		c.log.Debug(ctx, "duplicate push ignored", "id", n.ID)
		return
	}
	c.seen[n.ID] = struct{}{}
	c.seenOrder = append(c.seenOrder, n.ID)
	if len(c.seenOrder) > seenPushLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	c.lastPushAt = time.Now()
	c.mu.Unlock()

	c.log.Debug(ctx, "push received", "id", n.ID, "zone", n.ZoneID)
	c.schedule()
}

// schedule arms (or re-arms) the debounce timer. A burst of pushes or
// local edits collapses into one sync pass; re-arming supersedes the
// previous pending request.
func (c *Coordinator) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		select {
		case c.trigger <- struct{}{}:
		default:
		}
	})
}

// SyncNow runs a full push-then-fetch pass over every known zone. Passes
// are serialized; transient remote failures are retried with capped
// backoff before the pass is declared failed.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		c.setState(StateFetching)
		err := c.syncPass(ctx)
		if errors.Is(err, common.ErrUnavailable) {
			c.setState(StateWaiting)
			return retry.RetryableError(err)
		}
		return err
	})

	if err != nil {
		// stays failed until the next pass starts, so diagnostics taken
		// between attempts see the terminal state
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.lastSyncAt = time.Now()
	c.mu.Unlock()
	c.setState(StateIdle)
	return nil
}

// SyncZone syncs a single zone (used right after accepting a share).
func (c *Coordinator) SyncZone(ctx context.Context, zoneID string) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	defer c.setState(StateIdle)
	return c.fetchZone(ctx, zoneID)
}

func (c *Coordinator) syncPass(ctx context.Context) error {
	if err := c.pushPending(ctx); err != nil {
		return err
	}

	zones, err := c.knownZones(ctx)
	if err != nil {
		return err
	}

	for _, zone := range zones {
		if err := c.fetchZone(ctx, zone); err != nil {
			return err
		}
	}
	return nil
}

// knownZones derives the zone list: one per live local profile, plus every
// zone recorded in the share-metadata cache (zones accepted from others).
func (c *Coordinator) knownZones(ctx context.Context) ([]string, error) {
	profiles, err := c.store.Profiles(ctx)
	if err != nil {
		return nil, err
	}
	shares, err := c.store.AllShareMetadata(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{})
	var zones []string
	add := func(z string) {
		if _, ok := set[z]; !ok {
			set[z] = struct{}{}
			zones = append(zones, z)
		}
	}
	for _, p := range profiles {
		add(mapper.ZoneID(p.ID))
	}
	for _, meta := range shares {
		add(meta.ZoneID)
	}
	return zones, nil
}

// pushPending maps locally pending rows to wire records and uploads them,
// then clears their pending flags. Grouped per zone so a failing zone does
// not block the others' bookkeeping.
func (c *Coordinator) pushPending(ctx context.Context) error {
	profiles, events, err := c.store.PendingPush(ctx)
	if err != nil {
		return err
	}
	if len(profiles) == 0 && len(events) == 0 {
		return nil
	}

	type zoneBatch struct {
		saves    []remote.Record
		deletes  []string
		profiles []store.ProfileRow
		events   []store.EventRow
	}
	batches := make(map[string]*zoneBatch)
	get := func(zone string) *zoneBatch {
		b, ok := batches[zone]
		if !ok {
			b = &zoneBatch{}
			batches[zone] = b
		}
		return b
	}

	for _, pr := range profiles {
		zone := mapper.ZoneID(pr.Profile.ID)
		b := get(zone)
		b.profiles = append(b.profiles, pr)
		if pr.Deleted {
			b.deletes = append(b.deletes, mapper.ProfileRecordName(pr.Profile.ID))
			continue
		}
		b.saves = append(b.saves, mapper.ProfileToRecord(pr.Profile))
	}
	for _, er := range events {
		zone := mapper.ZoneID(er.Event.ProfileID)
		b := get(zone)
		b.events = append(b.events, er)
		if er.Deleted {
			b.deletes = append(b.deletes, mapper.EventRecordName(er.Event.ID))
			continue
		}
		b.saves = append(b.saves, mapper.EventToRecord(er.Event))
	}

	for zone, b := range batches {
		if err := c.remote.EnsureZone(ctx, zone); err != nil {
			return fmt.Errorf("ensure zone %s: %w", zone, err)
		}
		if len(b.saves) > 0 {
			if err := c.remote.SaveRecords(ctx, zone, b.saves); err != nil {
				return fmt.Errorf("push records to %s: %w", zone, err)
			}
		}
		if len(b.deletes) > 0 {
			if err := c.remote.DeleteRecords(ctx, zone, b.deletes); err != nil && !errors.Is(err, common.ErrNotFound) {
				return fmt.Errorf("push deletions to %s: %w", zone, err)
			}
		}
		if err := c.store.ConfirmPushed(ctx, b.profiles, b.events); err != nil {
			return err
		}

		c.addStats(zone, func(zs *ZoneStats) { zs.Pushed += int64(len(b.saves) + len(b.deletes)) })
		c.log.Info(ctx, "pushed local changes", "zone", zone,
			"saved", len(b.saves), "deleted", len(b.deletes))
	}
	return nil
}

// fetchZone drains a zone's change feed from the stored token. Each batch
// is applied atomically together with its advanced token; a failure leaves
// the token untouched so the same batch is re-fetched next pass.
func (c *Coordinator) fetchZone(ctx context.Context, zoneID string) error {
	for {
		c.setState(StateFetching)

		token, err := c.store.ChangeToken(ctx, zoneID)
		if err != nil {
			return err
		}

		batch, err := c.remote.Changes(ctx, zoneID, token)
		if errors.Is(err, common.ErrNotFound) {
			// zone disappeared remotely (share revoked or never pushed);
			// nothing to fetch
			c.log.Warn(ctx, "zone missing remotely", "zone", zoneID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch changes for %s: %w", zoneID, err)
		}

		c.setState(StateApplying)
		if err := c.applyBatch(ctx, zoneID, batch); err != nil {
			return err
		}

		if !batch.More {
			return nil
		}
	}
}

func (c *Coordinator) applyBatch(ctx context.Context, zoneID string, batch *remote.ChangeBatch) error {
	var (
		profiles []model.CareProfile
		events   []model.CareEvent
		skipped  int64
	)

	for _, rec := range batch.Records {
		switch rec.Type {
		case remote.RecordTypeProfile:
			p, err := mapper.RecordToProfile(rec)
			if err != nil {
				skipped++
				c.log.Warn(ctx, "skipping malformed profile record", "record", rec.Name, "error", err)
				continue
			}
			local, err := c.store.Profile(ctx, p.ID)
			if err == nil && !p.UpdatedAt.After(local.UpdatedAt) {
				skipped++
				continue
			}
			if err != nil && !errors.Is(err, common.ErrNotFound) {
				return err
			}
			// keep local-only sharing state: the wire record does not
			// carry the viewer's permission or share status
			if local != nil {
				p.Permission = local.Permission
				p.ShareStatus = local.ShareStatus
			}
			profiles = append(profiles, p)

		case remote.RecordTypeEvent:
			e, err := mapper.RecordToEvent(rec)
			if err != nil {
				skipped++
				c.log.Warn(ctx, "skipping malformed event record", "record", rec.Name, "error", err)
				continue
			}
			row, err := c.store.Event(ctx, e.ID)
			if errors.Is(err, common.ErrNotFound) {
				events = append(events, e)
				continue
			}
			if err != nil {
				return err
			}
			if resolver.Resolve(row.Event, e) == resolver.WinnerRemote {
				events = append(events, e)
			} else {
				skipped++
			}

		default:
			skipped++
			c.log.Warn(ctx, "skipping record of unknown type", "record", rec.Name, "type", rec.Type)
		}
	}

	var deletions []store.Deletion
	for _, name := range batch.Deleted {
		if id := mapper.EventIDFromRecordName(name); id != "" {
			deletions = append(deletions, store.Deletion{Entity: store.EntityEvent, ID: id})
			continue
		}
		if id := mapper.ProfileIDFromRecordName(name); id != "" {
			deletions = append(deletions, store.Deletion{Entity: store.EntityProfile, ID: id})
			continue
		}
		c.log.Warn(ctx, "skipping deletion of unrecognized record", "record", name)
	}

	if err := c.store.ApplyRemoteBatch(ctx, zoneID, profiles, events, deletions, batch.Token); err != nil {
		return err
	}

	c.addStats(zoneID, func(zs *ZoneStats) {
		zs.Applied += int64(len(profiles) + len(events))
		zs.Deleted += int64(len(deletions))
		zs.Skipped += skipped
	})
	c.log.Info(ctx, "applied remote batch", "zone", zoneID,
		"applied", len(profiles)+len(events), "deleted", len(deletions), "skipped", skipped)
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) addStats(zone string, fn func(*ZoneStats)) {
	c.mu.Lock()
	zs := c.zoneStats[zone]
	fn(&zs)
	c.zoneStats[zone] = zs
	c.mu.Unlock()
}

// Diagnostics returns a point-in-time snapshot of the coordinator's
// observability counters.
func (c *Coordinator) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()

	zones := make(map[string]ZoneStats, len(c.zoneStats))
	for k, v := range c.zoneStats {
		zones[k] = v
	}
	return Diagnostics{
		State:                c.state,
		LastPushAt:           c.lastPushAt,
		LastSyncAt:           c.lastSyncAt,
		Zones:                zones,
		DroppedNotifications: c.store.DroppedNotifications(),
	}
}
