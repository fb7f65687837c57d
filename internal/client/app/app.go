// Package app wires the client together: local store, remote record store,
// push listener, sync coordinator, sharing manager and share acceptor.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/carelog/internal/client/config"
	"github.com/dmitrijs2005/carelog/internal/client/peer"
	"github.com/dmitrijs2005/carelog/internal/client/remote"
	"github.com/dmitrijs2005/carelog/internal/client/share"
	"github.com/dmitrijs2005/carelog/internal/client/store"
	"github.com/dmitrijs2005/carelog/internal/client/syncer"
	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// App holds the client's wired components.
type App struct {
	cfg *config.Config
	log logging.Logger
	db  *sql.DB

	Store    *store.Store
	Remote   remote.RecordStore
	Syncer   *syncer.Coordinator
	Shares   *share.Manager
	Acceptor *share.Acceptor
	Peer     *peer.Session

	push *remote.PushListener
}

// NewApp opens the local database and builds every component from cfg.
func NewApp(cfg *config.Config) (*App, error) {
	ctx := context.Background()
	log := logging.NewJSON(os.Stderr)

	db, err := store.OpenDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	st := store.New(db, log)
	rs := remote.NewHTTPStore(cfg.ServerEndpointAddr, cfg.AccessToken)

	a := &App{
		cfg:      cfg,
		log:      log,
		db:       db,
		Store:    st,
		Remote:   rs,
		Syncer:   syncer.New(st, rs, log, syncer.WithDebounce(cfg.SyncDebounce)),
		Shares:   share.NewManager(st, rs, log),
		Acceptor: share.NewAcceptor(st, rs, log),
		push:     remote.NewPushListener(cfg.ServerEndpointAddr, cfg.AccessToken, log),
	}

	a.Peer = peer.NewSession(
		peer.Identity{
			DisplayName:          cfg.PeerDisplayName,
			AppVersion:           common.AppVersion,
			SupportsFileTransfer: true,
		},
		log,
		a.ingestPeerSnapshot,
		a.ingestPeerDelta,
	)

	return a, nil
}

// Close releases the local database.
func (a *App) Close() error {
	return a.db.Close()
}

// Run starts the push listener and the sync coordinator and blocks until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.push.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := a.Syncer.Run(ctx, a.push.Notifications())
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	})

	return g.Wait()
}

// SyncOnce performs one manual sync pass.
func (a *App) SyncOnce(ctx context.Context) error {
	return a.Syncer.SyncNow(ctx)
}

// ExportProfile writes a snapshot of the profile and its events to w.
func (a *App) ExportProfile(ctx context.Context, profileID string, w io.Writer) error {
	profile, err := a.Store.Profile(ctx, profileID)
	if err != nil {
		return err
	}
	events, err := a.Store.EventsByProfile(ctx, profileID)
	if err != nil {
		return err
	}

	data, err := model.ExportSnapshot(*profile, events)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ImportSnapshot reads a snapshot from r and merges it into the given
// profile. With an empty profileID the snapshot's own profile is used,
// creating it locally if it does not exist yet.
func (a *App) ImportSnapshot(ctx context.Context, profileID string, r io.Reader) (added, updated int, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := model.ParseSnapshot(data)
	if err != nil {
		return 0, 0, err
	}

	if profileID == "" {
		profileID = snap.Profile.ID
	}
	if err := a.ensureProfile(ctx, snap.Profile); err != nil {
		return 0, 0, err
	}

	return a.Store.ImportSnapshot(ctx, profileID, snap)
}

// AcceptShares processes invitation tokens and triggers an immediate sync
// of the newly known zones.
func (a *App) AcceptShares(ctx context.Context, tokens []string) ([]string, error) {
	accepted, err := a.Acceptor.AcceptShares(ctx, tokens)
	if len(accepted) > 0 {
		if syncErr := a.Syncer.SyncNow(ctx); syncErr != nil && err == nil {
			err = syncErr
		}
	}
	return accepted, err
}

// Diagnostics reports the sync coordinator's counters.
func (a *App) Diagnostics() syncer.Diagnostics {
	return a.Syncer.Diagnostics()
}

// ingestPeerSnapshot persists a snapshot received over the peer channel.
func (a *App) ingestPeerSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := a.ensureProfile(ctx, snap.Profile); err != nil {
		return err
	}
	added, updated, err := a.Store.ImportSnapshot(ctx, snap.Profile.ID, snap)
	if err != nil {
		return err
	}
	a.log.Info(ctx, "peer snapshot ingested",
		"profile", snap.Profile.ID, "added", added, "updated", updated)
	return nil
}

// ingestPeerDelta persists an incremental event batch received over the
// peer channel, reusing the snapshot import path for its conflict rules.
func (a *App) ingestPeerDelta(ctx context.Context, profileID string, events []model.CareEvent) error {
	_, err := a.Store.Profile(ctx, profileID)
	if err != nil {
		return fmt.Errorf("peer delta for unknown profile %s: %w", profileID, err)
	}
	snap := &model.Snapshot{
		FormatVersion: model.SnapshotFormatVersion,
		Profile:       model.CareProfile{ID: profileID},
		Events:        events,
	}
	_, _, err = a.Store.ImportSnapshot(ctx, profileID, snap)
	return err
}

func (a *App) ensureProfile(ctx context.Context, p model.CareProfile) error {
	_, err := a.Store.Profile(ctx, p.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	a.Store.UpsertProfile(p)
	return a.Store.Save(ctx)
}
