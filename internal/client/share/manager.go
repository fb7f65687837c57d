// Package share establishes and maintains shareable links for profile
// zones, and handles the invitee side of accepting an invitation.
package share

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/carelog/internal/client/mapper"
	"github.com/dmitrijs2005/carelog/internal/client/remote"
	"github.com/dmitrijs2005/carelog/internal/client/store"
	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// Manager owns the sharing lifecycle of locally owned profiles: creating
// the share, mutating its participant list, and tearing it down.
type Manager struct {
	store  *store.Store
	remote remote.RecordStore
	log    logging.Logger

	// concurrent EnsureShare calls for the same profile collapse into one
	// remote round-trip, so a double-tap never creates a duplicate share
	group singleflight.Group
}

// NewManager builds a Manager.
func NewManager(s *store.Store, r remote.RecordStore, log logging.Logger) *Manager {
	return &Manager{
		store:  s,
		remote: r,
		log:    log.With("component", "share"),
	}
}

// EnsureShare returns the profile's share, creating zone, root record and
// share object as needed. Repeated calls return the same share: cached
// metadata is validated against the remote store first, and only a cache
// that no longer resolves is evicted and rebuilt.
func (m *Manager) EnsureShare(ctx context.Context, profileID string) (*remote.Share, error) {
	v, err, _ := m.group.Do(profileID, func() (any, error) {
		return m.ensureShare(ctx, profileID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*remote.Share), nil
}

func (m *Manager) ensureShare(ctx context.Context, profileID string) (*remote.Share, error) {
	meta, err := m.store.ShareMetadata(ctx, profileID)
	if err != nil {
		return nil, err
	}

	if meta != nil && meta.ShareID != "" {
		share, err := m.remote.ResolveShare(ctx, meta.ShareID)
		if err == nil {
			return share, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			// transient failure: neither confirm nor rebuild; rebuilding
			// here could mint a duplicate share once the remote recovers
			return nil, fmt.Errorf("resolve cached share for %s: %w", profileID, err)
		}
		m.log.Warn(ctx, "cached share no longer resolves, rebuilding",
			"profile", profileID, "share", meta.ShareID)
		if err := m.store.DeleteShareMetadata(ctx, profileID); err != nil {
			return nil, err
		}
	}

	return m.createShare(ctx, profileID)
}

func (m *Manager) createShare(ctx context.Context, profileID string) (*remote.Share, error) {
	profile, err := m.store.Profile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	zoneID := mapper.ZoneID(profileID)
	rootName := mapper.ProfileRecordName(profileID)

	if err := m.remote.EnsureZone(ctx, zoneID); err != nil {
		return nil, fmt.Errorf("ensure zone %s: %w", zoneID, err)
	}

	// the share attaches to the profile's root record, which may not have
	// been pushed yet on a fresh install
	_, err = m.remote.FetchRecord(ctx, zoneID, rootName)
	if errors.Is(err, common.ErrNotFound) {
		rec := mapper.ProfileToRecord(*profile)
		if err := m.remote.SaveRecords(ctx, zoneID, []remote.Record{rec}); err != nil {
			return nil, fmt.Errorf("push root record %s: %w", rootName, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("fetch root record %s: %w", rootName, err)
	}

	share, err := m.remote.CreateShare(ctx, zoneID, rootName)
	if err != nil {
		return nil, fmt.Errorf("create share for %s: %w", profileID, err)
	}

	if err := m.store.SetShareMetadata(ctx, store.ShareMetadata{
		ProfileID:  profileID,
		ZoneID:     zoneID,
		RootRecord: rootName,
		ShareID:    share.ID,
		Shared:     true,
	}); err != nil {
		return nil, err
	}

	if profile.ShareStatus == model.ShareStatusNone {
		profile.ShareStatus = model.ShareStatusPending
		m.store.UpsertProfile(*profile)
		if err := m.store.Save(ctx); err != nil {
			return nil, err
		}
	}

	m.log.Info(ctx, "share created", "profile", profileID, "share", share.ID)
	return share, nil
}

// Participants lists the share's current participants.
func (m *Manager) Participants(ctx context.Context, profileID string) ([]remote.Participant, error) {
	share, err := m.resolveCached(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return share.Participants, nil
}

// UpdateParticipant changes one participant's permission. The participant
// is matched by identity; an absent participant reports
// ErrParticipantNotFound rather than being created.
func (m *Manager) UpdateParticipant(ctx context.Context, profileID, participantID string, perm model.Permission) error {
	meta, err := m.requireMetadata(ctx, profileID)
	if err != nil {
		return err
	}
	if err := m.remote.UpdateParticipant(ctx, meta.ShareID, participantID, string(perm)); err != nil {
		return fmt.Errorf("update participant %s: %w", participantID, err)
	}
	m.log.Info(ctx, "participant updated", "profile", profileID,
		"participant", participantID, "permission", perm)
	return nil
}

// RemoveParticipant revokes one participant's access.
func (m *Manager) RemoveParticipant(ctx context.Context, profileID, participantID string) error {
	meta, err := m.requireMetadata(ctx, profileID)
	if err != nil {
		return err
	}
	if err := m.remote.RemoveParticipant(ctx, meta.ShareID, participantID); err != nil {
		return fmt.Errorf("remove participant %s: %w", participantID, err)
	}
	m.log.Info(ctx, "participant removed", "profile", profileID, "participant", participantID)
	return nil
}

// StopSharing deletes the remote share and its backing zone and evicts the
// local cache. Pieces already gone remotely are logged and skipped, so the
// operation is idempotent; with no cached metadata it is a no-op.
func (m *Manager) StopSharing(ctx context.Context, profileID string) error {
	meta, err := m.store.ShareMetadata(ctx, profileID)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}

	if err := m.remote.DeleteShare(ctx, meta.ShareID); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("delete share %s: %w", meta.ShareID, err)
	} else if err != nil {
		m.log.Warn(ctx, "share already gone remotely", "share", meta.ShareID)
	}

	if err := m.remote.DeleteZone(ctx, meta.ZoneID); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("delete zone %s: %w", meta.ZoneID, err)
	} else if err != nil {
		m.log.Warn(ctx, "zone already gone remotely", "zone", meta.ZoneID)
	}

	if err := m.store.DeleteShareMetadata(ctx, profileID); err != nil {
		return err
	}

	if profile, err := m.store.Profile(ctx, profileID); err == nil &&
		profile.ShareStatus != model.ShareStatusNone {
		profile.ShareStatus = model.ShareStatusNone
		m.store.UpsertProfile(*profile)
		if err := m.store.Save(ctx); err != nil {
			return err
		}
	}

	m.log.Info(ctx, "sharing stopped", "profile", profileID)
	return nil
}

func (m *Manager) requireMetadata(ctx context.Context, profileID string) (*store.ShareMetadata, error) {
	meta, err := m.store.ShareMetadata(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.ShareID == "" {
		return nil, fmt.Errorf("%w: profile %s is not shared", common.ErrNotFound, profileID)
	}
	return meta, nil
}

// resolveCached resolves the cached share, evicting the cache if the share
// is gone remotely so the caller never acts on stale metadata.
func (m *Manager) resolveCached(ctx context.Context, profileID string) (*remote.Share, error) {
	meta, err := m.requireMetadata(ctx, profileID)
	if err != nil {
		return nil, err
	}
	share, err := m.remote.ResolveShare(ctx, meta.ShareID)
	if errors.Is(err, common.ErrNotFound) {
		_ = m.store.DeleteShareMetadata(ctx, profileID)
		return nil, fmt.Errorf("share for %s: %w", profileID, err)
	}
	if err != nil {
		return nil, err
	}
	return share, nil
}
