package share

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/carelog/internal/client/mapper"
	"github.com/dmitrijs2005/carelog/internal/client/remote"
	"github.com/dmitrijs2005/carelog/internal/client/resolver"
	"github.com/dmitrijs2005/carelog/internal/client/store"
	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// Acceptor processes incoming share invitations: accepting them remotely,
// fetching the shared zone's full contents, and ingesting them locally.
type Acceptor struct {
	store  *store.Store
	remote remote.RecordStore
	log    logging.Logger
}

// NewAcceptor builds an Acceptor.
func NewAcceptor(s *store.Store, r remote.RecordStore, log logging.Logger) *Acceptor {
	return &Acceptor{
		store:  s,
		remote: r,
		log:    log.With("component", "accept"),
	}
}

// AcceptShares accepts a batch of invitations. Every token is attempted
// even after a failure; the first error is retained and returned alongside
// the profile identifiers that were ingested successfully.
func (a *Acceptor) AcceptShares(ctx context.Context, inviteTokens []string) ([]string, error) {
	var (
		accepted []string
		firstErr error
	)

	for _, token := range inviteTokens {
		profileID, err := a.acceptOne(ctx, token)
		if err != nil {
			a.log.Error(ctx, "share acceptance failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted = append(accepted, profileID)
	}

	return accepted, firstErr
}

func (a *Acceptor) acceptOne(ctx context.Context, inviteToken string) (string, error) {
	share, err := a.remote.AcceptShare(ctx, inviteToken)
	if err != nil {
		return "", fmt.Errorf("accept invitation: %w", err)
	}

	profileID, err := a.ingestZone(ctx, share)
	if err != nil {
		return "", fmt.Errorf("ingest zone %s: %w", share.ZoneID, err)
	}

	if err := a.store.SetShareMetadata(ctx, store.ShareMetadata{
		ProfileID:  profileID,
		ZoneID:     share.ZoneID,
		RootRecord: share.RootRecord,
		ShareID:    share.ID,
		Shared:     true,
	}); err != nil {
		return "", err
	}

	a.log.Info(ctx, "share accepted", "share", share.ID, "profile", profileID)
	return profileID, nil
}

// ingestZone performs the initial token-less fetch of an accepted zone and
// merges its contents into the local store. Events that already exist
// locally go through conflict resolution, so re-accepting a share never
// clobbers newer local edits. Returns the identifier of the ingested
// profile.
func (a *Acceptor) ingestZone(ctx context.Context, share *remote.Share) (string, error) {
	profileID := ""
	token := ""

	for {
		batch, err := a.remote.Changes(ctx, share.ZoneID, token)
		if err != nil {
			return "", fmt.Errorf("fetch shared zone: %w", err)
		}

		profiles, events := a.partition(ctx, share, batch.Records, &profileID)

		if err := a.store.ApplyRemoteBatch(ctx, share.ZoneID, profiles, events, nil, batch.Token); err != nil {
			return "", err
		}

		if !batch.More {
			break
		}
		token = batch.Token
	}

	if profileID == "" {
		return "", fmt.Errorf("%w: shared zone %s has no profile record", common.ErrValidation, share.ZoneID)
	}
	return profileID, nil
}

func (a *Acceptor) partition(ctx context.Context, share *remote.Share,
	records []remote.Record, profileID *string) ([]model.CareProfile, []model.CareEvent) {

	var (
		profiles []model.CareProfile
		events   []model.CareEvent
	)

	for _, rec := range records {
		switch rec.Type {
		case remote.RecordTypeProfile:
			p, err := mapper.RecordToProfile(rec)
			if err != nil {
				a.log.Warn(ctx, "skipping malformed profile record", "record", rec.Name, "error", err)
				continue
			}
			// the metadata cache is keyed by the identifier carried in
			// the ingested record itself, not the root-record name
			*profileID = p.ID
			p.ShareStatus = model.ShareStatusActive
			p.Permission = inviteePermission(share)
			profiles = append(profiles, p)

		case remote.RecordTypeEvent:
			e, err := mapper.RecordToEvent(rec)
			if err != nil {
				a.log.Warn(ctx, "skipping malformed event record", "record", rec.Name, "error", err)
				continue
			}
			row, err := a.store.Event(ctx, e.ID)
			if errors.Is(err, common.ErrNotFound) {
				events = append(events, e)
				continue
			}
			if err != nil {
				a.log.Warn(ctx, "skipping event on read failure", "record", rec.Name, "error", err)
				continue
			}
			if resolver.Resolve(row.Event, e) == resolver.WinnerRemote {
				events = append(events, e)
			}

		default:
			a.log.Warn(ctx, "skipping record of unknown type", "record", rec.Name, "type", rec.Type)
		}
	}

	return profiles, events
}

// inviteePermission picks the caller's granted permission from the accept
// response. The service puts the accepting participant first; with no
// participant listed the safe default is read-only.
func inviteePermission(share *remote.Share) model.Permission {
	if len(share.Participants) > 0 {
		if p := model.Permission(share.Participants[0].Permission); p == model.PermissionEdit {
			return p
		}
	}
	return model.PermissionReadOnly
}
