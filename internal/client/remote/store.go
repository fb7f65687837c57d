package remote

import "context"

// RecordStore is everything the sync, sharing and acceptance layers need
// from the remote service. Implementations must map transport failures onto
// the sentinels in internal/common: ErrUnavailable for transient faults,
// ErrNotFound for missing zones/records/shares, ErrUnauthorized for
// credential problems, ErrParticipantNotFound for participant mutations
// whose target is absent.
type RecordStore interface {
	// EnsureZone creates the zone if it does not exist. Idempotent.
	EnsureZone(ctx context.Context, zoneID string) error

	// DeleteZone removes a zone and all records in it.
	DeleteZone(ctx context.Context, zoneID string) error

	// SaveRecords upserts records into their zone in one request.
	SaveRecords(ctx context.Context, zoneID string, records []Record) error

	// DeleteRecords removes records by name.
	DeleteRecords(ctx context.Context, zoneID string, names []string) error

	// FetchRecord reads one record by name.
	FetchRecord(ctx context.Context, zoneID, name string) (*Record, error)

	// Changes returns everything recorded in the zone's change feed after
	// the given token. An empty token means a full, from-the-beginning
	// fetch. The returned token resumes after the returned batch.
	Changes(ctx context.Context, zoneID, sinceToken string) (*ChangeBatch, error)

	// CreateShare attaches a share to the zone's root record.
	CreateShare(ctx context.Context, zoneID, rootRecord string) (*Share, error)

	// ResolveShare fetches the current state of a share.
	ResolveShare(ctx context.Context, shareID string) (*Share, error)

	// DeleteShare tears a share down.
	DeleteShare(ctx context.Context, shareID string) error

	// AcceptShare redeems an invitation token and grants this user access
	// to the shared zone.
	AcceptShare(ctx context.Context, inviteToken string) (*Share, error)

	// UpdateParticipant changes one participant's permission.
	UpdateParticipant(ctx context.Context, shareID, participantID, permission string) error

	// RemoveParticipant drops a participant from the share.
	RemoveParticipant(ctx context.Context, shareID, participantID string) error

	// EnsureSubscription registers a zone-wide change subscription for the
	// given scope, reusing subscriptionID if it is already registered.
	// Returns the effective subscription identifier.
	EnsureSubscription(ctx context.Context, scope, subscriptionID string) (string, error)
}
