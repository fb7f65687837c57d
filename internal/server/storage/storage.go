// Package storage is the in-memory data plane of the reference server:
// zones of named records with an append-only change log per zone, shares
// with participants, and push subscriptions. Records are kept as opaque
// JSON, the server never interprets their fields beyond the name.
package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/carelog/internal/common"
)

// changesPageSize caps how many record names one Changes call reports.
const changesPageSize = 200

// Record is one stored wire record: its name plus the exact JSON the client
// uploaded, returned byte-for-byte on fetches and change feeds.
type Record struct {
	Name string
	Raw  json.RawMessage
}

// Participant mirrors the share membership entry on the wire.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Permission string `json:"permission"`
	Status     string `json:"status"`
}

// Share is a sharing grant on a zone's root record.
type Share struct {
	ID           string        `json:"id"`
	ZoneID       string        `json:"zone_id"`
	RootRecord   string        `json:"root_record"`
	URL          string        `json:"url,omitempty"`
	InviteToken  string        `json:"invite_token,omitempty"`
	Participants []Participant `json:"participants,omitempty"`

	owner string
}

// Owner reports the user the share's zone belongs to.
func (s *Share) Owner() string { return s.owner }

type changeEntry struct {
	seq     uint64
	name    string
	deleted bool
}

type zone struct {
	owner   string
	records map[string]json.RawMessage
	log     []changeEntry
	seq     uint64
}

// Storage holds every zone, share and subscription. All methods are safe
// for concurrent use.
type Storage struct {
	mu            sync.RWMutex
	zones         map[string]*zone
	shares        map[string]*Share // by share ID
	invites       map[string]string // invite token -> share ID
	zoneShares    map[string]string // zone ID -> share ID
	subscriptions map[string]string // userID+"/"+scope -> subscription ID
	baseURL       string
}

func New(baseURL string) *Storage {
	return &Storage{
		zones:         make(map[string]*zone),
		shares:        make(map[string]*Share),
		invites:       make(map[string]string),
		zoneShares:    make(map[string]string),
		subscriptions: make(map[string]string),
		baseURL:       baseURL,
	}
}

// zoneFor resolves a zone the user may touch: their own, or one shared with
// them through an accepted participation.
func (s *Storage) zoneFor(userID, zoneID string) (*zone, error) {
	z, ok := s.zones[zoneID]
	if !ok {
		return nil, common.ErrNotFound
	}
	if z.owner == userID {
		return z, nil
	}
	if shareID, ok := s.zoneShares[zoneID]; ok {
		for _, p := range s.shares[shareID].Participants {
			if p.ID == userID && p.Status == "accepted" {
				return z, nil
			}
		}
	}
	return nil, common.ErrUnauthorized
}

// zoneForWrite is zoneFor plus the edit-permission check for participants.
func (s *Storage) zoneForWrite(userID, zoneID string) (*zone, error) {
	z, err := s.zoneFor(userID, zoneID)
	if err != nil {
		return nil, err
	}
	if z.owner == userID {
		return z, nil
	}
	shareID := s.zoneShares[zoneID]
	for _, p := range s.shares[shareID].Participants {
		if p.ID == userID && p.Permission == "edit" {
			return z, nil
		}
	}
	return nil, common.ErrUnauthorized
}

// EnsureZone creates the zone owned by userID. Idempotent for the owner;
// a zone ID already claimed by another user is a conflict.
func (s *Storage) EnsureZone(userID, zoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if z, ok := s.zones[zoneID]; ok {
		if z.owner != userID {
			return common.ErrConflict
		}
		return nil
	}
	s.zones[zoneID] = &zone{owner: userID, records: make(map[string]json.RawMessage)}
	return nil
}

// DeleteZone removes a zone, its records and any share attached to it.
func (s *Storage) DeleteZone(userID, zoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[zoneID]
	if !ok {
		return common.ErrNotFound
	}
	if z.owner != userID {
		return common.ErrUnauthorized
	}
	delete(s.zones, zoneID)
	if shareID, ok := s.zoneShares[zoneID]; ok {
		s.dropShareLocked(shareID)
	}
	return nil
}

// SaveRecords upserts records into the zone and appends to its change log.
func (s *Storage) SaveRecords(userID, zoneID string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, err := s.zoneForWrite(userID, zoneID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		z.records[rec.Name] = rec.Raw
		z.seq++
		z.log = append(z.log, changeEntry{seq: z.seq, name: rec.Name})
	}
	return nil
}

// DeleteRecords removes records by name. Unknown names are ignored so
// deletion replays are idempotent.
func (s *Storage) DeleteRecords(userID, zoneID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, err := s.zoneForWrite(userID, zoneID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := z.records[name]; !ok {
			continue
		}
		delete(z.records, name)
		z.seq++
		z.log = append(z.log, changeEntry{seq: z.seq, name: name, deleted: true})
	}
	return nil
}

// FetchRecord reads one record's stored JSON.
func (s *Storage) FetchRecord(userID, zoneID, name string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	z, err := s.zoneFor(userID, zoneID)
	if err != nil {
		return nil, err
	}
	raw, ok := z.records[name]
	if !ok {
		return nil, common.ErrNotFound
	}
	return raw, nil
}

// Changes reports what happened in the zone after sinceToken: the current
// bytes of every record touched since then, the names deleted since then,
// and a token resuming after this page. A record that was rewritten several
// times appears once, in its latest state.
func (s *Storage) Changes(userID, zoneID, sinceToken string) (records []json.RawMessage, deleted []string, token string, more bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	z, zerr := s.zoneFor(userID, zoneID)
	if zerr != nil {
		return nil, nil, "", false, zerr
	}

	since, terr := decodeToken(zoneID, sinceToken)
	if terr != nil {
		return nil, nil, "", false, terr
	}

	// find the first log entry past the token
	start := 0
	for start < len(z.log) && z.log[start].seq <= since {
		start++
	}
	end := start
	reported := since
	seen := make(map[string]bool)
	for end < len(z.log) && len(seen) < changesPageSize {
		e := z.log[end]
		seen[e.name] = true
		reported = e.seq
		end++
	}

	// latest operation per name wins within the page
	final := make(map[string]bool, len(seen))
	for _, e := range z.log[start:end] {
		final[e.name] = e.deleted
	}
	for name, isDeleted := range final {
		if isDeleted {
			deleted = append(deleted, name)
			continue
		}
		if raw, ok := z.records[name]; ok {
			records = append(records, raw)
		} else {
			// overwritten then deleted past the page boundary
			deleted = append(deleted, name)
		}
	}

	return records, deleted, encodeToken(zoneID, reported), end < len(z.log), nil
}

// CreateShare attaches a share to the zone. A second create on an already
// shared zone returns the existing share, so retries after a lost response
// never mint duplicates.
func (s *Storage) CreateShare(userID, zoneID, rootRecord string) (*Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[zoneID]
	if !ok {
		return nil, common.ErrNotFound
	}
	if z.owner != userID {
		return nil, common.ErrUnauthorized
	}
	if _, ok := z.records[rootRecord]; !ok {
		return nil, common.ErrNotFound
	}

	if shareID, ok := s.zoneShares[zoneID]; ok {
		return copyShare(s.shares[shareID]), nil
	}

	share := &Share{
		ID:          uuid.NewString(),
		ZoneID:      zoneID,
		RootRecord:  rootRecord,
		InviteToken: uuid.NewString(),
		owner:       userID,
	}
	share.URL = s.baseURL + "/share/" + share.InviteToken
	s.shares[share.ID] = share
	s.invites[share.InviteToken] = share.ID
	s.zoneShares[zoneID] = share.ID
	return copyShare(share), nil
}

// ResolveShare returns the share to its owner or to any participant.
func (s *Storage) ResolveShare(userID, shareID string) (*Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	share, ok := s.shares[shareID]
	if !ok {
		return nil, common.ErrNotFound
	}
	if share.owner == userID {
		return copyShare(share), nil
	}
	for _, p := range share.Participants {
		if p.ID == userID {
			return copyShare(share), nil
		}
	}
	return nil, common.ErrNotFound
}

// DeleteShare tears the share down. Owner only.
func (s *Storage) DeleteShare(userID, shareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	share, ok := s.shares[shareID]
	if !ok {
		return common.ErrNotFound
	}
	if share.owner != userID {
		return common.ErrUnauthorized
	}
	s.dropShareLocked(shareID)
	return nil
}

func (s *Storage) dropShareLocked(shareID string) {
	share := s.shares[shareID]
	delete(s.invites, share.InviteToken)
	delete(s.zoneShares, share.ZoneID)
	delete(s.shares, shareID)
}

// AcceptShare redeems an invite token for userID and returns the share with
// the accepting participant's own entry first.
func (s *Storage) AcceptShare(userID, inviteToken string) (*Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shareID, ok := s.invites[inviteToken]
	if !ok {
		return nil, common.ErrNotFound
	}
	share := s.shares[shareID]
	if share.owner == userID {
		return nil, common.ErrConflict
	}

	idx := -1
	for i, p := range share.Participants {
		if p.ID == userID {
			idx = i
			break
		}
	}
	if idx == -1 {
		share.Participants = append(share.Participants, Participant{
			ID: userID, Permission: "readonly", Status: "accepted",
		})
		idx = len(share.Participants) - 1
	} else {
		share.Participants[idx].Status = "accepted"
	}

	out := copyShare(share)
	out.Participants[0], out.Participants[idx] = out.Participants[idx], out.Participants[0]
	return out, nil
}

// UpdateParticipant changes one participant's permission. Owner only.
func (s *Storage) UpdateParticipant(userID, shareID, participantID, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	share, ok := s.shares[shareID]
	if !ok {
		return common.ErrNotFound
	}
	if share.owner != userID {
		return common.ErrUnauthorized
	}
	for i, p := range share.Participants {
		if p.ID == participantID {
			share.Participants[i].Permission = permission
			return nil
		}
	}
	return common.ErrNotFound
}

// RemoveParticipant drops a participant, revoking their zone access.
func (s *Storage) RemoveParticipant(userID, shareID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	share, ok := s.shares[shareID]
	if !ok {
		return common.ErrNotFound
	}
	if share.owner != userID {
		return common.ErrUnauthorized
	}
	for i, p := range share.Participants {
		if p.ID == participantID {
			share.Participants = append(share.Participants[:i], share.Participants[i+1:]...)
			return nil
		}
	}
	return common.ErrNotFound
}

// EnsureSubscription registers (or confirms) a change subscription for the
// user and scope, returning the effective subscription identifier.
func (s *Storage) EnsureSubscription(userID, scope, subscriptionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + "/" + scope
	if existing, ok := s.subscriptions[key]; ok {
		return existing, nil
	}
	if subscriptionID == "" {
		subscriptionID = uuid.NewString()
	}
	s.subscriptions[key] = subscriptionID
	return subscriptionID, nil
}

// ZoneAudience lists every user who should hear about changes in the zone:
// its owner plus all accepted share participants.
func (s *Storage) ZoneAudience(zoneID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	z, ok := s.zones[zoneID]
	if !ok {
		return nil
	}
	audience := []string{z.owner}
	if shareID, ok := s.zoneShares[zoneID]; ok {
		for _, p := range s.shares[shareID].Participants {
			if p.Status == "accepted" {
				audience = append(audience, p.ID)
			}
		}
	}
	return audience
}

func copyShare(share *Share) *Share {
	out := *share
	out.Participants = append([]Participant(nil), share.Participants...)
	return &out
}

func encodeToken(zoneID string, seq uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(zoneID + "@" + strconv.FormatUint(seq, 10)))
}

func decodeToken(zoneID, token string) (uint64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed change token", common.ErrValidation)
	}
	zone, seqStr, ok := strings.Cut(string(raw), "@")
	if !ok || zone != zoneID {
		return 0, fmt.Errorf("%w: change token does not match zone", common.ErrValidation)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed change token", common.ErrValidation)
	}
	return seq, nil
}
