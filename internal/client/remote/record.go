// Package remote defines the wire schema of the record store and the client
// used to reach it. The concrete transport is HTTP JSON plus a websocket
// push channel; everything above this package talks to the RecordStore
// interface only.
package remote

import (
	"encoding/json"
	"time"
)

// RecordType names the two wire record schemas.
type RecordType string

const (
	RecordTypeProfile RecordType = "CareProfile"
	RecordTypeEvent   RecordType = "CareEvent"
)

// Reference is a structured pointer to another record in the same zone.
// Event records carry one to their profile in addition to the plain
// profile-identifier field, so parentage survives zone-identifier drift.
type Reference struct {
	RecordName string `json:"record_name"`
	ZoneID     string `json:"zone_id"`
}

// Fields is the flat field set of a wire record. Optional fields are
// omitted rather than zero-valued so absence is distinguishable.
type Fields struct {
	ID string `json:"id"`

	// profile fields
	Name      string          `json:"name,omitempty"`
	BirthDate *time.Time      `json:"birth_date,omitempty"`
	Avatar    []byte          `json:"avatar,omitempty"`
	Reminders json.RawMessage `json:"reminders,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`

	// event fields
	ProfileID    string     `json:"profile_id,omitempty"`
	Category     string     `json:"category,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DiaperKind   *string    `json:"diaper_kind,omitempty"`
	FeedingKind  *string    `json:"feeding_kind,omitempty"`
	BottleKind   *string    `json:"bottle_kind,omitempty"`
	BottleVolume *int64     `json:"bottle_volume,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	PlaceName    *string    `json:"place_name,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Record is one remote wire record. Name is deterministic for a given local
// entity (see the mapper), so re-saving the same entity is an idempotent
// upsert.
type Record struct {
	Name   string     `json:"name" validate:"required"`
	Type   RecordType `json:"type" validate:"required,oneof=CareProfile CareEvent"`
	ZoneID string     `json:"zone_id" validate:"required"`
	Parent *Reference `json:"parent,omitempty"`
	Fields Fields     `json:"fields"`
}

// ChangeBatch is one page of a zone's change feed.
type ChangeBatch struct {
	Records []Record `json:"records"`
	Deleted []string `json:"deleted"` // record names
	Token   string   `json:"token"`   // opaque; pass back to resume
	More    bool     `json:"more"`
}

// Participant is one member of a share.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Permission string `json:"permission"` // edit | readonly
	Status     string `json:"status"`     // pending | accepted
}

// Share is the shareable link attached to a zone's root record.
type Share struct {
	ID           string        `json:"id"`
	ZoneID       string        `json:"zone_id"`
	RootRecord   string        `json:"root_record"`
	URL          string        `json:"url,omitempty"`
	InviteToken  string        `json:"invite_token,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// PushNotification announces that a zone changed on the server.
type PushNotification struct {
	ID     string    `json:"id"`
	ZoneID string    `json:"zone_id"`
	Reason string    `json:"reason,omitempty"`
	SentAt time.Time `json:"sent_at"`
}
