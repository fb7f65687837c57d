package model

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a care event. The set is closed.
type Category string

const (
	CategorySleep   Category = "sleep"
	CategoryDiaper  Category = "diaper"
	CategoryFeeding Category = "feeding"
)

// Categories lists every valid category in a stable order.
var Categories = []Category{CategorySleep, CategoryDiaper, CategoryFeeding}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySleep, CategoryDiaper, CategoryFeeding:
		return true
	}
	return false
}

// IsInstant reports whether events of this category happen at a single
// point in time. Instant events always carry end == start.
func (c Category) IsInstant() bool { return c == CategoryDiaper }

// DiaperKind is the diaper-change subtype.
type DiaperKind string

const (
	DiaperWet   DiaperKind = "wet"
	DiaperDirty DiaperKind = "dirty"
	DiaperMixed DiaperKind = "mixed"
)

func (k DiaperKind) Valid() bool {
	switch k {
	case DiaperWet, DiaperDirty, DiaperMixed:
		return true
	}
	return false
}

// FeedingKind is the feeding subtype.
type FeedingKind string

const (
	FeedingBreast FeedingKind = "breast"
	FeedingBottle FeedingKind = "bottle"
	FeedingSolid  FeedingKind = "solid"
)

func (k FeedingKind) Valid() bool {
	switch k {
	case FeedingBreast, FeedingBottle, FeedingSolid:
		return true
	}
	return false
}

// BottleKind is what the bottle contains.
type BottleKind string

const (
	BottleFormula BottleKind = "formula"
	BottlePumped  BottleKind = "pumped"
	BottleWater   BottleKind = "water"
)

func (k BottleKind) Valid() bool {
	switch k {
	case BottleFormula, BottlePumped, BottleWater:
		return true
	}
	return false
}

// Location is an optional geotag on an event.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PlaceName string  `json:"place_name,omitempty"`
}

// CareEvent is one logged care action. A nil EndedAt on a non-instant
// category means the action is still in progress.
type CareEvent struct {
	ID        string     `json:"id"`
	ProfileID string     `json:"profile_id"`
	Category  Category   `json:"category"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	DiaperKind   *DiaperKind  `json:"diaper_kind,omitempty"`
	FeedingKind  *FeedingKind `json:"feeding_kind,omitempty"`
	BottleKind   *BottleKind  `json:"bottle_kind,omitempty"`
	BottleVolume *int64       `json:"bottle_volume,omitempty"`
	Location     *Location    `json:"location,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewEvent starts a care action for the given profile.
func NewEvent(profileID string, cat Category, startedAt time.Time) CareEvent {
	e := CareEvent{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Category:  cat,
		StartedAt: startedAt,
		UpdatedAt: time.Now().UTC(),
	}
	return e.Normalized()
}

// Active reports whether the event represents an in-progress action.
// Instant events are never active.
func (e CareEvent) Active() bool {
	return e.EndedAt == nil && !e.Category.IsInstant()
}

// Normalized applies the date-validation rule used on every write path,
// local and remote alike, so both representations converge:
//
//   - all timestamps move to UTC;
//   - instant categories collapse end to start;
//   - an end date before the start date is clamped to the start date.
//
// Normalized is idempotent: applying it twice equals applying it once.
func (e CareEvent) Normalized() CareEvent {
	e.StartedAt = e.StartedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	if e.Category.IsInstant() {
		end := e.StartedAt
		e.EndedAt = &end
		return e
	}

	if e.EndedAt != nil {
		end := e.EndedAt.UTC()
		if end.Before(e.StartedAt) {
			end = e.StartedAt
		}
		e.EndedAt = &end
	}
	return e
}

// Stopped returns a copy with the action ended at the given time and the
// modification timestamp refreshed.
func (e CareEvent) Stopped(at time.Time) CareEvent {
	end := at
	e.EndedAt = &end
	e.UpdatedAt = time.Now().UTC()
	return e.Normalized()
}
