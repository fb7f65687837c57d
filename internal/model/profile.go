// Package model defines the care-log entities (profiles and events), their
// normalization rules, and the derived per-profile action state.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Permission is the access level granted to share participants.
type Permission string

const (
	PermissionEdit     Permission = "edit"
	PermissionReadOnly Permission = "readonly"
)

// ShareStatus tracks where a profile sits in the sharing lifecycle.
type ShareStatus string

const (
	ShareStatusNone    ShareStatus = "none"
	ShareStatusPending ShareStatus = "pending"
	ShareStatusActive  ShareStatus = "active"
)

// ReminderPref configures reminders for one event category.
type ReminderPref struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	OnceAt   *time.Time    `json:"once_at,omitempty"`
}

// ReminderPrefs maps category to its reminder configuration.
type ReminderPrefs map[Category]ReminderPref

// CareProfile is the person being cared for. It owns a collection of
// CareEvents; deleting a profile cascades to its events.
type CareProfile struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	BirthDate   *time.Time    `json:"birth_date,omitempty"`
	Avatar      []byte        `json:"avatar,omitempty"`
	Reminders   ReminderPrefs `json:"reminders,omitempty"`
	Permission  Permission    `json:"permission"`
	ShareStatus ShareStatus   `json:"share_status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewProfile creates a profile with a fresh identifier. The identifier is
// immutable for the rest of the profile's life.
func NewProfile(name string) CareProfile {
	now := time.Now().UTC()
	return CareProfile{
		ID:          uuid.NewString(),
		Name:        name,
		Permission:  PermissionEdit,
		ShareStatus: ShareStatusNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Normalized returns a copy with all timestamps in UTC.
func (p CareProfile) Normalized() CareProfile {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.BirthDate != nil {
		bd := p.BirthDate.UTC()
		p.BirthDate = &bd
	}
	return p
}
