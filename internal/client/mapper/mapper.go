// Package mapper converts between local entities and remote wire records.
// Record names and zone identifiers are derived deterministically from the
// local UUIDs, so re-mapping the same entity always targets the same remote
// identity and saves are idempotent upserts.
package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/carelog/internal/client/remote"
	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/model"
)

const (
	zonePrefix    = "profile-"
	profilePrefix = "prof-"
	eventPrefix   = "evt-"
)

// ZoneID derives the remote zone for a profile. One zone per shareable
// profile; both owner and invitee derive the same value.
func ZoneID(profileID string) string { return zonePrefix + profileID }

// ProfileRecordName derives the remote name of a profile's root record.
func ProfileRecordName(profileID string) string { return profilePrefix + profileID }

// EventRecordName derives the remote name of an event record.
func EventRecordName(eventID string) string { return eventPrefix + eventID }

// ProfileToRecord maps a profile to its wire record.
func ProfileToRecord(p model.CareProfile) remote.Record {
	p = p.Normalized()

	f := remote.Fields{
		ID:        p.ID,
		Name:      p.Name,
		BirthDate: p.BirthDate,
		Avatar:    p.Avatar,
		UpdatedAt: p.UpdatedAt,
	}
	created := p.CreatedAt
	f.CreatedAt = &created

	if len(p.Reminders) > 0 {
		if data, err := json.Marshal(p.Reminders); err == nil {
			f.Reminders = data
		}
	}

	return remote.Record{
		Name:   ProfileRecordName(p.ID),
		Type:   remote.RecordTypeProfile,
		ZoneID: ZoneID(p.ID),
		Fields: f,
	}
}

// EventToRecord maps an event to its wire record. The record carries both a
// plain profile-identifier field and a structured parent reference so the
// relationship survives zone-identifier drift.
func EventToRecord(e model.CareEvent) remote.Record {
	e = e.Normalized()
	zone := ZoneID(e.ProfileID)

	f := remote.Fields{
		ID:        e.ID,
		ProfileID: e.ProfileID,
		Category:  string(e.Category),
		UpdatedAt: e.UpdatedAt,
	}
	started := e.StartedAt
	f.StartedAt = &started
	f.EndedAt = e.EndedAt

	if e.DiaperKind != nil {
		v := string(*e.DiaperKind)
		f.DiaperKind = &v
	}
	if e.FeedingKind != nil {
		v := string(*e.FeedingKind)
		f.FeedingKind = &v
	}
	if e.BottleKind != nil {
		v := string(*e.BottleKind)
		f.BottleKind = &v
	}
	f.BottleVolume = e.BottleVolume
	if e.Location != nil {
		lat, lon := e.Location.Latitude, e.Location.Longitude
		f.Latitude = &lat
		f.Longitude = &lon
		if e.Location.PlaceName != "" {
			place := e.Location.PlaceName
			f.PlaceName = &place
		}
	}

	return remote.Record{
		Name:   EventRecordName(e.ID),
		Type:   remote.RecordTypeEvent,
		ZoneID: zone,
		Parent: &remote.Reference{RecordName: ProfileRecordName(e.ProfileID), ZoneID: zone},
		Fields: f,
	}
}

// RecordToProfile maps a profile wire record back to the local entity.
// A record missing its identifier is rejected with ErrValidation; the
// caller skips it and continues with the rest of the batch.
func RecordToProfile(r remote.Record) (model.CareProfile, error) {
	if r.Type != remote.RecordTypeProfile {
		return model.CareProfile{}, fmt.Errorf("%w: record %s is not a profile", common.ErrValidation, r.Name)
	}
	if r.Fields.ID == "" {
		return model.CareProfile{}, fmt.Errorf("%w: profile record %s has no identifier", common.ErrValidation, r.Name)
	}

	p := model.CareProfile{
		ID:          r.Fields.ID,
		Name:        r.Fields.Name,
		BirthDate:   r.Fields.BirthDate,
		Avatar:      r.Fields.Avatar,
		Permission:  model.PermissionEdit,
		ShareStatus: model.ShareStatusNone,
		UpdatedAt:   r.Fields.UpdatedAt,
	}
	if r.Fields.CreatedAt != nil {
		p.CreatedAt = *r.Fields.CreatedAt
	}
	if len(r.Fields.Reminders) > 0 {
		var prefs model.ReminderPrefs
		if err := json.Unmarshal(r.Fields.Reminders, &prefs); err == nil {
			p.Reminders = prefs
		}
	}
	return p.Normalized(), nil
}

// RecordToEvent maps an event wire record back to the local entity.
// Identifier, category and start timestamp are required; anything else is
// optional. The owning profile is resolved from the parent reference first,
// falling back to the plain identifier field.
func RecordToEvent(r remote.Record) (model.CareEvent, error) {
	if r.Type != remote.RecordTypeEvent {
		return model.CareEvent{}, fmt.Errorf("%w: record %s is not an event", common.ErrValidation, r.Name)
	}
	if r.Fields.ID == "" {
		return model.CareEvent{}, fmt.Errorf("%w: event record %s has no identifier", common.ErrValidation, r.Name)
	}
	cat := model.Category(r.Fields.Category)
	if !cat.Valid() {
		return model.CareEvent{}, fmt.Errorf("%w: event %s has unknown category %q", common.ErrValidation, r.Fields.ID, r.Fields.Category)
	}
	if r.Fields.StartedAt == nil {
		return model.CareEvent{}, fmt.Errorf("%w: event %s has no start timestamp", common.ErrValidation, r.Fields.ID)
	}

	profileID := profileIDFromParent(r.Parent)
	if profileID == "" {
		profileID = r.Fields.ProfileID
	}
	if profileID == "" {
		return model.CareEvent{}, fmt.Errorf("%w: event %s has no parent profile", common.ErrValidation, r.Fields.ID)
	}

	e := model.CareEvent{
		ID:        r.Fields.ID,
		ProfileID: profileID,
		Category:  cat,
		StartedAt: *r.Fields.StartedAt,
		EndedAt:   r.Fields.EndedAt,
		UpdatedAt: r.Fields.UpdatedAt,
	}

	if r.Fields.DiaperKind != nil {
		k := model.DiaperKind(*r.Fields.DiaperKind)
		if !k.Valid() {
			return model.CareEvent{}, fmt.Errorf("%w: event %s has unknown diaper kind %q", common.ErrValidation, e.ID, k)
		}
		e.DiaperKind = &k
	}
	if r.Fields.FeedingKind != nil {
		k := model.FeedingKind(*r.Fields.FeedingKind)
		if !k.Valid() {
			return model.CareEvent{}, fmt.Errorf("%w: event %s has unknown feeding kind %q", common.ErrValidation, e.ID, k)
		}
		e.FeedingKind = &k
	}
	if r.Fields.BottleKind != nil {
		k := model.BottleKind(*r.Fields.BottleKind)
		if !k.Valid() {
			return model.CareEvent{}, fmt.Errorf("%w: event %s has unknown bottle kind %q", common.ErrValidation, e.ID, k)
		}
		e.BottleKind = &k
	}
	e.BottleVolume = r.Fields.BottleVolume

	if r.Fields.Latitude != nil && r.Fields.Longitude != nil {
		loc := model.Location{Latitude: *r.Fields.Latitude, Longitude: *r.Fields.Longitude}
		if r.Fields.PlaceName != nil {
			loc.PlaceName = *r.Fields.PlaceName
		}
		e.Location = &loc
	}

	return e.Normalized(), nil
}

// ProfileIDFromRecordName recovers the profile UUID from a root-record
// name. Returns "" if the name does not look like one.
func ProfileIDFromRecordName(name string) string {
	if strings.HasPrefix(name, profilePrefix) {
		return strings.TrimPrefix(name, profilePrefix)
	}
	return ""
}

// EventIDFromRecordName recovers the event UUID from an event record name.
func EventIDFromRecordName(name string) string {
	if strings.HasPrefix(name, eventPrefix) {
		return strings.TrimPrefix(name, eventPrefix)
	}
	return ""
}

func profileIDFromParent(ref *remote.Reference) string {
	if ref == nil {
		return ""
	}
	return ProfileIDFromRecordName(ref.RecordName)
}
