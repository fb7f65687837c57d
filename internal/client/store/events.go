package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/dbx"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// EventRow is an event plus its local sync bookkeeping.
type EventRow struct {
	Event   model.CareEvent
	Pending bool
	Deleted bool
}

// EventRepo persists care events. Bound to a DBTX so the same code runs
// against the database or inside a transaction.
type EventRepo struct {
	db dbx.DBTX
}

func NewEventRepo(db dbx.DBTX) *EventRepo {
	return &EventRepo{db: db}
}

const eventColumns = `id, profile_id, category, started_at, ended_at,
	diaper_kind, feeding_kind, bottle_kind, bottle_volume,
	latitude, longitude, place_name, updated_at, pending, deleted`

// Upsert writes an event by id. pending marks it as not yet pushed to the
// remote store; remote merges write with pending=false.
func (r *EventRepo) Upsert(ctx context.Context, e model.CareEvent, pending bool) error {
	e = e.Normalized()

	var diaper, feeding, bottle, place any
	if e.DiaperKind != nil {
		diaper = string(*e.DiaperKind)
	}
	if e.FeedingKind != nil {
		feeding = string(*e.FeedingKind)
	}
	if e.BottleKind != nil {
		bottle = string(*e.BottleKind)
	}
	var volume any
	if e.BottleVolume != nil {
		volume = *e.BottleVolume
	}
	var lat, lon any
	if e.Location != nil {
		lat, lon = e.Location.Latitude, e.Location.Longitude
		if e.Location.PlaceName != "" {
			place = e.Location.PlaceName
		}
	}

	query := `INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			profile_id = excluded.profile_id,
			category = excluded.category,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			diaper_kind = excluded.diaper_kind,
			feeding_kind = excluded.feeding_kind,
			bottle_kind = excluded.bottle_kind,
			bottle_volume = excluded.bottle_volume,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			place_name = excluded.place_name,
			updated_at = excluded.updated_at,
			pending = excluded.pending,
			deleted = 0`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.ProfileID, string(e.Category),
		encodeTime(e.StartedAt), encodeTimePtr(e.EndedAt),
		diaper, feeding, bottle, volume, lat, lon, place,
		encodeTime(e.UpdatedAt), boolToInt(pending))
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.ID, err)
	}
	return nil
}

// GetByID returns the event row regardless of its deleted flag.
func (r *EventRepo) GetByID(ctx context.Context, id string) (*EventRow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	er, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return er, nil
}

// GetByProfile lists live events for a profile, newest first.
func (r *EventRepo) GetByProfile(ctx context.Context, profileID string) ([]model.CareEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE profile_id = ? AND deleted = 0 ORDER BY started_at DESC`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("select events for %s: %w", profileID, err)
	}
	defer rows.Close()

	var result []model.CareEvent
	for rows.Next() {
		er, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, er.Event)
	}
	return result, rows.Err()
}

// GetPending lists rows awaiting a push, deletions included.
func (r *EventRepo) GetPending(ctx context.Context) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE pending = 1`)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	defer rows.Close()

	var result []EventRow
	for rows.Next() {
		er, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *er)
	}
	return result, rows.Err()
}

// MarkDeleted soft-deletes an event so the deletion still propagates to the
// remote store on the next push.
func (r *EventRepo) MarkDeleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE events SET deleted = 1, pending = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark event %s deleted: %w", id, err)
	}
	return nil
}

// MarkDeletedByProfile soft-deletes all of a profile's events (cascade).
func (r *EventRepo) MarkDeletedByProfile(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE events SET deleted = 1, pending = 1 WHERE profile_id = ?`, profileID)
	if err != nil {
		return fmt.Errorf("cascade delete events for %s: %w", profileID, err)
	}
	return nil
}

// Purge removes a row for good. Used after a deletion is confirmed remotely
// or when applying a remote-side deletion.
func (r *EventRepo) Purge(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge event %s: %w", id, err)
	}
	return nil
}

// PurgeByProfile removes all rows of a profile for good. Used when a
// remote-side profile deletion cascades locally.
func (r *EventRepo) PurgeByProfile(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE profile_id = ?`, profileID)
	if err != nil {
		return fmt.Errorf("purge events for %s: %w", profileID, err)
	}
	return nil
}

// ClearPending drops the pending flag after a successful push.
func (r *EventRepo) ClearPending(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE events SET pending = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear pending on event %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (*EventRow, error) {
	var (
		er            EventRow
		category      string
		startedAt     int64
		endedAt       sql.NullInt64
		diaper        sql.NullString
		feeding       sql.NullString
		bottle        sql.NullString
		volume        sql.NullInt64
		lat, lon      sql.NullFloat64
		place         sql.NullString
		updatedAt     int64
		pend, deleted int
	)

	err := s.Scan(&er.Event.ID, &er.Event.ProfileID, &category, &startedAt, &endedAt,
		&diaper, &feeding, &bottle, &volume, &lat, &lon, &place,
		&updatedAt, &pend, &deleted)
	if err != nil {
		return nil, err
	}

	er.Event.Category = model.Category(category)
	er.Event.StartedAt = decodeTime(startedAt)
	er.Event.EndedAt = decodeTimePtr(endedAt)
	er.Event.UpdatedAt = decodeTime(updatedAt)

	if diaper.Valid {
		k := model.DiaperKind(diaper.String)
		er.Event.DiaperKind = &k
	}
	if feeding.Valid {
		k := model.FeedingKind(feeding.String)
		er.Event.FeedingKind = &k
	}
	if bottle.Valid {
		k := model.BottleKind(bottle.String)
		er.Event.BottleKind = &k
	}
	if volume.Valid {
		v := volume.Int64
		er.Event.BottleVolume = &v
	}
	if lat.Valid && lon.Valid {
		loc := model.Location{Latitude: lat.Float64, Longitude: lon.Float64}
		if place.Valid {
			loc.PlaceName = place.String
		}
		er.Event.Location = &loc
	}

	// reading applies the same validation as writing, so rows written by
	// older builds converge too
	er.Event = er.Event.Normalized()
	er.Pending = pend == 1
	er.Deleted = deleted == 1
	return &er, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
