package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/dbx"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// ProfileRow is a profile plus its local sync bookkeeping.
type ProfileRow struct {
	Profile model.CareProfile
	Pending bool
	Deleted bool
}

// ProfileRepo persists care profiles.
type ProfileRepo struct {
	db dbx.DBTX
}

func NewProfileRepo(db dbx.DBTX) *ProfileRepo {
	return &ProfileRepo{db: db}
}

const profileColumns = `id, name, birth_date, avatar, reminders, permission,
	share_status, created_at, updated_at, pending, deleted`

func (r *ProfileRepo) Upsert(ctx context.Context, p model.CareProfile, pending bool) error {
	p = p.Normalized()

	reminders := []byte("{}")
	if len(p.Reminders) > 0 {
		data, err := json.Marshal(p.Reminders)
		if err != nil {
			return fmt.Errorf("marshal reminders for %s: %w", p.ID, err)
		}
		reminders = data
	}

	query := `INSERT INTO profiles (` + profileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			birth_date = excluded.birth_date,
			avatar = excluded.avatar,
			reminders = excluded.reminders,
			permission = excluded.permission,
			share_status = excluded.share_status,
			updated_at = excluded.updated_at,
			pending = excluded.pending,
			deleted = 0`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Name, encodeTimePtr(p.BirthDate), p.Avatar, string(reminders),
		string(p.Permission), string(p.ShareStatus),
		encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt), boolToInt(pending))
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (r *ProfileRepo) GetByID(ctx context.Context, id string) (*ProfileRow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	pr, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return pr, nil
}

// GetAll lists live profiles.
func (r *ProfileRepo) GetAll(ctx context.Context) ([]model.CareProfile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE deleted = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select profiles: %w", err)
	}
	defer rows.Close()

	var result []model.CareProfile
	for rows.Next() {
		pr, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr.Profile)
	}
	return result, rows.Err()
}

func (r *ProfileRepo) GetPending(ctx context.Context) ([]ProfileRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE pending = 1`)
	if err != nil {
		return nil, fmt.Errorf("select pending profiles: %w", err)
	}
	defer rows.Close()

	var result []ProfileRow
	for rows.Next() {
		pr, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *pr)
	}
	return result, rows.Err()
}

func (r *ProfileRepo) MarkDeleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE profiles SET deleted = 1, pending = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark profile %s deleted: %w", id, err)
	}
	return nil
}

func (r *ProfileRepo) Purge(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge profile %s: %w", id, err)
	}
	return nil
}

func (r *ProfileRepo) ClearPending(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE profiles SET pending = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear pending on profile %s: %w", id, err)
	}
	return nil
}

func scanProfile(s rowScanner) (*ProfileRow, error) {
	var (
		pr            ProfileRow
		birthDate     sql.NullInt64
		reminders     string
		permission    string
		shareStatus   string
		createdAt     int64
		updatedAt     int64
		pend, deleted int
	)

	err := s.Scan(&pr.Profile.ID, &pr.Profile.Name, &birthDate, &pr.Profile.Avatar,
		&reminders, &permission, &shareStatus, &createdAt, &updatedAt, &pend, &deleted)
	if err != nil {
		return nil, err
	}

	pr.Profile.BirthDate = decodeTimePtr(birthDate)
	pr.Profile.Permission = model.Permission(permission)
	pr.Profile.ShareStatus = model.ShareStatus(shareStatus)
	pr.Profile.CreatedAt = decodeTime(createdAt)
	pr.Profile.UpdatedAt = decodeTime(updatedAt)

	if reminders != "" && reminders != "{}" {
		var prefs model.ReminderPrefs
		if err := json.Unmarshal([]byte(reminders), &prefs); err == nil {
			pr.Profile.Reminders = prefs
		}
	}

	pr.Pending = pend == 1
	pr.Deleted = deleted == 1
	return &pr, nil
}
