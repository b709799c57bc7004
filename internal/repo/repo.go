package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (r Repo) UpsertManifest(ctx context.Context, m domain.StoredManifest) error {
	if m.ID == "" {
		return errors.New("manifest id required")
	}
	if m.UpdatedAt == "" {
		m.UpdatedAt = formatTime(time.Now())
	}
	if m.CreatedAt == "" {
		m.CreatedAt = m.UpdatedAt
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO manifests(id,purpose,text,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET purpose=excluded.purpose, text=excluded.text, updated_at=excluded.updated_at`,
		m.ID, m.Purpose, m.Text, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetManifest(ctx context.Context, id string) (domain.StoredManifest, error) {
	var m domain.StoredManifest
	err := r.DB.QueryRowContext(ctx, `SELECT id,purpose,text,created_at,updated_at FROM manifests WHERE id=?`, id).
		Scan(&m.ID, &m.Purpose, &m.Text, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListManifests(ctx context.Context) ([]domain.StoredManifest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,purpose,text,created_at,updated_at FROM manifests ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StoredManifest
	for rows.Next() {
		var m domain.StoredManifest
		if err := rows.Scan(&m.ID, &m.Purpose, &m.Text, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteManifest(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM manifests WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventFilters narrows LatestEvents. Zero values match everything.
type EventFilters struct {
	ManifestID string
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ManifestID != "" {
		clauses = append(clauses, "manifest_id=?")
		args = append(args, f.ManifestID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(manifest_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ManifestID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(manifest_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ManifestID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
