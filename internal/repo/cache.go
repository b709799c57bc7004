package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"warden/internal/domain"
)

// CacheQuery selects live cache rows for a pull.
type CacheQuery struct {
	Source string
	Type   string
	After  string
	Now    time.Time
}

// UpsertCachedItems writes the batch in one transaction keyed on
// (source, source_item_id). A later write replaces the earlier payload and
// keeps the original row id. Either every row lands or none does.
func (r Repo) UpsertCachedItems(ctx context.Context, items []domain.CachedItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, it := range items {
		if it.Source == "" || it.SourceItemID == "" {
			return fmt.Errorf("cache item requires source and source_item_id")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cached_items(id,source,source_item_id,type,timestamp,data,cached_at,expires_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(source, source_item_id) DO UPDATE SET type=excluded.type, timestamp=excluded.timestamp, data=excluded.data, cached_at=excluded.cached_at, expires_at=excluded.expires_at`,
			it.ID, it.Source, it.SourceItemID, it.Type, it.Timestamp, it.Data, it.CachedAt, nullableStringPtr(it.ExpiresAt)); err != nil {
			return fmt.Errorf("upsert cached item %s/%s: %w", it.Source, it.SourceItemID, err)
		}
	}
	return tx.Commit()
}

// QueryCachedItems returns non-expired rows for a source, newest first.
func (r Repo) QueryCachedItems(ctx context.Context, q CacheQuery) ([]domain.CachedItem, error) {
	clauses := []string{"source=?"}
	args := []any{q.Source}
	if q.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, q.Type)
	}
	if q.After != "" {
		clauses = append(clauses, "timestamp>=?")
		args = append(args, q.After)
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	clauses = append(clauses, "(expires_at IS NULL OR expires_at>?)")
	args = append(args, formatTime(now))
	query := `SELECT id,source,source_item_id,type,timestamp,data,cached_at,expires_at FROM cached_items WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY timestamp DESC, source_item_id ASC`
	return r.queryCachedItems(ctx, query, args...)
}

// ListCachedItems returns cached rows regardless of expiry, for inspection.
func (r Repo) ListCachedItems(ctx context.Context, source string, limit int) ([]domain.CachedItem, error) {
	query := `SELECT id,source,source_item_id,type,timestamp,data,cached_at,expires_at FROM cached_items`
	var args []any
	if source != "" {
		query += ` WHERE source=?`
		args = append(args, source)
	}
	query += ` ORDER BY cached_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryCachedItems(ctx, query, args...)
}

func (r Repo) GetCachedItem(ctx context.Context, source, sourceItemID string) (domain.CachedItem, error) {
	items, err := r.queryCachedItems(ctx, `SELECT id,source,source_item_id,type,timestamp,data,cached_at,expires_at FROM cached_items WHERE source=? AND source_item_id=?`, source, sourceItemID)
	if err != nil {
		return domain.CachedItem{}, err
	}
	if len(items) == 0 {
		return domain.CachedItem{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) CountCachedItems(ctx context.Context, source string) (int, error) {
	query := `SELECT COUNT(*) FROM cached_items`
	var args []any
	if source != "" {
		query += ` WHERE source=?`
		args = append(args, source)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// PurgeExpired deletes rows whose expiry is at or before now.
func (r Repo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM cached_items WHERE expires_at IS NOT NULL AND expires_at<=?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) queryCachedItems(ctx context.Context, query string, args ...any) ([]domain.CachedItem, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CachedItem
	for rows.Next() {
		var it domain.CachedItem
		var expires sql.NullString
		if err := rows.Scan(&it.ID, &it.Source, &it.SourceItemID, &it.Type, &it.Timestamp, &it.Data, &it.CachedAt, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			it.ExpiresAt = &expires.String
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
