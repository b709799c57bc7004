package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"warden/internal/domain"
)

type StagedFilters struct {
	Status     string
	ManifestID string
	Limit      int
}

func (r Repo) InsertStagedAction(ctx context.Context, tx *sql.Tx, a domain.StagedAction) error {
	data, err := marshalActionData(a.ActionData)
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO staged_actions(action_id,manifest_id,source,action_type,action_data,purpose,status,proposed_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ActionID, a.ManifestID, a.Source, a.ActionType, data, a.Purpose, a.Status, a.ProposedAt, nullableStringPtr(a.ResolvedAt))
	return err
}

// UpdateStagedAction persists status, payload and resolution time.
func (r Repo) UpdateStagedAction(ctx context.Context, tx *sql.Tx, a domain.StagedAction) error {
	data, err := marshalActionData(a.ActionData)
	if err != nil {
		return err
	}
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE staged_actions SET action_data=?, status=?, resolved_at=? WHERE action_id=?`,
		data, a.Status, nullableStringPtr(a.ResolvedAt), a.ActionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SwapStagedStatus moves an action from one status to another only if it is
// still in from. It reports whether the row changed.
func (r Repo) SwapStagedStatus(ctx context.Context, tx *sql.Tx, id, from, to string, resolvedAt *string) (bool, error) {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE staged_actions SET status=?, resolved_at=? WHERE action_id=? AND status=?`,
		to, nullableStringPtr(resolvedAt), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetStagedAction(ctx context.Context, id string) (domain.StagedAction, error) {
	return r.GetStagedActionTx(ctx, nil, id)
}

func (r Repo) GetStagedActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.StagedAction, error) {
	const query = `SELECT action_id,manifest_id,source,action_type,action_data,purpose,status,proposed_at,resolved_at FROM staged_actions WHERE action_id=?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, id)
	} else {
		row = r.DB.QueryRowContext(ctx, query, id)
	}
	a, err := scanStagedAction(row)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListStagedActions(ctx context.Context, f StagedFilters) ([]domain.StagedAction, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ManifestID != "" {
		clauses = append(clauses, "manifest_id=?")
		args = append(args, f.ManifestID)
	}
	query := `SELECT action_id,manifest_id,source,action_type,action_data,purpose,status,proposed_at,resolved_at FROM staged_actions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY proposed_at DESC, action_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StagedAction
	for rows.Next() {
		a, err := scanStagedAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStagedAction(s scanner) (domain.StagedAction, error) {
	var a domain.StagedAction
	var data string
	var resolved sql.NullString
	if err := s.Scan(&a.ActionID, &a.ManifestID, &a.Source, &a.ActionType, &data, &a.Purpose, &a.Status, &a.ProposedAt, &resolved); err != nil {
		return a, err
	}
	if resolved.Valid {
		a.ResolvedAt = &resolved.String
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &a.ActionData); err != nil {
			return a, err
		}
	}
	if a.ActionData == nil {
		a.ActionData = map[string]any{}
	}
	return a, nil
}

func marshalActionData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
