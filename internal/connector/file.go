package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/domain"
	"warden/internal/manifest"
)

// File serves a source from a JSON array of rows on disk and records
// executed actions as JSON lines in <path>.actions.jsonl.
type File struct {
	Source string
	Path   string
	Now    func() time.Time

	mu sync.Mutex
}

func NewFile(source, path string) *File {
	return &File{Source: source, Path: path, Now: time.Now}
}

func (f *File) Fetch(ctx context.Context, boundary config.Boundary, params map[string]any) ([]domain.DataRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("file connector %s: %w", f.Source, err)
	}
	var rows []domain.DataRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("file connector %s: decode %s: %w", f.Source, f.Path, err)
	}
	props := manifest.Properties(params)
	wantType, _ := props.String("type")
	limit, hasLimit := props.Int("limit")

	out := make([]domain.DataRow, 0, len(rows))
	for _, row := range rows {
		if row.Source == "" {
			row.Source = f.Source
		}
		if wantType != "" && row.Type != wantType {
			continue
		}
		if !withinBoundary(row, boundary) {
			continue
		}
		out = append(out, row)
		if hasLimit && limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *File) ExecuteAction(ctx context.Context, actionType string, actionData map[string]any) (domain.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ActionResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	entry := map[string]any{
		"ts":          now().UTC().Format(time.RFC3339),
		"source":      f.Source,
		"action_type": actionType,
		"action_data": actionData,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return domain.ActionResult{}, err
	}
	outbox := f.Path + ".actions.jsonl"
	fh, err := os.OpenFile(outbox, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("file connector %s: %w", f.Source, err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return domain.ActionResult{}, err
	}
	return domain.ActionResult{
		Success:    true,
		Message:    fmt.Sprintf("%s recorded to %s", actionType, filepath.Base(outbox)),
		ResultData: map[string]any{"outbox": outbox},
	}, nil
}

func withinBoundary(row domain.DataRow, b config.Boundary) bool {
	if b.After != "" && !notBefore(row.Timestamp, b.After) {
		return false
	}
	if len(b.Labels) > 0 {
		if labels, ok := manifest.Properties(row.Data).Strings("labels"); ok && !intersects(labels, b.Labels) {
			return false
		}
	}
	if len(b.Repos) > 0 {
		if repo, ok := row.Data["repo"].(string); ok && !intersects([]string{repo}, b.Repos) {
			return false
		}
	}
	return true
}

// notBefore compares RFC3339 timestamps, falling back to string order.
func notBefore(ts, after string) bool {
	t, err1 := time.Parse(time.RFC3339, ts)
	a, err2 := time.Parse(time.RFC3339, after)
	if err1 != nil || err2 != nil {
		return ts >= after
	}
	return !t.Before(a)
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
