package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"warden/internal/domain"
	"warden/internal/manifest"
	"warden/internal/metrics"
)

// store upserts every row into the cache and passes the rows on unchanged.
func store(ctx context.Context, rows []domain.DataRow, ec *ExecContext, _ manifest.Properties) ([]domain.DataRow, *domain.ActionResult, error) {
	if ec.Repo.DB == nil {
		return nil, nil, fmt.Errorf("store: %w", ErrNoStorage)
	}
	if len(rows) == 0 {
		return rows, nil, nil
	}
	now := ec.now().UTC()
	cachedAt := now.Format(timeLayout)
	items := make([]domain.CachedItem, 0, len(rows))
	perSource := map[string]int{}
	for _, row := range rows {
		data := row.Data
		if data == nil {
			data = map[string]any{}
		}
		b, err := json.Marshal(data)
		if err != nil {
			return nil, nil, fmt.Errorf("encode row %s/%s: %w", row.Source, row.SourceItemID, err)
		}
		value := string(b)
		if ec.Key != nil {
			if value, err = ec.Key.Seal(value); err != nil {
				return nil, nil, fmt.Errorf("encrypt row %s/%s: %w", row.Source, row.SourceItemID, err)
			}
		}
		item := domain.CachedItem{
			ID:           uuid.NewString(),
			Source:       row.Source,
			SourceItemID: row.SourceItemID,
			Type:         row.Type,
			Timestamp:    row.Timestamp,
			Data:         value,
			CachedAt:     cachedAt,
		}
		if ttl, ok := ec.source(row.Source).CacheTTL(); ok {
			exp := now.Add(ttl).Format(timeLayout)
			item.ExpiresAt = &exp
		}
		items = append(items, item)
		perSource[row.Source]++
	}
	if err := ec.Repo.UpsertCachedItems(ctx, items); err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	for source, n := range perSource {
		metrics.CacheWrites.WithLabelValues(source).Add(float64(n))
	}
	ec.logger().Debug("stored rows", zap.Int("rows", len(items)), zap.Bool("encrypted", ec.Key != nil))
	return rows, nil, nil
}
