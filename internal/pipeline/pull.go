package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"warden/internal/domain"
	"warden/internal/manifest"
	"warden/internal/metrics"
	"warden/internal/repo"
	"warden/internal/vault"
)

// pull answers from the cache when it holds live rows for the source and
// otherwise asks the connector. Connector rows are returned uncached.
func pull(ctx context.Context, _ []domain.DataRow, ec *ExecContext, props manifest.Properties) ([]domain.DataRow, *domain.ActionResult, error) {
	source, ok := props.String("source")
	if !ok || source == "" {
		return nil, nil, requires("requires source property")
	}
	typ := props.StringOr("type", "")
	cfg := ec.source(source)

	if ec.Repo.DB != nil {
		items, err := ec.Repo.QueryCachedItems(ctx, repo.CacheQuery{
			Source: source,
			Type:   typ,
			After:  cfg.Boundary.After,
			Now:    ec.now(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("query cache: %w", err)
		}
		if len(items) > 0 {
			metrics.CacheHits.WithLabelValues(source).Inc()
			rows := make([]domain.DataRow, 0, len(items))
			for _, it := range items {
				row, err := decodeCached(it, ec.Key)
				if err != nil {
					return nil, nil, err
				}
				rows = append(rows, row)
			}
			ec.logger().Debug("pull cache hit", zap.String("source", source), zap.Int("rows", len(rows)))
			return rows, nil, nil
		}
	}

	metrics.CacheMisses.WithLabelValues(source).Inc()
	conn, ok := ec.Registry.Get(source)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoConnector, source)
	}
	params := make(map[string]any, len(props))
	for k, v := range props {
		params[k] = v
	}
	rows, err := conn.Fetch(ctx, cfg.Boundary, params)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", source, err)
	}
	ec.logger().Debug("pull fetched", zap.String("source", source), zap.Int("rows", len(rows)))
	return rows, nil, nil
}

// decodeCached restores a row from the cache. A value that does not decrypt
// under key is read as plaintext.
func decodeCached(it domain.CachedItem, key *vault.Key) (domain.DataRow, error) {
	raw := it.Data
	if key != nil {
		if plain, err := key.Open(raw); err == nil {
			raw = plain
		}
	} else if vault.IsSealed(raw) {
		return domain.DataRow{}, fmt.Errorf("cached item %s/%s is encrypted and no key is configured: %w", it.Source, it.SourceItemID, vault.ErrDecrypt)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		if vault.IsSealed(raw) {
			err = errors.Join(err, vault.ErrDecrypt)
		}
		return domain.DataRow{}, fmt.Errorf("decode cached item %s/%s: %w", it.Source, it.SourceItemID, err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return domain.DataRow{
		Source:       it.Source,
		SourceItemID: it.SourceItemID,
		Type:         it.Type,
		Timestamp:    it.Timestamp,
		Data:         data,
	}, nil
}
