package pipeline

import (
	"context"

	"warden/internal/domain"
	"warden/internal/manifest"
)

func selectFields(_ context.Context, rows []domain.DataRow, _ *ExecContext, props manifest.Properties) ([]domain.DataRow, *domain.ActionResult, error) {
	fields, ok := props.Strings("fields")
	if !ok {
		return nil, nil, requires("requires fields property")
	}
	out := make([]domain.DataRow, 0, len(rows))
	for _, row := range rows {
		data := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := row.Data[f]; ok {
				data[f] = v
			}
		}
		row.Data = data
		out = append(out, row)
	}
	return out, nil, nil
}
