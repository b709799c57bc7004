package pipeline

import (
	"context"
	"fmt"
	"regexp"

	"warden/internal/domain"
	"warden/internal/manifest"
)

const defaultReplacement = "[REDACTED]"

func transform(_ context.Context, rows []domain.DataRow, _ *ExecContext, props manifest.Properties) ([]domain.DataRow, *domain.ActionResult, error) {
	kind, ok := props.String("kind")
	if !ok || kind == "" {
		return nil, nil, requires("requires kind property")
	}
	var apply func(string) string
	switch kind {
	case "redact":
		pattern, ok := props.String("pattern")
		field, okField := props.String("field")
		if !ok || !okField || pattern == "" || field == "" {
			return nil, nil, requires("redact requires field and pattern properties")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidProperty, pattern, err)
		}
		replacement := props.StringOr("replacement", defaultReplacement)
		apply = func(s string) string { return re.ReplaceAllLiteralString(s, replacement) }
	case "truncate":
		field, okField := props.String("field")
		maxLen, okMax := props.Int("max_length")
		if !okField || !okMax || field == "" {
			return nil, nil, requires("truncate requires field and max_length properties")
		}
		if maxLen < 0 {
			return nil, nil, fmt.Errorf("%w: max_length must not be negative", ErrInvalidProperty)
		}
		apply = func(s string) string { return truncate(s, maxLen) }
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTransformKind, kind)
	}
	field, _ := props.String("field")

	out := make([]domain.DataRow, 0, len(rows))
	for _, row := range rows {
		s, ok := row.Data[field].(string)
		if !ok {
			out = append(out, row)
			continue
		}
		data := make(map[string]any, len(row.Data))
		for k, v := range row.Data {
			data[k] = v
		}
		data[field] = apply(s)
		row.Data = data
		out = append(out, row)
	}
	return out, nil, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
