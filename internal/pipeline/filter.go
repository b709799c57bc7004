package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"warden/internal/domain"
	"warden/internal/manifest"
)

type predicate func(v any) bool

func filter(_ context.Context, rows []domain.DataRow, _ *ExecContext, props manifest.Properties) ([]domain.DataRow, *domain.ActionResult, error) {
	field, okField := props.String("field")
	op, okOp := props.String("op")
	if !okField || !okOp || field == "" || op == "" {
		return nil, nil, requires("requires field and op properties")
	}
	pred, err := buildPredicate(op, props["value"])
	if err != nil {
		return nil, nil, err
	}
	out := make([]domain.DataRow, 0, len(rows))
	for _, row := range rows {
		v, present := row.Data[field]
		if !present {
			v = nil
		}
		if pred(v) {
			out = append(out, row)
		}
	}
	return out, nil, nil
}

func buildPredicate(op string, want any) (predicate, error) {
	switch op {
	case "eq":
		return func(v any) bool { return equal(v, want) }, nil
	case "neq":
		return func(v any) bool { return !equal(v, want) }, nil
	case "contains":
		return func(v any) bool { return contains(v, want) }, nil
	case "gt":
		return func(v any) bool { return compare(v, want, func(a, b float64) bool { return a > b }) }, nil
	case "lt":
		return func(v any) bool { return compare(v, want, func(a, b float64) bool { return a < b }) }, nil
	case "matches":
		pattern, ok := want.(string)
		if !ok {
			return nil, requires("matches requires a string value property")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: value %q: %v", ErrInvalidProperty, pattern, err)
		}
		return func(v any) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFilterOp, op)
}

// equal is strict: numbers compare by value across int/float kinds, other
// scalars by identity of type and value, composites never match.
func equal(a, b any) bool {
	if fa, ok := manifest.ToFloat(a); ok {
		fb, ok := manifest.ToFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func contains(v, want any) bool {
	switch hay := v.(type) {
	case []any:
		for _, el := range hay {
			if equal(el, want) {
				return true
			}
		}
		return false
	case []string:
		for _, el := range hay {
			if equal(el, want) {
				return true
			}
		}
		return false
	case string:
		needle, ok := want.(string)
		if !ok {
			if want == nil {
				return false
			}
			needle = fmt.Sprint(want)
		}
		return strings.Contains(hay, needle)
	}
	return false
}

func compare(v, want any, cmp func(a, b float64) bool) bool {
	a, ok := manifest.ToFloat(v)
	if !ok {
		return false
	}
	b, ok := manifest.ToFloat(want)
	if !ok {
		return false
	}
	return cmp(a, b)
}
