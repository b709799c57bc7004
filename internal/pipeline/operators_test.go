package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/domain"
	"warden/internal/manifest"
)

func rowsWith(data ...map[string]any) []domain.DataRow {
	out := make([]domain.DataRow, 0, len(data))
	for i, d := range data {
		out = append(out, domain.DataRow{Source: "s", SourceItemID: fmt.Sprint(i), Type: "t", Data: d})
	}
	return out
}

func runFilter(t *testing.T, rows []domain.DataRow, props map[string]any) []domain.DataRow {
	t.Helper()
	out, action, err := filter(context.Background(), rows, &ExecContext{}, manifest.Properties(props))
	require.NoError(t, err)
	require.Nil(t, action)
	return out
}

func TestFilterOps(t *testing.T) {
	rows := rowsWith(
		map[string]any{"n": int64(5), "s": "hello world", "tags": []any{"a", "b"}, "ok": true},
		map[string]any{"n": 5.0, "s": "bye", "tags": []any{"c"}, "ok": false},
		map[string]any{"n": "5", "s": 42},
		map[string]any{},
	)
	ids := func(rs []domain.DataRow) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.SourceItemID)
		}
		return out
	}
	assert.Equal(t, []string{"0", "1"}, ids(runFilter(t, rows, map[string]any{"field": "n", "op": "eq", "value": int64(5)})))
	assert.Equal(t, []string{"2"}, ids(runFilter(t, rows, map[string]any{"field": "n", "op": "eq", "value": "5"})))
	assert.Equal(t, []string{"1", "2", "3"}, ids(runFilter(t, rows, map[string]any{"field": "ok", "op": "neq", "value": true})))
	assert.Equal(t, []string{"0"}, ids(runFilter(t, rows, map[string]any{"field": "tags", "op": "contains", "value": "b"})))
	assert.Equal(t, []string{"0"}, ids(runFilter(t, rows, map[string]any{"field": "s", "op": "contains", "value": "lo wo"})))
	assert.Equal(t, []string{"0", "1"}, ids(runFilter(t, rows, map[string]any{"field": "n", "op": "gt", "value": int64(4)})))
	assert.Empty(t, runFilter(t, rows, map[string]any{"field": "n", "op": "lt", "value": int64(5)}))
	assert.Empty(t, runFilter(t, rows, map[string]any{"field": "n", "op": "gt", "value": "1"}), "type mismatch never compares")
	assert.Equal(t, []string{"1"}, ids(runFilter(t, rows, map[string]any{"field": "s", "op": "matches", "value": "^b.e$"})))

	_, _, err := filter(context.Background(), rows, &ExecContext{}, manifest.Properties{"field": "s", "op": "matches", "value": "("})
	assert.ErrorIs(t, err, ErrInvalidProperty)
	_, _, err = filter(context.Background(), rows, &ExecContext{}, manifest.Properties{"field": "s"})
	assert.ErrorIs(t, err, ErrMissingProperty)
	assert.EqualError(t, err, "requires field and op properties")
}

func TestSelectOmitsAbsentFields(t *testing.T) {
	rows := rowsWith(map[string]any{"title": "a", "body": "b"}, map[string]any{"body": "c"})
	out, _, err := selectFields(context.Background(), rows, &ExecContext{}, manifest.Properties{"fields": []any{"title", "missing"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "a"}, out[0].Data)
	assert.Equal(t, map[string]any{}, out[1].Data)
	assert.Equal(t, "b", rows[0].Data["body"], "input rows are not mutated")

	_, _, err = selectFields(context.Background(), rows, &ExecContext{}, manifest.Properties{"fields": "title"})
	assert.ErrorIs(t, err, ErrMissingProperty)
}

func TestTransformKinds(t *testing.T) {
	rows := rowsWith(
		map[string]any{"body": "héllo wörld"},
		map[string]any{"body": "hi"},
		map[string]any{"body": 12},
		map[string]any{"other": "x"},
	)
	out, _, err := transform(context.Background(), rows, &ExecContext{}, manifest.Properties{"kind": "truncate", "field": "body", "max_length": int64(5)})
	require.NoError(t, err)
	assert.Equal(t, "héllo...", out[0].Data["body"])
	assert.Equal(t, "hi", out[1].Data["body"])
	assert.Equal(t, 12, out[2].Data["body"])
	assert.Equal(t, map[string]any{"other": "x"}, out[3].Data)

	out, _, err = transform(context.Background(), rows, &ExecContext{}, manifest.Properties{"kind": "redact", "field": "body", "pattern": "l+"})
	require.NoError(t, err)
	assert.Equal(t, "hé[REDACTED]o wör[REDACTED]d", out[0].Data["body"])
	assert.Equal(t, "héllo wörld", rows[0].Data["body"])

	out, _, err = transform(context.Background(), rows, &ExecContext{}, manifest.Properties{"kind": "redact", "field": "body", "pattern": "h", "replacement": "$1"})
	require.NoError(t, err)
	assert.Equal(t, "$1i", out[1].Data["body"], "replacement is literal")

	_, _, err = transform(context.Background(), rows, &ExecContext{}, manifest.Properties{})
	assert.EqualError(t, err, "requires kind property")
	_, _, err = transform(context.Background(), rows, &ExecContext{}, manifest.Properties{"kind": "truncate", "field": "body"})
	assert.ErrorIs(t, err, ErrMissingProperty)
	_, _, err = transform(context.Background(), rows, &ExecContext{}, manifest.Properties{"kind": "redact", "field": "body"})
	assert.ErrorIs(t, err, ErrMissingProperty)
	_, _, err = transform(context.Background(), rows, &ExecContext{}, manifest.Properties{"kind": "upper"})
	assert.ErrorIs(t, err, ErrUnknownTransformKind)
}

func TestOperatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	properties.Property("select output keys are a subset of fields", prop.ForAll(
		func(keys []string, fields []string) bool {
			data := map[string]any{}
			for _, k := range keys {
				data[k] = k
			}
			anyFields := make([]any, len(fields))
			for i, f := range fields {
				anyFields[i] = f
			}
			out, _, err := selectFields(ctx, rowsWith(data), &ExecContext{}, manifest.Properties{"fields": anyFields})
			if err != nil || len(out) != 1 {
				return false
			}
			allowed := map[string]bool{}
			for _, f := range fields {
				allowed[f] = true
			}
			for k := range out[0].Data {
				if !allowed[k] || data[k] == nil {
					return false
				}
			}
			for _, f := range fields {
				if _, had := data[f]; had {
					if _, kept := out[0].Data[f]; !kept {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("filter is deterministic and never grows input", prop.ForAll(
		func(values []int64, threshold int64) bool {
			data := make([]map[string]any, len(values))
			for i, v := range values {
				data[i] = map[string]any{"n": v}
			}
			rows := rowsWith(data...)
			props := manifest.Properties{"field": "n", "op": "gt", "value": threshold}
			a, _, err1 := filter(ctx, rows, &ExecContext{}, props)
			b, _, err2 := filter(ctx, rows, &ExecContext{}, props)
			if err1 != nil || err2 != nil || len(a) != len(b) || len(a) > len(rows) {
				return false
			}
			for i := range a {
				if a[i].SourceItemID != b[i].SourceItemID || a[i].Data["n"].(int64) <= threshold {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64()),
		gen.Int64(),
	))

	ssn := regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
	properties.Property("redact leaves no match of its pattern", prop.ForAll(
		func(prefix, suffix string, a, b, c uint16) bool {
			body := fmt.Sprintf("%s %03d-%02d-%04d %s", prefix, a%1000, b%100, c%10000, suffix)
			out, _, err := transform(ctx, rowsWith(map[string]any{"body": body}), &ExecContext{},
				manifest.Properties{"kind": "redact", "field": "body", "pattern": ssn.String()})
			if err != nil {
				return false
			}
			return !ssn.MatchString(out[0].Data["body"].(string))
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.UInt16(),
		gen.UInt16(),
		gen.UInt16(),
	))

	properties.Property("truncate clips to max_length runes plus marker", prop.ForAll(
		func(s string, n int) bool {
			out := truncate(s, n)
			r := []rune(s)
			if len(r) <= n {
				return out == s
			}
			return out == string(r[:n])+"..."
		},
		gen.AnyString(),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}
