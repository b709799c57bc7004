package manifest

import (
	"encoding/json"
	"fmt"
	"math"
)

// Properties wraps an operator's declared property bag with narrow typed
// accessors. Missing keys and mismatched types both report ok=false.
type Properties map[string]any

func (p Properties) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Properties) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// StringOr returns the string property or def when absent or not a string.
func (p Properties) StringOr(key, def string) string {
	if v, ok := p.String(key); ok {
		return v
	}
	return def
}

func (p Properties) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Int accepts any numeric property with an integral value.
func (p Properties) Int(key string) (int, bool) {
	f, ok := ToFloat(p[key])
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// Strings returns an array property whose elements are all strings.
func (p Properties) Strings(key string) ([]string, bool) {
	switch v := p[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				s = fmt.Sprint(item)
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func (p Properties) Map(key string) (map[string]any, bool) {
	v, ok := p[key].(map[string]any)
	return v, ok
}

// ToFloat converts any Go or JSON numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
