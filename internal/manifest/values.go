package manifest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// parseProperties turns `key: value, key: value` into a map. Commas inside
// quotes, [...] or {...} do not split.
func parseProperties(block string) map[string]any {
	props := map[string]any{}
	for _, part := range splitTopLevel(block, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, ':')
		if idx <= 0 {
			continue
		}
		key := unquote(strings.TrimSpace(part[:idx]))
		if key == "" {
			continue
		}
		props[key] = parseValue(strings.TrimSpace(part[idx+1:]))
	}
	return props
}

// splitTopLevel splits s on sep, ignoring separators nested in quotes or
// brackets.
func splitTopLevel(s string, sep byte) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '[', '{':
			depth++
		case ']', '}':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func parseValue(raw string) any {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return ""
	case isQuoted(raw):
		return unquote(raw)
	case raw == "true":
		return true
	case raw == "false":
		return false
	case strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			if arr == nil {
				arr = []any{}
			}
			return arr
		}
		return naiveArray(raw[1 : len(raw)-1])
	case strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			return obj
		}
		return raw
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func naiveArray(inner string) []any {
	out := []any{}
	for _, tok := range splitTopLevel(inner, ',') {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		out = append(out, unquote(tok))
	}
	return out
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')
}

// unquote strips one pair of surrounding quotes. Inside, only \\ and an
// escaped quote character are unescaped; every other backslash is kept, so
// regex escapes such as \b and \d reach the operator intact.
func unquote(s string) string {
	if !isQuoted(s) {
		return s
	}
	q := s[0]
	inner := s[1 : len(s)-1]
	if strings.IndexByte(inner, '\\') < 0 {
		return inner
	}
	var b strings.Builder
	b.Grow(len(inner))
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' && i+1 < len(inner) && (inner[i+1] == '\\' || inner[i+1] == q) {
			b.WriteByte(inner[i+1])
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
