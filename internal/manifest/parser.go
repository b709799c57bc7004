// Package manifest parses and validates the manifest DSL.
//
//	@purpose: "Find relevant emails by keyword for AI assistant"
//	@graph: pull_emails -> select_fields -> redact_sensitive
//	pull_emails: pull { source: "gmail", type: "email" }
//	select_fields: select { fields: ["title", "body", "author_name"] }
//
// Parsing is lenient: unrecognized lines are skipped. Only a missing or
// empty @purpose is a parse failure; structural problems are reported by Validate.
package manifest

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"warden/internal/domain"
)

// ParseError reports manifest text that cannot be compiled.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string {
	return "parse manifest: " + e.Msg
}

var declRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*:\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?:\{(.*)\})?\s*$`)

// Parse compiles manifest text. When id is empty a stable id is derived from
// the text itself.
func Parse(text, id string) (domain.Manifest, error) {
	m := domain.Manifest{
		ID:        id,
		Operators: map[string]domain.OperatorDecl{},
	}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "@purpose:"):
			m.Purpose = strings.TrimSpace(unquote(strings.TrimSpace(strings.TrimPrefix(line, "@purpose:"))))
		case strings.HasPrefix(line, "@graph:"):
			m.Graph = parseGraph(stripInlineComment(strings.TrimPrefix(line, "@graph:")))
		default:
			line = stripInlineComment(line)
			match := declRe.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			m.Operators[match[1]] = domain.OperatorDecl{
				Name:       match[1],
				Type:       match[2],
				Properties: parseProperties(match[3]),
			}
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Manifest{}, &ParseError{Msg: err.Error()}
	}
	if m.Purpose == "" {
		return domain.Manifest{}, &ParseError{Msg: "missing @purpose"}
	}
	if m.ID == "" {
		m.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(text)).String()
	}
	return m, nil
}

func parseGraph(s string) []string {
	var nodes []string
	for _, tok := range strings.Split(s, "->") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			nodes = append(nodes, tok)
		}
	}
	return nodes
}

// stripInlineComment drops a trailing // comment that is not inside a quoted
// string.
func stripInlineComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimSpace(line[:i])
		}
	}
	return line
}
