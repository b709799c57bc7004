package manifest

import (
	"fmt"
	"sort"
	"strings"

	"warden/internal/domain"
)

// ValidationError is one structural problem found in a manifest.
type ValidationError struct {
	Code   string `json:"code" enum:"undeclared_operator,unknown_type,missing_property,duplicate_node,empty_graph,empty_purpose"`
	Node   string `json:"node,omitempty"`
	Detail string `json:"detail"`
}

func (e ValidationError) Error() string {
	return e.Detail
}

// ValidationErrors collects every problem in a manifest.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Detail)
	}
	return "invalid manifest: " + strings.Join(msgs, "; ")
}

// requiredProps lists mandatory properties per operator type.
var requiredProps = map[string][]string{
	domain.OpPull: {"source"},
}

// Validate runs all static checks and returns every failure found. An empty
// result means the manifest may run. Node ordering (stage must be last) is
// left to the engine.
func Validate(m domain.Manifest) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(m.Purpose) == "" {
		errs = append(errs, ValidationError{Code: "empty_purpose", Detail: "purpose must not be empty"})
	}
	if len(m.Graph) == 0 {
		errs = append(errs, ValidationError{Code: "empty_graph", Detail: "empty graph"})
	}
	seen := map[string]bool{}
	for _, name := range m.Graph {
		if _, ok := m.Operators[name]; !ok && !seen[name] {
			errs = append(errs, ValidationError{Code: "undeclared_operator", Node: name, Detail: "undeclared operator: " + name})
		}
		if seen[name] {
			errs = append(errs, ValidationError{Code: "duplicate_node", Node: name, Detail: "duplicate node: " + name})
		}
		seen[name] = true
	}
	for _, name := range sortedNames(m.Operators) {
		op := m.Operators[name]
		if !domain.IsOperatorType(op.Type) {
			errs = append(errs, ValidationError{Code: "unknown_type", Node: name, Detail: "unknown type: " + op.Type})
			continue
		}
		for _, prop := range requiredProps[op.Type] {
			if _, ok := op.Properties[prop]; !ok {
				errs = append(errs, ValidationError{Code: "missing_property", Node: name, Detail: "missing required property: " + prop})
			}
		}
	}
	return errs
}

// Compile parses and validates text in one step.
func Compile(text, id string) (domain.Manifest, error) {
	m, err := Parse(text, id)
	if err != nil {
		return domain.Manifest{}, err
	}
	if errs := Validate(m); len(errs) > 0 {
		return m, errs
	}
	return m, nil
}

// Describe renders the graph as "name:type -> name:type".
func Describe(m domain.Manifest) string {
	parts := make([]string, 0, len(m.Graph))
	for _, name := range m.Graph {
		parts = append(parts, fmt.Sprintf("%s:%s", name, m.Operators[name].Type))
	}
	return strings.Join(parts, " -> ")
}

func sortedNames(ops map[string]domain.OperatorDecl) []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
