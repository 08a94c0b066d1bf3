// Package query compiles the UI's boolean-tree filter expressions into
// predicates over content entities. The wire format is a recursive JSON
// structure of group nodes (AND over children, optionally negated as a
// whole) and rule nodes (field, operator, value list).
package query

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Operators accepted on rule nodes
const (
	OpEquals = "select_equals"
	OpAnyIn  = "select_any_in"
)

// FieldKind describes how a registered field resolves on an entity
type FieldKind int

const (
	// KindScalar is a direct attribute (case id, project id, ...)
	KindScalar FieldKind = iota
	// KindSet is a many-to-many relationship (codes, tags, set membership)
	KindSet
)

// Registry maps field names of one content type to their kind. Compiling
// a rule over an unregistered field is an input bug, not a miss.
type Registry map[string]FieldKind

// Entity is the evaluation target of a compiled predicate
type Entity interface {
	// Attr returns a scalar attribute value
	Attr(field string) (string, bool)
	// Related returns the related-set values of a many-to-many field
	Related(field string) ([]string, bool)
}

// Predicate reports whether an entity matches the compiled tree
type Predicate func(Entity) bool

// Error is a malformed or unsupported query tree. It is always a caller
// bug and never worth retrying.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "query: " + e.Reason
}

func errorf(format string, args ...interface{}) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes a serialized query tree
func Parse(data []byte) (map[string]interface{}, error) {
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, errorf("invalid tree encoding: %v", err)
	}
	return tree, nil
}

// Compile walks the tree depth-first and produces a predicate. It is a
// pure function; no store access happens until the predicate is applied.
func Compile(tree map[string]interface{}, registry Registry) (Predicate, error) {
	if tree == nil {
		return nil, errorf("empty tree")
	}

	nodeType, _ := tree["type"].(string)
	switch nodeType {
	case "group":
		return compileGroup(tree, registry)
	case "rule":
		return compileRule(tree, registry)
	default:
		return nil, errorf("unsupported node type %q", nodeType)
	}
}

// compileGroup combines the children with AND and applies whole-group
// negation when properties.not is set. Any other combinator is rejected;
// the compiler fails closed instead of guessing semantics.
func compileGroup(node map[string]interface{}, registry Registry) (Predicate, error) {
	props, _ := node["properties"].(map[string]interface{})
	negated := false
	if props != nil {
		if n, ok := props["not"].(bool); ok {
			negated = n
		}
		if conj, ok := props["conjunction"].(string); ok && conj != "" && conj != "AND" {
			return nil, errorf("unsupported group conjunction %q", conj)
		}
	}

	var children []Predicate
	found := false
	for key, raw := range node {
		if len(key) < len("children") || key[:len("children")] != "children" {
			continue
		}
		found = true
		list, ok := raw.([]interface{})
		if !ok {
			return nil, errorf("group key %q is not a list", key)
		}
		for _, child := range list {
			childNode, ok := child.(map[string]interface{})
			if !ok {
				return nil, errorf("group child is not an object")
			}
			p, err := Compile(childNode, registry)
			if err != nil {
				return nil, err
			}
			children = append(children, p)
		}
	}
	if !found {
		return nil, errorf("group node has no children key")
	}

	all := func(e Entity) bool {
		for _, p := range children {
			if !p(e) {
				return false
			}
		}
		return true
	}

	if negated {
		return func(e Entity) bool { return !all(e) }, nil
	}
	return all, nil
}

func compileRule(node map[string]interface{}, registry Registry) (Predicate, error) {
	props, ok := node["properties"].(map[string]interface{})
	if !ok {
		return nil, errorf("rule node is missing properties")
	}

	field, _ := props["field"].(string)
	if field == "" {
		return nil, errorf("rule node is missing field")
	}
	kind, ok := registry[field]
	if !ok {
		return nil, errorf("unknown field %q", field)
	}

	operator, _ := props["operator"].(string)
	values, ok := props["value"].([]interface{})
	if !ok || len(values) == 0 {
		return nil, errorf("rule for field %q has no value", field)
	}

	switch operator {
	case OpEquals:
		want := coerce(values[0])
		if kind == KindSet {
			// equality on a relationship means membership of the one value
			return setIntersects(field, []string{want}), nil
		}
		return func(e Entity) bool {
			got, ok := e.Attr(field)
			return ok && got == want
		}, nil

	case OpAnyIn:
		list, ok := values[0].([]interface{})
		if !ok {
			return nil, errorf("operator %q for field %q expects a value list", operator, field)
		}
		wanted := make([]string, 0, len(list))
		for _, v := range list {
			wanted = append(wanted, coerce(v))
		}
		if kind == KindSet {
			return setIntersects(field, wanted), nil
		}
		return func(e Entity) bool {
			got, ok := e.Attr(field)
			if !ok {
				return false
			}
			for _, w := range wanted {
				if got == w {
					return true
				}
			}
			return false
		}, nil

	default:
		return nil, errorf("unsupported operator %q for field %q", operator, field)
	}
}

// setIntersects is true iff the entity's related set shares at least one
// value with the wanted list. Entities matching several values still
// match exactly once; the predicate form makes duplicates impossible.
func setIntersects(field string, wanted []string) Predicate {
	return func(e Entity) bool {
		related, ok := e.Related(field)
		if !ok {
			return false
		}
		for _, r := range related {
			for _, w := range wanted {
				if r == w {
					return true
				}
			}
		}
		return false
	}
}

func coerce(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
