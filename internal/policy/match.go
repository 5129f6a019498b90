package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Condition is a single match leaf: field OPERATOR value. Field is a
// dotted path resolved against {"args": ..., "context": ...}. The
// operator set is closed (spec.md §4.4); dispatch is a table, not
// open-ended reflection.
type Condition struct {
	Field            string `yaml:"field" json:"field"`
	Operator         string `yaml:"operator" json:"operator"`
	Value            any    `yaml:"value" json:"value"`
	ValueFromContext string `yaml:"value_from_context" json:"value_from_context,omitempty"`
}

// Clause is a boolean match-tree node: exactly one of All, Any, Not, or
// a bare Condition is populated.
type Clause struct {
	All       []Clause   `yaml:"all,omitempty" json:"all,omitempty"`
	Any       []Clause   `yaml:"any,omitempty" json:"any,omitempty"`
	Not       *Clause    `yaml:"not,omitempty" json:"not,omitempty"`
	Condition *Condition `yaml:"-" json:"-"`
}

// operators is the closed, ten-entry dispatch table named in spec.md §9
// ("prefer a dispatch table over open-ended dynamic dispatch").
var operators = map[string]func(lhs, rhs any) bool{
	"eq":      opEq,
	"neq":     opNeq,
	"gt":      func(l, r any) bool { return numCompare(l, r, func(a, b float64) bool { return a > b }) },
	"gte":     func(l, r any) bool { return numCompare(l, r, func(a, b float64) bool { return a >= b }) },
	"lt":      func(l, r any) bool { return numCompare(l, r, func(a, b float64) bool { return a < b }) },
	"lte":     func(l, r any) bool { return numCompare(l, r, func(a, b float64) bool { return a <= b }) },
	"contains": opContains,
	"regex":    opRegex,
	"in":       opIn,
	"not_in":   func(l, r any) bool { return !opIn(l, r) },
}

// ValidOperator reports whether op is one of the ten known operators;
// used by the manifest loader to reject unknown operators at load time.
func ValidOperator(op string) bool {
	_, ok := operators[op]
	return ok
}

// Evaluate resolves Condition.Field against data (a {"args":..,"context":..}
// envelope) and compares it to Value (or a value resolved from context via
// ValueFromContext) using Operator.
func (c Condition) Evaluate(data map[string]any) bool {
	lhs := deepGet(data, c.Field)

	rhs := c.Value
	if c.ValueFromContext != "" {
		rhs = deepGet(data, "context."+c.ValueFromContext)
	}

	// neq against a missing field is true (spec.md §4.4): a cross-tenant
	// rule referencing a field the context doesn't carry should still fire.
	if c.Operator == "neq" && lhs == nil {
		return true
	}

	fn, ok := operators[c.Operator]
	if !ok {
		return false
	}
	return fn(lhs, rhs)
}

// Evaluate walks the boolean tree: All requires every child true, Any
// requires at least one, Not inverts its single child, and a leaf with
// no children is evaluated as a bare Condition.
func (cl Clause) Evaluate(data map[string]any) bool {
	switch {
	case cl.All != nil:
		for _, child := range cl.All {
			if !child.Evaluate(data) {
				return false
			}
		}
		return true
	case cl.Any != nil:
		for _, child := range cl.Any {
			if child.Evaluate(data) {
				return true
			}
		}
		return false
	case cl.Not != nil:
		return !cl.Not.Evaluate(data)
	case cl.Condition != nil:
		return cl.Condition.Evaluate(data)
	default:
		return true
	}
}

func deepGet(data map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[part]
		if !ok {
			return nil
		}
		current = v
	}
	return current
}

func opEq(l, r any) bool  { return fmt.Sprint(l) == fmt.Sprint(r) && (l != nil) == (r != nil) }
func opNeq(l, r any) bool { return !opEq(l, r) }

func opContains(l, r any) bool {
	return strings.Contains(fmt.Sprint(l), fmt.Sprint(r))
}

func opRegex(l, r any) bool {
	re, err := regexp.Compile(fmt.Sprint(r))
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprint(l))
}

func opIn(l, r any) bool {
	items, ok := r.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if opEq(l, item) {
			return true
		}
	}
	return false
}

func numCompare(l, r any, cmp func(a, b float64) bool) bool {
	lf, ok1 := toFloat(l)
	rf, ok2 := toFloat(r)
	if !ok1 || !ok2 {
		return false
	}
	return cmp(lf, rf)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
