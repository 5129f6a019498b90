package policy

import "testing"

func TestOperators(t *testing.T) {
	cases := []struct {
		op       string
		lhs, rhs any
		want     bool
	}{
		{"eq", "a", "a", true},
		{"eq", "a", "b", false},
		{"neq", "a", "b", true},
		{"gt", 5.0, 3.0, true},
		{"gte", 3.0, 3.0, true},
		{"lt", 2.0, 3.0, true},
		{"lte", 3.0, 3.0, true},
		{"contains", "hello world", "world", true},
		{"regex", "abc123", "[0-9]+", true},
		{"in", "b", []any{"a", "b", "c"}, true},
		{"not_in", "z", []any{"a", "b", "c"}, true},
	}
	for _, c := range cases {
		cond := Condition{Field: "x", Operator: c.op, Value: c.rhs}
		got := cond.Evaluate(map[string]any{"x": c.lhs})
		if got != c.want {
			t.Errorf("%s(%v, %v) = %v, want %v", c.op, c.lhs, c.rhs, got, c.want)
		}
	}
}

func TestUnknownOperatorDefaultsFalse(t *testing.T) {
	cond := Condition{Field: "x", Operator: "bogus", Value: 1}
	if cond.Evaluate(map[string]any{"x": 1}) {
		t.Fatalf("unknown operator should default to false")
	}
}

func TestClauseAllAnyNot(t *testing.T) {
	data := map[string]any{"x": 5.0, "y": "hello"}

	all := Clause{All: []Clause{
		{Condition: &Condition{Field: "x", Operator: "gt", Value: 1.0}},
		{Condition: &Condition{Field: "y", Operator: "contains", Value: "ell"}},
	}}
	if !all.Evaluate(data) {
		t.Fatalf("all clause should be true")
	}

	any_ := Clause{Any: []Clause{
		{Condition: &Condition{Field: "x", Operator: "lt", Value: 1.0}},
		{Condition: &Condition{Field: "y", Operator: "contains", Value: "ell"}},
	}}
	if !any_.Evaluate(data) {
		t.Fatalf("any clause should be true")
	}

	not := Clause{Not: &Clause{Condition: &Condition{Field: "x", Operator: "gt", Value: 100.0}}}
	if !not.Evaluate(data) {
		t.Fatalf("not clause should be true")
	}
}
