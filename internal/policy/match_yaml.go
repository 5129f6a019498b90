package policy

import "gopkg.in/yaml.v3"

// clauseRaw mirrors Clause's YAML shape so we can detect whether a node
// is an internal (all/any/not) node or a bare leaf condition.
type clauseRaw struct {
	All       []Clause   `yaml:"all"`
	Any       []Clause   `yaml:"any"`
	Not       *Clause    `yaml:"not"`
	Field     string     `yaml:"field"`
	Operator  string     `yaml:"operator"`
	Value     any        `yaml:"value"`
	ValueFrom string     `yaml:"value_from_context"`
}

// UnmarshalYAML lets a manifest author write match trees using the
// compact schema in spec.md §6 — {all:[...]}, {any:[...]}, {not:{...}},
// or a bare {field, operator, value} leaf — without a "condition" wrapper.
func (cl *Clause) UnmarshalYAML(value *yaml.Node) error {
	var raw clauseRaw
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch {
	case raw.All != nil:
		cl.All = raw.All
	case raw.Any != nil:
		cl.Any = raw.Any
	case raw.Not != nil:
		cl.Not = raw.Not
	default:
		cl.Condition = &Condition{
			Field:            raw.Field,
			Operator:         raw.Operator,
			Value:            raw.Value,
			ValueFromContext: raw.ValueFrom,
		}
	}
	return nil
}
