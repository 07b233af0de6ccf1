package state

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/beamline-core/internal/channel"
)

// Matcher tests one input value.
//
// In YAML a scalar means equality and a sequence means membership:
//
//	when:
//	  state: 1              # equals
//	  mode: [2, 3]          # in
//	  pressure: {max: 1e-6} # range
//	  ready: {any: true}    # any known value
type Matcher struct {
	Equals any      `json:"eq,omitempty"`
	In     []any    `json:"in,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Any    bool     `json:"any,omitempty"`
}

// Eq matches a single value.
func Eq(v any) Matcher { return Matcher{Equals: v} }

// OneOf matches any of vs.
func OneOf(vs ...any) Matcher { return Matcher{In: vs} }

// Present matches any known value.
func Present() Matcher { return Matcher{Any: true} }

// Between matches numbers in [lo, hi].
func Between(lo, hi float64) Matcher { return Matcher{Min: &lo, Max: &hi} }

// Match reports whether v satisfies every condition of the matcher. A nil
// value (input not known yet) never matches.
func (m Matcher) Match(v any) bool {
	if v == nil {
		return false
	}
	if m.Equals != nil && !channel.Equal(m.Equals, v) {
		return false
	}
	if len(m.In) > 0 {
		found := false
		for _, candidate := range m.In {
			if channel.Equal(candidate, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.Min != nil || m.Max != nil {
		f, ok := channel.ToFloat(v)
		if !ok {
			return false
		}
		if m.Min != nil && f < *m.Min {
			return false
		}
		if m.Max != nil && f > *m.Max {
			return false
		}
	}
	return true
}

func (m Matcher) validate() error {
	if m.Equals == nil && len(m.In) == 0 && m.Min == nil && m.Max == nil && !m.Any {
		return errors.New("empty condition")
	}
	if m.Min != nil && m.Max != nil && *m.Min > *m.Max {
		return fmt.Errorf("min %v above max %v", *m.Min, *m.Max)
	}
	return nil
}

// UnmarshalYAML accepts the scalar, sequence and mapping forms.
func (m *Matcher) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		*m = Matcher{Equals: v}
		return nil

	case yaml.SequenceNode:
		var vs []any
		if err := node.Decode(&vs); err != nil {
			return err
		}
		*m = Matcher{In: vs}
		return nil

	case yaml.MappingNode:
		for i := 0; i < len(node.Content); i += 2 {
			switch key := node.Content[i].Value; key {
			case "eq", "in", "min", "max", "any":
			default:
				return fmt.Errorf("line %d: unknown condition %q", node.Content[i].Line, key)
			}
		}
		var raw struct {
			Eq  *yaml.Node `yaml:"eq"`
			In  []any      `yaml:"in"`
			Min *float64   `yaml:"min"`
			Max *float64   `yaml:"max"`
			Any bool       `yaml:"any"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		out := Matcher{In: raw.In, Min: raw.Min, Max: raw.Max, Any: raw.Any}
		if raw.Eq != nil {
			if err := raw.Eq.Decode(&out.Equals); err != nil {
				return err
			}
		}
		*m = out
		return nil
	}
	return fmt.Errorf("line %d: condition must be a value, a list or a mapping", node.Line)
}

// Rule maps a conjunction of input conditions to a state.
type Rule struct {
	When  map[string]Matcher `yaml:"when" json:"when,omitempty"`
	State State              `yaml:"state" json:"state"`
	Label string             `yaml:"label" json:"label,omitempty"`
}

// Matches reports whether every condition holds for values.
func (r Rule) Matches(values map[string]any) bool {
	for input, m := range r.When {
		if !m.Match(values[input]) {
			return false
		}
	}
	return true
}

// Table is an ordered list of rules over named inputs. The first matching
// rule wins; no match yields UNKNOWN.
type Table struct {
	Inputs []string `yaml:"inputs" json:"inputs"`
	Rules  []Rule   `yaml:"rules" json:"rules"`
}

// Validate checks the table, reporting every problem found.
func (t *Table) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: table is nil", ErrInvalidTable)
	}

	var errs []string
	if len(t.Inputs) == 0 {
		errs = append(errs, "at least one input is required")
	}
	inputs := make(map[string]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		if in == "" {
			errs = append(errs, "input name is empty")
			continue
		}
		if inputs[in] {
			errs = append(errs, fmt.Sprintf("input %q duplicated", in))
		}
		inputs[in] = true
	}

	if len(t.Rules) == 0 {
		errs = append(errs, "at least one rule is required")
	}
	for i, r := range t.Rules {
		if !r.State.Valid() {
			errs = append(errs, fmt.Sprintf("rule %d: state %q is not recognised", i, r.State))
		}
		if len(r.When) == 0 && i != len(t.Rules)-1 {
			errs = append(errs, fmt.Sprintf("rule %d: unconditional rule must be last", i))
		}
		for in, m := range r.When {
			if !inputs[in] {
				errs = append(errs, fmt.Sprintf("rule %d: input %q is not declared", i, in))
			}
			if err := m.validate(); err != nil {
				errs = append(errs, fmt.Sprintf("rule %d: input %q: %v", i, in, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTable, strings.Join(errs, "; "))
	}
	return nil
}

// Evaluate returns the first rule matching values.
func (t *Table) Evaluate(values map[string]any) (Rule, bool) {
	for _, r := range t.Rules {
		if r.Matches(values) {
			return r, true
		}
	}
	return Rule{}, false
}

// Labels returns the distinct rule labels in table order.
func (t *Table) Labels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.Rules {
		if r.Label != "" && !seen[r.Label] {
			seen[r.Label] = true
			out = append(out, r.Label)
		}
	}
	return out
}

// HasLabel reports whether any rule carries label.
func (t *Table) HasLabel(label string) bool {
	for _, r := range t.Rules {
		if r.Label == label {
			return true
		}
	}
	return false
}

// HasInput reports whether name is a declared input.
func (t *Table) HasInput(name string) bool {
	for _, in := range t.Inputs {
		if in == name {
			return true
		}
	}
	return false
}

// ParseTable decodes and validates a YAML state table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
