package state

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// State is a device-independent summary state.
type State string

// Recognised states.
const (
	Unknown  State = "UNKNOWN"
	Ready    State = "READY"
	Moving   State = "MOVING"
	Busy     State = "BUSY"
	Fault    State = "FAULT"
	Disabled State = "DISABLED"
	Off      State = "OFF"
	On       State = "ON"
)

// All lists every state in declaration order.
var All = []State{Unknown, Ready, Moving, Busy, Fault, Disabled, Off, On}

// Valid reports whether s is a recognised state.
func (s State) Valid() bool {
	for _, v := range All {
		if s == v {
			return true
		}
	}
	return false
}

// Parse converts a case-insensitive name into a State.
func Parse(name string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(name)))
	if !s.Valid() {
		return Unknown, fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	return s, nil
}

// UnmarshalYAML accepts state names in any case.
func (s *State) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	parsed, err := Parse(name)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = parsed
	return nil
}

// Status is the state of a device at a point in time. Label carries the
// device-specific name (e.g. "open", "closed") of the matched rule.
type Status struct {
	State     State     `json:"state"`
	Label     string    `json:"label,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Equal reports whether two statuses describe the same state, ignoring time.
func (s Status) Equal(o Status) bool {
	return s.State == o.State && s.Label == o.Label && s.Reason == o.Reason
}

// String renders "STATE" or "STATE(label)".
func (s Status) String() string {
	if s.Label == "" {
		return string(s.State)
	}
	return fmt.Sprintf("%s(%s)", s.State, s.Label)
}
