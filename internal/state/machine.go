package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownInput indicates a reading for an input the table does not declare.
var ErrUnknownInput = errors.New("state: unknown input")

// Reasons attached to UNKNOWN statuses.
const (
	ReasonNoData  = "no data"
	ReasonNoMatch = "no matching rule"
)

// Machine derives a Status from the latest value of each input.
//
// Each input keeps its own timestamp watermark: a reading older than the
// last one applied to that input is ignored. A reading with the same
// timestamp is applied again.
type Machine struct {
	table *Table
	now   func() time.Time

	mu      sync.Mutex
	values  map[string]any
	stamps  map[string]time.Time
	invalid map[string]string
	status  Status
}

// NewMachine validates table and returns a machine in UNKNOWN.
func NewMachine(table *Table) (*Machine, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{table: table, now: time.Now}
	m.reset()
	return m, nil
}

// Table returns the rules the machine evaluates.
func (m *Machine) Table() *Table { return m.table }

func (m *Machine) reset() {
	m.values = make(map[string]any, len(m.table.Inputs))
	m.stamps = make(map[string]time.Time, len(m.table.Inputs))
	m.invalid = make(map[string]string)
	m.status = Status{State: Unknown, Reason: ReasonNoData, Timestamp: m.now()}
}

// Reset forgets every input and returns to UNKNOWN.
func (m *Machine) Reset() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return m.status
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Values returns a copy of the latest input values.
func (m *Machine) Values() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Apply records value for input and re-evaluates the table. It returns the
// resulting status and whether it differs from the previous one. Readings
// older than the input's last applied timestamp change nothing.
func (m *Machine) Apply(input string, value any, ts time.Time) (Status, bool, error) {
	if !m.table.HasInput(input) {
		return m.Current(), false, fmt.Errorf("%w: %q", ErrUnknownInput, input)
	}
	if ts.IsZero() {
		ts = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.stamps[input]; ok && ts.Before(last) {
		return m.status, false, nil
	}
	m.stamps[input] = ts
	m.values[input] = value
	delete(m.invalid, input)

	return m.evaluate(ts)
}

// Invalidate marks input as unavailable, forcing UNKNOWN until a new
// reading arrives for it. The last value and timestamp are kept.
func (m *Machine) Invalidate(input, reason string) (Status, bool, error) {
	if !m.table.HasInput(input) {
		return m.Current(), false, fmt.Errorf("%w: %q", ErrUnknownInput, input)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == "" {
		reason = "unavailable"
	}
	m.invalid[input] = reason
	return m.evaluate(m.now())
}

func (m *Machine) evaluate(ts time.Time) (Status, bool, error) {
	prev := m.status

	var next Status
	switch {
	case len(m.invalid) > 0:
		inputs := make([]string, 0, len(m.invalid))
		for in := range m.invalid {
			inputs = append(inputs, in)
		}
		sort.Strings(inputs)
		parts := make([]string, 0, len(inputs))
		for _, in := range inputs {
			parts = append(parts, in+": "+m.invalid[in])
		}
		next = Status{State: Unknown, Reason: strings.Join(parts, "; ")}
	default:
		if rule, ok := m.table.Evaluate(m.values); ok {
			next = Status{State: rule.State, Label: rule.Label}
		} else {
			next = Status{State: Unknown, Reason: ReasonNoMatch}
		}
	}

	if next.Equal(prev) {
		return prev, false, nil
	}
	next.Timestamp = ts
	m.status = next
	return next, true, nil
}
