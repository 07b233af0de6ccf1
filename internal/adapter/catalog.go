package adapter

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/state"
)

// Catalog is the device catalog file.
type Catalog struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig defines one device.
type DeviceConfig struct {
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"kind"`
	Description string `yaml:"description"`

	// Backend is the default backend for channels and commands that do
	// not name one.
	Backend string `yaml:"backend"`

	Channels   map[string]ChannelConfig `yaml:"channels"`
	Commands   map[string]CommandConfig `yaml:"commands"`
	StateTable *state.Table             `yaml:"state_table"`

	// Value overrides the role returned by GetValue.
	Value string `yaml:"value"`

	Settings Settings `yaml:"settings"`
}

// ChannelConfig binds a role to a backend value.
type ChannelConfig struct {
	Backend      string            `yaml:"backend"`
	Address      string            `yaml:"address"`
	Attribute    string            `yaml:"attribute"`
	Type         channel.ValueType `yaml:"type"`
	Min          *float64          `yaml:"min"`
	Max          *float64          `yaml:"max"`
	Enum         []any             `yaml:"enum"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Timeout      time.Duration     `yaml:"timeout"`
	Optimistic   bool              `yaml:"optimistic"`
	Scale        float64           `yaml:"scale"`
	Offset       float64           `yaml:"offset"`
}

// CommandConfig binds a role to a backend action.
type CommandConfig struct {
	Backend   string        `yaml:"backend"`
	Address   string        `yaml:"address"`
	Attribute string        `yaml:"attribute"`
	Value     any           `yaml:"value"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Settings tune operation post-conditions.
type Settings struct {
	// Tolerance is the accepted distance between target and reading.
	Tolerance float64 `yaml:"tolerance"`

	// MoveTimeout applies to waits called with a zero timeout.
	MoveTimeout time.Duration `yaml:"move_timeout"`

	// StartTimeout rejects a move that shows no MOVING state and is not in
	// position within this time. It only applies to devices whose state
	// table has a MOVING or BUSY rule.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// SettleTime is how long a position may lag a READY state before a
	// finished move is declared off target.
	SettleTime time.Duration `yaml:"settle_time"`

	// Shutter labels and values.
	OpenLabel   string `yaml:"open_label"`
	ClosedLabel string `yaml:"closed_label"`
	OpenValue   any    `yaml:"open_value"`
	CloseValue  any    `yaml:"close_value"`

	// AbortPollInterval bounds how quickly a pending wait notices Abort.
	AbortPollInterval time.Duration `yaml:"abort_poll_interval"`
}

const (
	defaultMoveTimeout       = 30 * time.Second
	defaultSettleTime        = 200 * time.Millisecond
	defaultStartTimeout      = 2 * time.Second
	defaultAbortPollInterval = 50 * time.Millisecond
)

func (s Settings) withDefaults() Settings {
	if s.MoveTimeout <= 0 {
		s.MoveTimeout = defaultMoveTimeout
	}
	if s.SettleTime <= 0 {
		s.SettleTime = defaultSettleTime
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = defaultStartTimeout
	}
	if s.AbortPollInterval <= 0 {
		s.AbortPollInterval = defaultAbortPollInterval
	}
	if s.OpenLabel == "" {
		s.OpenLabel = "open"
	}
	if s.ClosedLabel == "" {
		s.ClosedLabel = "closed"
	}
	if s.OpenValue == nil {
		s.OpenValue = 1
	}
	if s.CloseValue == nil {
		s.CloseValue = 0
	}
	return s
}

// LoadCatalog reads and validates a device catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parsing catalog: %w", ErrConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every device and name uniqueness, reporting all problems.
func (c *Catalog) Validate() error {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name != "" && seen[d.Name] {
			errs = append(errs, fmt.Sprintf("devices[%d]: name %q duplicated", i, d.Name))
		}
		seen[d.Name] = true
		for _, p := range d.problems() {
			errs = append(errs, fmt.Sprintf("devices[%d] (%s): %s", i, d.Name, p))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the device definition on its own.
func (d DeviceConfig) Validate() error {
	if p := d.problems(); len(p) > 0 {
		return fmt.Errorf("%w: device %q: %s", ErrConfiguration, d.Name, strings.Join(p, "; "))
	}
	return nil
}

// problems lists every static configuration problem.
func (d DeviceConfig) problems() []string {
	var errs []string
	if d.Name == "" {
		errs = append(errs, "name is required")
	}
	spec, ok := kinds[d.Kind]
	if !ok {
		errs = append(errs, fmt.Sprintf("kind %q must be one of %s", d.Kind, strings.Join(kindNames(), ", ")))
		return errs
	}

	for _, role := range sortedKeys(d.Channels) {
		ch := d.Channels[role]
		if ch.Address == "" {
			errs = append(errs, fmt.Sprintf("channel %q: address is required", role))
		}
		if ch.Backend == "" && d.Backend == "" {
			errs = append(errs, fmt.Sprintf("channel %q: no backend", role))
		}
		if err := ch.spec().Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("channel %q: %v", role, err))
		}
	}
	for _, role := range sortedKeys(d.Commands) {
		cmd := d.Commands[role]
		if cmd.Address == "" {
			errs = append(errs, fmt.Sprintf("command %q: address is required", role))
		}
		if cmd.Backend == "" && d.Backend == "" {
			errs = append(errs, fmt.Sprintf("command %q: no backend", role))
		}
		if _, clash := d.Channels[role]; clash {
			errs = append(errs, fmt.Sprintf("role %q is both a channel and a command", role))
		}
	}

	for _, role := range spec.required {
		if _, ok := d.Channels[role]; !ok {
			errs = append(errs, fmt.Sprintf("%s requires channel role %q", d.Kind, role))
		}
	}

	valueRole := d.valueRole()
	if _, ok := d.Channels[valueRole]; !ok {
		errs = append(errs, fmt.Sprintf("value role %q has no channel", valueRole))
	}

	if d.StateTable == nil {
		if spec.needsTable {
			errs = append(errs, fmt.Sprintf("%s requires a state_table", d.Kind))
		}
	} else {
		if err := d.StateTable.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		for _, in := range d.StateTable.Inputs {
			if _, ok := d.Channels[in]; !ok {
				errs = append(errs, fmt.Sprintf("state_table input %q has no channel", in))
			}
		}
	}

	if spec.check != nil {
		errs = append(errs, spec.check(d)...)
	}
	return errs
}

// valueRole returns the role GetValue reads.
func (d DeviceConfig) valueRole() string {
	if d.Value != "" {
		return d.Value
	}
	if spec, ok := kinds[d.Kind]; ok {
		return spec.valueRole
	}
	return ""
}

// table returns the configured state table or a default one in which any
// known value means READY.
func (d DeviceConfig) table() *state.Table {
	if d.StateTable != nil {
		return d.StateTable
	}
	role := d.valueRole()
	return &state.Table{
		Inputs: []string{role},
		Rules: []state.Rule{
			{When: map[string]state.Matcher{role: state.Present()}, State: state.Ready},
		},
	}
}

func (c ChannelConfig) spec() channel.Spec {
	return channel.Spec{Type: c.Type, Min: c.Min, Max: c.Max, Enum: c.Enum}
}

func (c ChannelConfig) address(defaultBackend string) channel.Address {
	backend := c.Backend
	if backend == "" {
		backend = defaultBackend
	}
	return channel.Address{Backend: backend, Target: c.Address, Attribute: c.Attribute}
}

func (c CommandConfig) address(defaultBackend string) channel.Address {
	backend := c.Backend
	if backend == "" {
		backend = defaultBackend
	}
	return channel.Address{Backend: backend, Target: c.Address, Attribute: c.Attribute}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
