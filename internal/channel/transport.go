package channel

import (
	"context"
	"fmt"
	"time"
)

// Address is the backend-qualified identity of a channel or command.
type Address struct {
	// Backend names the transport the address belongs to.
	Backend string `yaml:"backend" json:"backend"`

	// Target is the backend-specific location: a topic, a register, a
	// device path.
	Target string `yaml:"address" json:"address"`

	// Attribute optionally selects a field within Target.
	Attribute string `yaml:"attribute,omitempty" json:"attribute,omitempty"`
}

// String renders the address as backend:target[#attribute].
func (a Address) String() string {
	s := fmt.Sprintf("%s:%s", a.Backend, a.Target)
	if a.Attribute != "" {
		s += "#" + a.Attribute
	}
	return s
}

// Update is a change pushed by a backend. A non-nil Err reports that the
// link failed; Value and Timestamp are then ignored.
type Update struct {
	Value     any
	Timestamp time.Time
	Err       error
}

// ChangeFunc receives pushed updates.
type ChangeFunc func(Update)

// Transport opens links to addresses on one backend.
//
// Implementations report connection problems as ErrBackendUnavailable and
// missed deadlines as ErrTimeout (wrapped or bare).
type Transport interface {
	// Name returns the backend name addresses refer to.
	Name() string

	// Connect opens a link to addr.
	Connect(ctx context.Context, addr Address) (Link, error)
}

// Link is one open connection to a backend address.
type Link interface {
	// Read fetches the current value and its backend timestamp. A nil
	// value with a zero timestamp means the backend holds no value yet.
	Read(ctx context.Context) (any, time.Time, error)

	// Write sends value to the backend.
	Write(ctx context.Context, value any) error

	// OnChange registers fn for pushed updates. Poll-only backends return
	// ErrPushUnsupported. Only one function is registered per link.
	OnChange(fn ChangeFunc) error

	// Close releases the link. After Close returns no update is pushed.
	Close() error
}

// Invoker is implemented by links that execute commands rather than writes.
type Invoker interface {
	Invoke(ctx context.Context, args ...any) (any, error)
}

// Reading is a value held by a channel.
type Reading struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`

	// Confirmed is false for an optimistic local update the backend has
	// not echoed yet.
	Confirmed bool `json:"confirmed"`

	// Stale marks a cached value returned while the backend is unreachable.
	Stale bool `json:"stale,omitempty"`
}

// Known reports whether the reading carries a value.
func (r Reading) Known() bool {
	return !r.Timestamp.IsZero()
}

// EventKind classifies channel events delivered to the owner.
type EventKind int

const (
	// EventValue carries a new reading.
	EventValue EventKind = iota

	// EventConnected reports that a link was (re-)established.
	EventConnected

	// EventError reports a failure; Err is set. For ErrBackendUnavailable
	// the channel is already reconnecting.
	EventError
)

// String returns a lowercase name for logs.
func (k EventKind) String() string {
	switch k {
	case EventValue:
		return "value"
	case EventConnected:
		return "connected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Operations reported on EventError.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// Event is delivered to the channel owner's sink.
type Event struct {
	Channel string
	Kind    EventKind
	Reading Reading
	Err     error

	// Op names the failed operation for EventError, when there is one.
	Op string
}

// Sink receives channel events. It is called from transport and poll
// goroutines and must not call back into the channel.
type Sink func(Event)
