package notify

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AllEvents subscribes to every event name on a bus.
const AllEvents = "*"

// Event is one emission on a bus.
type Event struct {
	Name      string    `json:"event"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Callback receives events. A returned error is logged; it never stops
// delivery to other subscribers.
type Callback func(Event) error

// Subscription identifies one registered callback. The zero value is not a
// live subscription and may be passed to Unsubscribe safely.
type Subscription struct {
	ID    uuid.UUID
	Event string
}

// Valid reports whether the subscription was returned by a successful Subscribe.
func (s Subscription) Valid() bool {
	return s.ID != uuid.Nil
}

// Logger is the logging interface used by the bus.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type subscriber struct {
	id       uuid.UUID
	callback Callback
	active   atomic.Bool

	// replayPending is set while Subscribe still owes the current value. An
	// emission reaching the subscriber first clears it, since it carries a
	// newer value than the replay would.
	replayPending atomic.Bool
}

// Bus is a named publish/subscribe hub with replay of the current value.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Callbacks run on the goroutine that called Emit (or Subscribe, for replay).
type Bus struct {
	source string

	mu      sync.RWMutex
	subs    map[string]map[uuid.UUID]*subscriber
	current map[string]Event
	closed  bool

	logger  Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report failing callbacks.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records emissions and callback failures.
func WithMetrics(m *Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a bus whose events carry source as their Source field.
func NewBus(source string, opts ...Option) *Bus {
	b := &Bus{
		source:  source,
		subs:    make(map[string]map[uuid.UUID]*subscriber),
		current: make(map[string]Event),
		logger:  noopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Source returns the name stamped on events from this bus.
func (b *Bus) Source() string {
	return b.source
}

// Subscribe registers callback for event. If a current value is known for
// event it is delivered once before Subscribe returns. Subscribing to
// AllEvents replays the current value of every event name, in name order.
//
// A nil callback, or a closed bus, yields an invalid Subscription.
func (b *Bus) Subscribe(event string, callback Callback) Subscription {
	if callback == nil {
		return Subscription{}
	}

	sub := &subscriber{id: uuid.New(), callback: callback}
	sub.active.Store(true)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Subscription{}
	}
	if b.subs[event] == nil {
		b.subs[event] = make(map[uuid.UUID]*subscriber)
	}
	b.subs[event][sub.id] = sub
	replay := b.replayFor(event)
	if len(replay) > 0 {
		sub.replayPending.Store(true)
	}
	b.mu.Unlock()

	if event == AllEvents {
		sub.replayPending.Store(false)
		for _, ev := range replay {
			b.deliver(sub, ev)
		}
	} else if len(replay) > 0 && sub.replayPending.CompareAndSwap(true, false) {
		b.deliver(sub, replay[0])
	}

	return Subscription{ID: sub.id, Event: event}
}

// replayFor returns the events owed to a new subscriber. Caller holds b.mu.
func (b *Bus) replayFor(event string) []Event {
	if event != AllEvents {
		if ev, ok := b.current[event]; ok {
			return []Event{ev}
		}
		return nil
	}

	names := make([]string, 0, len(b.current))
	for name := range b.current {
		names = append(names, name)
	}
	sort.Strings(names)

	events := make([]Event, 0, len(names))
	for _, name := range names {
		events = append(events, b.current[name])
	}
	return events
}

// Unsubscribe removes a subscription. Unknown, zero or already removed
// subscriptions are ignored. Once Unsubscribe returns the callback receives
// no further events, including from emissions already in progress.
func (b *Bus) Unsubscribe(s Subscription) {
	if !s.Valid() {
		return
	}

	b.mu.Lock()
	subs := b.subs[s.Event]
	sub, ok := subs[s.ID]
	if ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(b.subs, s.Event)
		}
	}
	b.mu.Unlock()

	if ok {
		sub.active.Store(false)
	}
}

// Emit records payload as the current value of event and delivers it to the
// subscribers registered when Emit was called. It returns the number of
// callbacks that completed without error.
func (b *Bus) Emit(event string, payload any) int {
	ev := Event{
		Name:      event,
		Source:    b.source,
		Payload:   payload,
		Timestamp: b.now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.current[event] = ev
	snapshot := make([]*subscriber, 0, len(b.subs[event])+len(b.subs[AllEvents]))
	for _, sub := range b.subs[event] {
		snapshot = append(snapshot, sub)
	}
	for _, sub := range b.subs[AllEvents] {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	start := time.Now()
	delivered := 0
	for _, sub := range snapshot {
		sub.replayPending.Store(false)
		if b.deliver(sub, ev) {
			delivered++
		}
	}

	b.metrics.recordEmit(event, len(snapshot), time.Since(start))
	return delivered
}

// deliver invokes one callback, isolating the bus from its failure.
func (b *Bus) deliver(sub *subscriber, ev Event) (ok bool) {
	if !sub.active.Load() {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification callback panicked",
				"source", b.source,
				"event", ev.Name,
				"subscription", sub.id.String(),
				"panic", r,
			)
			b.metrics.recordFailure(ev.Name, "panic")
			ok = false
		}
	}()

	if err := sub.callback(ev); err != nil {
		b.logger.Warn("notification callback failed",
			"source", b.source,
			"event", ev.Name,
			"subscription", sub.id.String(),
			"error", err,
		)
		b.metrics.recordFailure(ev.Name, "error")
		return false
	}
	return true
}

// Current returns the last emitted event for name, if any.
func (b *Bus) Current(event string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.current[event]
	return ev, ok
}

// Snapshot returns the current value of every event name, in name order.
func (b *Bus) Snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.replayFor(AllEvents)
}

// SubscriberCount returns the number of live subscriptions for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Close drops every subscription. Later Emit calls are ignored and later
// Subscribe calls return an invalid Subscription. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[uuid.UUID]*subscriber)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
}
