package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/notify"
	"github.com/nerrad567/beamline-core/internal/state"
)

const defaultQueueSize = 256

// Logger is the logging interface used by adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TransportSource resolves backend names to transports.
type TransportSource interface {
	Transport(name string) (channel.Transport, bool)
}

// Defaults apply to channels and commands that do not set their own.
type Defaults struct {
	Timeout   time.Duration
	Backoff   channel.Backoff
	QueueSize int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used by the adapter, its channels and its bus.
func WithLogger(logger Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records adapter metrics.
func WithMetrics(m *Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithChannelMetrics records metrics for the adapter's channels and commands.
func WithChannelMetrics(m *channel.Metrics) Option {
	return func(a *Adapter) { a.channelMetrics = m }
}

// WithBusMetrics records metrics for the adapter's notification bus.
func WithBusMetrics(m *notify.Metrics) Option {
	return func(a *Adapter) { a.busMetrics = m }
}

// WithDefaults sets channel defaults and the event queue size.
func WithDefaults(d Defaults) Option {
	return func(a *Adapter) { a.defaults = d }
}

// Readable is implemented by devices exposing a value.
type Readable interface {
	GetValue(ctx context.Context) (channel.Reading, error)
}

// Stateful is implemented by devices exposing a summary state.
type Stateful interface {
	GetState() state.Status
}

// Movable is implemented by devices driven to a target value.
type Movable interface {
	Move(ctx context.Context, target any, wait bool, timeout time.Duration) error
}

// Switchable is implemented by two-position devices.
type Switchable interface {
	Open(ctx context.Context, wait bool, timeout time.Duration) error
	Close(ctx context.Context, wait bool, timeout time.Duration) error
}

// Adapter is one configured device: its role handles, its state machine and
// its notification bus.
//
// Channel events are processed one at a time on a single goroutine per
// adapter. Public operations may be called from any goroutine; waits run
// on the caller's goroutine.
type Adapter struct {
	cfg       DeviceConfig
	settings  Settings
	valueRole string
	roles     *Roles
	machine   *state.Machine
	bus       *notify.Bus

	logger         Logger
	metrics        *Metrics
	channelMetrics *channel.Metrics
	busMetrics     *notify.Metrics
	defaults       Defaults

	movable    Movable
	switchable Switchable

	queue    chan channel.Event
	done     chan struct{}
	loopDone chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	aborts   atomic.Uint64

	mu     sync.RWMutex
	status state.Status

	// Owned by the event loop.
	outages    map[string]string
	watermarks map[string]time.Time
}

// New builds an adapter from a device definition. Missing roles, invalid
// state tables and unknown backends are reported together as
// ErrConfiguration. No backend is contacted until Start.
func New(cfg DeviceConfig, transports TransportSource, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		cfg:        cfg,
		settings:   cfg.Settings.withDefaults(),
		valueRole:  cfg.valueRole(),
		roles:      newRoles(),
		logger:     noopLogger{},
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		outages:    make(map[string]string),
		watermarks: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}

	problems := cfg.problems()
	if transports == nil {
		problems = append(problems, "no transports")
	} else {
		for _, role := range sortedKeys(cfg.Channels) {
			backend := cfg.Channels[role].address(cfg.Backend).Backend
			if _, ok := transports.Transport(backend); !ok && backend != "" {
				problems = append(problems, fmt.Sprintf("channel %q: unknown backend %q", role, backend))
			}
		}
		for _, role := range sortedKeys(cfg.Commands) {
			backend := cfg.Commands[role].address(cfg.Backend).Backend
			if _, ok := transports.Transport(backend); !ok && backend != "" {
				problems = append(problems, fmt.Sprintf("command %q: unknown backend %q", role, backend))
			}
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: device %q: %s", ErrConfiguration, cfg.Name, strings.Join(problems, "; "))
	}

	queueSize := a.defaults.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a.queue = make(chan channel.Event, queueSize)

	chOpts := []channel.Option{
		channel.WithSink(a.enqueue),
		channel.WithLogger(a.logger),
		channel.WithMetrics(a.channelMetrics),
	}
	for _, role := range sortedKeys(cfg.Channels) {
		cc := cfg.Channels[role]
		addr := cc.address(cfg.Backend)
		transport, _ := transports.Transport(addr.Backend)
		timeout := cc.Timeout
		if timeout == 0 {
			timeout = a.defaults.Timeout
		}
		ch, err := channel.New(channel.Config{
			Name:         cfg.Name + "." + role,
			Address:      addr,
			Spec:         cc.spec(),
			PollInterval: cc.PollInterval,
			Timeout:      timeout,
			Optimistic:   cc.Optimistic,
			Scale:        cc.Scale,
			Offset:       cc.Offset,
			Backoff:      a.defaults.Backoff,
		}, transport, chOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: device %q: %w", ErrConfiguration, cfg.Name, err)
		}
		a.roles.addChannel(role, ch)
	}
	for _, role := range sortedKeys(cfg.Commands) {
		cc := cfg.Commands[role]
		addr := cc.address(cfg.Backend)
		transport, _ := transports.Transport(addr.Backend)
		timeout := cc.Timeout
		if timeout == 0 {
			timeout = a.defaults.Timeout
		}
		cmd, err := channel.NewCommand(channel.CommandConfig{
			Name:    cfg.Name + "." + role,
			Address: addr,
			Timeout: timeout,
			Value:   cc.Value,
		}, transport, channel.WithLogger(a.logger), channel.WithMetrics(a.channelMetrics))
		if err != nil {
			return nil, fmt.Errorf("%w: device %q: %w", ErrConfiguration, cfg.Name, err)
		}
		a.roles.addCommand(role, cmd)
	}

	machine, err := state.NewMachine(cfg.table())
	if err != nil {
		return nil, fmt.Errorf("%w: device %q: %w", ErrConfiguration, cfg.Name, err)
	}
	a.machine = machine

	if spec := kinds[cfg.Kind]; spec.compose != nil {
		spec.compose(a)
	}

	a.bus = notify.NewBus(cfg.Name, notify.WithLogger(a.logger), notify.WithMetrics(a.busMetrics))
	a.status = machine.Current()
	a.bus.Emit(EventStateChanged, StateChange{Device: cfg.Name, Current: a.status})

	return a, nil
}

// Name returns the device name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Kind returns the device kind.
func (a *Adapter) Kind() Kind { return a.cfg.Kind }

// Description returns the catalog description.
func (a *Adapter) Description() string { return a.cfg.Description }

// Config returns the device definition the adapter was built from.
func (a *Adapter) Config() DeviceConfig { return a.cfg }

// Roles returns the role handles.
func (a *Adapter) Roles() *Roles { return a.roles }

// ValueRole returns the role GetValue reads.
func (a *Adapter) ValueRole() string { return a.valueRole }

// Bus returns the adapter's notification bus.
func (a *Adapter) Bus() *notify.Bus { return a.bus }

// Capabilities lists what the device supports, sorted.
func (a *Adapter) Capabilities() []string {
	caps := []string{"readable", "stateful"}
	if a.movable != nil {
		caps = append(caps, "movable")
	}
	if a.switchable != nil {
		caps = append(caps, "switchable")
	}
	if _, ok := a.roles.Command(RoleStop); ok {
		caps = append(caps, "stoppable")
	}
	sort.Strings(caps)
	return caps
}

// Start launches the event loop and connects every channel. Backend
// failures are logged, not returned: channels keep retrying and the device
// reports UNKNOWN meanwhile.
func (a *Adapter) Start(ctx context.Context) error {
	if a.stopped.Load() {
		return fmt.Errorf("%s: %w", a.cfg.Name, ErrStopped)
	}
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}

	go a.run()

	for _, role := range a.roles.ChannelRoles() {
		ch, _ := a.roles.Channel(role)
		if err := ch.Connect(ctx); err != nil {
			a.logger.Warn("channel not connected at start",
				"device", a.cfg.Name, "role", role, "address", ch.Address().String(), "error", err)
		}
	}
	a.logger.Info("device started", "device", a.cfg.Name, "kind", a.cfg.Kind, "state", a.GetState().String())
	return nil
}

// Stop disconnects every channel and command, stops the event loop and
// closes the bus. It is idempotent.
func (a *Adapter) Stop() error {
	var errs []error
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.done)

		for _, ch := range a.roles.allChannels() {
			if err := ch.Disconnect(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, cmd := range a.roles.allCommands() {
			if err := cmd.Disconnect(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.started.Load() {
			<-a.loopDone
		}
		a.bus.Close()
		a.logger.Info("device stopped", "device", a.cfg.Name)
	})
	return errors.Join(errs...)
}

// enqueue is the sink of every channel.
func (a *Adapter) enqueue(ev channel.Event) {
	select {
	case a.queue <- ev:
		a.metrics.queue(a.cfg.Name, len(a.queue))
	case <-a.done:
	}
}

func (a *Adapter) run() {
	defer close(a.loopDone)
	for {
		select {
		case <-a.done:
			return
		case ev := <-a.queue:
			a.handle(ev)
		}
	}
}

// handle processes one channel event. Only the event loop calls it.
func (a *Adapter) handle(ev channel.Event) {
	role, ok := a.roles.roleOf(ev.Channel)
	if !ok {
		return
	}
	isInput := a.machine.Table().HasInput(role)

	switch ev.Kind {
	case channel.EventConnected:
		delete(a.outages, role)
		a.bus.Emit(EventChannelChanged, ChannelChange{Device: a.cfg.Name, Role: role, Channel: ev.Channel, Connected: true})
		a.refresh(time.Now())

	case channel.EventError:
		down := channel.IsConnectionLoss(ev.Err) || errors.Is(ev.Err, channel.ErrRetriesExhausted)
		// A read that timed out leaves the reading unverified until the
		// next confirmed value arrives.
		unanswered := !down && ev.Op == channel.OpRead && errors.Is(ev.Err, channel.ErrTimeout)
		change := ChannelChange{Device: a.cfg.Name, Role: role, Channel: ev.Channel, Connected: !down, Error: ev.Err.Error()}
		if down || unanswered {
			if isInput {
				if _, _, err := a.machine.Invalidate(role, ev.Err.Error()); err != nil {
					a.logger.Error("invalidating state input", "device", a.cfg.Name, "role", role, "error", err)
				}
			} else {
				a.outages[role] = ev.Err.Error()
			}
			a.refresh(time.Now())
		} else {
			a.logger.Debug("channel error", "device", a.cfg.Name, "role", role, "error", ev.Err)
		}
		a.bus.Emit(EventChannelChanged, change)

	case channel.EventValue:
		r := ev.Reading
		if r.Confirmed {
			if last, seen := a.watermarks[role]; seen && r.Timestamp.Before(last) {
				a.metrics.dropped(a.cfg.Name)
				return
			}
			a.watermarks[role] = r.Timestamp
			delete(a.outages, role)
			if isInput {
				if _, _, err := a.machine.Apply(role, r.Value, r.Timestamp); err != nil {
					a.logger.Error("applying state input", "device", a.cfg.Name, "role", role, "error", err)
				}
			}
			a.refresh(r.Timestamp)
		}

		change := ValueChange{Device: a.cfg.Name, Role: role, Reading: r}
		a.bus.Emit(EventReadingChanged, change)
		if role == a.valueRole {
			a.bus.Emit(EventValueChanged, change)
		}
	}
}

// refresh derives the device status and emits stateChanged when it moved.
// Any channel outage forces UNKNOWN.
func (a *Adapter) refresh(ts time.Time) {
	next := a.machine.Current()
	if len(a.outages) > 0 {
		roles := sortedKeys(a.outages)
		parts := make([]string, 0, len(roles))
		for _, role := range roles {
			parts = append(parts, role+": "+a.outages[role])
		}
		next = state.Status{State: state.Unknown, Reason: strings.Join(parts, "; "), Timestamp: ts}
	}

	a.mu.Lock()
	prev := a.status
	if next.Equal(prev) {
		a.mu.Unlock()
		return
	}
	if next.Timestamp.IsZero() {
		next.Timestamp = ts
	}
	a.status = next
	a.mu.Unlock()

	a.metrics.transition(a.cfg.Name, next.State)
	a.logger.Info("device state changed",
		"device", a.cfg.Name, "from", prev.String(), "to", next.String(), "reason", next.Reason)
	a.bus.Emit(EventStateChanged, StateChange{Device: a.cfg.Name, Previous: prev, Current: next})
}

// GetState returns the current device status.
func (a *Adapter) GetState() state.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// GetValue reads the value role. Before any value is known it returns a
// reading with a zero timestamp and no error. While the backend is down
// it returns the last value marked stale with ErrBackendUnavailable.
func (a *Adapter) GetValue(ctx context.Context) (channel.Reading, error) {
	ch, _ := a.roles.Channel(a.valueRole)
	r, err := ch.Read(ctx)
	if err != nil {
		return r, fmt.Errorf("%s: %w", a.cfg.Name, err)
	}
	return r, nil
}

// Readings returns the last reading of every channel role without
// contacting backends.
func (a *Adapter) Readings() map[string]channel.Reading {
	out := make(map[string]channel.Reading, len(a.roles.channels))
	for role, ch := range a.roles.channels {
		out[role] = ch.Last()
	}
	return out
}

// SetValue drives the device to value. Movable devices move to it;
// shutters accept their open/closed labels or values. When wait is true
// the call returns once the post-condition is observed, or fails with
// ErrTimeout, ErrOperationRejected or ErrOperationAborted.
func (a *Adapter) SetValue(ctx context.Context, value any, wait bool, timeout time.Duration) error {
	start := time.Now()
	err := a.setValue(ctx, value, wait, timeout)
	a.metrics.operation(a.cfg.Name, "set_value", time.Since(start), err)
	return err
}

func (a *Adapter) setValue(ctx context.Context, value any, wait bool, timeout time.Duration) error {
	if err := a.usable(); err != nil {
		return err
	}
	switch {
	case a.movable != nil:
		return a.movable.Move(ctx, value, wait, timeout)
	case a.switchable != nil:
		open, err := a.switchTarget(value)
		if err != nil {
			return err
		}
		if open {
			return a.switchable.Open(ctx, wait, timeout)
		}
		return a.switchable.Close(ctx, wait, timeout)
	default:
		return fmt.Errorf("%w: %s is a %s", ErrNotSupported, a.cfg.Name, a.cfg.Kind)
	}
}

// switchTarget maps a label or a configured value to open (true) or closed.
func (a *Adapter) switchTarget(value any) (bool, error) {
	if s, ok := value.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case strings.ToLower(a.settings.OpenLabel):
			return true, nil
		case strings.ToLower(a.settings.ClosedLabel):
			return false, nil
		}
	}
	switch {
	case channel.Equal(value, a.settings.OpenValue):
		return true, nil
	case channel.Equal(value, a.settings.CloseValue):
		return false, nil
	}
	return false, fmt.Errorf("%w: %s accepts %q or %q, got %v",
		ErrInvalidValue, a.cfg.Name, a.settings.OpenLabel, a.settings.ClosedLabel, value)
}

// Move drives a movable device to target.
func (a *Adapter) Move(ctx context.Context, target any, wait bool, timeout time.Duration) error {
	start := time.Now()
	err := a.usable()
	if err == nil {
		if a.movable == nil {
			err = fmt.Errorf("%w: %s cannot move", ErrNotSupported, a.cfg.Name)
		} else {
			err = a.movable.Move(ctx, target, wait, timeout)
		}
	}
	a.metrics.operation(a.cfg.Name, "move", time.Since(start), err)
	return err
}

// Open opens a switchable device.
func (a *Adapter) Open(ctx context.Context, wait bool, timeout time.Duration) error {
	return a.doSwitch(ctx, "open", true, wait, timeout)
}

// Close closes a switchable device.
func (a *Adapter) Close(ctx context.Context, wait bool, timeout time.Duration) error {
	return a.doSwitch(ctx, "close", false, wait, timeout)
}

func (a *Adapter) doSwitch(ctx context.Context, op string, open, wait bool, timeout time.Duration) error {
	start := time.Now()
	err := a.usable()
	if err == nil {
		switch {
		case a.switchable == nil:
			err = fmt.Errorf("%w: %s cannot %s", ErrNotSupported, a.cfg.Name, op)
		case open:
			err = a.switchable.Open(ctx, wait, timeout)
		default:
			err = a.switchable.Close(ctx, wait, timeout)
		}
	}
	a.metrics.operation(a.cfg.Name, op, time.Since(start), err)
	return err
}

// Abort interrupts pending waits on this device with ErrOperationAborted
// and invokes the stop command when one is configured.
func (a *Adapter) Abort(ctx context.Context) error {
	a.aborts.Add(1)
	a.logger.Info("abort requested", "device", a.cfg.Name)

	cmd, ok := a.roles.Command(RoleStop)
	if !ok {
		return nil
	}
	start := time.Now()
	_, err := cmd.Invoke(ctx)
	a.metrics.operation(a.cfg.Name, "stop", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%s: stopping: %w", a.cfg.Name, err)
	}
	return nil
}

// Subscribe registers cb for an adapter event. The current value of the
// event, if any, is delivered before Subscribe returns.
func (a *Adapter) Subscribe(event string, cb notify.Callback) notify.Subscription {
	return a.bus.Subscribe(event, cb)
}

// Unsubscribe removes a subscription. It is idempotent.
func (a *Adapter) Unsubscribe(sub notify.Subscription) {
	a.bus.Unsubscribe(sub)
}

func (a *Adapter) usable() error {
	if a.stopped.Load() {
		return fmt.Errorf("%s: %w", a.cfg.Name, ErrStopped)
	}
	return nil
}

// MaxTimeout is the longest wait a caller may request for one operation.
const MaxTimeout = 24 * time.Hour

// TimeoutFromMillis converts a caller-supplied timeout in milliseconds.
// Zero selects the device's move_timeout.
func TimeoutFromMillis(ms int64) (time.Duration, error) {
	switch {
	case ms < 0:
		return 0, fmt.Errorf("timeout_ms must not be negative")
	case ms > MaxTimeout.Milliseconds():
		return 0, fmt.Errorf("timeout_ms must not exceed %d", MaxTimeout.Milliseconds())
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (a *Adapter) waitTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return a.settings.MoveTimeout
	}
	return timeout
}
