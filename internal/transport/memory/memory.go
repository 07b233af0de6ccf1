package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
)

// CommandFunc handles a command invoked on a target.
type CommandFunc func(args []any) (any, error)

// Effect sets values some time after a command target is invoked or written.
type Effect struct {
	Set   map[string]any
	Delay time.Duration
}

// Write records one write or invocation received by the transport.
type Write struct {
	Target string
	Value  any
	At     time.Time
}

// Transport is an in-process backend. Values live in a map keyed by
// target (or target#attribute); Set simulates a change on the device side.
type Transport struct {
	name    string
	now     func() time.Time
	latency time.Duration

	mu         sync.Mutex
	push       bool
	failErr    error
	holdWrites bool
	values     map[string]entry
	links      map[*link]struct{}
	handlers   map[string]CommandFunc
	effects    map[string]Effect
	writes     []Write
	timers     []*time.Timer
	closed     bool
}

type entry struct {
	value any
	ts    time.Time
}

// Option configures a Transport.
type Option func(*Transport)

// WithPush makes links deliver changes instead of being polled.
func WithPush(push bool) Option {
	return func(t *Transport) { t.push = push }
}

// WithLatency delays every connect, read, write and invoke.
func WithLatency(d time.Duration) Option {
	return func(t *Transport) { t.latency = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates an empty transport.
func New(name string, opts ...Option) *Transport {
	t := &Transport{
		name:     name,
		now:      time.Now,
		values:   make(map[string]entry),
		links:    make(map[*link]struct{}),
		handlers: make(map[string]CommandFunc),
		effects:  make(map[string]Effect),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromConfig creates a transport seeded from a memory backend definition.
func FromConfig(name string, cfg config.MemoryBackendConfig, opts ...Option) *Transport {
	opts = append([]Option{WithPush(cfg.Push), WithLatency(cfg.Latency)}, opts...)
	t := New(name, opts...)
	now := t.now()
	for target, v := range cfg.Values {
		t.values[target] = entry{value: v, ts: now}
	}
	for target, c := range cfg.Commands {
		t.effects[target] = Effect{Set: c.Set, Delay: c.Delay}
	}
	return t
}

// Name returns the backend name.
func (t *Transport) Name() string { return t.name }

func key(addr channel.Address) string {
	if addr.Attribute == "" {
		return addr.Target
	}
	return addr.Target + "#" + addr.Attribute
}

func (t *Transport) delay(ctx context.Context) error {
	t.mu.Lock()
	latency := t.latency
	t.mu.Unlock()
	if latency <= 0 {
		return nil
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", channel.ErrTimeout, ctx.Err())
	}
}

// Connect opens a link to addr.
func (t *Transport) Connect(ctx context.Context, addr channel.Address) (channel.Link, error) {
	if err := t.delay(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("%w: %s closed", channel.ErrBackendUnavailable, t.name)
	}
	if t.failErr != nil {
		return nil, t.failErr
	}
	l := &link{t: t, key: key(addr)}
	t.links[l] = struct{}{}
	return l, nil
}

// Set stores value for target as a device-side change, timestamped now.
func (t *Transport) Set(target string, value any) {
	t.SetAt(target, value, t.now())
}

// SetAt stores value with an explicit timestamp, which may be older than
// the current one to simulate out-of-order delivery.
func (t *Transport) SetAt(target string, value any, ts time.Time) {
	t.mu.Lock()
	t.values[target] = entry{value: value, ts: ts}
	fns := t.watchersLocked(target)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(channel.Update{Value: value, Timestamp: ts})
	}
}

// Get returns the stored value for target.
func (t *Transport) Get(target string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.values[target]
	return e.value, ok
}

// HoldWrites makes writes and command effects succeed without changing
// any stored value, as a device that accepts a request but never carries
// it out.
func (t *Transport) HoldWrites(hold bool) {
	t.mu.Lock()
	t.holdWrites = hold
	t.mu.Unlock()
}

// SetLatency changes the delay of later connects, reads, writes and
// invokes. A latency above a channel's timeout simulates a hung device.
func (t *Transport) SetLatency(d time.Duration) {
	t.mu.Lock()
	t.latency = d
	t.mu.Unlock()
}

// SetPush selects push or poll behaviour for links opened afterwards.
func (t *Transport) SetPush(push bool) {
	t.mu.Lock()
	t.push = push
	t.mu.Unlock()
}

// Fail takes the backend down: every operation returns err wrapped in
// ErrBackendUnavailable and push links are told the link failed.
func (t *Transport) Fail(err error) {
	if err == nil {
		err = fmt.Errorf("%s unreachable", t.name)
	}
	wrapped := fmt.Errorf("%w: %w", channel.ErrBackendUnavailable, err)

	t.mu.Lock()
	t.failErr = wrapped
	var fns []channel.ChangeFunc
	for l := range t.links {
		if fn := l.watcher(); fn != nil {
			fns = append(fns, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(channel.Update{Err: wrapped})
	}
}

// Recover brings the backend back after Fail.
func (t *Transport) Recover() {
	t.mu.Lock()
	t.failErr = nil
	t.mu.Unlock()
}

// HandleCommand routes invocations and writes on target to fn.
func (t *Transport) HandleCommand(target string, fn CommandFunc) {
	t.mu.Lock()
	t.handlers[target] = fn
	t.mu.Unlock()
}

// SetEffect makes an invocation or write on target schedule e.
func (t *Transport) SetEffect(target string, e Effect) {
	t.mu.Lock()
	t.effects[target] = e
	t.mu.Unlock()
}

// Writes returns every write and invocation received, oldest first.
func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Write, len(t.writes))
	copy(out, t.writes)
	return out
}

// LinkCount returns the number of open links.
func (t *Transport) LinkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

// Close cancels pending effects and refuses new links.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = nil
	return nil
}

// watchersLocked returns the change functions of push links on target.
func (t *Transport) watchersLocked(target string) []channel.ChangeFunc {
	var fns []channel.ChangeFunc
	for l := range t.links {
		if l.key != target {
			continue
		}
		if fn := l.watcher(); fn != nil {
			fns = append(fns, fn)
		}
	}
	return fns
}

// command runs the handler or effect bound to target. It reports whether
// target is a command target. Caller must not hold t.mu.
func (t *Transport) command(target string, args []any) (any, bool, error) {
	t.mu.Lock()
	handler, hasHandler := t.handlers[target]
	effect, hasEffect := t.effects[target]
	hold := t.holdWrites
	t.mu.Unlock()

	switch {
	case hasHandler:
		result, err := handler(args)
		return result, true, err
	case hasEffect:
		if !hold {
			t.schedule(effect)
		}
		return nil, true, nil
	}
	return nil, false, nil
}

func (t *Transport) schedule(e Effect) {
	apply := func() {
		targets := make([]string, 0, len(e.Set))
		for target := range e.Set {
			targets = append(targets, target)
		}
		sort.Strings(targets)
		for _, target := range targets {
			t.Set(target, e.Set[target])
		}
	}
	if e.Delay <= 0 {
		apply()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.timers = append(t.timers, time.AfterFunc(e.Delay, apply))
}

func (t *Transport) record(target string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: %s closed", channel.ErrBackendUnavailable, t.name)
	}
	if t.failErr != nil {
		return t.failErr
	}
	t.writes = append(t.writes, Write{Target: target, Value: value, At: t.now()})
	return nil
}

type link struct {
	t   *Transport
	key string

	mu     sync.Mutex
	fn     channel.ChangeFunc
	closed bool
}

func (l *link) watcher() channel.ChangeFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.fn
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *link) Read(ctx context.Context) (any, time.Time, error) {
	if err := l.t.delay(ctx); err != nil {
		return nil, time.Time{}, err
	}
	if l.isClosed() {
		return nil, time.Time{}, fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}

	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	if l.t.failErr != nil {
		return nil, time.Time{}, l.t.failErr
	}
	e, ok := l.t.values[l.key]
	if !ok {
		return nil, time.Time{}, nil
	}
	return e.value, e.ts, nil
}

func (l *link) Write(ctx context.Context, value any) error {
	if err := l.t.delay(ctx); err != nil {
		return err
	}
	if l.isClosed() {
		return fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	if err := l.t.record(l.key, value); err != nil {
		return err
	}
	if _, isCommand, err := l.t.command(l.key, []any{value}); isCommand {
		return err
	}

	l.t.mu.Lock()
	hold := l.t.holdWrites
	l.t.mu.Unlock()
	if hold {
		return nil
	}
	l.t.Set(l.key, value)
	return nil
}

func (l *link) Invoke(ctx context.Context, args ...any) (any, error) {
	if err := l.t.delay(ctx); err != nil {
		return nil, err
	}
	if l.isClosed() {
		return nil, fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	var recorded any
	if len(args) == 1 {
		recorded = args[0]
	} else if len(args) > 1 {
		recorded = args
	}
	if err := l.t.record(l.key, recorded); err != nil {
		return nil, err
	}

	result, isCommand, err := l.t.command(l.key, args)
	if isCommand {
		return result, err
	}
	if len(args) == 1 {
		l.t.mu.Lock()
		hold := l.t.holdWrites
		l.t.mu.Unlock()
		if !hold {
			l.t.Set(l.key, args[0])
		}
	}
	return nil, nil
}

func (l *link) OnChange(fn channel.ChangeFunc) error {
	l.t.mu.Lock()
	push := l.t.push
	l.t.mu.Unlock()
	if !push {
		return channel.ErrPushUnsupported
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	l.fn = fn
	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.fn = nil
	l.mu.Unlock()

	l.t.mu.Lock()
	delete(l.t.links, l)
	l.t.mu.Unlock()
	return nil
}
