package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/notify"
)

// Logger defines the logging interface used by the Registry.
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

// Starter is implemented by transports that need to be started before
// their first link is opened.
type Starter interface {
	Start(ctx context.Context) error
}

// Registry owns the transports and device adapters of one process.
//
// Transports are registered first, then adapters are built against them.
// Watchers see the events of every device, including devices added after
// they started watching.
//
// All public methods are thread-safe.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]channel.Transport
	tOrder     []string
	devices    map[string]*entry
	watchers   map[int]notify.Callback
	nextWatch  int
	started    bool
	closed     bool

	logger      Logger
	adapterOpts []adapter.Option
}

type entry struct {
	adapter *adapter.Adapter
	subs    map[int]notify.Subscription
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAdapterOptions sets the options Build passes to every adapter.
func WithAdapterOptions(opts ...adapter.Option) Option {
	return func(r *Registry) {
		r.adapterOpts = append(r.adapterOpts, opts...)
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		transports: make(map[string]channel.Transport),
		devices:    make(map[string]*entry),
		watchers:   make(map[int]notify.Callback),
		logger:     noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterTransport makes t available under its name.
func (r *Registry) RegisterTransport(t channel.Transport) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("%w: transport without a name", channel.ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.transports[t.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTransport, t.Name())
	}
	r.transports[t.Name()] = t
	r.tOrder = append(r.tOrder, t.Name())
	r.logger.Debug("transport registered", "backend", t.Name())
	return nil
}

// Transport returns the transport registered under name.
func (r *Registry) Transport(name string) (channel.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// TransportNames returns the registered backend names in registration order.
func (r *Registry) TransportNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tOrder...)
}

// Build constructs an adapter for every device in the catalog. All
// configuration problems are reported together and nothing is added unless
// every device builds.
func (r *Registry) Build(ctx context.Context, catalog *adapter.Catalog) error {
	if catalog == nil {
		return nil
	}

	built := make([]*adapter.Adapter, 0, len(catalog.Devices))
	var errs []error
	for _, d := range catalog.Devices {
		a, err := adapter.New(d, r, r.adapterOpts...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		built = append(built, a)
	}
	if len(errs) > 0 {
		for _, a := range built {
			_ = a.Stop()
		}
		return errors.Join(errs...)
	}

	for i, a := range built {
		if err := r.Add(ctx, a); err != nil {
			for _, added := range built[:i] {
				_ = r.Remove(added.Name())
			}
			for _, rest := range built[i:] {
				_ = rest.Stop()
			}
			return err
		}
	}
	r.logger.Info("device catalog built", "devices", len(built))
	return nil
}

// Add registers a. When the registry is already started, a is started too,
// and a failing Start leaves a unregistered.
func (r *Registry) Add(ctx context.Context, a *adapter.Adapter) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.devices[a.Name()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateDevice, a.Name())
	}
	e := &entry{adapter: a, subs: make(map[int]notify.Subscription)}
	r.devices[a.Name()] = e
	watchers := make(map[int]notify.Callback, len(r.watchers))
	for id, cb := range r.watchers {
		watchers[id] = cb
	}
	started := r.started
	r.mu.Unlock()

	for id, cb := range watchers {
		r.attach(e, id, cb)
	}
	if started {
		if err := a.Start(ctx); err != nil {
			_ = r.Remove(a.Name())
			return err
		}
	}
	r.logger.Debug("device added", "device", a.Name(), "kind", a.Kind())
	return nil
}

// Get returns the device named name.
func (r *Registry) Get(name string) (*adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}
	return e.adapter, nil
}

// List returns every device sorted by name.
func (r *Registry) List() []*adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*adapter.Adapter, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.adapter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Remove stops the device and forgets it. The name may be reused afterwards.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.devices[name]
	if ok {
		delete(r.devices, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}

	for _, sub := range e.subs {
		e.adapter.Unsubscribe(sub)
	}
	err := e.adapter.Stop()
	r.logger.Info("device removed", "device", name)
	return err
}

// Start starts every transport that needs it, concurrently, then every
// device. A transport failing to start fails Start; devices never do, they
// report UNKNOWN until their backends answer.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	transports := r.orderedTransports()
	devices := r.sortedEntries()
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		s, ok := t.(Starter)
		if !ok {
			continue
		}
		name := t.Name()
		g.Go(func() error {
			if err := s.Start(gctx); err != nil {
				return fmt.Errorf("starting transport %q: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dg, dctx := errgroup.WithContext(ctx)
	for _, e := range devices {
		a := e.adapter
		dg.Go(func() error {
			if err := a.Start(dctx); err != nil {
				r.logger.Warn("device not started", "device", a.Name(), "error", err)
			}
			return nil
		})
	}
	_ = dg.Wait()

	r.logger.Info("registry started", "transports", len(transports), "devices", len(devices))
	return nil
}

// Close stops every device in reverse name order, then closes the
// transports in reverse registration order. It is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	devices := r.sortedEntries()
	transports := r.orderedTransports()
	r.devices = make(map[string]*entry)
	r.watchers = make(map[int]notify.Callback)
	r.mu.Unlock()

	var errs []error
	for i := len(devices) - 1; i >= 0; i-- {
		if err := devices[i].adapter.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %q: %w", devices[i].adapter.Name(), err))
		}
	}
	for i := len(transports) - 1; i >= 0; i-- {
		if c, ok := transports[i].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing transport %q: %w", transports[i].Name(), err))
			}
		}
	}
	r.logger.Info("registry closed", "devices", len(devices))
	return errors.Join(errs...)
}

// Watch delivers every event of every device to cb, starting with a replay
// of each device's current values. The returned function stops delivery.
func (r *Registry) Watch(cb notify.Callback) (cancel func()) {
	r.mu.Lock()
	if r.closed || cb == nil {
		r.mu.Unlock()
		return func() {}
	}
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = cb
	devices := r.sortedEntries()
	r.mu.Unlock()

	for _, e := range devices {
		r.attach(e, id, cb)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unwatch(id) })
	}
}

func (r *Registry) attach(e *entry, id int, cb notify.Callback) {
	sub := e.adapter.Subscribe(notify.AllEvents, cb)
	if !sub.Valid() {
		return
	}
	r.mu.Lock()
	_, live := r.devices[e.adapter.Name()]
	_, watching := r.watchers[id]
	if live && watching {
		e.subs[id] = sub
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	e.adapter.Unsubscribe(sub)
}

func (r *Registry) unwatch(id int) {
	r.mu.Lock()
	delete(r.watchers, id)
	subs := make(map[*entry]notify.Subscription)
	for _, e := range r.devices {
		if sub, ok := e.subs[id]; ok {
			subs[e] = sub
			delete(e.subs, id)
		}
	}
	r.mu.Unlock()

	for e, sub := range subs {
		e.adapter.Unsubscribe(sub)
	}
}

// Caller holds r.mu.
func (r *Registry) orderedTransports() []channel.Transport {
	out := make([]channel.Transport, 0, len(r.tOrder))
	for _, name := range r.tOrder {
		out = append(out, r.transports[name])
	}
	return out
}

// Caller holds r.mu.
func (r *Registry) sortedEntries() []*entry {
	out := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].adapter.Name() < out[j].adapter.Name() })
	return out
}
