package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Config defines one channel.
type Config struct {
	// Name identifies the channel in events, logs and metrics, usually
	// "<device>.<role>".
	Name    string
	Address Address
	Spec    Spec

	// PollInterval > 0 forces polling at that rate even when the backend
	// can push. Zero subscribes when possible and polls every second
	// otherwise.
	PollInterval time.Duration

	// Timeout bounds each backend round trip.
	Timeout time.Duration

	// Optimistic records a written value locally, unconfirmed, before the
	// backend echoes it.
	Optimistic bool

	// Scale and Offset convert raw backend values: value = raw*Scale + Offset.
	// A zero Scale means 1.
	Scale  float64
	Offset float64

	Backoff Backoff
}

// Validate checks a channel definition.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Address.Backend == "" || c.Address.Target == "" {
		return fmt.Errorf("%w: %s: backend and address are required", ErrInvalidConfig, c.Name)
	}
	if c.PollInterval < 0 || c.Timeout < 0 {
		return fmt.Errorf("%w: %s: negative interval", ErrInvalidConfig, c.Name)
	}
	if err := c.Spec.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	return nil
}

// Channel is a proxy for one readable/writable backend value.
//
// A channel keeps the last confirmed reading and its timestamp. Readings
// older than the last applied one are dropped. Every (re-)connection bumps
// a generation counter; updates from a previous generation are discarded,
// so no event reaches the sink after Disconnect returns.
//
// When the link fails the channel reconnects in the background with a
// bounded backoff. Read returns the cached value marked stale together with
// ErrBackendUnavailable until the link is back.
type Channel struct {
	cfg       Config
	transport Transport
	logger    Logger
	metrics   *Metrics
	now       func() time.Time

	mu           sync.Mutex
	sink         Sink
	link         Link
	gen          uint64
	session      uint64
	sessionCtx   context.Context
	cancel       context.CancelFunc
	wanted       bool
	connected    bool
	push         bool
	reconnecting bool
	reading      Reading
	watermark    time.Time
	resync       bool

	// inflight is read-held while an event is handed to the sink.
	// Disconnect takes it exclusively once the generation has moved on.
	inflight sync.RWMutex
	// order serialises sink calls so they follow apply order.
	order sync.Mutex
	wg    sync.WaitGroup
}

// New creates a disconnected channel.
func New(cfg Config, transport Transport, opts ...Option) (*Channel, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: %s: no transport", ErrInvalidConfig, cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	o := buildOptions(opts)
	return &Channel{
		cfg:       cfg,
		transport: transport,
		logger:    o.logger,
		metrics:   o.metrics,
		now:       o.now,
		sink:      o.sink,
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// Address returns the backend address.
func (c *Channel) Address() Address { return c.cfg.Address }

// Spec returns the value declaration.
func (c *Channel) Spec() Spec { return c.cfg.Spec }

// SetSink replaces the event sink. Must be called before Connect.
func (c *Channel) SetSink(sink Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Last returns the most recent reading without touching the backend.
func (c *Channel) Last() Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.reading
	r.Stale = r.Known() && !c.connected
	return r
}

// Connected reports whether a link is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Generation returns the connection generation counter.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Connect opens the link and starts push or poll updates. It is idempotent.
//
// If the first attempt fails the error is returned and the channel keeps
// retrying in the background until Disconnect.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.wanted && (c.connected || c.reconnecting) {
		c.mu.Unlock()
		return nil
	}
	if !c.wanted {
		c.wanted = true
		c.session++
		c.sessionCtx, c.cancel = context.WithCancel(context.Background())
	}
	session := c.session
	c.mu.Unlock()

	if err := c.dial(ctx, session); err != nil {
		c.logger.Warn("channel connect failed, retrying in background",
			"channel", c.cfg.Name, "address", c.cfg.Address.String(), "error", err)
		c.startReconnect(session)
		return err
	}
	return nil
}

// dial opens a link for session and installs it as a new generation.
func (c *Channel) dial(ctx context.Context, session uint64) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	link, err := c.transport.Connect(dctx, c.cfg.Address)
	if err != nil {
		return classify(err)
	}

	c.mu.Lock()
	if !c.wanted || c.session != session {
		c.mu.Unlock()
		_ = link.Close() //nolint:errcheck // discarding a link nobody wants
		return fmt.Errorf("%w: %s disconnected while connecting", ErrBackendUnavailable, c.cfg.Name)
	}
	if c.connected {
		c.mu.Unlock()
		_ = link.Close() //nolint:errcheck // a concurrent dial won
		return nil
	}
	c.gen++
	gen := c.gen
	c.link = link
	c.connected = true
	c.push = false
	c.resync = true
	sctx := c.sessionCtx
	c.mu.Unlock()

	push := false
	if c.cfg.PollInterval == 0 {
		err := link.OnChange(func(u Update) { c.handleUpdate(gen, u) })
		switch {
		case err == nil:
			push = true
		case errors.Is(err, ErrPushUnsupported):
		default:
			err = classify(err)
			c.fail(gen, "", err)
			return err
		}
	}

	interval := c.cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s lost while connecting", ErrBackendUnavailable, c.cfg.Name)
	}
	c.push = push
	if !push {
		c.wg.Add(1)
		go c.pollLoop(sctx, gen, interval)
	}
	c.mu.Unlock()

	c.metrics.setConnected(c.cfg.Name, true)
	c.logger.Debug("channel connected",
		"channel", c.cfg.Name, "address", c.cfg.Address.String(), "generation", gen, "push", push)
	c.deliver(gen, Event{Kind: EventConnected})

	// Initial value; failures are reported through the sink by fetch.
	_, _ = c.fetch(ctx, gen) //nolint:errcheck // reported via sink
	return nil
}

// Disconnect closes the link and stops polling and reconnecting. It is
// idempotent and emits nothing; once it returns the sink is not called
// again until the next Connect.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if !c.wanted {
		c.mu.Unlock()
		return nil
	}
	c.wanted = false
	c.gen++
	link := c.link
	c.link = nil
	c.connected = false
	c.push = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Wait for any delivery that passed the generation check.
	c.inflight.Lock()
	c.inflight.Unlock() //nolint:staticcheck // barrier

	var err error
	if link != nil {
		if cerr := link.Close(); cerr != nil {
			err = fmt.Errorf("closing %s: %w", c.cfg.Name, cerr)
		}
	}
	c.wg.Wait()
	c.metrics.setConnected(c.cfg.Name, false)
	return err
}

// Read returns the current value. In push mode a confirmed cached value is
// returned directly; otherwise the backend is queried.
func (c *Channel) Read(ctx context.Context) (Reading, error) {
	c.mu.Lock()
	gen, connected, push := c.gen, c.connected, c.push
	reading := c.reading
	c.mu.Unlock()

	if !connected {
		reading.Stale = reading.Known()
		err := fmt.Errorf("%w: %s", ErrBackendUnavailable, c.cfg.Name)
		c.metrics.observe(c.cfg.Name, c.cfg.Address.Backend, "read", 0, err)
		return reading, err
	}
	if push && reading.Known() && reading.Confirmed {
		return reading, nil
	}
	return c.fetch(ctx, gen)
}

// Write validates value and sends it to the backend.
func (c *Channel) Write(ctx context.Context, value any) error {
	v, err := c.cfg.Spec.Check(value)
	if err != nil {
		c.metrics.observe(c.cfg.Name, c.cfg.Address.Backend, "write", 0, err)
		return fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	raw, err := c.toRaw(v)
	if err != nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	gen, link, connected, push := c.gen, c.link, c.connected, c.push
	c.mu.Unlock()
	if !connected {
		err := fmt.Errorf("%w: %s", ErrBackendUnavailable, c.cfg.Name)
		c.metrics.observe(c.cfg.Name, c.cfg.Address.Backend, "write", 0, err)
		return err
	}

	start := time.Now()
	_, err = callWithTimeout(ctx, c.cfg.Timeout, func(wctx context.Context) (struct{}, error) {
		return struct{}{}, link.Write(wctx, raw)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		err = classify(err)
	}
	c.metrics.observe(c.cfg.Name, c.cfg.Address.Backend, "write", time.Since(start), err)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.fail(gen, OpWrite, err)
		}
		return fmt.Errorf("writing %s: %w", c.cfg.Name, err)
	}

	if c.cfg.Optimistic {
		c.applyLocal(gen, v)
	}
	if !push {
		c.mu.Lock()
		if c.gen == gen {
			sctx := c.sessionCtx
			c.wg.Add(1)
			go c.confirm(sctx, gen)
		}
		c.mu.Unlock()
	}
	return nil
}

// confirm reads back after a write on poll-only backends.
func (c *Channel) confirm(ctx context.Context, gen uint64) {
	defer c.wg.Done()
	_, _ = c.fetch(ctx, gen) //nolint:errcheck // reported via sink
}

func (c *Channel) pollLoop(ctx context.Context, gen uint64, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.current(gen) {
			return
		}
		_, _ = c.fetch(ctx, gen) //nolint:errcheck // reported via sink
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.connected
}

// fetch reads the backend and applies the result.
func (c *Channel) fetch(ctx context.Context, gen uint64) (Reading, error) {
	c.mu.Lock()
	link := c.link
	ok := c.gen == gen && c.connected
	c.mu.Unlock()
	if !ok {
		return c.Last(), fmt.Errorf("%w: %s", ErrBackendUnavailable, c.cfg.Name)
	}

	type result struct {
		value any
		ts    time.Time
	}
	start := time.Now()
	res, err := callWithTimeout(ctx, c.cfg.Timeout, func(rctx context.Context) (result, error) {
		v, ts, err := link.Read(rctx)
		return result{value: v, ts: ts}, err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		err = classify(err)
	}
	c.metrics.observe(c.cfg.Name, c.cfg.Address.Backend, "read", time.Since(start), err)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.fail(gen, OpRead, err)
		}
		return c.Last(), fmt.Errorf("reading %s: %w", c.cfg.Name, err)
	}

	if err := c.apply(gen, res.value, res.ts); err != nil {
		return c.Last(), fmt.Errorf("reading %s: %w", c.cfg.Name, err)
	}
	return c.Last(), nil
}

func (c *Channel) handleUpdate(gen uint64, u Update) {
	if u.Err != nil {
		c.fail(gen, "", classify(u.Err))
		return
	}
	if err := c.apply(gen, u.Value, u.Timestamp); err != nil {
		c.logger.Warn("discarding pushed value", "channel", c.cfg.Name, "error", err)
	}
}

// apply records a confirmed backend value unless it is older than the last
// applied one. A nil value with no timestamp means "no value yet".
func (c *Channel) apply(gen uint64, raw any, ts time.Time) error {
	if raw == nil && ts.IsZero() {
		return nil
	}
	value, err := c.fromRaw(raw)
	if err != nil {
		c.deliver(gen, Event{Kind: EventError, Err: err})
		return err
	}
	if ts.IsZero() {
		ts = c.now()
	}

	c.inflight.RLock()
	defer c.inflight.RUnlock()
	c.order.Lock()
	defer c.order.Unlock()

	c.mu.Lock()
	if gen != c.gen || !c.connected {
		c.mu.Unlock()
		c.metrics.dropped(c.cfg.Name, "generation")
		return nil
	}
	if ts.Before(c.watermark) {
		c.mu.Unlock()
		c.metrics.dropped(c.cfg.Name, "stale")
		c.logger.Debug("dropping out-of-order value",
			"channel", c.cfg.Name, "timestamp", ts, "last", c.watermark)
		return nil
	}
	// An identical re-read is not a change, except right after a
	// reconnection where the owner needs the value again.
	if ts.Equal(c.watermark) && c.reading.Confirmed && Equal(c.reading.Value, value) && !c.resync {
		c.mu.Unlock()
		return nil
	}
	c.resync = false
	c.watermark = ts
	r := Reading{Value: value, Timestamp: ts, Confirmed: true}
	c.reading = r
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink(Event{Channel: c.cfg.Name, Kind: EventValue, Reading: r})
	}
	return nil
}

// applyLocal records an optimistic, unconfirmed value. The timestamp
// watermark is left untouched so the backend echo always supersedes it.
func (c *Channel) applyLocal(gen uint64, value any) {
	c.inflight.RLock()
	defer c.inflight.RUnlock()
	c.order.Lock()
	defer c.order.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	r := Reading{Value: value, Timestamp: c.now(), Confirmed: false}
	c.reading = r
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink(Event{Channel: c.cfg.Name, Kind: EventValue, Reading: r})
	}
}

// deliver hands ev to the sink if gen is still current.
func (c *Channel) deliver(gen uint64, ev Event) {
	c.inflight.RLock()
	defer c.inflight.RUnlock()
	c.order.Lock()
	defer c.order.Unlock()

	c.mu.Lock()
	ok := gen == c.gen
	sink := c.sink
	c.mu.Unlock()

	if !ok || sink == nil {
		return
	}
	ev.Channel = c.cfg.Name
	sink(ev)
}

// fail reports err from op. Connection loss drops the link and starts
// reconnecting; other errors are only reported. After a read timeout the
// next successful read is delivered even when unchanged, so the owner can
// clear the failure.
func (c *Channel) fail(gen uint64, op string, err error) {
	if !IsConnectionLoss(err) {
		if op == OpRead && errors.Is(err, ErrTimeout) {
			c.mu.Lock()
			if gen == c.gen {
				c.resync = true
			}
			c.mu.Unlock()
		}
		c.deliver(gen, Event{Kind: EventError, Op: op, Err: err})
		return
	}

	c.mu.Lock()
	if gen != c.gen || !c.connected {
		c.mu.Unlock()
		return
	}
	link := c.link
	c.link = nil
	c.connected = false
	c.push = false
	c.gen++
	next := c.gen
	session := c.session
	c.mu.Unlock()

	c.metrics.setConnected(c.cfg.Name, false)
	c.logger.Warn("channel backend unavailable",
		"channel", c.cfg.Name, "address", c.cfg.Address.String(), "error", err)
	if link != nil {
		if cerr := link.Close(); cerr != nil {
			c.logger.Debug("closing failed link", "channel", c.cfg.Name, "error", cerr)
		}
	}

	c.deliver(next, Event{Kind: EventError, Op: op, Err: err})
	c.startReconnect(session)
}

func (c *Channel) startReconnect(session uint64) {
	c.mu.Lock()
	if !c.wanted || c.session != session || c.connected || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	ctx := c.sessionCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop(ctx, session)
}

// reconnectLoop retries dial with exponential backoff until connected,
// disconnected, or out of attempts.
func (c *Channel) reconnectLoop(ctx context.Context, session uint64) {
	defer c.wg.Done()

	stop := func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}

	delay := c.cfg.Backoff.Initial
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			stop()
			return
		case <-timer.C:
		}

		err := c.dial(ctx, session)
		c.metrics.reconnect(c.cfg.Name, err)
		if err == nil {
			c.mu.Lock()
			if c.connected {
				c.reconnecting = false
				c.mu.Unlock()
				c.logger.Info("channel reconnected", "channel", c.cfg.Name, "attempts", attempt)
				return
			}
			c.mu.Unlock()
			err = fmt.Errorf("%w: %s dropped after reconnect", ErrBackendUnavailable, c.cfg.Name)
		}
		if ctx.Err() != nil {
			stop()
			return
		}

		if c.cfg.Backoff.exhausted(attempt) {
			stop()
			c.logger.Error("giving up reconnecting",
				"channel", c.cfg.Name, "attempts", attempt, "error", err)
			c.mu.Lock()
			gen := c.gen
			c.mu.Unlock()
			c.deliver(gen, Event{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, err)})
			return
		}

		delay = c.cfg.Backoff.next(delay)
		c.logger.Debug("reconnect attempt failed",
			"channel", c.cfg.Name, "attempt", attempt, "next_delay", delay, "error", err)
		timer.Reset(delay)
	}
}

func (c *Channel) scaled() bool {
	return (c.cfg.Scale != 0 && c.cfg.Scale != 1) || c.cfg.Offset != 0
}

// fromRaw converts a backend value into the channel's value space.
func (c *Channel) fromRaw(raw any) (any, error) {
	if c.scaled() {
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not numeric", ErrInvalidValue, raw)
		}
		scale := c.cfg.Scale
		if scale == 0 {
			scale = 1
		}
		raw = f*scale + c.cfg.Offset
	}
	return c.cfg.Spec.Coerce(raw)
}

// toRaw converts a validated value into the backend's value space.
func (c *Channel) toRaw(v any) (any, error) {
	if !c.scaled() {
		return v, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("%w: %v is not numeric", ErrInvalidValue, v)
	}
	scale := c.cfg.Scale
	if scale == 0 {
		scale = 1
	}
	return (f - c.cfg.Offset) / scale, nil
}
