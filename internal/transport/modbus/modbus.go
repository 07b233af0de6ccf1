package modbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
)

const (
	defaultBackoffMin = 200 * time.Millisecond
	defaultBackoffMax = 5 * time.Second
	defaultTimeout    = 2 * time.Second

	// Exception 0x0B: the gateway got no reply from the target unit.
	exceptionGatewayNoResponse byte = 0x0B
)

// Logger is the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Session is one open connection to the bus.
type Session interface {
	Client() mb.Client
	SetUnit(id byte)
	Close() error
}

// Dialer opens a session.
type Dialer func() (Session, error)

// handler is satisfied by both goburrow TCP and RTU client handlers.
type handler interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

type handlerSession struct {
	h      handler
	client mb.Client
}

func (s *handlerSession) Client() mb.Client { return s.client }
func (s *handlerSession) Close() error      { return s.h.Close() }

func (s *handlerSession) SetUnit(id byte) {
	switch h := s.h.(type) {
	case *mb.TCPClientHandler:
		h.SlaveId = id
	case *mb.RTUClientHandler:
		h.SlaveId = id
	}
}

// NewDialer returns a dialer for a TCP or RTU backend definition.
func NewDialer(cfg config.ModbusBackendConfig) (Dialer, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var build func() handler
	switch strings.ToLower(cfg.Mode) {
	case "tcp", "":
		if cfg.Address == "" {
			return nil, fmt.Errorf("%w: modbus tcp address is required", channel.ErrInvalidConfig)
		}
		build = func() handler {
			h := mb.NewTCPClientHandler(cfg.Address)
			h.Timeout = timeout
			return h
		}
	case "rtu":
		if cfg.Device == "" {
			return nil, fmt.Errorf("%w: modbus rtu device is required", channel.ErrInvalidConfig)
		}
		build = func() handler {
			h := mb.NewRTUClientHandler(cfg.Device)
			if cfg.BaudRate > 0 {
				h.BaudRate = cfg.BaudRate
			}
			if cfg.DataBits > 0 {
				h.DataBits = cfg.DataBits
			}
			if cfg.Parity != "" {
				h.Parity = strings.ToUpper(cfg.Parity)
			}
			if cfg.StopBits > 0 {
				h.StopBits = cfg.StopBits
			}
			h.Timeout = timeout
			return h
		}
	default:
		return nil, fmt.Errorf("%w: modbus mode %q must be tcp or rtu", channel.ErrInvalidConfig, cfg.Mode)
	}

	return func() (Session, error) {
		h := build()
		if err := h.Connect(); err != nil {
			return nil, err
		}
		return &handlerSession{h: h, client: mb.NewClient(h)}, nil
	}, nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithBackoff bounds the delay between reconnect attempts.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(t *Transport) {
		if minDelay > 0 {
			t.backoffMin = minDelay
		}
		if maxDelay >= t.backoffMin {
			t.backoffMax = maxDelay
		}
	}
}

// WithClock overrides the clock used to stamp readings.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Transport is a poll-only channel transport for one Modbus bus. Requests
// are serialized: a bus carries one transaction at a time.
type Transport struct {
	name       string
	dial       Dialer
	logger     Logger
	now        func() time.Time
	backoffMin time.Duration
	backoffMax time.Duration

	mu      sync.Mutex
	session Session
	backoff time.Duration
	lastErr error
	links   int
	closed  bool
}

// New creates a transport that opens sessions with dial.
func New(name string, dial Dialer, opts ...Option) *Transport {
	t := &Transport{
		name:       name,
		dial:       dial,
		logger:     noopLogger{},
		now:        time.Now,
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromConfig creates a transport for a modbus backend definition.
func FromConfig(name string, cfg config.ModbusBackendConfig, opts ...Option) (*Transport, error) {
	dial, err := NewDialer(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return New(name, dial, opts...), nil
}

// Name returns the backend name.
func (t *Transport) Name() string { return t.name }

// Connect opens a link to addr, dialing the bus if no session is open.
func (t *Transport) Connect(ctx context.Context, addr channel.Address) (channel.Link, error) {
	ref, err := ParseRef(addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("%w: %s closed", channel.ErrBackendUnavailable, t.name)
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}
	t.links++
	return &link{t: t, ref: ref}, nil
}

// Connected reports whether a bus session is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil
}

// Close drops the session. Later operations fail with ErrBackendUnavailable.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.closeSession()
}

// ensureConnected dials when no session is open, after waiting out the
// current backoff. Caller holds t.mu.
func (t *Transport) ensureConnected(ctx context.Context) error {
	if t.session != nil {
		return nil
	}
	if t.backoff > 0 {
		timer := time.NewTimer(t.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", channel.ErrTimeout, t.name, ctx.Err())
		case <-timer.C:
		}
	}

	s, err := t.dial()
	if err != nil {
		t.bumpBackoff(err)
		t.logger.Warn("modbus connect failed", "backend", t.name, "error", err, "backoff", t.backoff)
		return fmt.Errorf("%w: %s: %w", channel.ErrBackendUnavailable, t.name, err)
	}
	t.session = s
	t.backoff = 0
	t.lastErr = nil
	t.logger.Debug("modbus session open", "backend", t.name)
	return nil
}

func (t *Transport) bumpBackoff(err error) {
	t.lastErr = err
	if t.backoff == 0 {
		t.backoff = t.backoffMin
		return
	}
	t.backoff *= 2
	if t.backoff > t.backoffMax {
		t.backoff = t.backoffMax
	}
}

func (t *Transport) closeSession() error {
	if t.session == nil {
		return nil
	}
	err := t.session.Close()
	t.session = nil
	return err
}

// do runs one request on the bus. A transient failure drops the session
// and the request is retried once on a fresh one.
func (t *Transport) do(ctx context.Context, unit byte, fn func(mb.Client) ([]byte, error)) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("%w: %s closed", channel.ErrBackendUnavailable, t.name)
	}

	data, err := t.attempt(ctx, unit, fn)
	if err == nil || !isTransient(err) {
		return data, t.classify(err)
	}

	t.logger.Warn("modbus request failed, reconnecting", "backend", t.name, "unit", unit, "error", err)
	_ = t.closeSession()
	t.bumpBackoff(err)
	data, err = t.attempt(ctx, unit, fn)
	if err != nil && isTransient(err) {
		_ = t.closeSession()
		t.bumpBackoff(err)
	}
	return data, t.classify(err)
}

func (t *Transport) attempt(ctx context.Context, unit byte, fn func(mb.Client) ([]byte, error)) ([]byte, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", channel.ErrTimeout, t.name, err)
	}
	t.session.SetUnit(unit)
	return fn(t.session.Client())
}

// classify maps bus errors onto channel errors. Exception responses come
// from a live device and do not drop the session.
func (t *Transport) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, channel.ErrBackendUnavailable) || errors.Is(err, channel.ErrTimeout) {
		return err
	}
	var exc *mb.ModbusError
	if errors.As(err, &exc) {
		if exc.ExceptionCode == exceptionGatewayNoResponse {
			return fmt.Errorf("%w: %s: %w", channel.ErrTimeout, t.name, err)
		}
		return fmt.Errorf("%w: %s: %w", channel.ErrInvalidValue, t.name, err)
	}
	return fmt.Errorf("%w: %s: %w", channel.ErrBackendUnavailable, t.name, err)
}

func (t *Transport) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links > 0 {
		t.links--
	}
	if t.links == 0 {
		_ = t.closeSession()
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var exc *mb.ModbusError
	if errors.As(err, &exc) {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset") ||
		strings.Contains(s, "closed") ||
		strings.Contains(s, "i/o") ||
		strings.Contains(s, "eof") ||
		strings.Contains(s, "timeout")
}

type link struct {
	t      *Transport
	ref    Ref
	closed atomic.Bool
}

func (l *link) Read(ctx context.Context) (any, time.Time, error) {
	if l.closed.Load() {
		return nil, time.Time{}, fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	ref := l.ref
	data, err := l.t.do(ctx, ref.Unit, func(c mb.Client) ([]byte, error) {
		switch ref.Area {
		case AreaCoil:
			return c.ReadCoils(ref.Offset, 1)
		case AreaDiscrete:
			return c.ReadDiscreteInputs(ref.Offset, 1)
		case AreaHolding:
			return c.ReadHoldingRegisters(ref.Offset, ref.words())
		default:
			return c.ReadInputRegisters(ref.Offset, ref.words())
		}
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	v, err := decode(ref, data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s %s: %w", channel.ErrBackendUnavailable, l.t.name, ref, err)
	}
	return v, l.t.now(), nil
}

func (l *link) Write(ctx context.Context, value any) error {
	if l.closed.Load() {
		return fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	ref := l.ref
	if !ref.writable() {
		return fmt.Errorf("%w: %s is read-only", channel.ErrInvalidValue, ref)
	}

	var fn func(mb.Client) ([]byte, error)
	if ref.Area == AreaCoil {
		word, err := encodeCoil(value)
		if err != nil {
			return err
		}
		fn = func(c mb.Client) ([]byte, error) { return c.WriteSingleCoil(ref.Offset, word) }
	} else {
		payload, err := encodeRegisters(ref, value)
		if err != nil {
			return err
		}
		if ref.words() == 1 {
			word := uint16(payload[0])<<8 | uint16(payload[1])
			fn = func(c mb.Client) ([]byte, error) { return c.WriteSingleRegister(ref.Offset, word) }
		} else {
			fn = func(c mb.Client) ([]byte, error) {
				return c.WriteMultipleRegisters(ref.Offset, ref.words(), payload)
			}
		}
	}
	_, err := l.t.do(ctx, ref.Unit, fn)
	return err
}

func (l *link) OnChange(channel.ChangeFunc) error {
	return channel.ErrPushUnsupported
}

func (l *link) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.t.release()
	}
	return nil
}
