package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	mqttclient "github.com/nerrad567/beamline-core/internal/infrastructure/mqtt"
)

const defaultSetSuffix = "/set"

// Client is the subset of the shared MQTT client the transport uses.
type Client interface {
	Subscribe(topic string, qos byte, handler mqttclient.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
	AddConnectionHandler(h mqttclient.ConnectionHandler) (remove func())
}

// Logger is the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

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

// WithClock overrides the clock used to stamp messages without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Transport carries channels on MQTT topics. A channel address names its
// state topic; writes go to the state topic plus the set suffix and
// commands publish to their own topic.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Each topic is subscribed once, however many links read it.
type Transport struct {
	name      string
	client    Client
	qos       byte
	setSuffix string
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	topics  map[string]*topicState
	closed  bool
	release func()
}

type topicState struct {
	links      map[*link]struct{}
	subscribed bool
	payload    []byte
	received   time.Time
}

// New creates a transport on client and starts tracking its connection.
func New(name string, client Client, cfg config.MQTTBackendConfig, opts ...Option) *Transport {
	t := &Transport{
		name:      name,
		client:    client,
		qos:       byte(cfg.QoS),
		setSuffix: cfg.SetSuffix,
		logger:    noopLogger{},
		now:       time.Now,
		topics:    make(map[string]*topicState),
	}
	if t.setSuffix == "" {
		t.setSuffix = defaultSetSuffix
	}
	for _, opt := range opts {
		opt(t)
	}
	t.release = client.AddConnectionHandler(t.connectionChanged)
	return t
}

// Name returns the backend name.
func (t *Transport) Name() string { return t.name }

// Connect opens a link to the topic named by addr.Target.
func (t *Transport) Connect(_ context.Context, addr channel.Address) (channel.Link, error) {
	topic := strings.TrimSpace(addr.Target)
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return nil, fmt.Errorf("%w: mqtt topic %q must be a concrete topic", channel.ErrInvalidConfig, addr.Target)
	}
	if err := t.available(); err != nil {
		return nil, err
	}

	l := &link{t: t, topic: topic, attribute: addr.Attribute}
	t.mu.Lock()
	st := t.topics[topic]
	if st == nil {
		st = &topicState{links: make(map[*link]struct{})}
		t.topics[topic] = st
	}
	st.links[l] = struct{}{}
	t.mu.Unlock()
	return l, nil
}

// Close stops connection tracking. Open links fail from then on.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	release := t.release
	t.mu.Unlock()
	if release != nil {
		release()
	}
	return nil
}

// Topics returns the number of topics with open links.
func (t *Transport) Topics() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics)
}

func (t *Transport) available() error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %s closed", channel.ErrBackendUnavailable, t.name)
	}
	if !t.client.IsConnected() {
		return fmt.Errorf("%w: %s: broker not connected", channel.ErrBackendUnavailable, t.name)
	}
	return nil
}

// subscribe makes sure topic is subscribed. The broker round trip runs
// without t.mu held: paho may deliver messages before the SUBACK.
func (t *Transport) subscribe(topic string) error {
	t.mu.Lock()
	st := t.topics[topic]
	if st == nil || st.subscribed {
		t.mu.Unlock()
		return nil
	}
	st.subscribed = true
	t.mu.Unlock()

	if err := t.client.Subscribe(topic, t.qos, t.handle); err != nil {
		t.mu.Lock()
		st.subscribed = false
		t.mu.Unlock()
		return t.wrap(err)
	}
	t.logger.Debug("mqtt channel topic subscribed", "backend", t.name, "topic", topic)
	return nil
}

// handle receives messages for subscribed topics.
func (t *Transport) handle(topic string, payload []byte) error {
	now := t.now()
	t.mu.Lock()
	st := t.topics[topic]
	if st == nil {
		t.mu.Unlock()
		return nil
	}
	st.payload = append([]byte(nil), payload...)
	st.received = now
	links := make([]*link, 0, len(st.links))
	for l := range st.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	var errs []error
	for _, l := range links {
		fn := l.watcher()
		if fn == nil {
			continue
		}
		v, ts, err := decodePayload(payload, l.attribute)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", topic, err))
			continue
		}
		if ts.IsZero() {
			ts = now
		}
		fn(channel.Update{Value: v, Timestamp: ts})
	}
	return errors.Join(errs...)
}

// cached returns the last payload received on topic.
func (t *Transport) cached(topic string) ([]byte, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.topics[topic]
	if st == nil || st.payload == nil {
		return nil, time.Time{}, false
	}
	return st.payload, st.received, true
}

func (t *Transport) publish(topic string, payload []byte) error {
	if err := t.available(); err != nil {
		return err
	}
	if err := t.client.Publish(topic, payload, t.qos, false); err != nil {
		return t.wrap(err)
	}
	return nil
}

func (t *Transport) wrap(err error) error {
	if errors.Is(err, mqttclient.ErrInvalidTopic) || errors.Is(err, mqttclient.ErrInvalidQoS) {
		return fmt.Errorf("%w: %s: %w", channel.ErrInvalidConfig, t.name, err)
	}
	if errors.Is(err, mqttclient.ErrTimeout) {
		return fmt.Errorf("%w: %s: %w", channel.ErrTimeout, t.name, err)
	}
	return fmt.Errorf("%w: %s: %w", channel.ErrBackendUnavailable, t.name, err)
}

func (t *Transport) drop(l *link) {
	t.mu.Lock()
	st := t.topics[l.topic]
	if st == nil {
		t.mu.Unlock()
		return
	}
	delete(st.links, l)
	if len(st.links) > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.topics, l.topic)
	subscribed := st.subscribed
	t.mu.Unlock()

	if subscribed && t.client.IsConnected() {
		if err := t.client.Unsubscribe(l.topic); err != nil {
			t.logger.Warn("mqtt unsubscribe failed", "backend", t.name, "topic", l.topic, "error", err)
		}
	}
}

// connectionChanged fails every push link when the broker connection drops.
// Channels reconnect on their own once the client is back.
func (t *Transport) connectionChanged(connected bool, err error) {
	if connected {
		t.logger.Debug("mqtt backend connected", "backend", t.name)
		return
	}
	if err == nil {
		err = errors.New("connection lost")
	}
	lost := fmt.Errorf("%w: %s: %w", channel.ErrBackendUnavailable, t.name, err)

	t.mu.Lock()
	var fns []channel.ChangeFunc
	for _, st := range t.topics {
		for l := range st.links {
			if fn := l.watcher(); fn != nil {
				fns = append(fns, fn)
			}
		}
	}
	t.mu.Unlock()

	t.logger.Warn("mqtt backend disconnected", "backend", t.name, "links", len(fns), "error", err)
	for _, fn := range fns {
		fn(channel.Update{Err: lost})
	}
}

type link struct {
	t         *Transport
	topic     string
	attribute string

	mu     sync.Mutex
	fn     channel.ChangeFunc
	closed atomic.Bool
}

func (l *link) watcher() channel.ChangeFunc {
	if l.closed.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fn
}

func (l *link) check() error {
	if l.closed.Load() {
		return fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	return l.t.available()
}

// Read returns the last message on the topic. Until one arrives (a
// retained message usually does right after subscribing) the value is nil.
func (l *link) Read(context.Context) (any, time.Time, error) {
	if err := l.check(); err != nil {
		return nil, time.Time{}, err
	}
	if err := l.t.subscribe(l.topic); err != nil {
		return nil, time.Time{}, err
	}
	payload, received, ok := l.t.cached(l.topic)
	if !ok {
		return nil, time.Time{}, nil
	}
	v, ts, err := decodePayload(payload, l.attribute)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s: %w", channel.ErrInvalidValue, l.topic, err)
	}
	if ts.IsZero() {
		ts = received
	}
	return v, ts, nil
}

// Write publishes value to the topic's set topic.
func (l *link) Write(_ context.Context, value any) error {
	if l.closed.Load() {
		return fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	payload, err := encodePayload(value, l.attribute)
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrInvalidValue, err)
	}
	return l.t.publish(l.topic+l.t.setSuffix, payload)
}

// Invoke publishes the arguments to the command topic itself: nothing as
// {}, one argument as its value, several as a JSON array.
func (l *link) Invoke(_ context.Context, args ...any) (any, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("%w: link closed", channel.ErrBackendUnavailable)
	}
	var (
		payload []byte
		err     error
	)
	switch len(args) {
	case 0:
		payload = []byte("{}")
	case 1:
		payload, err = encodePayload(args[0], l.attribute)
	default:
		payload, err = encodePayload(args, l.attribute)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidValue, err)
	}
	return nil, l.t.publish(l.topic, payload)
}

func (l *link) OnChange(fn channel.ChangeFunc) error {
	if err := l.check(); err != nil {
		return err
	}
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
	return l.t.subscribe(l.topic)
}

func (l *link) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.mu.Lock()
		l.fn = nil
		l.mu.Unlock()
		l.t.drop(l)
	}
	return nil
}
