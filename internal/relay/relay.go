package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/beamline-core/internal/notify"
)

const (
	defaultQueueSize      = 512
	defaultHealthInterval = 30 * time.Second
)

// Logger is the logging interface used by the relay.
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

// Broker is the subset of the MQTT client the relay uses. Device state and
// health go out retained; command acks do not.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Devices is the device registry as seen by the relay.
type Devices interface {
	Get(name string) (*adapter.Adapter, error)
	List() []*adapter.Adapter
	Watch(cb notify.Callback) (cancel func())
}

// Options configures a Relay beyond its config section.
type Options struct {
	Site    string
	Version string
	QoS     byte
	Logger  Logger
}

// Relay mirrors device events onto MQTT and executes commands received
// from it.
//
// Event publication runs on the relay's own goroutine: a slow broker
// never stalls a device event loop, and a full queue drops events.
type Relay struct {
	broker  Broker
	devices Devices
	cfg     config.RelayConfig
	opts    Options
	topics  mqtt.Topics
	logger  Logger
	health  *healthReporter

	queue chan notify.Event

	mu       sync.Mutex
	started  bool
	unwatch  func()
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	commands sync.WaitGroup
	stopOnce sync.Once
}

// New creates a relay. Start begins relaying.
func New(broker Broker, devices Devices, cfg config.RelayConfig, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	r := &Relay{
		broker:  broker,
		devices: devices,
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		queue:   make(chan notify.Event, defaultQueueSize),
	}
	r.health = newHealthReporter(r, interval)
	return r
}

// Start publishes current device state, subscribes to device commands when
// enabled and starts the health report.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.health.publish(HealthStarting, "relay starting"); err != nil {
		r.logger.Warn("publishing starting health failed", "error", err)
	}

	r.workers.Add(1)
	go r.publishLoop(ctx)

	unwatch := r.devices.Watch(r.enqueue)
	r.mu.Lock()
	r.unwatch = unwatch
	r.mu.Unlock()

	if r.cfg.AcceptCommands {
		topic := r.topics.AllDeviceCommands()
		if err := r.broker.Subscribe(topic, r.opts.QoS, func(topic string, payload []byte) error {
			return r.handleCommand(ctx, topic, payload)
		}); err != nil {
			r.Stop()
			return fmt.Errorf("subscribing to device commands: %w", err)
		}
		r.logger.Info("accepting device commands", "topic", topic)
	}

	r.workers.Add(1)
	go r.health.loop(ctx, &r.workers)
	return nil
}

// Stop stops relaying, waits for in-flight commands and publishes a
// final "stopping" health report. It is idempotent.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		cancel, unwatch := r.cancel, r.unwatch
		r.mu.Unlock()

		if unwatch != nil {
			unwatch()
		}
		if r.cfg.AcceptCommands && r.broker.IsConnected() {
			_ = r.broker.Unsubscribe(r.topics.AllDeviceCommands())
		}
		if cancel != nil {
			cancel()
		}
		r.commands.Wait()
		r.workers.Wait()

		if err := r.health.publish(HealthStopping, ""); err != nil {
			r.logger.Debug("publishing stopping health failed", "error", err)
		}
		r.logger.Info("relay stopped")
	})
}

func (r *Relay) enqueue(ev notify.Event) error {
	select {
	case r.queue <- ev:
		return nil
	default:
		return fmt.Errorf("relay queue full, %s from %s dropped", ev.Name, ev.Source)
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	defer r.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			if err := r.publishEvent(ev); err != nil {
				r.logger.Debug("event not relayed", "device", ev.Source, "event", ev.Name, "error", err)
			}
		}
	}
}

// publishEvent maps one device event to its retained topic.
func (r *Relay) publishEvent(ev notify.Event) error {
	var (
		topic string
		body  any
	)
	switch p := ev.Payload.(type) {
	case adapter.StateChange:
		topic, body = r.topics.DeviceState(p.Device), p.Current
	case adapter.ValueChange:
		msg := ValueMessage{Value: p.Reading.Value, Timestamp: p.Reading.Timestamp, Confirmed: p.Reading.Confirmed, Stale: p.Reading.Stale}
		if ev.Name == adapter.EventValueChanged {
			topic = r.topics.DeviceValue(p.Device)
		} else {
			topic = r.topics.DeviceReading(p.Device, p.Role)
		}
		body = msg
	case adapter.ChannelChange:
		topic, body = r.topics.DeviceChannel(p.Device, p.Role), p
	default:
		return nil
	}

	if !r.broker.IsConnected() {
		return mqtt.ErrNotConnected
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.Name, err)
	}
	return r.broker.PublishRetained(topic, payload)
}
