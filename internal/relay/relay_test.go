package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/beamline-core/internal/notify"
	"github.com/nerrad567/beamline-core/internal/registry"
	"github.com/nerrad567/beamline-core/internal/state"
	"github.com/nerrad567/beamline-core/internal/transport/memory"
)

// mockBroker records publications and lets tests inject messages on
// subscribed topics.
type mockBroker struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
	handlers  map[string]mqtt.MessageHandler
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockBroker(connected bool) *mockBroker {
	return &mockBroker{connected: connected, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockBroker) PublishRetained(topic string, payload []byte) error {
	return m.Publish(topic, payload, 1, true)
}

func (m *mockBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
	return nil
}

func (m *mockBroker) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBroker) subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// send delivers payload to the handler whose pattern matches topic.
func (m *mockBroker) send(t *testing.T, topic string, payload string) {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[mqtt.Topics{}.AllDeviceCommands()]
	m.mu.Unlock()
	if h == nil {
		t.Fatal("no command subscription")
	}
	if err := h(topic, []byte(payload)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
}

func (m *mockBroker) on(topic string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, msg := range m.messages {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockBroker) acks(device string) []AckMessage {
	var out []AckMessage
	for _, msg := range m.on(mqtt.Topics{}.DeviceAck(device)) {
		var ack AckMessage
		if err := json.Unmarshal(msg.payload, &ack); err == nil {
			out = append(out, ack)
		}
	}
	return out
}

const testCatalog = `
devices:
  - name: ring_current
    kind: sensor
    backend: sim
    channels:
      value: {address: sr/current, type: float}
  - name: attenuator
    kind: actuator
    backend: sim
    channels:
      value: {address: att/transmission, type: float, min: 0, max: 1}
`

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDevices(t *testing.T) (*registry.Registry, *memory.Transport) {
	t.Helper()
	sim := memory.New("sim", memory.WithPush(true))
	sim.Set("sr/current", 200.1)
	sim.Set("att/transmission", 0.5)

	reg := registry.New(registry.WithAdapterOptions(adapter.WithDefaults(adapter.Defaults{
		Timeout: time.Second,
		Backoff: channel.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})))
	if err := reg.RegisterTransport(sim); err != nil {
		t.Fatalf("RegisterTransport() error = %v", err)
	}
	catalog, err := adapter.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	if err := reg.Build(context.Background(), catalog); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg, sim
}

func startRelay(t *testing.T, broker *mockBroker, devices Devices, accept bool) *Relay {
	t.Helper()
	r := New(broker, devices, config.RelayConfig{Enabled: true, AcceptCommands: accept, HealthInterval: time.Hour}, Options{Site: "test", Version: "dev"})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func TestRelay_PublishesRetainedState(t *testing.T) {
	reg, sim := startDevices(t)
	broker := newMockBroker(true)
	startRelay(t, broker, reg, false)

	topics := mqtt.Topics{}
	waitFor(t, "replayed state", func() bool { return len(broker.on(topics.DeviceState("ring_current"))) > 0 })

	sim.Set("sr/current", 180.0)
	waitFor(t, "value update", func() bool {
		msgs := broker.on(topics.DeviceValue("ring_current"))
		if len(msgs) == 0 {
			return false
		}
		var v ValueMessage
		if err := json.Unmarshal(msgs[len(msgs)-1].payload, &v); err != nil {
			return false
		}
		f, ok := channel.ToFloat(v.Value)
		return ok && f == 180.0
	})

	for _, msg := range broker.on(topics.DeviceState("ring_current")) {
		if !msg.retained {
			t.Errorf("state on %s not retained", msg.topic)
		}
	}
	if len(broker.on(topics.DeviceReading("attenuator", adapter.RoleValue))) == 0 {
		t.Error("no reading published for attenuator")
	}
	if broker.subscribed(topics.AllDeviceCommands()) {
		t.Error("subscribed to commands with AcceptCommands disabled")
	}
}

func TestRelay_SkipsWhenDisconnected(t *testing.T) {
	reg, _ := startDevices(t)
	broker := newMockBroker(false)
	r := startRelay(t, broker, reg, false)

	ev := notify.Event{
		Name:    adapter.EventStateChanged,
		Source:  "ring_current",
		Payload: adapter.StateChange{Device: "ring_current", Current: state.Status{State: state.Ready}},
	}
	if err := r.publishEvent(ev); err == nil {
		t.Error("publishEvent() error = nil while disconnected")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(broker.on(mqtt.Topics{}.DeviceState("ring_current"))); n != 0 {
		t.Errorf("published %d state messages while disconnected", n)
	}
}

func TestRelay_Commands(t *testing.T) {
	reg, sim := startDevices(t)
	broker := newMockBroker(true)
	startRelay(t, broker, reg, true)

	topics := mqtt.Topics{}
	if !broker.subscribed(topics.AllDeviceCommands()) {
		t.Fatal("not subscribed to device commands")
	}

	tests := []struct {
		name     string
		device   string
		payload  string
		wantCode string
	}{
		{"set", "attenuator", `{"id":"c1","action":"set","value":0.25,"wait":true,"timeout_ms":1000}`, ""},
		{"out of range", "attenuator", `{"id":"c2","action":"set","value":4}`, ErrCodeInvalidValue},
		{"missing value", "attenuator", `{"id":"c3","action":"move"}`, ErrCodeInvalidCommand},
		{"unknown action", "attenuator", `{"id":"c4","action":"jump"}`, ErrCodeInvalidCommand},
		{"malformed", "attenuator", `{"id":`, ErrCodeInvalidCommand},
		{"unknown device", "nope", `{"id":"c6","action":"abort"}`, ErrCodeNotFound},
		{"not supported", "ring_current", `{"id":"c7","action":"open"}`, ErrCodeNotSupported},
		{"negative timeout", "attenuator", `{"id":"c8","action":"set","value":0.1,"timeout_ms":-5}`, ErrCodeInvalidCommand},
		{"overflowing timeout", "attenuator", `{"id":"c9","action":"set","value":0.1,"timeout_ms":9223372036854775807}`, ErrCodeInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(broker.acks(tt.device))
			broker.send(t, topics.DeviceCommand(tt.device), tt.payload)

			waitFor(t, "final ack", func() bool {
				acks := broker.acks(tt.device)[before:]
				return len(acks) > 0 && acks[len(acks)-1].Status != AckAccepted
			})
			acks := broker.acks(tt.device)[before:]
			last := acks[len(acks)-1]
			if tt.wantCode == "" {
				if last.Status != AckDone {
					t.Fatalf("status = %s (%+v), want done", last.Status, last.Error)
				}
				return
			}
			if last.Status != AckFailed || last.Error == nil || last.Error.Code != tt.wantCode {
				t.Fatalf("ack = %+v, want failed with %s", last, tt.wantCode)
			}
		})
	}

	if v, _ := sim.Get("att/transmission"); !channel.Equal(v, 0.25) {
		t.Errorf("transmission = %v, want 0.25", v)
	}
	for _, msg := range broker.on(topics.DeviceAck("attenuator")) {
		if msg.retained {
			t.Errorf("ack on %s retained", msg.topic)
		}
	}
}

func TestRelay_GeneratesCommandID(t *testing.T) {
	reg, _ := startDevices(t)
	broker := newMockBroker(true)
	startRelay(t, broker, reg, true)

	broker.send(t, mqtt.Topics{}.DeviceCommand("attenuator"), `{"action":"set","value":0.1}`)
	waitFor(t, "ack", func() bool { return len(broker.acks("attenuator")) > 0 })
	if id := broker.acks("attenuator")[0].CommandID; id == "" {
		t.Error("ack carries no command id")
	}
}

func TestRelay_Health(t *testing.T) {
	reg, sim := startDevices(t)
	broker := newMockBroker(true)
	r := startRelay(t, broker, reg, false)

	topic := mqtt.Topics{}.SystemHealth()
	waitFor(t, "health report", func() bool { return len(broker.on(topic)) >= 2 })

	sim.Fail(nil)
	waitFor(t, "device unknown", func() bool {
		a, _ := reg.Get("ring_current")
		return a.GetState().State == state.Unknown
	})
	r.health.publishNow()

	msgs := broker.on(topic)
	var h HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &h); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if h.Status != HealthDegraded {
		t.Errorf("status = %s, want degraded", h.Status)
	}
	if !strings.Contains(h.Reason, "UNKNOWN") {
		t.Errorf("reason = %q, want it to name UNKNOWN", h.Reason)
	}
	if h.Devices != 2 || h.Site != "test" {
		t.Errorf("health = %+v", h)
	}
	if !msgs[len(msgs)-1].retained {
		t.Error("health not retained")
	}
}

func TestRelay_StopIdempotent(t *testing.T) {
	reg, _ := startDevices(t)
	broker := newMockBroker(true)
	r := startRelay(t, broker, reg, true)

	r.Stop()
	r.Stop()

	if broker.subscribed(mqtt.Topics{}.AllDeviceCommands()) {
		t.Error("command subscription left after Stop")
	}
	msgs := broker.on(mqtt.Topics{}.SystemHealth())
	var h HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &h); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if h.Status != HealthStopping {
		t.Errorf("final status = %s, want stopping", h.Status)
	}
}
