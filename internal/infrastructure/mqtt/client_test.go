package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "beamline-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// fakeMessage implements pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ pahomqtt.Message = fakeMessage{}

// mockLogger implements Logger interface for testing.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// =============================================================================
// Offline Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "beamline/test", qos: 3, wantErr: ErrInvalidQoS},
		{name: "oversized payload", topic: "beamline/test", payload: make([]byte, maxPayloadSize+1), wantErr: ErrPublishFailed},
		{name: "not connected", topic: "beamline/test", qos: 1, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := client.PublishRetained("", []byte("{}")); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("PublishRetained(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.PublishRetained("beamline/device/phi/state", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishRetained() offline error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("beamline/test", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 5) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("beamline/test", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("beamline/test", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() offline error = %v, want ErrNotConnected", err)
	}
	if len(client.tracked()) != 0 {
		t.Error("failed Subscribe() left a tracked subscription")
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
}

func TestWrapHandler_RecoversAndLogs(t *testing.T) {
	client := &Client{}
	logger := &mockLogger{}
	client.SetLogger(logger)

	client.wrapHandler(func(string, []byte) error { panic("boom") })(nil, fakeMessage{topic: "a"})
	client.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })(nil, fakeMessage{topic: "b"})

	var got string
	client.wrapHandler(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	})(nil, fakeMessage{topic: "c", payload: []byte("1")})

	if len(logger.errors) != 1 || len(logger.warns) != 1 {
		t.Errorf("logged errors = %v warns = %v, want one of each", logger.errors, logger.warns)
	}
	if got != "c=1" {
		t.Errorf("handler saw %q, want c=1", got)
	}

	client.SetLogger(nil)
	if client.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}

func TestConnectionHandlers(t *testing.T) {
	client := &Client{}

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	client.SetOnConnect(func() { record("onConnect") })
	client.SetOnDisconnect(func(err error) { record("onDisconnect:" + err.Error()) })
	remove := client.AddConnectionHandler(func(connected bool, err error) {
		if connected {
			record("handler:up")
		} else {
			record("handler:down")
		}
	})

	client.notify(false, errors.New("keepalive"))
	client.notify(true, nil)
	remove()
	client.notify(false, errors.New("again"))

	want := "onDisconnect:keepalive,handler:down,onConnect,handler:up,onDisconnect:again"
	if got := strings.Join(events, ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "beamline"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "beamline-test" || opts.Username != "beamline" {
		t.Errorf("ClientID = %q Username = %q", opts.ClientID, opts.Username)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig = nil with TLS enabled")
	}

	if !opts.WillEnabled || opts.WillTopic != "beamline/system/status" || !opts.WillRetained {
		t.Errorf("LWT = enabled %v topic %q retained %v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	var will statusMessage
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("WillPayload %s: %v", opts.WillPayload, err)
	}
	if will.Status != statusOffline || will.Reason != reasonUnexpected || will.ClientID != "beamline-test" {
		t.Errorf("Will = %+v", will)
	}
}

func TestStatusPayload(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		status   string
		reason   string
		want     string
	}{
		{name: "online", clientID: "beamline-test", status: statusOnline, want: `"status":"online"`},
		{name: "shutdown", clientID: "beamline-test", status: statusOffline, reason: reasonShutdown, want: `"reason":"graceful_shutdown"`},
		{name: "quoted client id", clientID: `core "a"`, status: statusOnline, want: `"client_id":"core \"a\""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := statusPayload(tt.clientID, tt.status, tt.reason)
			if !strings.Contains(string(payload), tt.want) {
				t.Errorf("statusPayload() = %s, want it to contain %s", payload, tt.want)
			}
			var msg statusMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Fatalf("statusPayload() is not JSON: %v", err)
			}
			if msg.ClientID != tt.clientID || msg.Reason != tt.reason {
				t.Errorf("decoded = %+v", msg)
			}
		})
	}
}

func TestSubscriptionTracking(t *testing.T) {
	client := &Client{}
	handler := func(string, []byte) error { return nil }

	client.track(subscription{topic: "beamline/device/+/command", qos: 1, handler: handler})
	client.track(subscription{topic: "beamline/device/+/command", qos: 2, handler: handler})
	client.track(subscription{topic: "sim/phi/position", qos: 0, handler: handler})
	if got := len(client.tracked()); got != 2 {
		t.Fatalf("tracked() = %d subscriptions, want 2", got)
	}
	for _, s := range client.tracked() {
		if s.topic == "beamline/device/+/command" && s.qos != 2 {
			t.Errorf("re-tracked subscription qos = %d, want 2", s.qos)
		}
	}

	client.untrack("sim/phi/position")
	subs := client.tracked()
	if len(subs) != 1 || subs[0].topic != "beamline/device/+/command" {
		t.Errorf("tracked() after untrack = %+v", subs)
	}
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"DeviceState", topics.DeviceState("fe_shutter"), "beamline/device/fe_shutter/state"},
		{"DeviceValue", topics.DeviceValue("ring_current"), "beamline/device/ring_current/value"},
		{"DeviceReading", topics.DeviceReading("phi", "position"), "beamline/device/phi/reading/position"},
		{"DeviceChannel", topics.DeviceChannel("phi", "state"), "beamline/device/phi/channel/state"},
		{"DeviceCommand", topics.DeviceCommand("fe_shutter"), "beamline/device/fe_shutter/command"},
		{"DeviceAck", topics.DeviceAck("fe_shutter"), "beamline/device/fe_shutter/ack"},
		{"SystemStatus", topics.SystemStatus(), "beamline/system/status"},
		{"SystemHealth", topics.SystemHealth(), "beamline/system/health"},
		{"AllDeviceCommands", topics.AllDeviceCommands(), "beamline/device/+/command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		device string
		ok     bool
	}{
		{"beamline/device/fe_shutter/command", "fe_shutter", true},
		{"beamline/device/phi/reading/position", "phi", true},
		{"beamline/device/phi", "", false},
		{"beamline/device//command", "", false},
		{"beamline/system/status", "", false},
	}
	for _, tt := range tests {
		device, ok := Topics{}.DeviceFromTopic(tt.topic)
		if device != tt.device || ok != tt.ok {
			t.Errorf("DeviceFromTopic(%q) = %q, %v, want %q, %v", tt.topic, device, ok, tt.device, tt.ok)
		}
	}
}
