package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/archive"
	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/infrastructure/logging"
	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
	"github.com/nerrad567/beamline-core/internal/registry"
	"github.com/nerrad567/beamline-core/internal/state"
	"github.com/nerrad567/beamline-core/internal/transport/memory"
)

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
  - name: fe_shutter
    kind: shutter
    backend: sim
    channels:
      state: {address: fe/state, type: int}
    commands:
      open: {address: fe/open}
      close: {address: fe/close}
    state_table:
      inputs: [state]
      rules:
        - when: {state: 1}
          state: READY
          label: open
        - when: {state: 0}
          state: READY
          label: closed
`

// fakeHistory serves canned archive records.
type fakeHistory struct {
	records []archive.StateRecord
	values  []archive.ValueRecord
	err     error
	limit   int
}

func (f *fakeHistory) History(_ context.Context, device string, limit int) ([]archive.StateRecord, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []archive.StateRecord
	for _, r := range f.records {
		if r.Device == device {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHistory) Values(_ context.Context, device string) ([]archive.ValueRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []archive.ValueRecord
	for _, v := range f.values {
		if v.Device == device {
			out = append(out, v)
		}
	}
	return out, nil
}

type fakeMQTT struct{ connected bool }

func (f fakeMQTT) IsConnected() bool { return f.connected }

type fixture struct {
	srv     *Server
	reg     *registry.Registry
	sim     *memory.Transport
	history *fakeHistory
}

func testServer(t *testing.T) *fixture {
	t.Helper()
	return testServerWith(t, config.APIConfig{Host: "127.0.0.1", Port: 0})
}

func testServerWith(t *testing.T, apiCfg config.APIConfig) *fixture {
	t.Helper()

	sim := memory.New("sim", memory.WithPush(true))
	sim.Set("sr/current", 200.5)
	sim.Set("att/transmission", 0.5)
	sim.Set("fe/state", 0)
	sim.SetEffect("fe/open", memory.Effect{Set: map[string]any{"fe/state": 1}, Delay: 10 * time.Millisecond})
	sim.SetEffect("fe/close", memory.Effect{Set: map[string]any{"fe/state": 0}, Delay: 10 * time.Millisecond})

	reg := registry.New(registry.WithAdapterOptions(adapter.WithDefaults(adapter.Defaults{
		Timeout: time.Second,
		Backoff: channel.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})))
	if err := reg.RegisterTransport(sim); err != nil {
		t.Fatalf("RegisterTransport: %v", err)
	}
	catalog, err := adapter.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if err := reg.Build(context.Background(), catalog); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	history := &fakeHistory{}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	srv, err := New(Deps{
		Config:   apiCfg,
		WS:       config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:   log,
		Devices:  reg,
		History:  history,
		Registry: metrics.NewRegistry(),
		MQTT:     fakeMQTT{connected: true},
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{srv: srv, reg: reg, sim: sim, history: history}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
}

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

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger succeeded")
	}
	if _, err := New(Deps{Logger: logging.Default()}); err == nil {
		t.Error("New() without devices succeeded")
	}
}

func TestHealth(t *testing.T) {
	f := testServer(t)
	w := f.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		Status       string            `json:"status"`
		Version      string            `json:"version"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decode(t, w, &body)
	if body.Version != "test" || body.Dependencies["mqtt"] != "connected" {
		t.Errorf("health = %+v", body)
	}
}

func TestRequestID(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want client value", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	f := testServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://beamline.local")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://beamline.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestListDevices(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?kind=shutter", 1},
		{"?kind=motor", 0},
		{"?state=ready", 3},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			waitFor(t, "devices ready", func() bool {
				for _, a := range f.reg.List() {
					if a.GetState().State != state.Ready {
						return false
					}
				}
				return true
			})
			w := f.do(t, http.MethodGet, "/api/v1/devices"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var body struct {
				Devices []deviceView `json:"devices"`
				Count   int          `json:"count"`
			}
			decode(t, w, &body)
			if body.Count != tt.want || len(body.Devices) != tt.want {
				t.Errorf("count = %d, want %d", body.Count, tt.want)
			}
		})
	}

	if w := f.do(t, http.MethodGet, "/api/v1/devices?state=sideways", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid state filter status = %d, want 400", w.Code)
	}
}

func TestGetDevice(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/devices/attenuator", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var v deviceView
	decode(t, w, &v)
	if v.Name != "attenuator" || v.Kind != adapter.KindActuator {
		t.Errorf("device = %+v", v)
	}
	if v.Value == nil || !channel.Equal(v.Value.Value, 0.5) {
		t.Errorf("value = %+v, want 0.5", v.Value)
	}

	if w := f.do(t, http.MethodGet, "/api/v1/devices/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
}

func TestGetValueAndState(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/devices/ring_current/value", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Reading channel.Reading `json:"reading"`
	}
	decode(t, w, &body)
	if !channel.Equal(body.Reading.Value, 200.5) {
		t.Errorf("reading = %+v", body.Reading)
	}

	waitFor(t, "shutter closed", func() bool {
		a, _ := f.reg.Get("fe_shutter")
		return a.GetState().Label == "closed"
	})
	w = f.do(t, http.MethodGet, "/api/v1/devices/fe_shutter/state", "")
	var st struct {
		State state.Status `json:"state"`
	}
	decode(t, w, &st)
	if st.State.State != state.Ready || st.State.Label != "closed" {
		t.Errorf("state = %+v", st.State)
	}
}

func TestSetValue(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		name   string
		device string
		body   string
		want   int
	}{
		{"wait", "attenuator", `{"value": 0.25, "wait": true, "timeout_ms": 1000}`, http.StatusOK},
		{"no wait", "attenuator", `{"value": 0.3}`, http.StatusAccepted},
		{"out of range", "attenuator", `{"value": 3}`, http.StatusUnprocessableEntity},
		{"missing value", "attenuator", `{"wait": true}`, http.StatusBadRequest},
		{"bad json", "attenuator", `{"value":`, http.StatusBadRequest},
		{"negative timeout", "attenuator", `{"value": 0.1, "timeout_ms": -1}`, http.StatusBadRequest},
		{"timeout above a day", "attenuator", `{"value": 0.1, "timeout_ms": 86400001}`, http.StatusBadRequest},
		{"overflowing timeout", "attenuator", `{"value": 0.1, "timeout_ms": 9223372036854775807}`, http.StatusBadRequest},
		{"read-only", "ring_current", `{"value": 1}`, http.StatusMethodNotAllowed},
		{"unknown", "nope", `{"value": 1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPut, "/api/v1/devices/"+tt.device+"/value", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if v, _ := f.sim.Get("att/transmission"); !channel.Equal(v, 0.3) {
		t.Errorf("backend value = %v, want 0.3", v)
	}
}

func TestActions(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/devices/fe_shutter/actions/open", `{"wait": true, "timeout_ms": 2000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("open status = %d: %s", w.Code, w.Body.String())
	}
	a, _ := f.reg.Get("fe_shutter")
	if got := a.GetState().Label; got != "open" {
		t.Errorf("label after open = %q", got)
	}

	// A device that never confirms the request times out.
	f.sim.HoldWrites(true)
	w = f.do(t, http.MethodPost, "/api/v1/devices/fe_shutter/actions/close", `{"wait": true, "timeout_ms": 50}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("held close status = %d, want 504 (%s)", w.Code, w.Body.String())
	}
	f.sim.HoldWrites(false)

	tests := []struct {
		path string
		body string
		want int
	}{
		{"/api/v1/devices/fe_shutter/actions/close", "", http.StatusAccepted},
		{"/api/v1/devices/fe_shutter/actions/abort", "", http.StatusOK},
		{"/api/v1/devices/fe_shutter/actions/move", `{"value": 1}`, http.StatusMethodNotAllowed},
		{"/api/v1/devices/attenuator/actions/move", "", http.StatusBadRequest},
		{"/api/v1/devices/attenuator/actions/open", "", http.StatusMethodNotAllowed},
		{"/api/v1/devices/attenuator/actions/fly", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if w := f.do(t, http.MethodPost, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestActions_ChunkedBody(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"empty abort", "/api/v1/devices/fe_shutter/actions/abort", "", http.StatusOK},
		{"empty close", "/api/v1/devices/fe_shutter/actions/close", "", http.StatusAccepted},
		{"move", "/api/v1/devices/attenuator/actions/move", `{"value": 0.2}`, http.StatusAccepted},
		{"truncated", "/api/v1/devices/attenuator/actions/move", `{"value":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.Body = io.NopCloser(strings.NewReader(tt.body))
			req.ContentLength = -1
			req.TransferEncoding = []string{"chunked"}
			w := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHistory(t *testing.T) {
	f := testServer(t)
	now := time.Now().UTC()
	f.history.records = []archive.StateRecord{
		{ID: 2, Device: "fe_shutter", Status: state.Status{State: state.Ready, Label: "open"}, ChangedAt: now},
		{ID: 1, Device: "fe_shutter", Status: state.Status{State: state.Moving}, ChangedAt: now.Add(-time.Minute)},
	}

	w := f.do(t, http.MethodGet, "/api/v1/devices/fe_shutter/history?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	decode(t, w, &body)
	if body.Count != 2 || f.history.limit != 10 {
		t.Errorf("count = %d limit = %d", body.Count, f.history.limit)
	}

	since := now.Add(-30 * time.Second).Format(time.RFC3339Nano)
	w = f.do(t, http.MethodGet, "/api/v1/devices/fe_shutter/history?since="+since, "")
	decode(t, w, &body)
	if body.Count != 1 || f.history.limit != defaultHistoryLimit {
		t.Errorf("since filter count = %d limit = %d", body.Count, f.history.limit)
	}

	for _, q := range []string{"?limit=0", "?limit=500", "?limit=x", "?since=yesterday"} {
		if w := f.do(t, http.MethodGet, "/api/v1/devices/fe_shutter/history"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, w.Code)
		}
	}

	f.history.err = errors.New("disk gone")
	if w := f.do(t, http.MethodGet, "/api/v1/devices/fe_shutter/history", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("store failure status = %d, want 500", w.Code)
	}
}

func TestHistory_Unavailable(t *testing.T) {
	f := testServer(t)
	f.srv.history = nil
	if w := f.do(t, http.MethodGet, "/api/v1/devices/fe_shutter/history", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/devices/fe_shutter/values", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("values status = %d, want 503", w.Code)
	}
}

func TestSystemAndMetrics(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/system", "")
	var m SystemMetrics
	decode(t, w, &m)
	if m.Devices.Total != 3 || m.Devices.ByKind[adapter.KindShutter] != 1 || m.MQTT == nil || !m.MQTT.Connected {
		t.Errorf("system = %+v", m)
	}

	if w := f.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", w.Code)
	}
}

func TestDeviceErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{registry.ErrDeviceNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", adapter.ErrInvalidValue), http.StatusUnprocessableEntity},
		{adapter.ErrNotSupported, http.StatusMethodNotAllowed},
		{adapter.ErrOperationRejected, http.StatusConflict},
		{adapter.ErrOperationAborted, http.StatusConflict},
		{adapter.ErrTimeout, http.StatusGatewayTimeout},
		{adapter.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{adapter.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := deviceErrorStatus(tt.err); got != tt.want {
			t.Errorf("deviceErrorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWebSocket_Subscribe(t *testing.T) {
	f := testServer(t)
	cancel := f.reg.Watch(f.srv.hub.Publish)
	defer cancel()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Devices: []string{"attenuator", "nope"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	read := func() WSMessage {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	resp := read()
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("response = %+v", resp)
	}
	if payload, _ := resp.Payload.(map[string]any); payload["unknown"] == nil {
		t.Errorf("unknown device not reported: %+v", resp.Payload)
	}

	// Replay of current events, then live events.
	sawState := false
	for i := 0; i < 10 && !sawState; i++ {
		msg := read()
		if msg.Device != "attenuator" {
			t.Fatalf("event for %q on attenuator subscription", msg.Device)
		}
		sawState = msg.Event == adapter.EventStateChanged
	}
	if !sawState {
		t.Fatal("no replayed stateChanged")
	}

	f.sim.Set("sr/current", 1.0)
	f.sim.Set("att/transmission", 0.75)
	for {
		msg := read()
		if msg.Device != "attenuator" {
			t.Fatalf("event for unsubscribed device %q", msg.Device)
		}
		if msg.Event != adapter.EventValueChanged {
			continue
		}
		payload, _ := msg.Payload.(map[string]any)
		reading, _ := payload["reading"].(map[string]any)
		if channel.Equal(reading["value"], 0.75) {
			break
		}
	}

	if f.srv.hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", f.srv.hub.ClientCount())
	}
}

func TestWebSocket_BadMessages(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	tests := []struct {
		send string
		want string
	}{
		{`not json`, WSTypeError},
		{`{"type":"dance","id":"1"}`, WSTypeError},
		{`{"type":"subscribe","id":"2","payload":{}}`, WSTypeError},
		{`{"type":"ping","id":"3"}`, WSTypePong},
		{`{"type":"unsubscribe","id":"4","payload":{"devices":["attenuator"]}}`, WSTypeResponse},
	}
	for _, tt := range tests {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
			t.Fatalf("write: %v", err)
		}
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != tt.want {
			t.Errorf("reply to %s = %s, want %s", tt.send, msg.Type, tt.want)
		}
	}
}

func TestServer_StartClose(t *testing.T) {
	f := testServer(t)
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	resp, err := http.Get("http://" + f.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := f.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := f.srv.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck after Close succeeded")
	}
}
