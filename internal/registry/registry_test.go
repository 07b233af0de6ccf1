package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/notify"
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
`

func parseCatalog(t *testing.T, src string) *adapter.Catalog {
	t.Helper()
	c, err := adapter.ParseCatalog([]byte(src))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	return c
}

func testOptions() Option {
	return WithAdapterOptions(adapter.WithDefaults(adapter.Defaults{
		Timeout: time.Second,
		Backoff: channel.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}))
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

// startTestRegistry builds the test catalog on one push-capable memory backend.
func startTestRegistry(t *testing.T) (*Registry, *memory.Transport) {
	t.Helper()
	sim := memory.New("sim", memory.WithPush(true))
	sim.Set("sr/current", 200.1)
	sim.Set("att/transmission", 0.5)

	reg := New(testOptions())
	if err := reg.RegisterTransport(sim); err != nil {
		t.Fatalf("RegisterTransport() error = %v", err)
	}
	if err := reg.Build(context.Background(), parseCatalog(t, testCatalog)); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg, sim
}

func TestRegistry_BuildAndLookup(t *testing.T) {
	reg, _ := startTestRegistry(t)

	list := reg.List()
	if len(list) != 2 || list[0].Name() != "attenuator" || list[1].Name() != "ring_current" {
		t.Fatalf("List() = %v, want [attenuator ring_current]", list)
	}

	a, err := reg.Get("ring_current")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	waitFor(t, "ring_current READY", func() bool { return a.GetState().State == state.Ready })

	if _, err := reg.Get("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_BuildCollectsErrors(t *testing.T) {
	reg := New()
	defer reg.Close()
	if err := reg.RegisterTransport(memory.New("sim")); err != nil {
		t.Fatal(err)
	}

	catalog := parseCatalog(t, `
devices:
  - name: a
    kind: sensor
    channels:
      value: {backend: nowhere, address: x}
  - name: b
    kind: sensor
    channels:
      value: {backend: elsewhere, address: y}
  - name: c
    kind: sensor
    backend: sim
    channels:
      value: {address: z}
`)
	err := reg.Build(context.Background(), catalog)
	if !errors.Is(err, adapter.ErrConfiguration) {
		t.Fatalf("Build() error = %v, want ErrConfiguration", err)
	}
	for _, want := range []string{`"nowhere"`, `"elsewhere"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Build() error %q does not mention %s", err, want)
		}
	}
	if n := len(reg.List()); n != 0 {
		t.Errorf("List() after failed Build has %d devices, want 0", n)
	}
}

func TestRegistry_BuildRollsBackOnConflict(t *testing.T) {
	reg := New(testOptions())
	defer reg.Close()
	if err := reg.RegisterTransport(memory.New("sim")); err != nil {
		t.Fatal(err)
	}

	catalog := parseCatalog(t, testCatalog)
	existing, err := adapter.New(catalog.Devices[1], reg)
	if err != nil {
		t.Fatalf("adapter.New() error = %v", err)
	}
	if err := reg.Add(context.Background(), existing); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// ring_current is added before attenuator collides with the live device.
	if err := reg.Build(context.Background(), catalog); !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("Build() error = %v, want ErrDuplicateDevice", err)
	}
	list := reg.List()
	if len(list) != 1 || list[0] != existing {
		t.Fatalf("List() after failed Build = %v, want only the pre-existing attenuator", list)
	}
	if _, err := reg.Get("ring_current"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(ring_current) error = %v, want ErrDeviceNotFound", err)
	}

	if err := reg.Remove("attenuator"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := reg.Build(context.Background(), catalog); err != nil {
		t.Fatalf("Build() after conflict removed error = %v", err)
	}
	if n := len(reg.List()); n != 2 {
		t.Errorf("List() has %d devices, want 2", n)
	}
}

func TestRegistry_DuplicateNames(t *testing.T) {
	reg, sim := startTestRegistry(t)

	if err := reg.RegisterTransport(memory.New("sim")); !errors.Is(err, ErrDuplicateTransport) {
		t.Errorf("RegisterTransport(dup) error = %v, want ErrDuplicateTransport", err)
	}

	cfg := parseCatalog(t, testCatalog).Devices[0]
	dup, err := adapter.New(cfg, reg)
	if err != nil {
		t.Fatalf("adapter.New() error = %v", err)
	}
	defer dup.Stop()
	if err := reg.Add(context.Background(), dup); !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("Add(dup) error = %v, want ErrDuplicateDevice", err)
	}

	if err := reg.Remove("ring_current"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := reg.Remove("ring_current"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Remove() error = %v, want ErrDeviceNotFound", err)
	}

	again, err := adapter.New(cfg, reg)
	if err != nil {
		t.Fatalf("adapter.New() error = %v", err)
	}
	if err := reg.Add(context.Background(), again); err != nil {
		t.Fatalf("Add() after Remove error = %v", err)
	}
	sim.Set("sr/current", 201.0)
	waitFor(t, "re-added device started", func() bool {
		r, err := again.GetValue(context.Background())
		return err == nil && channel.Equal(r.Value, 201.0)
	})
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) record(ev notify.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) count(source, name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Source == source && ev.Name == name {
			n++
		}
	}
	return n
}

func TestRegistry_Watch(t *testing.T) {
	reg, sim := startTestRegistry(t)
	waitFor(t, "devices ready", func() bool {
		for _, a := range reg.List() {
			if a.GetState().State != state.Ready {
				return false
			}
		}
		return true
	})

	var log eventLog
	cancel := reg.Watch(log.record)

	for _, dev := range []string{"attenuator", "ring_current"} {
		if log.count(dev, adapter.EventStateChanged) != 1 {
			t.Errorf("replayed stateChanged for %s = %d, want 1", dev, log.count(dev, adapter.EventStateChanged))
		}
	}

	before := log.count("ring_current", adapter.EventValueChanged)
	sim.Set("sr/current", 150.0)
	waitFor(t, "valueChanged", func() bool {
		return log.count("ring_current", adapter.EventValueChanged) > before
	})

	extra, err := adapter.New(parseCatalog(t, `
devices:
  - name: bpm
    kind: sensor
    backend: sim
    channels:
      value: {address: bpm/x}
`).Devices[0], reg)
	if err != nil {
		t.Fatalf("adapter.New() error = %v", err)
	}
	if err := reg.Add(context.Background(), extra); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if log.count("bpm", adapter.EventStateChanged) == 0 {
		t.Error("watcher did not see a device added later")
	}

	cancel()
	cancel()
	after := log.count("ring_current", adapter.EventValueChanged)
	sim.Set("sr/current", 151.0)
	time.Sleep(50 * time.Millisecond)
	if got := log.count("ring_current", adapter.EventValueChanged); got != after {
		t.Errorf("events after cancel: %d, want %d", got, after)
	}
}

func TestRegistry_CloseIdempotent(t *testing.T) {
	reg, sim := startTestRegistry(t)
	a, _ := reg.Get("attenuator")

	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := a.SetValue(context.Background(), 0.2, false, 0); !errors.Is(err, adapter.ErrStopped) {
		t.Errorf("SetValue() after Close error = %v, want ErrStopped", err)
	}
	if sim.LinkCount() != 0 {
		t.Errorf("LinkCount() = %d after Close, want 0", sim.LinkCount())
	}
	if err := reg.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
}

type startingTransport struct {
	*memory.Transport
	err     error
	started bool
}

func (s *startingTransport) Start(context.Context) error {
	s.started = true
	return s.err
}

func TestRegistry_StartsTransports(t *testing.T) {
	ok := &startingTransport{Transport: memory.New("ok")}
	bad := &startingTransport{Transport: memory.New("bad"), err: errors.New("port busy")}

	reg := New()
	defer reg.Close()
	for _, tr := range []channel.Transport{ok, bad} {
		if err := reg.RegisterTransport(tr); err != nil {
			t.Fatal(err)
		}
	}
	err := reg.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"bad"`) {
		t.Fatalf("Start() error = %v, want failure naming bad", err)
	}
	if !ok.started || !bad.started {
		t.Errorf("started ok=%v bad=%v, want both", ok.started, bad.started)
	}
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BackendConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.BackendConfig{Name: "sim", Type: config.BackendMemory}},
		{name: "modbus tcp", cfg: config.BackendConfig{Name: "plc", Type: config.BackendModbus, Modbus: config.ModbusBackendConfig{Address: "127.0.0.1:502"}}},
		{name: "modbus without address", cfg: config.BackendConfig{Name: "plc", Type: config.BackendModbus}, wantErr: true},
		{name: "mqtt without broker", cfg: config.BackendConfig{Name: "broker", Type: config.BackendMQTT}, wantErr: true},
		{name: "unknown", cfg: config.BackendConfig{Name: "x", Type: "tango"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransport(tt.cfg, Backends{})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewTransport() = %v, want error", tr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTransport() error = %v", err)
			}
			if tr.Name() != tt.cfg.Name {
				t.Errorf("Name() = %q, want %q", tr.Name(), tt.cfg.Name)
			}
		})
	}
}
