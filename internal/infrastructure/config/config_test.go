package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes content to a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "beamline.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "id30a1"
  name: "ID30A-1"
database:
  path: "/tmp/beamline-test.db"
devices:
  catalog_file: "devices.yaml"
  timeout: 2s
  reconnect:
    initial_delay: 100ms
    max_delay: 3s
    multiplier: 1.5
backends:
  - name: sim
    type: memory
    memory:
      push: true
      values:
        shutter/state: 0
      commands:
        shutter/open:
          set: {shutter/state: 1}
          delay: 250ms
  - name: plc
    type: modbus
    modbus:
      mode: tcp
      address: "10.0.0.5:502"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "id30a1" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "id30a1")
	}
	if cfg.Devices.Timeout != 2*time.Second {
		t.Errorf("Devices.Timeout = %v, want 2s", cfg.Devices.Timeout)
	}
	if cfg.Devices.Reconnect.Multiplier != 1.5 {
		t.Errorf("Reconnect.Multiplier = %v, want 1.5", cfg.Devices.Reconnect.Multiplier)
	}
	if cfg.Devices.QueueSize != 256 {
		t.Errorf("Devices.QueueSize default = %d, want 256", cfg.Devices.QueueSize)
	}

	sim, ok := cfg.Backend("sim")
	if !ok {
		t.Fatal("Backend(sim) not found")
	}
	if !sim.Memory.Push {
		t.Error("sim backend push = false, want true")
	}
	if got := sim.Memory.Commands["shutter/open"].Delay; got != 250*time.Millisecond {
		t.Errorf("shutter/open delay = %v, want 250ms", got)
	}
	if _, ok := cfg.Backend("missing"); ok {
		t.Error("Backend(missing) found, want not found")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/beamline.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "site:\n  id: from-file\n")

	t.Setenv("BEAMLINE_SITE_ID", "from-env")
	t.Setenv("BEAMLINE_MQTT_PORT", "8883")
	t.Setenv("BEAMLINE_DEVICES_CATALOG", "/etc/beamline/devices.yaml")
	t.Setenv("BEAMLINE_JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Site.ID != "from-env" {
		t.Errorf("Site.ID = %q, want from-env", cfg.Site.ID)
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.Devices.CatalogFile != "/etc/beamline/devices.yaml" {
		t.Errorf("CatalogFile = %q", cfg.Devices.CatalogFile)
	}
	if cfg.API.Auth.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %q, want env-secret", cfg.API.Auth.JWTSecret)
	}
}

func TestLoad_BadEnvPort(t *testing.T) {
	path := writeConfig(t, "site:\n  id: x\n")
	t.Setenv("BEAMLINE_API_PORT", "eighty")

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for non-numeric port, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing site id",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id is required",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "influx enabled without bucket",
			mutate:  func(c *Config) { c.InfluxDB = InfluxDBConfig{Enabled: true, URL: "http://influx:8086", Org: "esrf"} },
			wantErr: "influxdb.url",
		},
		{
			name:    "auth enabled with short secret",
			mutate:  func(c *Config) { c.API.Auth = AuthConfig{Enabled: true, JWTSecret: "short"} },
			wantErr: "jwt_secret",
		},
		{
			name: "auth enabled with secret",
			mutate: func(c *Config) {
				c.API.Auth = AuthConfig{Enabled: true, JWTSecret: strings.Repeat("k", 32)}
			},
		},
		{
			name:    "reconnect max below initial",
			mutate:  func(c *Config) { c.Devices.Reconnect.MaxDelay = 10 * time.Millisecond },
			wantErr: "max_delay",
		},
		{
			name: "duplicate backend name",
			mutate: func(c *Config) {
				c.Backends = []BackendConfig{{Name: "sim", Type: BackendMemory}, {Name: "sim", Type: BackendMemory}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "unknown backend type",
			mutate:  func(c *Config) { c.Backends = []BackendConfig{{Name: "tango", Type: "tango"}} },
			wantErr: "must be one of",
		},
		{
			name: "modbus rtu without device",
			mutate: func(c *Config) {
				c.Backends = []BackendConfig{{Name: "rs485", Type: BackendModbus, Modbus: ModbusBackendConfig{Mode: "rtu"}}}
			},
			wantErr: "modbus.device",
		},
		{
			name: "mqtt backend with mqtt disabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = false
				c.Backends = []BackendConfig{{Name: "broker", Type: BackendMQTT}}
			},
			wantErr: "mqtt.enabled is false",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Site.ID = ""
	cfg.Database.Path = ""
	cfg.API.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if got := strings.Count(err.Error(), ";"); got != 2 {
		t.Errorf("expected 3 joined errors, got %q", err.Error())
	}
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := defaultConfig()
	if cfg.GetReadTimeout() != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v", cfg.GetReadTimeout())
	}
	if cfg.GetWriteTimeout() != 60*time.Second {
		t.Errorf("GetWriteTimeout() = %v", cfg.GetWriteTimeout())
	}
	if cfg.GetIdleTimeout() != 120*time.Second {
		t.Errorf("GetIdleTimeout() = %v", cfg.GetIdleTimeout())
	}
}
