package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend types understood by the transport factory.
const (
	BackendMemory = "memory"
	BackendModbus = "modbus"
	BackendMQTT   = "mqtt"
)

// minJWTSecretLen is the shortest accepted HS256 signing secret.
const minJWTSecretLen = 32

// Config is the root configuration for Beamline Core.
// It is loaded from YAML and can be overridden by BEAMLINE_* environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Relay     RelayConfig     `yaml:"relay"`
	Devices   DevicesConfig   `yaml:"devices"`
	Backends  []BackendConfig `yaml:"backends"`
}

// SiteConfig identifies the beamline this process controls.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Facility string `yaml:"facility"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains paho reconnection intervals in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     AuthConfig       `yaml:"auth"`
}

// AuthConfig controls bearer-token checks on operating endpoints.
// Reads stay open. Once Enabled is set, value writes and actions need a
// token signed with JWTSecret.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl"` // minutes
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains live event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArchiveConfig controls state history and value archiving.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueSize     int           `yaml:"queue_size"`
	RetentionDays int           `yaml:"retention_days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// RelayConfig controls republishing of device events to MQTT.
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	AcceptCommands bool          `yaml:"accept_commands"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// DevicesConfig points at the device catalog and sets channel defaults.
type DevicesConfig struct {
	// CatalogFile is the YAML file describing devices, roles and state tables.
	CatalogFile string `yaml:"catalog_file"`

	// Timeout bounds a single read, write or command when a channel sets none.
	Timeout time.Duration `yaml:"timeout"`

	// QueueSize is the per-adapter event queue depth.
	QueueSize int `yaml:"queue_size"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the bounded backoff used by channels after a backend outage.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`

	// MaxAttempts of 0 retries until the channel is disconnected.
	MaxAttempts int `yaml:"max_attempts"`
}

// BackendConfig declares one named transport. Exactly one of the typed
// sections is read, selected by Type.
type BackendConfig struct {
	Name   string              `yaml:"name"`
	Type   string              `yaml:"type"`
	Memory MemoryBackendConfig `yaml:"memory"`
	Modbus ModbusBackendConfig `yaml:"modbus"`
	MQTT   MQTTBackendConfig   `yaml:"mqtt"`
}

// MemoryBackendConfig describes an in-process simulated backend.
type MemoryBackendConfig struct {
	Push     bool                        `yaml:"push"`
	Latency  time.Duration               `yaml:"latency"`
	Values   map[string]any              `yaml:"values"`
	Commands map[string]SimCommandConfig `yaml:"commands"`
}

// SimCommandConfig is the effect of invoking a simulated command: after
// Delay, each target in Set takes the given value.
type SimCommandConfig struct {
	Set   map[string]any `yaml:"set"`
	Delay time.Duration  `yaml:"delay"`
}

// ModbusBackendConfig configures a Modbus TCP or RTU connection.
type ModbusBackendConfig struct {
	Mode     string        `yaml:"mode"`
	Address  string        `yaml:"address"`
	Device   string        `yaml:"device"`
	BaudRate int           `yaml:"baud_rate"`
	DataBits int           `yaml:"data_bits"`
	Parity   string        `yaml:"parity"`
	StopBits int           `yaml:"stop_bits"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MQTTBackendConfig configures channels carried over the shared MQTT client.
type MQTTBackendConfig struct {
	SetSuffix string `yaml:"set_suffix"`
	QoS       int    `yaml:"qos"`
}

// Load reads configuration from a YAML file and applies environment overrides.
//
// Loading order:
//  1. Default values
//  2. YAML file values
//  3. Environment variables (BEAMLINE_SECTION_KEY)
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with working defaults for a single beamline host.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "beamline-01",
			Name: "Beamline",
		},
		Database: DatabaseConfig{
			Path:        "./data/beamline.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "beamline-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  120,
			},
			Auth: AuthConfig{
				TokenTTL: 60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			QueueSize:     1024,
			RetentionDays: 30,
			PruneInterval: time.Hour,
		},
		Relay: RelayConfig{
			Enabled:        true,
			AcceptCommands: true,
			HealthInterval: 30 * time.Second,
		},
		Devices: DevicesConfig{
			Timeout:   5 * time.Second,
			QueueSize: 256,
			Reconnect: ReconnectConfig{
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2,
			},
		},
	}
}

// applyEnvOverrides applies BEAMLINE_* environment variables on top of the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BEAMLINE_SITE_ID"); v != "" {
		cfg.Site.ID = v
	}
	if v := os.Getenv("BEAMLINE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("BEAMLINE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BEAMLINE_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BEAMLINE_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = port
	}
	if v := os.Getenv("BEAMLINE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BEAMLINE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("BEAMLINE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("BEAMLINE_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BEAMLINE_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	if v := os.Getenv("BEAMLINE_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}
	if v := os.Getenv("BEAMLINE_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("BEAMLINE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("BEAMLINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BEAMLINE_DEVICES_CATALOG"); v != "" {
		cfg.Devices.CatalogFile = v
	}

	return nil
}

// Validate checks the configuration and reports every problem found.
//
// Returns:
//   - error: All validation failures joined, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.JWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters when auth is enabled", minJWTSecretLen))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Archive.QueueSize < 0 {
		errs = append(errs, "archive.queue_size must not be negative")
	}
	if c.Devices.Timeout <= 0 {
		errs = append(errs, "devices.timeout must be positive")
	}

	errs = append(errs, c.Devices.Reconnect.validate()...)
	errs = append(errs, c.validateBackends()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r ReconnectConfig) validate() []string {
	var errs []string
	if r.InitialDelay <= 0 {
		errs = append(errs, "devices.reconnect.initial_delay must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		errs = append(errs, "devices.reconnect.max_delay must not be below initial_delay")
	}
	if r.Multiplier < 1 {
		errs = append(errs, "devices.reconnect.multiplier must be at least 1")
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, "devices.reconnect.max_attempts must not be negative")
	}
	return errs
}

func (c *Config) validateBackends() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Backends))

	for i, b := range c.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, prefix+".name is required")
		} else if seen[b.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, b.Name))
		}
		seen[b.Name] = true

		switch b.Type {
		case BackendMemory:
		case BackendModbus:
			switch strings.ToLower(b.Modbus.Mode) {
			case "tcp", "":
				if b.Modbus.Address == "" {
					errs = append(errs, prefix+".modbus.address is required for tcp mode")
				}
			case "rtu":
				if b.Modbus.Device == "" {
					errs = append(errs, prefix+".modbus.device is required for rtu mode")
				}
			default:
				errs = append(errs, fmt.Sprintf("%s.modbus.mode %q must be tcp or rtu", prefix, b.Modbus.Mode))
			}
		case BackendMQTT:
			if !c.MQTT.Enabled {
				errs = append(errs, prefix+" uses mqtt but mqtt.enabled is false")
			}
			if b.MQTT.QoS < 0 || b.MQTT.QoS > 2 {
				errs = append(errs, prefix+".mqtt.qos must be 0, 1, or 2")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.type %q must be one of memory, modbus, mqtt", prefix, b.Type))
		}
	}

	return errs
}

// Backend returns the backend declared under name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
