// Beamline Core - device proxy and notification service
//
// This is the main entry point for Beamline Core. It loads the device
// catalog, connects every device to its control-system backend (Modbus,
// MQTT or the in-process simulator) and exposes the devices over:
//   - an HTTP/WebSocket API for control UIs and scripts
//   - retained MQTT topics and a command topic for other services
//   - a SQLite state history and optional InfluxDB time series
//
// "beamline token" mints API bearer tokens from the configured secret.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/api"
	"github.com/nerrad567/beamline-core/internal/archive"
	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/infrastructure/database"
	"github.com/nerrad567/beamline-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/beamline-core/internal/infrastructure/logging"
	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
	"github.com/nerrad567/beamline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/beamline-core/internal/notify"
	"github.com/nerrad567/beamline-core/internal/registry"
	"github.com/nerrad567/beamline-core/internal/relay"
	"github.com/nerrad567/beamline-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Components are closed in reverse order of creation when ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Beamline Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	// Database and archive schema
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path(), "migrations_applied", applied)

	reg := metrics.NewRegistry()
	if !cfg.Metrics.Enabled {
		reg = nil
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT client started",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Devices
	devices, err := buildDevices(ctx, cfg, mqttClient, reg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping devices")
		if closeErr := devices.Close(); closeErr != nil {
			log.Error("error stopping devices", "error", closeErr)
		}
	}()

	// Archive
	store := archive.NewStore(db.DB)
	if cfg.Archive.Enabled {
		stopArchive := startArchive(store, influxClient, devices, cfg.Archive, reg, log)
		defer stopArchive()
	}

	// MQTT relay
	if cfg.Relay.Enabled && mqttClient != nil {
		r := relay.New(mqttClient, devices, cfg.Relay, relay.Options{
			Site:    cfg.Site.ID,
			Version: version,
			QoS:     byte(cfg.MQTT.QoS),
			Logger:  log.Component("relay"),
		})
		if startErr := r.Start(ctx); startErr != nil {
			return fmt.Errorf("starting relay: %w", startErr)
		}
		defer func() {
			log.Info("stopping relay")
			r.Stop()
		}()
		log.Info("MQTT relay started", "accept_commands", cfg.Relay.AcceptCommands)
	}

	// HTTP API
	checks := map[string]api.HealthChecker{"database": db}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Metrics:  cfg.Metrics,
		Logger:   log.Component("api"),
		Devices:  devices,
		Registry: reg,
		Checks:   checks,
		Version:  version,
	}
	if cfg.Archive.Enabled {
		deps.History = store
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", len(devices.List()),
		"api", server.Addr(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BEAMLINE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BEAMLINE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildDevices registers the configured backends, builds the catalog and
// starts every transport and adapter.
func buildDevices(ctx context.Context, cfg *config.Config, mqttClient *mqtt.Client, reg *metrics.Registry, log *logging.Logger) (*registry.Registry, error) {
	devices := registry.New(
		registry.WithLogger(log.Component("registry")),
		registry.WithAdapterOptions(
			adapter.WithLogger(log.Component("adapter")),
			adapter.WithMetrics(adapter.NewMetrics(reg)),
			adapter.WithChannelMetrics(channel.NewMetrics(reg)),
			adapter.WithBusMetrics(notify.NewMetrics(reg)),
			adapter.WithDefaults(adapter.Defaults{
				Timeout:   cfg.Devices.Timeout,
				QueueSize: cfg.Devices.QueueSize,
				Backoff: channel.Backoff{
					Initial:     cfg.Devices.Reconnect.InitialDelay,
					Max:         cfg.Devices.Reconnect.MaxDelay,
					Multiplier:  cfg.Devices.Reconnect.Multiplier,
					MaxAttempts: cfg.Devices.Reconnect.MaxAttempts,
				},
			}),
		),
	)

	backends := registry.Backends{Logger: log.Component("transport")}
	if mqttClient != nil {
		backends.Broker = mqttClient
	}
	if err := devices.RegisterBackends(cfg.Backends, backends); err != nil {
		_ = devices.Close()
		return nil, fmt.Errorf("creating backends: %w", err)
	}

	if cfg.Devices.CatalogFile == "" {
		log.Warn("no device catalog configured")
	} else {
		catalog, err := adapter.LoadCatalog(cfg.Devices.CatalogFile)
		if err != nil {
			_ = devices.Close()
			return nil, fmt.Errorf("loading device catalog: %w", err)
		}
		if err := devices.Build(ctx, catalog); err != nil {
			_ = devices.Close()
			return nil, fmt.Errorf("building devices: %w", err)
		}
	}

	if err := devices.Start(ctx); err != nil {
		_ = devices.Close()
		return nil, fmt.Errorf("starting devices: %w", err)
	}
	log.Info("devices started", "backends", devices.TransportNames(), "devices", len(devices.List()))
	return devices, nil
}

// startArchive runs the archiver on every device event. The returned
// function stops it after the queue has drained.
func startArchive(store *archive.Store, influxClient *influxdb.Client, devices *registry.Registry, cfg config.ArchiveConfig, reg *metrics.Registry, log *logging.Logger) func() {
	opts := []archive.Option{
		archive.WithLogger(log.Component("archive")),
		archive.WithQueueSize(cfg.QueueSize),
		archive.WithMetrics(archive.NewMetrics(reg)),
	}
	if cfg.RetentionDays > 0 {
		opts = append(opts, archive.WithRetention(time.Duration(cfg.RetentionDays)*24*time.Hour, cfg.PruneInterval))
	}
	if influxClient != nil {
		opts = append(opts, archive.WithPoints(influxClient))
	}
	archiver := archive.New(store, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := archiver.Run(ctx); err != nil {
			log.Error("archiver stopped", "error", err)
		}
	}()
	unwatch := devices.Watch(archiver.Record)
	log.Info("archive started", "retention_days", cfg.RetentionDays)

	return func() {
		log.Info("stopping archive")
		unwatch()
		cancel()
		<-done
	}
}
