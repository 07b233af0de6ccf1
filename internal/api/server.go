package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/archive"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/infrastructure/logging"
	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
	"github.com/nerrad567/beamline-core/internal/notify"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Devices is the device registry as seen by the API.
type Devices interface {
	Get(name string) (*adapter.Adapter, error)
	List() []*adapter.Adapter
	Watch(cb notify.Callback) (cancel func())
}

// History reads archived state changes and readings.
type History interface {
	History(ctx context.Context, device string, limit int) ([]archive.StateRecord, error)
	Values(ctx context.Context, device string) ([]archive.ValueRecord, error)
}

// Connectivity reports whether an optional dependency is reachable.
type Connectivity interface {
	IsConnected() bool
}

// HealthChecker is implemented by the database and time-series clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Metrics  config.MetricsConfig
	Logger   *logging.Logger
	Devices  Devices
	History  History           // optional; history endpoints answer 503 without it
	Registry *metrics.Registry // optional; /metrics answers 404 without it
	MQTT     Connectivity      // optional
	Checks   map[string]HealthChecker
	Version  string
}

// Server is the HTTP API server for Beamline Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	metricCfg config.MetricsConfig
	logger    *logging.Logger
	devices   Devices
	history   History
	registry  *metrics.Registry
	mqtt      Connectivity
	checks    map[string]HealthChecker
	version   string
	startTime time.Time

	hub     *Hub
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	unwatch  func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		metricCfg: deps.Metrics,
		logger:    deps.Logger,
		devices:   deps.Devices,
		history:   deps.History,
		registry:  deps.Registry,
		mqtt:      deps.MQTT,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger, s.devices)
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, forwards device events to it and launches
// the HTTP listener in a background goroutine. The server can be stopped
// with Close().
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(srvCtx)
	s.unwatch = s.devices.Watch(s.hub.Publish)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.unwatch()
		cancel()
		s.server = nil
		return fmt.Errorf("listening on %s: %w", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port), err)
	}
	s.listener = ln
	s.logger.Info("API server starting", "address", ln.Addr().String())

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel, unwatch := s.server, s.cancel, s.unwatch
	s.server, s.cancel, s.unwatch, s.listener = nil, nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if unwatch != nil {
		unwatch()
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
