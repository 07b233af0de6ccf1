package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/beamline-core/internal/state"
)

// healthCheckTimeout bounds each dependency probe in /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metricCfg.Enabled {
		path := s.metricCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.registry.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/state", s.handleGetDeviceState)
				r.Get("/value", s.handleGetDeviceValue)
				r.With(s.authorize(operatePermission)).Put("/value", s.handleSetDeviceValue)
				r.With(s.authorize(actionPermission)).Post("/actions/{action}", s.handleDeviceAction)
				r.Get("/history", s.handleGetDeviceHistory)
				r.Get("/values", s.handleGetArchivedValues)
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	if s.wsCfg.Path != "" && s.wsCfg.Path != "/api/v1/ws" {
		r.Get(s.wsCfg.Path, s.handleWebSocket)
	}

	return r
}

// handleHealth reports process health and the reachability of optional
// dependencies. Devices that are UNKNOWN or FAULT make the status degraded
// without failing the request.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	deps := make(map[string]string, len(s.checks)+1)

	if s.mqtt != nil {
		deps["mqtt"] = "connected"
		if !s.mqtt.IsConnected() {
			deps["mqtt"] = "disconnected"
			status = "degraded"
		}
	}
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	counts := make(map[state.State]int)
	for _, a := range s.devices.List() {
		counts[a.GetState().State]++
	}
	if counts[state.Unknown] > 0 || counts[state.Fault] > 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"version":      s.version,
		"dependencies": deps,
		"devices":      counts,
	})
}
