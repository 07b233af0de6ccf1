// Package logging provides structured logging for Beamline Core.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and the same level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("registry").Info("devices built", "count", n)
//
// Library packages do not import this package. They declare a small Logger
// interface that *Logger satisfies and default to a no-op implementation.
package logging
