// Package metrics holds the Prometheus registry for Beamline Core.
//
// Each component (channels, notification buses, adapters, archive) defines
// its own metrics struct in its package and registers it here:
//
//	reg := metrics.NewRegistry()
//	chMetrics := channel.NewMetrics(reg)
//
// Constructors return nil when given a nil registry, and every recording
// method is nil-safe, so metrics can be switched off without branching at
// call sites.
package metrics
