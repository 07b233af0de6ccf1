package archive

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
)

// Metrics counts archive writes. A nil *Metrics records nothing.
type Metrics struct {
	writes   *prometheus.CounterVec
	failures *prometheus.CounterVec
	drops    prometheus.Counter
}

// NewMetrics creates and registers archive metrics. A nil registry returns nil.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "archive",
			Name:      "writes_total",
			Help:      "Events written to the archive",
		}, []string{"event"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "archive",
			Name:      "write_failures_total",
			Help:      "Events the archive failed to write",
		}, []string{"event"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "archive",
			Name:      "dropped_total",
			Help:      "Events dropped because the archive queue was full",
		}),
	}
	if err := reg.Register(m.writes, m.failures, m.drops); err != nil {
		return nil
	}
	return m
}

func (m *Metrics) written(event string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(event).Inc()
}

func (m *Metrics) failed(event string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(event).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.drops.Inc()
}
