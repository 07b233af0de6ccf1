package channel

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
)

// Metrics holds Prometheus metrics for channels and commands.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	droppedTotal      *prometheus.CounterVec
	connected         *prometheus.GaugeVec
	reconnectsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers channel metrics. A nil registry returns nil.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "channel",
			Name:      "operations_total",
			Help:      "Channel reads, writes and command invocations by result",
		}, []string{"channel", "operation", "result"}),

		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "channel",
			Name:      "operation_duration_seconds",
			Help:      "Backend round-trip time per operation",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"backend", "operation"}),

		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "channel",
			Name:      "dropped_updates_total",
			Help:      "Backend updates discarded as stale or from a previous connection",
		}, []string{"channel", "reason"}),

		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "channel",
			Name:      "connected",
			Help:      "Channel connection status (0=down, 1=up)",
		}, []string{"channel"}),

		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "channel",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by outcome",
		}, []string{"channel", "result"}),
	}

	if err := reg.Register(m.operationsTotal, m.operationDuration, m.droppedTotal, m.connected, m.reconnectsTotal); err != nil {
		return nil
	}
	return m
}

// resultLabel maps an operation error to a low-cardinality label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidValue):
		return "invalid"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrNotInvocable):
		return "unsupported"
	default:
		return "unavailable"
	}
}

func (m *Metrics) observe(channel, backend, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(channel, op, resultLabel(err)).Inc()
	if err == nil {
		m.operationDuration.WithLabelValues(backend, op).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) dropped(channel, reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) setConnected(channel string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connected.WithLabelValues(channel).Set(v)
}

func (m *Metrics) reconnect(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.reconnectsTotal.WithLabelValues(channel, result).Inc()
}
