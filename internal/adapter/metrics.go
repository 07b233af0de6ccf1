package adapter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
	"github.com/nerrad567/beamline-core/internal/state"
)

// Metrics holds Prometheus metrics for device adapters.
type Metrics struct {
	transitionsTotal  *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	droppedTotal      *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
}

// NewMetrics creates and registers adapter metrics. A nil registry returns nil.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "device",
			Name:      "state_transitions_total",
			Help:      "Device state transitions by target state",
		}, []string{"device", "state"}),

		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "device",
			Name:      "operations_total",
			Help:      "Device operations by outcome",
		}, []string{"device", "operation", "result"}),

		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "device",
			Name:      "operation_duration_seconds",
			Help:      "Time from request to completion (including waits)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),

		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "device",
			Name:      "stale_readings_total",
			Help:      "Readings discarded as older than the last applied one",
		}, []string{"device"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "device",
			Name:      "event_queue_depth",
			Help:      "Channel events waiting for the device loop",
		}, []string{"device"}),
	}

	if err := reg.Register(m.transitionsTotal, m.operationsTotal, m.operationDuration, m.droppedTotal, m.queueDepth); err != nil {
		return nil
	}
	return m
}

func (m *Metrics) transition(device string, s state.State) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(device, string(s)).Inc()
}

func (m *Metrics) operation(device, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(device, op, resultLabel(err)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) dropped(device string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(device).Inc()
}

func (m *Metrics) queue(device string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(device).Set(float64(depth))
}
