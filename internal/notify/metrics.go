package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
)

// Metrics holds Prometheus metrics shared by every bus in the process.
type Metrics struct {
	emitsTotal       *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
}

// NewMetrics creates and registers bus metrics. A nil registry returns nil.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		emitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notify",
			Name:      "emits_total",
			Help:      "Events emitted on notification buses",
		}, []string{"event"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Callback invocations attempted for emitted events",
		}, []string{"event"}),

		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notify",
			Name:      "callback_failures_total",
			Help:      "Callbacks that returned an error or panicked",
		}, []string{"event", "kind"}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notify",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running all callbacks for one emission",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}

	if err := reg.Register(m.emitsTotal, m.deliveriesTotal, m.failuresTotal, m.dispatchDuration); err != nil {
		return nil
	}
	return m
}

func (m *Metrics) recordEmit(event string, subscribers int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.emitsTotal.WithLabelValues(event).Inc()
	m.deliveriesTotal.WithLabelValues(event).Add(float64(subscribers))
	m.dispatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) recordFailure(event, kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(event, kind).Inc()
}
