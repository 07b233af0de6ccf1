package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry_RegisterTwice(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "test",
		Name:      "events_total",
		Help:      "Test counter",
	})

	if err := reg.Register(counter); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := reg.Register(counter); err != nil {
		t.Fatalf("second Register() error = %v, want nil", err)
	}
}

func TestRegistry_Handler(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "test",
		Name:      "served_total",
		Help:      "Test counter",
	})
	if err := reg.Register(counter); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	counter.Inc()

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "beamline_test_served_total 1") {
		t.Errorf("exposition missing counter:\n%s", rec.Body.String())
	}
}

func TestRegistry_NilIsDisabled(t *testing.T) {
	var reg *Registry

	if reg.Prometheus() != nil {
		t.Error("nil registry returned a Prometheus registry")
	}
	if err := reg.Register(prometheus.NewCounter(prometheus.CounterOpts{Name: "x", Help: "x"})); err != nil {
		t.Errorf("Register() on nil registry error = %v", err)
	}

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
