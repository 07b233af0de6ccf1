package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/beamline-core/internal/state"
)

// healthReporter publishes the retained system health report.
type healthReporter struct {
	r        *Relay
	interval time.Duration
	started  time.Time
}

func newHealthReporter(r *Relay, interval time.Duration) *healthReporter {
	return &healthReporter{r: r, interval: interval, started: time.Now()}
}

func (h *healthReporter) loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.publishNow()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publishNow()
		}
	}
}

func (h *healthReporter) publishNow() {
	status, reason := h.assess()
	if err := h.publish(status, reason); err != nil {
		h.r.logger.Debug("publishing health failed", "error", err)
	}
}

// assess reports degraded while any device is UNKNOWN or FAULT.
func (h *healthReporter) assess() (HealthStatus, string) {
	counts := h.states()
	var bad []string
	for _, s := range []state.State{state.Unknown, state.Fault} {
		if n := counts[s]; n > 0 {
			bad = append(bad, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(bad) > 0 {
		return HealthDegraded, strings.Join(bad, ", ")
	}
	return HealthHealthy, ""
}

func (h *healthReporter) states() map[state.State]int {
	counts := make(map[state.State]int)
	for _, a := range h.r.devices.List() {
		counts[a.GetState().State]++
	}
	return counts
}

func (h *healthReporter) publish(status HealthStatus, reason string) error {
	if !h.r.broker.IsConnected() {
		return fmt.Errorf("broker not connected")
	}
	counts := h.states()
	total := 0
	for _, n := range counts {
		total += n
	}
	msg := HealthMessage{
		Site:          h.r.opts.Site,
		Version:       h.r.opts.Version,
		Status:        status,
		Reason:        reason,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Devices:       total,
		States:        counts,
		Timestamp:     time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.r.broker.PublishRetained(h.r.topics.SystemHealth(), payload)
}
