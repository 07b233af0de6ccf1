package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/state"
)

// SystemMetrics is the JSON system summary served on /api/v1/system.
// Prometheus metrics are served separately on the configured metrics path.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          *MQTTMetrics   `json:"mqtt,omitempty"`
	Devices       DeviceMetrics  `json:"devices"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total   int                  `json:"total"`
	ByState map[state.State]int  `json:"by_state"`
	ByKind  map[adapter.Kind]int `json:"by_kind"`
}

// handleSystem returns runtime, connectivity and device statistics.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Devices: DeviceMetrics{
			ByState: make(map[state.State]int),
			ByKind:  make(map[adapter.Kind]int),
		},
	}

	if s.mqtt != nil {
		m.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	for _, a := range s.devices.List() {
		m.Devices.Total++
		m.Devices.ByState[a.GetState().State]++
		m.Devices.ByKind[a.Kind()]++
	}

	writeJSON(w, http.StatusOK, m)
}
