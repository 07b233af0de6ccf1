package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("BEAMLINE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want a config loading error", err)
	}
}

func TestRun_InvalidCatalog(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "devices.yaml")
	writeFile(t, catalog, `
devices:
  - name: orphan
    kind: sensor
    backend: nowhere
    channels:
      value: {address: x/y}
`)
	t.Setenv("BEAMLINE_CONFIG", writeConfig(t, dir, catalog, 18391))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "building devices") {
		t.Fatalf("run() error = %v, want a device build error", err)
	}
}

// TestRun_ServesDevices starts the whole process on the simulator backend
// and drives one device through the API.
func TestRun_ServesDevices(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "devices.yaml")
	writeFile(t, catalog, `
devices:
  - name: attenuator
    kind: actuator
    backend: sim
    channels:
      value: {address: att/transmission, type: float, min: 0, max: 1}
`)
	const port = 18392
	t.Setenv("BEAMLINE_CONFIG", writeConfig(t, dir, catalog, port))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("API never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPut, base+"/devices/attenuator/value",
		strings.NewReader(`{"value": 0.4, "wait": true, "timeout_ms": 2000}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("PUT value: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("PUT value status = %d, want 200", resp.StatusCode)
	}

	// The archive records asynchronously.
	var history struct {
		Count int `json:"count"`
	}
	deadline = time.Now().Add(3 * time.Second)
	for history.Count == 0 && time.Now().Before(deadline) {
		resp, err := http.Get(base + "/devices/attenuator/history")
		if err != nil {
			t.Fatalf("GET history: %v", err)
		}
		_ = json.NewDecoder(resp.Body).Decode(&history)
		resp.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}
	if history.Count == 0 {
		t.Error("no state history archived")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func writeConfig(t *testing.T, dir, catalog string, port int) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, fmt.Sprintf(`
site:
  id: test-beamline

database:
  path: %s
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: %d

relay:
  enabled: false

devices:
  catalog_file: %s
  timeout: 2s

backends:
  - name: sim
    type: memory
    memory:
      push: true
      values:
        att/transmission: 1.0
`, filepath.Join(dir, "beamline.db"), port, catalog))
	return path
}

// TestSampleConfig keeps the shipped config and catalog loadable.
func TestSampleConfig(t *testing.T) {
	cfg, err := config.Load("../../configs/config.yaml")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	catalog, err := adapter.LoadCatalog("../../" + cfg.Devices.CatalogFile)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	for _, d := range catalog.Devices {
		if _, ok := cfg.Backend(d.Backend); !ok {
			t.Errorf("device %s uses undefined backend %q", d.Name, d.Backend)
		}
	}
}
