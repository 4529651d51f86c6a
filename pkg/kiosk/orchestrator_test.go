package kiosk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kioskd/kioskd/pkg/config"
	"github.com/kioskd/kioskd/pkg/dispatch"
	"github.com/kioskd/kioskd/pkg/plugins"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

const demoScript = `
def init(config):
    return {"ok": True}

def api_data(params):
    return {"msg": "hello", "q": params.get("q", "")}

def api_extra(params):
    return [1, 2, 3]

def cleanup():
    cache_put("shutdown-marker", True, 3600)
`

func testTelemetry(t *testing.T) (*telemetry.Logger, *telemetry.Metrics) {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return log, metrics
}

func testConfig(t *testing.T, pluginNames ...string) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.PluginsDir = root
	cfg.Journal.Enabled = false
	cfg.Telemetry.MetricsEnabled = false

	for _, name := range pluginNames {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create plugin dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, plugins.EntryFileName), []byte(demoScript), 0644); err != nil {
			t.Fatalf("failed to write script: %v", err)
		}
		cfg.Plugins = append(cfg.Plugins, config.PluginRef{Name: name, Enabled: true})
	}
	return cfg
}

func TestOrchestratorStartAndDispatch(t *testing.T) {
	cfg := testConfig(t, "demo")
	log, metrics := testTelemetry(t)

	orch := NewOrchestrator(cfg, log, metrics, WithVersion("test"))
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer orch.Shutdown(context.Background())

	result := orch.Dispatcher().Dispatch(context.Background(), "demo", "", map[string]string{"q": "x"})
	if result.Outcome != dispatch.OutcomeOK {
		t.Fatalf("expected ok, got %s (%v)", result.Outcome, result.Err)
	}
	payload, ok := result.Payload.(map[string]any)
	if !ok || payload["q"] != "x" {
		t.Errorf("unexpected payload %v", result.Payload)
	}

	d, ok := orch.Registry().Get("demo")
	if !ok {
		t.Fatal("demo descriptor missing")
	}
	if d.State() != plugins.StateServing {
		t.Errorf("expected serving, got %s", d.State())
	}
	if d.InitialData == nil {
		t.Error("expected init hook data")
	}
}

func TestOrchestratorStatus(t *testing.T) {
	cfg := testConfig(t, "demo", "extra")
	log, metrics := testTelemetry(t)

	orch := NewOrchestrator(cfg, log, metrics, WithVersion("1.0.0"))
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer orch.Shutdown(context.Background())

	status := orch.Status(context.Background())
	if status.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", status.Version)
	}
	if len(status.Plugins) != 2 {
		t.Fatalf("expected 2 plugins in status, got %d", len(status.Plugins))
	}
	for _, ps := range status.Plugins {
		if ps.State != "serving" {
			t.Errorf("plugin %s: expected serving, got %s", ps.Name, ps.State)
		}
		if len(ps.Endpoints) != 2 {
			t.Errorf("plugin %s: expected 2 endpoints, got %v", ps.Name, ps.Endpoints)
		}
	}
}

func TestOrchestratorStatusFailureCounts(t *testing.T) {
	cfg := testConfig(t, "demo")
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")

	dir := filepath.Join(cfg.PluginsDir, "flaky")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create plugin dir: %v", err)
	}
	flakyScript := "def api_data(params):\n    fail(\"upstream exploded\")\n"
	if err := os.WriteFile(filepath.Join(dir, plugins.EntryFileName), []byte(flakyScript), 0644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	cfg.Plugins = append(cfg.Plugins, config.PluginRef{Name: "flaky", Enabled: true})

	log, metrics := testTelemetry(t)
	orch := NewOrchestrator(cfg, log, metrics)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer orch.Shutdown(context.Background())

	result := orch.Dispatcher().Dispatch(context.Background(), "flaky", "", nil)
	if result.Outcome != dispatch.OutcomeError {
		t.Fatalf("expected handler error, got %s", result.Outcome)
	}

	// The journal writes in the background; poll until the failure lands in
	// the status report.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status := orch.Status(context.Background())
		var flaky, demo *PluginStatus
		for i := range status.Plugins {
			switch status.Plugins[i].Name {
			case "flaky":
				flaky = &status.Plugins[i]
			case "demo":
				demo = &status.Plugins[i]
			}
		}
		if flaky == nil || demo == nil {
			t.Fatalf("expected both plugins in status, got %+v", status.Plugins)
		}
		if flaky.RecentFailures == 1 {
			if demo.RecentFailures != 0 {
				t.Errorf("expected no failures for demo, got %d", demo.RecentFailures)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("failure count never reported, last %+v", *flaky)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrchestratorReload(t *testing.T) {
	cfg := testConfig(t, "demo")
	log, metrics := testTelemetry(t)

	orch := NewOrchestrator(cfg, log, metrics)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer orch.Shutdown(context.Background())

	// Drop a new plugin on disk and enable it, then reload.
	dir := filepath.Join(cfg.PluginsDir, "late")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create plugin dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, plugins.EntryFileName), []byte(demoScript), 0644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	cfg.Plugins = append(cfg.Plugins, config.PluginRef{Name: "late", Enabled: true})

	if err := orch.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	result := orch.Dispatcher().Dispatch(context.Background(), "late", "", nil)
	if result.Outcome != dispatch.OutcomeOK {
		t.Errorf("expected new plugin dispatchable after reload, got %s", result.Outcome)
	}
	result = orch.Dispatcher().Dispatch(context.Background(), "demo", "", nil)
	if result.Outcome != dispatch.OutcomeOK {
		t.Errorf("existing plugin must survive reload, got %s", result.Outcome)
	}
}

func TestOrchestratorShutdownRunsCleanup(t *testing.T) {
	cfg := testConfig(t, "demo")
	log, metrics := testTelemetry(t)

	orch := NewOrchestrator(cfg, log, metrics)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	// The cleanup hook writes a cache marker into the plugin's data dir.
	marker := filepath.Join(cfg.PluginsDir, "demo", "data", "shutdown-marker.json")
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("expected cleanup hook to run: %v", err)
	}

	if result := orch.Dispatcher().Dispatch(context.Background(), "demo", "", nil); result.Outcome == dispatch.OutcomeOK {
		t.Error("dispatch must not succeed against a shut down runtime")
	}
}

func TestOrchestratorCredentialMerge(t *testing.T) {
	cfg := testConfig(t, "demo")
	log, metrics := testTelemetry(t)

	credPath := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(credPath, []byte(`{"demo": {"apiKey": "s3cret"}}`), 0600); err != nil {
		t.Fatalf("failed to write credentials: %v", err)
	}
	cfg.CredentialFile = credPath

	orch := NewOrchestrator(cfg, log, metrics)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer orch.Shutdown(context.Background())

	d, ok := orch.Registry().Get("demo")
	if !ok {
		t.Fatal("demo descriptor missing")
	}
	section, ok := d.Config["credentials"].(map[string]any)
	if !ok || section["apiKey"] != "s3cret" {
		t.Errorf("expected credentials merged into plugin config, got %v", d.Config)
	}
}
