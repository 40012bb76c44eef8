package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/handlers"
)

const rulesYAML = `
acme:
  - id: 1
    name: high heart rate
    metric_name: heart_rate
    operator: ">"
    threshold: 120
    severity: WARNING
    priority: 1
    enabled: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Storage.RulesFile = path
	cfg.Retry.PollInterval = 20 * time.Millisecond
	cfg.Pool.ShutdownGrace = time.Second
	return cfg
}

func TestProcessorRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.WarmUpTenants = []string{"acme"}
	p := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !p.workerPool.IsTerminated() {
		t.Error("worker pool still running after Run returned")
	}
}

func TestProcessorRoutes(t *testing.T) {
	p := New(testConfig(t))
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", resp.StatusCode)
	}

	body := `{"events": [
        {"tenant_id": "acme", "device_id": "d1", "timestamp": "2024-01-15T10:30:00Z", "metrics": {"heart_rate": 150}},
        {"tenant_id": "acme", "device_id": "d2", "timestamp": "2024-01-15T10:30:00Z", "metrics": {"heart_rate": 80}},
        {"device_id": "d3", "timestamp": "2024-01-15T10:30:00Z", "metrics": {"heart_rate": 200}}
    ]}`
	resp, err = http.Post(srv.URL+"/evaluate", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	var eval handlers.EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&eval); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if eval.Summary.ProcessedCount != 2 || eval.Summary.TriggeredCount != 1 || eval.Summary.DiscardedCount != 1 {
		t.Errorf("unexpected summary: %+v", eval.Summary)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if stats.Counters.ProcessedCount != 2 || stats.Cache.UpdateCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	resp, err = http.Post(srv.URL+"/stats/reset", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset: expected 204, got %d", resp.StatusCode)
	}
	if snap := p.Engine().Statistics(); snap.ProcessedCount != 0 {
		t.Errorf("counters not reset: %+v", snap)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", resp.StatusCode)
	}
}

func TestProcessorInitRejectsBrokenRulesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	if err := New(cfg).Init(context.Background()); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}
