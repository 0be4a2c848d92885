package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
listen_addr: ":9090"
llm_deployments:
  - id: gpt-4o-east
    output_kind: chat
    reqs_per_min: 60
    tokens_per_min: 60000
    error_backoff_seconds: 2
    endpoint: https://east.example.com/v1
    api_key: k1
    model: gpt-4o
  - id: ada-east
    output_kind: embeddings
    reqs_per_min: 120
    tokens_per_min: 100000
    endpoint: https://east.example.com/v1
    model: text-embedding-ada-002
user_limits:
  max_requests_in_window: 5
  window_seconds: 10
  overrides:
    vip:
      max_requests_in_window: 50
      window_seconds: 10
scheduler_limits:
  ttl_seconds: 30
  max_queue_size: 100
telemetry:
  sink: csv
  csv_path: /tmp/telemetry.csv
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if len(cfg.LLMDeployments) != 2 {
		t.Fatalf("deployments = %d, want 2", len(cfg.LLMDeployments))
	}
	if cfg.LLMDeployments[0].OutputKind != "chat" || cfg.LLMDeployments[1].OutputKind != "embeddings" {
		t.Fatalf("output kinds wrong: %+v", cfg.LLMDeployments)
	}
	if cfg.UserLimits.Overrides["vip"].MaxRequestsInWindow != 50 {
		t.Fatalf("override not parsed: %+v", cfg.UserLimits.Overrides)
	}
	if cfg.TTL() != 30*time.Second {
		t.Fatalf("TTL = %v, want 30s", cfg.TTL())
	}
	if cfg.SchedulerLimits.MaxQueueSize != 100 {
		t.Fatalf("max queue size = %d", cfg.SchedulerLimits.MaxQueueSize)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"no deployments":   `listen_addr: ":8080"`,
		"missing kind":     "llm_deployments:\n  - id: a\n",
		"unknown kind":     "llm_deployments:\n  - id: a\n    output_kind: video\n",
		"duplicate ids":    "llm_deployments:\n  - id: a\n    output_kind: chat\n  - id: a\n    output_kind: chat\n",
		"redis no addr":    "llm_deployments:\n  - id: a\n    output_kind: chat\nrate_limit_store:\n  kind: redis\n",
		"postgres no dsn":  "llm_deployments:\n  - id: a\n    output_kind: chat\ntelemetry:\n  sink: postgres\n",
		"unknown sink":     "llm_deployments:\n  - id: a\n    output_kind: chat\ntelemetry:\n  sink: kafka\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHIKSHA_LISTEN_ADDR", ":7070")
	t.Setenv("SHIKSHA_MAX_QUEUE_SIZE", "7")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env override lost, listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SchedulerLimits.MaxQueueSize != 7 {
		t.Fatalf("env override lost, max queue size = %d", cfg.SchedulerLimits.MaxQueueSize)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "llm_deployments:\n  - id: a\n    output_kind: chat\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.RateLimitStore.Kind != "memory" || cfg.Telemetry.Sink != "csv" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.TTL() != 60*time.Second {
		t.Fatalf("default TTL = %v, want 60s", cfg.TTL())
	}
}
