package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/balancer"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/bootstrap"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/config"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
	"github.com/microsoft/Shiksha-Copilot-sub001/pkg/llmqapi"
)

type echoController struct{}

func (echoController) Process(ctx context.Context, payload any, reserved []balancer.Reservation, rec *state.TelemetryRecord) (any, error) {
	if len(reserved) > 0 {
		rec.DeploymentName = reserved[0].DeploymentID
	}
	return payload, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		LLMDeployments: []config.DeploymentConfig{
			{ID: "gpt", OutputKind: "chat", ReqsPerMin: 60, TokensPerMin: 60000},
		},
		UserLimits:      config.UserLimitsConfig{MaxRequestsInWindow: 2, WindowSeconds: 10},
		SchedulerLimits: config.SchedulerLimitsConfig{TTLSeconds: 5, MaxQueueSize: 10},
		RateLimitStore:  config.RateLimitStoreConfig{Kind: "memory"},
		Telemetry:       config.TelemetryConfig{Sink: "csv", CSVPath: filepath.Join(t.TempDir(), "t.csv")},
	}
	q, err := bootstrap.Build(cfg, bootstrap.WithController("chat", echoController{}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := q.Initiate(context.Background()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.GracefulShutdown(ctx)
	})
	srv := httptest.NewServer(NewServer(q).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func submit(t *testing.T, srv *httptest.Server, req llmqapi.SubmitRequest) (*http.Response, llmqapi.SubmitResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/v1/llm", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var decoded llmqapi.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, decoded
}

func TestSubmitEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, decoded := submit(t, srv, llmqapi.SubmitRequest{
		ReqType: "chat", UserID: "u1", Payload: "hello",
		Preferences: llmqapi.ModelPreferences{RequireLLM: true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("http status = %d, want 200", resp.StatusCode)
	}
	if decoded.Status != llmqapi.StatusOK || decoded.Response != "hello" {
		t.Fatalf("unexpected response %+v", decoded)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestSubmitStatusMapping(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := submit(t, srv, llmqapi.SubmitRequest{
		ReqType: "chat", Payload: "x",
		Preferences: llmqapi.ModelPreferences{RequireLLM: true},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user id http status = %d, want 400", resp.StatusCode)
	}

	resp, _ = submit(t, srv, llmqapi.SubmitRequest{
		ReqType: "chat", UserID: "u1",
		Preferences: llmqapi.ModelPreferences{},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("no-requirement http status = %d, want 422", resp.StatusCode)
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	srv := newTestServer(t)
	req := llmqapi.SubmitRequest{
		ReqType: "chat", UserID: "burst",
		Preferences: llmqapi.ModelPreferences{RequireLLM: true},
	}
	for i := 0; i < 2; i++ {
		if resp, _ := submit(t, srv, req); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d should pass", i)
		}
	}
	resp, decoded := submit(t, srv, req)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("http status = %d, want 429", resp.StatusCode)
	}
	if decoded.RetryAfterSeconds <= 0 {
		t.Fatalf("retry-after missing: %+v", decoded)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("Retry-After header missing")
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	submit(t, srv, llmqapi.SubmitRequest{
		ReqType: "chat", UserID: "u1", Payload: "hello",
		Preferences: llmqapi.ModelPreferences{RequireLLM: true},
	})

	resp, err := http.Get(srv.URL + "/v1/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	var snap struct {
		Counters []struct {
			Name string `json:"name"`
		} `json:"counters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if len(snap.Counters) == 0 {
		t.Fatalf("expected at least one counter after a submission")
	}

	promResp, err := http.Get(srv.URL + "/v1/metrics/prometheus")
	if err != nil {
		t.Fatalf("get prometheus metrics: %v", err)
	}
	defer promResp.Body.Close()
	if promResp.StatusCode != http.StatusOK {
		t.Fatalf("prometheus metrics status = %d", promResp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}
