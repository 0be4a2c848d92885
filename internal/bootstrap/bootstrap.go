// Package bootstrap assembles a runnable Queue from configuration: store
// adapters, balancers, controllers and policies.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/balancer"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/config"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/controller"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/queue"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/ratelimit"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
)

// Option customizes assembly, mainly to register extra request controllers.
type Option func(*assembly)

type assembly struct {
	controllers map[string]controller.Controller
}

// WithController registers (or replaces) the controller serving one req_type.
func WithController(reqType string, c controller.Controller) Option {
	return func(a *assembly) { a.controllers[reqType] = c }
}

// Build wires a Queue from config. The queue is not started; call Initiate.
func Build(cfg config.Config, opts ...Option) (*queue.Queue, error) {
	llmDeps, embDeps, chatEndpoints, embEndpoints := splitDeployments(cfg.LLMDeployments)

	checker := balancer.NewChecker(
		balancer.New(llmDeps, balancer.Options{}),
		balancer.New(embDeps, balancer.Options{}),
	)

	limitStore, err := buildLimitStore(cfg.RateLimitStore)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(limitStore, ratelimit.Policy{
		MaxRequests: cfg.UserLimits.MaxRequestsInWindow,
		Window:      time.Duration(cfg.UserLimits.WindowSeconds * float64(time.Second)),
	}, limitOverrides(cfg.UserLimits.Overrides))

	telemetryStore, err := buildTelemetryStore(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	a := &assembly{controllers: map[string]controller.Controller{
		"chat":       controller.NewChatController(chatEndpoints),
		"completion": controller.NewChatController(chatEndpoints),
		"embedding":  controller.NewEmbeddingController(embEndpoints),
	}}
	for _, opt := range opts {
		opt(a)
	}

	q := queue.New(queue.Config{
		TTL:             cfg.TTL(),
		MaxQueueSize:    cfg.SchedulerLimits.MaxQueueSize,
		TelemetryBuffer: cfg.Telemetry.Buffer,
	}, limiter, checker, telemetryStore, a.controllers)
	return q, nil
}

// limitOverrides converts per-user limit entries into limiter policies.
func limitOverrides(in map[string]config.UserLimitEntry) map[string]ratelimit.Policy {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Policy, len(in))
	for user, entry := range in {
		out[user] = ratelimit.Policy{
			MaxRequests: entry.MaxRequestsInWindow,
			Window:      time.Duration(entry.WindowSeconds * float64(time.Second)),
		}
	}
	return out
}

func splitDeployments(in []config.DeploymentConfig) (llm, emb []balancer.Deployment, chatEndpoints, embEndpoints map[string]controller.EndpointConfig) {
	chatEndpoints = make(map[string]controller.EndpointConfig)
	embEndpoints = make(map[string]controller.EndpointConfig)
	for _, d := range in {
		dep := balancer.Deployment{
			ID:           d.ID,
			ReqsPerMin:   d.ReqsPerMin,
			TokensPerMin: d.TokensPerMin,
			ErrorBackoff: time.Duration(d.ErrorBackoffSeconds * float64(time.Second)),
		}
		ep := controller.EndpointConfig{BaseURL: d.Endpoint, APIKey: d.APIKey, Model: d.Model}
		if d.OutputKind == "embeddings" {
			emb = append(emb, dep)
			embEndpoints[d.ID] = ep
		} else {
			llm = append(llm, dep)
			chatEndpoints[d.ID] = ep
		}
	}
	return llm, emb, chatEndpoints, embEndpoints
}

func buildLimitStore(cfg config.RateLimitStoreConfig) (state.LimitStore, error) {
	switch cfg.Kind {
	case "memory":
		return state.NewMemoryLimitStore(), nil
	case "redis":
		return state.NewRedisLimitStore(state.RedisLimitConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown rate limit store kind %q", cfg.Kind)
	}
}

func buildTelemetryStore(cfg config.TelemetryConfig) (state.TelemetryStore, error) {
	switch cfg.Sink {
	case "csv":
		var sink state.SegmentSink
		if cfg.Archive.Endpoint != "" {
			archiver, err := state.NewObjectArchiver(state.ArchiveConfig{
				Endpoint:  cfg.Archive.Endpoint,
				AccessKey: cfg.Archive.AccessKey,
				SecretKey: cfg.Archive.SecretKey,
				Bucket:    cfg.Archive.Bucket,
				Prefix:    cfg.Archive.Prefix,
				UseSSL:    cfg.Archive.UseSSL,
			})
			if err != nil {
				return nil, err
			}
			sink = archiver
		}
		return state.NewCSVTelemetryStore(state.CSVTelemetryConfig{
			Path:              cfg.CSVPath,
			MaxRowsPerSegment: cfg.MaxRowsPerSegment,
			Sink:              sink,
		}), nil
	case "postgres":
		return state.NewPostgresTelemetryStore(cfg.PostgresDSN), nil
	default:
		return nil, fmt.Errorf("unknown telemetry sink %q", cfg.Sink)
	}
}
