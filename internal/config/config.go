// Package config loads the queue's deployment and policy configuration from
// a YAML file, with environment overrides for operational settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DeploymentConfig struct {
	ID                  string  `yaml:"id"`
	OutputKind          string  `yaml:"output_kind"` // completion, chat or embeddings
	ReqsPerMin          int64   `yaml:"reqs_per_min"`
	TokensPerMin        int64   `yaml:"tokens_per_min"`
	ErrorBackoffSeconds float64 `yaml:"error_backoff_seconds"`
	Endpoint            string  `yaml:"endpoint"`
	APIKey              string  `yaml:"api_key"`
	Model               string  `yaml:"model"`
}

type UserLimitsConfig struct {
	MaxRequestsInWindow int                       `yaml:"max_requests_in_window"`
	WindowSeconds       float64                   `yaml:"window_seconds"`
	Overrides           map[string]UserLimitEntry `yaml:"overrides"`
}

type UserLimitEntry struct {
	MaxRequestsInWindow int     `yaml:"max_requests_in_window"`
	WindowSeconds       float64 `yaml:"window_seconds"`
}

type SchedulerLimitsConfig struct {
	TTLSeconds   float64 `yaml:"ttl_seconds"`
	MaxQueueSize int     `yaml:"max_queue_size"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type RateLimitStoreConfig struct {
	Kind  string      `yaml:"kind"` // memory or redis
	Redis RedisConfig `yaml:"redis"`
}

type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type TelemetryConfig struct {
	Sink              string        `yaml:"sink"` // csv or postgres
	CSVPath           string        `yaml:"csv_path"`
	MaxRowsPerSegment int           `yaml:"max_rows_per_segment"`
	PostgresDSN       string        `yaml:"postgres_dsn"`
	Buffer            int           `yaml:"buffer"`
	Archive           ArchiveConfig `yaml:"archive"`
}

type Config struct {
	ListenAddr      string                `yaml:"listen_addr"`
	LLMDeployments  []DeploymentConfig    `yaml:"llm_deployments"`
	UserLimits      UserLimitsConfig      `yaml:"user_limits"`
	SchedulerLimits SchedulerLimitsConfig `yaml:"scheduler_limits"`
	RateLimitStore  RateLimitStoreConfig  `yaml:"rate_limit_store"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.SchedulerLimits.TTLSeconds <= 0 {
		c.SchedulerLimits.TTLSeconds = 60
	}
	if c.RateLimitStore.Kind == "" {
		c.RateLimitStore.Kind = "memory"
	}
	if c.Telemetry.Sink == "" {
		c.Telemetry.Sink = "csv"
	}
	if c.Telemetry.CSVPath == "" {
		c.Telemetry.CSVPath = "llm_telemetry.csv"
	}
}

func (c *Config) validate() error {
	if len(c.LLMDeployments) == 0 {
		return fmt.Errorf("at least one deployment is required")
	}
	seen := map[string]bool{}
	for i, d := range c.LLMDeployments {
		if d.ID == "" {
			return fmt.Errorf("deployment %d is missing an id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate deployment id %q", d.ID)
		}
		seen[d.ID] = true
		switch d.OutputKind {
		case "completion", "chat", "embeddings":
		case "":
			return fmt.Errorf("deployment %q is missing output_kind", d.ID)
		default:
			return fmt.Errorf("deployment %q has unknown output_kind %q", d.ID, d.OutputKind)
		}
	}
	switch c.RateLimitStore.Kind {
	case "memory":
	case "redis":
		if c.RateLimitStore.Redis.Addr == "" {
			return fmt.Errorf("redis rate limit store requires an addr")
		}
	default:
		return fmt.Errorf("unknown rate limit store kind %q", c.RateLimitStore.Kind)
	}
	switch c.Telemetry.Sink {
	case "csv":
	case "postgres":
		if c.Telemetry.PostgresDSN == "" {
			return fmt.Errorf("postgres telemetry sink requires a dsn")
		}
	default:
		return fmt.Errorf("unknown telemetry sink %q", c.Telemetry.Sink)
	}
	return nil
}

// Load reads a YAML config file and applies env overrides on top.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv lets deploy environments override the operational knobs without
// editing the config file. Deployment inventory stays file-only.
func (c *Config) applyEnv() {
	c.ListenAddr = getenv("SHIKSHA_LISTEN_ADDR", c.ListenAddr)
	c.RateLimitStore.Kind = getenv("SHIKSHA_RATE_LIMIT_STORE", c.RateLimitStore.Kind)
	c.RateLimitStore.Redis.Addr = getenv("SHIKSHA_REDIS_ADDR", c.RateLimitStore.Redis.Addr)
	c.RateLimitStore.Redis.Password = getenv("SHIKSHA_REDIS_PASSWORD", c.RateLimitStore.Redis.Password)
	c.Telemetry.Sink = getenv("SHIKSHA_TELEMETRY_SINK", c.Telemetry.Sink)
	c.Telemetry.CSVPath = getenv("SHIKSHA_TELEMETRY_CSV_PATH", c.Telemetry.CSVPath)
	c.Telemetry.PostgresDSN = getenv("SHIKSHA_POSTGRES_DSN", c.Telemetry.PostgresDSN)
	c.Telemetry.Buffer = getenvInt("SHIKSHA_TELEMETRY_BUFFER", c.Telemetry.Buffer)
	c.SchedulerLimits.MaxQueueSize = getenvInt("SHIKSHA_MAX_QUEUE_SIZE", c.SchedulerLimits.MaxQueueSize)
}

func (c *Config) TTL() time.Duration {
	return time.Duration(c.SchedulerLimits.TTLSeconds * float64(time.Second))
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
