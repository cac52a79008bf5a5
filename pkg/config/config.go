// Package config loads Control Tower's runtime configuration from an
// optional YAML file, then applies environment-variable overrides on
// top, mirroring the teacher's env-override-over-base-config idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for a Control Tower process.
type Config struct {
	NodeID string `yaml:"node_id"`

	Quota struct {
		MaxLLMCalls   int           `yaml:"max_llm_calls"`
		MaxToolCalls  int           `yaml:"max_tool_calls"`
		MaxAgentHops  int           `yaml:"max_agent_hops"`
		MaxIterations int           `yaml:"max_iterations"`
		MaxTokensIn   int           `yaml:"max_tokens_in"`
		MaxTokensOut  int           `yaml:"max_tokens_out"`
		MaxTokensCtx  int           `yaml:"max_tokens_context"`
		HardTimeout   time.Duration `yaml:"hard_timeout"`
		SoftTimeout   time.Duration `yaml:"soft_timeout"`
	} `yaml:"quota"`

	RateLimit struct {
		RequestsPerMinute int `yaml:"requests_per_minute"`
		RequestsPerHour   int `yaml:"requests_per_hour"`
		RequestsPerDay    int `yaml:"requests_per_day"`
	} `yaml:"rate_limit"`

	Events struct {
		GlobalCapacity int `yaml:"global_capacity"`
		PerPCBCapacity int `yaml:"per_pcb_capacity"`
	} `yaml:"events"`

	Worker struct {
		Concurrency       int           `yaml:"concurrency"`
		PollTimeout       time.Duration `yaml:"poll_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MaxTaskRetries    int           `yaml:"max_task_retries"`
	} `yaml:"worker"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	HTTP struct {
		Addr         string `yaml:"addr"`
		AuthDisabled bool   `yaml:"auth_disabled"`
		JWTSecret    string `yaml:"-"`
	} `yaml:"http"`

	Tracing struct {
		Enabled        bool   `yaml:"enabled"`
		OTLPEndpoint   string `yaml:"otlp_endpoint"`
		ServiceName    string `yaml:"service_name"`
	} `yaml:"tracing"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	var c Config
	c.Quota.MaxLLMCalls = 20
	c.Quota.MaxToolCalls = 50
	c.Quota.MaxAgentHops = 10
	c.Quota.MaxIterations = 25
	c.Quota.MaxTokensIn = 200_000
	c.Quota.MaxTokensOut = 32_000
	c.Quota.MaxTokensCtx = 256_000
	c.Quota.HardTimeout = 5 * time.Minute
	c.Quota.SoftTimeout = 4 * time.Minute

	c.RateLimit.RequestsPerMinute = 60
	c.RateLimit.RequestsPerHour = 1000
	c.RateLimit.RequestsPerDay = 10000

	c.Events.GlobalCapacity = 10000
	c.Events.PerPCBCapacity = 100

	c.Worker.Concurrency = 8
	c.Worker.PollTimeout = 2 * time.Second
	c.Worker.HeartbeatInterval = 5 * time.Second
	c.Worker.MaxTaskRetries = 3

	c.Redis.Addr = "localhost:6379"
	c.HTTP.Addr = ":8080"
	c.Tracing.ServiceName = "controltower"
	return c
}

// Load reads path (if non-empty and present) as YAML into a Default()
// base, then applies CONTROLTOWER_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	overrideString("CONTROLTOWER_NODE_ID", &c.NodeID)
	overrideInt("CONTROLTOWER_MAX_LLM_CALLS", &c.Quota.MaxLLMCalls)
	overrideInt("CONTROLTOWER_MAX_TOOL_CALLS", &c.Quota.MaxToolCalls)
	overrideInt("CONTROLTOWER_MAX_AGENT_HOPS", &c.Quota.MaxAgentHops)
	overrideInt("CONTROLTOWER_MAX_ITERATIONS", &c.Quota.MaxIterations)
	overrideDuration("CONTROLTOWER_HARD_TIMEOUT", &c.Quota.HardTimeout)
	overrideDuration("CONTROLTOWER_SOFT_TIMEOUT", &c.Quota.SoftTimeout)
	overrideInt("CONTROLTOWER_RATE_LIMIT_PER_MINUTE", &c.RateLimit.RequestsPerMinute)
	overrideInt("CONTROLTOWER_RATE_LIMIT_PER_HOUR", &c.RateLimit.RequestsPerHour)
	overrideInt("CONTROLTOWER_RATE_LIMIT_PER_DAY", &c.RateLimit.RequestsPerDay)
	overrideInt("CONTROLTOWER_WORKER_CONCURRENCY", &c.Worker.Concurrency)
	overrideDuration("CONTROLTOWER_WORKER_HEARTBEAT", &c.Worker.HeartbeatInterval)
	overrideString("REDIS_ADDR", &c.Redis.Addr)
	overrideString("REDIS_PASSWORD", &c.Redis.Password)
	overrideString("POSTGRES_DSN", &c.Postgres.DSN)
	overrideString("CONTROLTOWER_HTTP_ADDR", &c.HTTP.Addr)
	overrideString("CONTROLTOWER_JWT_SECRET", &c.HTTP.JWTSecret)
	overrideString("OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)
	if c.Tracing.OTLPEndpoint != "" {
		c.Tracing.Enabled = true
	}
}

func overrideString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func overrideDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
