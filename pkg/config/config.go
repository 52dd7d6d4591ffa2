package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full, enumerated server configuration. Every field is
// explicit; unknown YAML keys are rejected at load time.
type Config struct {
	// TenantID selects the tenant database. Single-tenant deployments
	// leave the default.
	TenantID string `yaml:"tenant_id"`

	// DBRoot is the directory holding per-tenant SQLite files.
	DBRoot string `yaml:"db_root"`

	// ProjectsRoot is the directory holding per-tenant project folders.
	ProjectsRoot string `yaml:"projects_root"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	Log         LogConfig         `yaml:"log"`
	Workers     WorkersConfig     `yaml:"workers"`
	Derivatives DerivativesConfig `yaml:"derivatives"`
	PublicLinks PublicLinksConfig `yaml:"public_links"`
	SSE         SSEConfig         `yaml:"sse"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// WorkersConfig controls the worker pool and its retry policy.
type WorkersConfig struct {
	TotalWorkers       int           `yaml:"total_workers"`
	PriorityThreshold  int           `yaml:"priority_threshold"`
	PriorityWorkers    int           `yaml:"priority_workers"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout       time.Duration `yaml:"stale_timeout"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	ClaimPollInterval  time.Duration `yaml:"claim_poll_interval"`
	// EmptyPollsBeforeFallback is how many consecutive empty polls a
	// normal-lane worker tolerates before taking one high-lane job.
	EmptyPollsBeforeFallback int `yaml:"empty_polls_before_fallback"`
	// FanoutWidth caps how many successor jobs the orchestrator enqueues
	// per terminal transition.
	FanoutWidth int `yaml:"fanout_width"`
}

// DerivativesConfig controls thumbnail and preview generation.
type DerivativesConfig struct {
	ThumbnailMaxDim int `yaml:"thumbnail_max_dim"`
	ThumbnailQual   int `yaml:"thumbnail_quality"`
	PreviewMaxDim   int `yaml:"preview_max_dim"`
	PreviewQual     int `yaml:"preview_quality"`
}

// PublicLinksConfig controls public hash issuance and rotation.
type PublicLinksConfig struct {
	TTLDays           int `yaml:"ttl_days"`
	RotationAfterDays int `yaml:"rotation_after_days"`
}

// SSEConfig controls the event stream endpoints.
type SSEConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	CoalesceWindow    time.Duration `yaml:"coalesce_window"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		TenantID:     "default",
		DBRoot:       "./data/db",
		ProjectsRoot: "./data/projects",
		ListenAddr:   "127.0.0.1:8080",
		Log: LogConfig{
			Level: "info",
		},
		Workers: WorkersConfig{
			TotalWorkers:             4,
			PriorityThreshold:        70,
			PriorityWorkers:          1,
			HeartbeatInterval:        10 * time.Second,
			StaleTimeout:             60 * time.Second,
			DefaultMaxAttempts:       3,
			ClaimPollInterval:        250 * time.Millisecond,
			EmptyPollsBeforeFallback: 4,
			FanoutWidth:              8,
		},
		Derivatives: DerivativesConfig{
			ThumbnailMaxDim: 320,
			ThumbnailQual:   80,
			PreviewMaxDim:   1600,
			PreviewQual:     85,
		},
		PublicLinks: PublicLinksConfig{
			TTLDays:           28,
			RotationAfterDays: 21,
		},
		SSE: SSEConfig{
			KeepaliveInterval: 30 * time.Second,
			SubscriberBuffer:  256,
			CoalesceWindow:    100 * time.Millisecond,
		},
	}
}

// Load reads a YAML config file over the defaults. Unknown fields fail
// loudly rather than being silently dropped.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	if c.Workers.TotalWorkers < 1 {
		return fmt.Errorf("workers.total_workers must be >= 1, got %d", c.Workers.TotalWorkers)
	}
	if c.Workers.PriorityWorkers < 0 || c.Workers.PriorityWorkers > c.Workers.TotalWorkers {
		return fmt.Errorf("workers.priority_workers must be in [0, total_workers], got %d", c.Workers.PriorityWorkers)
	}
	if c.Workers.StaleTimeout <= 0 {
		return fmt.Errorf("workers.stale_timeout must be positive")
	}
	if c.PublicLinks.TTLDays <= 0 {
		return fmt.Errorf("public_links.ttl_days must be positive")
	}
	return nil
}
