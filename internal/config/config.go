// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Provider      ProviderConfig           `yaml:"provider"`
	Models        []ModelConfig            `yaml:"models"`
	Defaults      WindowLimits             `yaml:"defaults"`
	Backoff       map[string]BackoffConfig `yaml:"backoff"`
	Guard         GuardConfig              `yaml:"guard"`
	Relay         RelayConfig              `yaml:"relay"`
	Broadcast     BroadcastConfig          `yaml:"broadcast"`
	Snapshot      SnapshotConfig           `yaml:"snapshot"`
	Conversations ConversationsConfig      `yaml:"conversations"`
	Logging       LoggingConfig            `yaml:"logging"`
	Metrics       MetricsConfig            `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// ClientRPM rate-limits raw requests per client address at the transport
	// layer, before any quota accounting.
	ClientRPM   int `yaml:"client_rpm"`
	ClientBurst int `yaml:"client_burst"`
}

// ProviderConfig defines the upstream LLM provider endpoint.
type ProviderConfig struct {
	Kind    string        `yaml:"kind"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModelConfig defines per-model quota windows.
type ModelConfig struct {
	Name string `yaml:"name"`
	// Kind selects the backoff parameter set; defaults to the provider kind.
	Kind        string `yaml:"kind"`
	MinuteLimit int    `yaml:"minute_limit"`
	DayLimit    int    `yaml:"day_limit"`
}

// WindowLimits holds default window limits for models without explicit config.
type WindowLimits struct {
	MinuteLimit int `yaml:"minute_limit"`
	DayLimit    int `yaml:"day_limit"`
}

// BackoffConfig defines provider-kind-specific backoff escalation parameters.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// GuardConfig defines content policy settings per chat mode.
type GuardConfig struct {
	// ScanEveryChunks is the relay's incremental scan cadence.
	ScanEveryChunks int                   `yaml:"scan_every_chunks"`
	Modes           map[string]ModeConfig `yaml:"modes"`
}

// ModeConfig holds the blocked term list and replacement notice for one mode.
type ModeConfig struct {
	BlockedTerms []string `yaml:"blocked_terms"`
	Replacement  string   `yaml:"replacement"`
}

// RelayConfig contains stream relay settings.
type RelayConfig struct {
	ProgressEveryChunks int `yaml:"progress_every_chunks"`
	// ExpectedTokens is the response-size assumption used for the
	// estimated-remaining-time progress signal.
	ExpectedTokens int `yaml:"expected_tokens"`
}

// BroadcastConfig contains quota broadcaster settings.
type BroadcastConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SnapshotConfig selects the quota snapshot persistence backend.
type SnapshotConfig struct {
	Backend   string `yaml:"backend"` // none, file, redis
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// ConversationsConfig locates file-backed conversation message storage.
type ConversationsConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			IdleTimeout:  60 * time.Second,
			ClientRPM:    120,
			ClientBurst:  20,
		},
		Provider: ProviderConfig{
			Kind:    "openai",
			Timeout: 120 * time.Second,
		},
		Defaults: WindowLimits{
			MinuteLimit: 10,
			DayLimit:    200,
		},
		Backoff: map[string]BackoffConfig{
			"openai": {Initial: 5 * time.Minute, Max: 60 * time.Minute, Multiplier: 2},
			"gemini": {Initial: 2 * time.Minute, Max: 30 * time.Minute, Multiplier: 2},
		},
		Guard: GuardConfig{
			ScanEveryChunks: 5,
			Modes:           map[string]ModeConfig{},
		},
		Relay: RelayConfig{
			ProgressEveryChunks: 20,
			ExpectedTokens:      1024,
		},
		Broadcast: BroadcastConfig{
			Interval: 30 * time.Minute,
		},
		Snapshot: SnapshotConfig{
			Backend: "file",
			Path:    "data/quota-snapshot.json",
		},
		Conversations: ConversationsConfig{
			Dir: "data/conversations",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if m.MinuteLimit < 0 || m.DayLimit < 0 {
			return fmt.Errorf("models[%d] %q: limits cannot be negative", i, m.Name)
		}
	}

	if c.Defaults.MinuteLimit < 0 || c.Defaults.DayLimit < 0 {
		return fmt.Errorf("defaults: limits cannot be negative")
	}

	for kind, b := range c.Backoff {
		if b.Initial <= 0 {
			return fmt.Errorf("backoff[%s]: initial must be positive", kind)
		}
		if b.Max < b.Initial {
			return fmt.Errorf("backoff[%s]: max must be >= initial", kind)
		}
		if b.Multiplier < 1 {
			return fmt.Errorf("backoff[%s]: multiplier must be >= 1", kind)
		}
	}

	if c.Guard.ScanEveryChunks <= 0 {
		return fmt.Errorf("guard.scan_every_chunks must be positive")
	}
	for mode, mc := range c.Guard.Modes {
		// Request mode parsing resolves to exactly these two modes, so any
		// other configured name would be silently unreachable.
		switch mode {
		case "general", "creative":
		default:
			return fmt.Errorf("guard.modes[%s]: unknown mode, must be general or creative", mode)
		}
		if mc.Replacement == "" && len(mc.BlockedTerms) > 0 {
			return fmt.Errorf("guard.modes[%s]: replacement message is required", mode)
		}
	}

	if c.Relay.ProgressEveryChunks <= 0 {
		return fmt.Errorf("relay.progress_every_chunks must be positive")
	}

	if c.Broadcast.Interval <= 0 {
		return fmt.Errorf("broadcast.interval must be positive")
	}

	switch c.Snapshot.Backend {
	case "", "none", "file", "redis":
	default:
		return fmt.Errorf("snapshot.backend must be none, file, or redis, got %q", c.Snapshot.Backend)
	}
	if c.Snapshot.Backend == "file" && c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required for the file backend")
	}
	if c.Snapshot.Backend == "redis" && c.Snapshot.RedisAddr == "" {
		return fmt.Errorf("snapshot.redis_addr is required for the redis backend")
	}

	if c.Conversations.Dir == "" {
		return fmt.Errorf("conversations.dir is required")
	}

	return nil
}

// Warnings returns non-fatal configuration concerns. The manager logs
// them at load and after every hot reload.
func (c *Config) Warnings() []string {
	var ws []string

	checkLimits := func(name string, wl WindowLimits) {
		if wl.DayLimit > 0 && wl.MinuteLimit > wl.DayLimit {
			ws = append(ws, fmt.Sprintf("%s: minute_limit %d exceeds day_limit %d, the day window always binds first",
				name, wl.MinuteLimit, wl.DayLimit))
		}
	}
	checkLimits("defaults", c.Defaults)
	for _, m := range c.Models {
		checkLimits(fmt.Sprintf("model %q", m.Name), WindowLimits{MinuteLimit: m.MinuteLimit, DayLimit: m.DayLimit})
	}

	if c.Broadcast.Interval < time.Minute {
		ws = append(ws, fmt.Sprintf("broadcast.interval %s is shorter than the minute window, most ticks will be suppressed",
			c.Broadcast.Interval))
	}
	if c.Provider.APIKey == "" {
		ws = append(ws, "provider.api_key is empty, upstream requests will be unauthenticated")
	}
	return ws
}

// WindowLimitsFor returns the configured window limits for a model,
// falling back to the defaults for unknown models.
func (c *Config) WindowLimitsFor(model string) WindowLimits {
	for _, m := range c.Models {
		if m.Name == model {
			return WindowLimits{MinuteLimit: m.MinuteLimit, DayLimit: m.DayLimit}
		}
	}
	return c.Defaults
}

// BackoffFor returns the backoff parameters for a model's provider kind,
// falling back to the top-level provider kind and then to a conservative default.
func (c *Config) BackoffFor(model string) BackoffConfig {
	kind := c.Provider.Kind
	for _, m := range c.Models {
		if m.Name == model && m.Kind != "" {
			kind = m.Kind
			break
		}
	}
	if b, ok := c.Backoff[kind]; ok {
		return b
	}
	return BackoffConfig{Initial: 5 * time.Minute, Max: 60 * time.Minute, Multiplier: 2}
}
