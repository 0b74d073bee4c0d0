// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML (and legacy TOML) files with env var expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Limits    LimitsConfig    `yaml:"limits" toml:"limits"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Logging   LoggingConfig   `yaml:"log" toml:"log"`
}

// ServerConfig holds listener and shutdown configuration
type ServerConfig struct {
	Listen          string        `yaml:"listen" toml:"listen"`
	AllowedOrigins  []string      `yaml:"allowed_origins" toml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// EngineConfig holds the inference engine binding
type EngineConfig struct {
	Backend        string        `yaml:"backend" toml:"backend"` // "mock" or "remote"
	Endpoint       string        `yaml:"endpoint" toml:"endpoint"`
	Models         []string      `yaml:"models" toml:"models"`
	SystemPrompt   string        `yaml:"system_prompt" toml:"system_prompt"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// StoreConfig holds conversation store configuration
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LimitsConfig holds request and session bounds
type LimitsConfig struct {
	MaxPromptLength   int           `yaml:"max_prompt_length" toml:"max_prompt_length"`
	MaxResponseTokens int           `yaml:"max_response_tokens" toml:"max_response_tokens"`
	MaxSessions       int           `yaml:"max_sessions" toml:"max_sessions"`
	HistoryWindow     int           `yaml:"history_window" toml:"history_window"`
	SessionTTL        time.Duration `yaml:"-" toml:"-"`

	SessionTTLRaw string `yaml:"session_ttl" toml:"session_ttl"`
}

// RateLimitConfig holds sliding-window limiter configuration
type RateLimitConfig struct {
	Quota         int           `yaml:"quota" toml:"quota"`
	Window        time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	WindowRaw        string `yaml:"window" toml:"window"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// AuthConfig holds identity configuration
type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKeys   []APIKeyConfig `yaml:"api_keys" toml:"api_keys"`
}

// APIKeyConfig is one static API key. Key holds the plaintext credential;
// KeyHash holds a bcrypt hash instead when the plaintext must not live in
// config. Quota overrides the default rate-limit quota for this key.
type APIKeyConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Key     string `yaml:"key" toml:"key"`
	KeyHash string `yaml:"key_hash" toml:"key_hash"`
	Quota   int    `yaml:"quota" toml:"quota"`
}

// MetricsConfig toggles the Prometheus exporter
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration populated with the documented defaults.
// Loading a file overlays the file's values on top of these. Both the raw
// duration strings and their parsed values are set, so Default is usable
// without going through Load.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:             ":3000",
			AllowedOrigins:     []string{"*"},
			ShutdownTimeout:    5 * time.Second,
			ShutdownTimeoutRaw: "5s",
		},
		Engine: EngineConfig{
			Backend:           "mock",
			Endpoint:          "http://127.0.0.1:8080",
			Models:            []string{"tiny-test"},
			RequestTimeout:    120 * time.Second,
			RequestTimeoutRaw: "120s",
		},
		Store: StoreConfig{
			Path: "loom.db",
		},
		Limits: LimitsConfig{
			MaxPromptLength:   8192,
			MaxResponseTokens: 2048,
			MaxSessions:       1000,
			HistoryWindow:     20,
			SessionTTL:        time.Hour,
			SessionTTLRaw:     "1h",
		},
		RateLimit: RateLimitConfig{
			Quota:            60,
			Window:           60 * time.Second,
			WindowRaw:        "60s",
			SweepInterval:    5 * time.Minute,
			SweepIntervalRaw: "5m",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml decode as TOML (the legacy deployment format); everything
// else decodes as YAML. Environment variables in the format ${VAR_NAME} are
// expanded, duration strings are parsed, and missing values fall back to Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	switch c.Engine.Backend {
	case "mock":
	case "remote":
		if c.Engine.Endpoint == "" {
			return fmt.Errorf("engine.endpoint is required when engine.backend is remote")
		}
	default:
		return fmt.Errorf("engine.backend must be \"mock\" or \"remote\", got %q", c.Engine.Backend)
	}
	if len(c.Engine.Models) == 0 {
		return fmt.Errorf("engine.models must list at least one model")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if c.Limits.MaxPromptLength <= 0 {
		return fmt.Errorf("limits.max_prompt_length must be positive")
	}
	if c.Limits.MaxResponseTokens <= 0 {
		return fmt.Errorf("limits.max_response_tokens must be positive")
	}
	if c.Limits.MaxSessions <= 0 {
		return fmt.Errorf("limits.max_sessions must be positive")
	}
	if c.Limits.HistoryWindow <= 0 {
		return fmt.Errorf("limits.history_window must be positive")
	}

	if c.RateLimit.Quota <= 0 {
		return fmt.Errorf("ratelimit.quota must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be a positive duration")
	}

	for i, key := range c.Auth.APIKeys {
		if key.Name == "" {
			return fmt.Errorf("auth.api_keys[%d].name is required", i)
		}
		if key.Key == "" && key.KeyHash == "" {
			return fmt.Errorf("auth.api_keys[%d] needs key or key_hash", i)
		}
		if key.Key != "" && key.KeyHash != "" {
			return fmt.Errorf("auth.api_keys[%d] must set only one of key and key_hash", i)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "color", "text":
	default:
		return fmt.Errorf("log.format must be one of json, color, text")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"engine.request_timeout", cfg.Engine.RequestTimeoutRaw, &cfg.Engine.RequestTimeout},
		{"limits.session_ttl", cfg.Limits.SessionTTLRaw, &cfg.Limits.SessionTTL},
		{"ratelimit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"ratelimit.sweep_interval", cfg.RateLimit.SweepIntervalRaw, &cfg.RateLimit.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
