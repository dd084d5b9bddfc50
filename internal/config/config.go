// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from a YAML file with
// environment-variable overrides. Environment variables always win over
// file values.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = stderrors.New("config: invalid configuration")

// Config is the complete Maestro daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Conductor ConductorConfig `yaml:"conductor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the daemon's HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address for the API server.
	// Environment: MAESTRO_LISTEN_ADDR
	// Default: 127.0.0.1:9163
	Addr string `yaml:"addr"`

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown.
	// Environment: MAESTRO_SHUTDOWN_TIMEOUT
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// StorageConfig configures the persistence backend shared by the server,
// connection, and thread registries.
type StorageConfig struct {
	// Backend is the backend type: "memory" or "sqlite".
	// Environment: MAESTRO_STORAGE_BACKEND
	// Default: sqlite
	Backend string `yaml:"backend"`

	// Path is the SQLite database path (for backend=sqlite).
	// Environment: MAESTRO_STORAGE_PATH
	// Default: <data dir>/maestro.db
	Path string `yaml:"path,omitempty"`
}

// LLMConfig configures language-model provider settings.
type LLMConfig struct {
	// Provider selects the provider to drive orchestration with
	// (anthropic, openai).
	// Environment: MAESTRO_PROVIDER
	// Default: anthropic
	Provider string `yaml:"provider"`

	// AnthropicAPIKey authenticates against the Anthropic API.
	// Environment: ANTHROPIC_API_KEY
	AnthropicAPIKey string `yaml:"anthropic_api_key,omitempty"`

	// OpenAIAPIKey authenticates against the OpenAI API.
	// Environment: OPENAI_API_KEY
	OpenAIAPIKey string `yaml:"openai_api_key,omitempty"`

	// Model overrides the provider's default model.
	// Environment: MAESTRO_MODEL
	Model string `yaml:"model,omitempty"`

	// BaseURL overrides the provider's API endpoint, for proxies and
	// compatible gateways.
	// Environment: MAESTRO_LLM_BASE_URL
	BaseURL string `yaml:"base_url,omitempty"`

	// MaxRetries is the maximum number of retry attempts for failed
	// requests.
	// Environment: MAESTRO_LLM_MAX_RETRIES
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffBase is the base duration for exponential backoff.
	// Environment: MAESTRO_LLM_RETRY_BACKOFF_BASE
	// Default: 100ms
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
}

// ConductorConfig tunes the orchestration pipeline.
type ConductorConfig struct {
	// SummarizeThreshold is the tool-result size in bytes above which
	// results are summarized before streaming.
	// Environment: MAESTRO_SUMMARIZE_THRESHOLD
	// Default: 8192
	SummarizeThreshold int `yaml:"summarize_threshold"`

	// HistoryLimit caps how many prior thread messages are replayed into
	// planning prompts.
	// Environment: MAESTRO_HISTORY_LIMIT
	// Default: 20
	HistoryLimit int `yaml:"history_limit"`
}

// RateLimitConfig bounds outbound tool-call throughput.
type RateLimitConfig struct {
	// ToolCallsPerSecond is the sustained tool-call rate across all
	// connections. Zero disables limiting.
	// Environment: MAESTRO_TOOL_CALLS_PER_SECOND
	// Default: 10
	ToolCallsPerSecond float64 `yaml:"tool_calls_per_second"`

	// Burst is the rate limiter burst size.
	// Default: 20
	Burst int `yaml:"burst"`
}

// MetricsConfig configures the Prometheus metrics endpoint, mounted on
// the API server at /metrics.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served.
	// Environment: MAESTRO_METRICS_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:9163",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    filepath.Join(defaultDataDir(), "maestro.db"),
		},
		LLM: LLMConfig{
			Provider:         "anthropic",
			MaxRetries:       3,
			RetryBackoffBase: 100 * time.Millisecond,
		},
		Conductor: ConductorConfig{
			SummarizeThreshold: 8 * 1024,
			HistoryLimit:       20,
		},
		RateLimit: RateLimitConfig{
			ToolCallsPerSecond: 10,
			Burst:              20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from environment variables and optionally from
// a YAML file. If configPath is empty, only environment variables are
// used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &errors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values so minimal config files work without
// spelling out every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = defaults.Storage.Path
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = defaults.LLM.Provider
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = defaults.LLM.MaxRetries
	}
	if c.LLM.RetryBackoffBase == 0 {
		c.LLM.RetryBackoffBase = defaults.LLM.RetryBackoffBase
	}
	if c.Conductor.SummarizeThreshold == 0 {
		c.Conductor.SummarizeThreshold = defaults.Conductor.SummarizeThreshold
	}
	if c.Conductor.HistoryLimit == 0 {
		c.Conductor.HistoryLimit = defaults.Conductor.HistoryLimit
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("MAESTRO_LISTEN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("MAESTRO_SHUTDOWN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = duration
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("MAESTRO_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("MAESTRO_STORAGE_PATH"); val != "" {
		c.Storage.Path = val
	}

	if val := os.Getenv("MAESTRO_PROVIDER"); val != "" {
		c.LLM.Provider = strings.ToLower(val)
	}
	if val := os.Getenv("ANTHROPIC_API_KEY"); val != "" {
		c.LLM.AnthropicAPIKey = val
	}
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		c.LLM.OpenAIAPIKey = val
	}
	if val := os.Getenv("MAESTRO_MODEL"); val != "" {
		c.LLM.Model = val
	}
	if val := os.Getenv("MAESTRO_LLM_BASE_URL"); val != "" {
		c.LLM.BaseURL = val
	}
	if val := os.Getenv("MAESTRO_LLM_MAX_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			c.LLM.MaxRetries = retries
		}
	}
	if val := os.Getenv("MAESTRO_LLM_RETRY_BACKOFF_BASE"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.LLM.RetryBackoffBase = duration
		}
	}

	if val := os.Getenv("MAESTRO_SUMMARIZE_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Conductor.SummarizeThreshold = n
		}
	}
	if val := os.Getenv("MAESTRO_HISTORY_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Conductor.HistoryLimit = n
		}
	}

	if val := os.Getenv("MAESTRO_TOOL_CALLS_PER_SECOND"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.RateLimit.ToolCallsPerSecond = rate
		}
	}

	if val := os.Getenv("MAESTRO_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path is required when storage.backend is sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of [memory, sqlite], got %q", c.Storage.Backend))
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Sprintf("llm.provider must be one of [anthropic, openai], got %q", c.LLM.Provider))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("llm.max_retries must be non-negative, got %d", c.LLM.MaxRetries))
	}
	if c.LLM.RetryBackoffBase <= 0 {
		errs = append(errs, fmt.Sprintf("llm.retry_backoff_base must be positive, got %v", c.LLM.RetryBackoffBase))
	}

	if c.Conductor.SummarizeThreshold < 0 {
		errs = append(errs, fmt.Sprintf("conductor.summarize_threshold must be non-negative, got %d", c.Conductor.SummarizeThreshold))
	}
	if c.Conductor.HistoryLimit < 0 {
		errs = append(errs, fmt.Sprintf("conductor.history_limit must be non-negative, got %d", c.Conductor.HistoryLimit))
	}

	if c.RateLimit.ToolCallsPerSecond < 0 {
		errs = append(errs, fmt.Sprintf("rate_limit.tool_calls_per_second must be non-negative, got %v", c.RateLimit.ToolCallsPerSecond))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// APIKey returns the API key for the selected provider.
func (c *LLMConfig) APIKey() string {
	switch c.Provider {
	case "openai":
		return c.OpenAIAPIKey
	default:
		return c.AnthropicAPIKey
	}
}

// defaultDataDir returns the default data directory, honoring
// XDG_DATA_HOME on Linux.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "maestro")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/maestro-data"
	}

	return filepath.Join(homeDir, ".maestro", "data")
}
