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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:9163", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.NotEmpty(t, cfg.Storage.Path)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.LLM.RetryBackoffBase)
	assert.Equal(t, 8*1024, cfg.Conductor.SummarizeThreshold)
	assert.Equal(t, 20, cfg.Conductor.HistoryLimit)
	assert.True(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
storage:
  backend: memory
llm:
  provider: openai
  openai_api_key: test-key
conductor:
  summarize_threshold: 4096
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "test-key", cfg.LLM.APIKey())
	assert.Equal(t, 4096, cfg.Conductor.SummarizeThreshold)

	// Unset fields keep their defaults.
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MAESTRO_STORAGE_BACKEND", "memory")
	t.Setenv("MAESTRO_TOOL_CALLS_PER_SECOND", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 2.5, cfg.RateLimit.ToolCallsPerSecond)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			modify: func(c *Config) {},
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "unknown storage backend",
			modify:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "storage.backend",
		},
		{
			name: "sqlite without path",
			modify: func(c *Config) {
				c.Storage.Backend = "sqlite"
				c.Storage.Path = ""
			},
			wantErr: "storage.path",
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.LLM.Provider = "cohere" },
			wantErr: "llm.provider",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.LLM.MaxRetries = -1 },
			wantErr: "llm.max_retries",
		},
		{
			name:    "missing listen addr",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "server.addr",
		},
		{
			name:    "non-positive shutdown timeout",
			modify:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: "server.shutdown_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
