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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	logger.Debug("connect", slog.String(ServerIDKey, "github"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connect", entry["msg"])
	assert.Equal(t, "github", entry["server_id"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("MAESTRO_DEBUG", "")
	t.Setenv("MAESTRO_LOG_LEVEL", "trace")
	t.Setenv("LOG_FORMAT", "text")

	cfg := FromEnv()
	assert.Equal(t, "trace", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
}

func TestSanitizers(t *testing.T) {
	assert.Equal(t, "...wxyz", SanitizeAPIKey("sk-ant-abcdwxyz"))
	assert.Equal(t, "[REDACTED]", SanitizeAPIKey("abc"))
	assert.Equal(t, "[REDACTED]", SanitizeSecret("anything at all"))
}
