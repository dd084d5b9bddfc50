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

package jq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	e := NewExecutor(0, 0)
	ctx := context.Background()

	data := map[string]any{
		"items": []any{
			map[string]any{"name": "a", "size": 1.0},
			map[string]any{"name": "b", "size": 2.0},
		},
		"total": 2.0,
	}

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"empty expression passes through", "", data},
		{"field access", ".total", 2.0},
		{"nested path", ".items[0].name", "a"},
		{"multiple results collapse to array", ".items[].name", []any{"a", "b"}},
		{"missing field is nil", ".nope", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Execute(ctx, tt.expression, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteParseError(t *testing.T) {
	e := NewExecutor(0, 0)
	_, err := e.Execute(context.Background(), ".items[", map[string]any{})
	require.Error(t, err)
}

func TestExecuteTimeout(t *testing.T) {
	e := NewExecutor(50*time.Millisecond, 0)
	// An unbounded recursion never finishes inside the timeout.
	_, err := e.Execute(context.Background(), "def f: f; f", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestExecuteInputSizeLimit(t *testing.T) {
	e := NewExecutor(0, 16)
	_, err := e.Execute(context.Background(), ".a", map[string]any{"a": "a long enough value"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestValidate(t *testing.T) {
	e := NewExecutor(0, 0)
	assert.NoError(t, e.Validate(""))
	assert.NoError(t, e.Validate(".items[] | select(.size > 1)"))
	assert.Error(t, e.Validate(".items["))
}
