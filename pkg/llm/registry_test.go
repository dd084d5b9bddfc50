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

package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Content: "ok"}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	chunks := make(chan StreamChunk)
	close(chunks)
	return chunks, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	first := &stubProvider{name: "anthropic"}
	second := &stubProvider{name: "openai"}
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	err := r.Register(&stubProvider{name: "anthropic"})
	assert.True(t, errors.IsAlreadyExists(err))

	got, err := r.Get("openai")
	require.NoError(t, err)
	assert.Same(t, second, got)

	_, err = r.Get("missing")
	assert.True(t, errors.IsNotFound(err))

	// First registration is the default until overridden.
	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", def.Name())

	require.NoError(t, r.SetDefault("openai"))
	def, err = r.Default()
	require.NoError(t, err)
	assert.Equal(t, "openai", def.Name())

	assert.Equal(t, []string{"anthropic", "openai"}, r.List())
}

func TestRegistryEmptyDefault(t *testing.T) {
	r := NewRegistry()
	_, err := r.Default()
	assert.True(t, errors.IsNotFound(err))
	err = r.SetDefault("nope")
	assert.True(t, errors.IsNotFound(err))
}
