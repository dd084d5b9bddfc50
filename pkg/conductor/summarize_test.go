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

package conductor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-mcp/maestro/pkg/llm/llmtest"
)

func TestTruncateArrays(t *testing.T) {
	var payload any
	require.NoError(t, json.Unmarshal([]byte(`{
		"items": [{"name": "a"}, {"name": "b"}, {"name": "c"}],
		"empty": [],
		"total": 3,
		"nested": {"tags": ["x", "y"]}
	}`), &payload))

	got := truncateArrays(payload)
	raw, err := json.Marshal(got)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"items": [{"name": "a"}],
		"empty": [],
		"total": 3,
		"nested": {"tags": ["x"]}
	}`, string(raw))
}

func TestSummarize(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	var payload any
	require.NoError(t, json.Unmarshal([]byte(`{
		"items": [{"name": "a"}, {"name": "b"}, {"name": "c"}],
		"total": 3
	}`), &payload))

	f.provider.Enqueue(llmtest.Response{
		Content: `{"primary": "[.items[].name]", "secondary": [".total"]}`,
	})

	out, usage, err := f.cond.summarize(ctx, payload)
	require.NoError(t, err)
	require.NotNil(t, usage)

	// The paths ran against the full payload, not the truncated shape the
	// model saw.
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b", "c"}, result["primary"])
	assert.Equal(t, []any{float64(3)}, result["secondary"])

	// The planning call itself only saw the truncated shape.
	requests := f.provider.Requests()
	require.Len(t, requests, 1)
	shape := requests[0].Messages[len(requests[0].Messages)-1].Content
	assert.Contains(t, shape, `"a"`)
	assert.NotContains(t, shape, `"b"`)
}

func TestSummarizeBadPrimaryPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.provider.Enqueue(llmtest.Response{
		Content: `{"primary": ".[not valid", "secondary": []}`,
	})

	_, usage, err := f.cond.summarize(ctx, map[string]any{"k": "v"})
	require.Error(t, err)
	assert.NotNil(t, usage, "usage is reported even when extraction fails")
}

func TestSummarizeBadSecondarySkipped(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.provider.Enqueue(llmtest.Response{
		Content: `{"primary": ".k", "secondary": [".[broken", ".k"]}`,
	})

	out, _, err := f.cond.summarize(ctx, map[string]any{"k": "v"})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "v", result["primary"])
	assert.Equal(t, []any{"v"}, result["secondary"], "the broken path is dropped, the rest survive")
}

func TestOversizedToolResultSummarized(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.cond.summarizeThreshold = 16
	ctx := context.Background()

	f.provider.Enqueue(
		llmtest.Response{Content: `{"messageToUser": "On it.", "steps": [{"agentId": "ping", "task": "check"}]}`},
		llmtest.Response{Content: `{"steps": [{"task": "ping it", "tool": "ping"}]}`},
		llmtest.Response{Content: `{"input": {}}`},
		llmtest.Response{Content: `{"primary": ".answer", "secondary": []}`},
		llmtest.Response{Content: `Summarized fine.`},
	)

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "go"})
	require.NoError(t, err)
	got := collect(t, events)
	require.NoError(t, terminalErr(got))

	var result string
	for _, ev := range got {
		if ev.Part != nil && ev.Part.Type == PartToolResult {
			result = string(ev.Part.Result)
		}
	}
	require.NotEmpty(t, result)
	assert.Contains(t, result, "primary")
	assert.Contains(t, result, "PONG")

	// Summarization is one extra annotated stage between plan-input and
	// synthesis.
	var names []string
	for _, ev := range got {
		if ev.Annotation != nil && ev.Annotation.Type == AnnotationReasoningStart {
			names = append(names, ev.Annotation.Name)
		}
	}
	assert.Equal(t, []string{"plan-workflow", "plan-tools", "plan-input", "summarize", "synthesize"}, names)

	assert.True(t, strings.HasSuffix(textOf(got), "Summarized fine."))
}
