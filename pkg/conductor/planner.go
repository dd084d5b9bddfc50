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

	"github.com/maestro-mcp/maestro/internal/jsonstream"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/llm"
	"github.com/maestro-mcp/maestro/pkg/registry"
	"github.com/maestro-mcp/maestro/pkg/thread"
)

// workflowPlan is the parsed output of the workflow planning call.
type workflowPlan struct {
	MessageToUser string         `json:"messageToUser"`
	Steps         []workflowStep `json:"steps"`
}

type workflowStep struct {
	AgentID string `json:"agentId"`
	Task    string `json:"task"`
}

// toolPlan is the parsed output of the tool-sequence planning call.
type toolPlan struct {
	Steps []toolStep `json:"steps"`
}

type toolStep struct {
	Task string `json:"task"`
	Tool string `json:"tool"`
}

// toolInputPlan is the parsed output of the structured-input call.
type toolInputPlan struct {
	Input           map[string]any `json:"input"`
	CollectFromUser []string       `json:"collectFromUser"`
}

// emitFunc delivers one event downstream. It returns false when the
// consumer is gone and production should stop.
type emitFunc func(Event) bool

// cleanJSON strips a markdown code fence if the model wrapped its output
// in one despite instructions.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// parseLLMJSON decodes a planning response. Failures are recoverable
// ParseErrors carrying the raw text.
func parseLLMJSON(raw string, v any) error {
	cleaned := cleanJSON(raw)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return &errors.ParseError{
			Source: errors.ParseSourceLLMOutput,
			Raw:    raw,
			Cause:  err,
		}
	}
	return nil
}

// planWorkflow runs the streaming workflow-planning call. The
// messageToUser field is surfaced to the stream as text deltas while the
// response is still arriving: the in-flight JSON prefix is repaired, the
// field read out, and only the unseen suffix emitted.
func (c *Conductor) planWorkflow(ctx context.Context, message string, history []thread.Message, servers []registry.Server, emit emitFunc) (*workflowPlan, *llm.TokenUsage, error) {
	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: workflowSystemPrompt},
			{Role: llm.MessageRoleUser, Content: workflowPrompt(message, history, servers)},
		},
	}

	chunks, err := c.provider.Stream(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var raw strings.Builder
	var usage *llm.TokenUsage
	seen := ""

	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, usage, chunk.Error
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}
		raw.WriteString(chunk.Content)

		var partial workflowPlan
		if err := jsonstream.UnmarshalPartial(cleanJSON(raw.String()), &partial); err != nil {
			continue
		}
		if delta, ok := textDelta(seen, partial.MessageToUser); ok {
			seen = partial.MessageToUser
			if !emit(Event{Part: &Part{Type: PartText, Text: delta}}) {
				return nil, usage, ctx.Err()
			}
		}
	}

	var plan workflowPlan
	if err := parseLLMJSON(raw.String(), &plan); err != nil {
		return nil, usage, err
	}

	// Emit whatever stabilized after the last chunk was observed.
	if delta, ok := textDelta(seen, plan.MessageToUser); ok {
		if !emit(Event{Part: &Part{Type: PartText, Text: delta}}) {
			return nil, usage, ctx.Err()
		}
	}
	return &plan, usage, nil
}

// textDelta returns the unseen suffix of current relative to seen. A
// current value that stopped extending seen yields nothing; the stabilized
// prefix is never re-emitted or rewritten.
func textDelta(seen, current string) (string, bool) {
	if len(current) <= len(seen) || !strings.HasPrefix(current, seen) {
		return "", false
	}
	return current[len(seen):], true
}

// planToolSequence runs the per-step tool-sequence call scoped to one
// server. Config must already be redacted by the caller.
func (c *Conductor) planToolSequence(ctx context.Context, task string, tools []registry.Tool, redactedConfig map[string]string) (*toolPlan, *llm.TokenUsage, error) {
	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: toolSequenceSystemPrompt},
			{Role: llm.MessageRoleUser, Content: toolSequencePrompt(task, tools, redactedConfig)},
		},
	}

	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var plan toolPlan
	if err := parseLLMJSON(resp.Content, &plan); err != nil {
		return nil, &resp.Usage, err
	}
	return &plan, &resp.Usage, nil
}

// planToolInput runs the structured-input call for one tool invocation.
func (c *Conductor) planToolInput(ctx context.Context, task string, tool registry.Tool, priorResults string) (*toolInputPlan, *llm.TokenUsage, error) {
	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: toolInputSystemPrompt},
			{Role: llm.MessageRoleUser, Content: toolInputPrompt(task, tool, priorResults)},
		},
	}

	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var plan toolInputPlan
	if err := parseLLMJSON(resp.Content, &plan); err != nil {
		return nil, &resp.Usage, err
	}
	return &plan, &resp.Usage, nil
}
