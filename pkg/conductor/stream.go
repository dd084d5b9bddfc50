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
	"encoding/json"
	"time"

	"github.com/maestro-mcp/maestro/pkg/llm"
)

// PartType discriminates stream parts.
type PartType string

const (
	// PartText is a delta of user-visible assistant text.
	PartText PartType = "text"

	// PartReasoning is a delta of model reasoning text.
	PartReasoning PartType = "reasoning"

	// PartStartStep marks the beginning of a workflow step.
	PartStartStep PartType = "start_step"

	// PartFinishStep marks the end of a workflow step.
	PartFinishStep PartType = "finish_step"

	// PartToolCallStreamingStart announces an upcoming tool call.
	PartToolCallStreamingStart PartType = "tool_call_streaming_start"

	// PartToolCall carries a tool call's name and arguments.
	PartToolCall PartType = "tool_call"

	// PartToolResult carries a (possibly summarized) tool result.
	PartToolResult PartType = "tool_result"
)

// Part is one element of the ordered outbound stream.
type Part struct {
	Type PartType `json:"type"`

	// Text is the delta for text and reasoning parts.
	Text string `json:"text,omitempty"`

	// ServerID identifies the server a step or tool part belongs to.
	ServerID string `json:"serverId,omitempty"`

	// Task is the planned task for step parts.
	Task string `json:"task,omitempty"`

	// ToolCallID correlates tool parts of one invocation.
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolName is the tool being invoked.
	ToolName string `json:"toolName,omitempty"`

	// Args holds the tool call arguments.
	Args map[string]any `json:"args,omitempty"`

	// Result holds the tool result payload.
	Result json.RawMessage `json:"result,omitempty"`
}

// AnnotationType discriminates out-of-band message annotations.
type AnnotationType string

const (
	// AnnotationPlanningUsage reports token usage of a planning call.
	AnnotationPlanningUsage AnnotationType = "planning-usage"

	// AnnotationAssistantUsage reports token usage of the synthesis call.
	AnnotationAssistantUsage AnnotationType = "assistant-usage"

	// AnnotationToolUsage reports a completed tool invocation.
	AnnotationToolUsage AnnotationType = "tool-usage"

	// AnnotationReasoningStart marks the start of a reasoning stage.
	AnnotationReasoningStart AnnotationType = "reasoning-start"

	// AnnotationReasoningFinish marks the end of a reasoning stage.
	AnnotationReasoningFinish AnnotationType = "reasoning-finish"
)

// Annotation is out-of-band stream metadata. StepIndex is owned by the
// conductor and advances exactly once per planning or synthesis stage.
type Annotation struct {
	Type      AnnotationType `json:"type"`
	StepIndex int            `json:"stepIndex"`

	// Usage is set on usage annotations.
	Usage *llm.TokenUsage `json:"usage,omitempty"`

	// Provider and ModelID identify the model behind a usage annotation.
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"modelId,omitempty"`

	// ToolCallID is set on tool-usage annotations.
	ToolCallID string `json:"toolCallId,omitempty"`

	// Name labels reasoning stages.
	Name string `json:"name,omitempty"`

	// ServerID scopes a reasoning stage to one server.
	ServerID string `json:"serverId,omitempty"`

	// Duration is set on reasoning-finish annotations.
	Duration time.Duration `json:"duration,omitempty"`
}

// NeedsInput is the typed pause state produced when tool-input planning
// identifies required fields only the user can supply. The conductor stops
// the current invocation instead of guessing values.
type NeedsInput struct {
	ServerID string   `json:"serverId"`
	Tool     string   `json:"tool"`
	Fields   []string `json:"fields"`
}

// Event is one element of the HandleMessage output stream. Exactly one
// field is set. An Err or NeedsInput event is terminal.
type Event struct {
	Part       *Part       `json:"part,omitempty"`
	Annotation *Annotation `json:"annotation,omitempty"`
	NeedsInput *NeedsInput `json:"needsInput,omitempty"`
	Err        error       `json:"-"`
}
