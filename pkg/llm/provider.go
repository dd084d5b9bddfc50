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

// Package llm provides a provider-agnostic interface for language-model
// completions. The conductor drives planning and synthesis through this
// interface; concrete providers live in pkg/llm/providers.
package llm

import (
	"context"
	"time"
)

// Provider is implemented by every language-model backend.
type Provider interface {
	// Name returns the unique identifier for this provider
	// (e.g. "anthropic", "openai").
	Name() string

	// Complete sends a synchronous completion request and blocks until the
	// full response is available.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream sends a streaming completion request and returns a channel of
	// chunks. The caller must drain the channel until it closes. Errors
	// during streaming arrive as a chunk with Error set, after which the
	// channel closes.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	// MessageRoleSystem indicates a system message (context, instructions).
	MessageRoleSystem MessageRole = "system"

	// MessageRoleUser indicates a message from the user.
	MessageRoleUser MessageRole = "user"

	// MessageRoleAssistant indicates a message from the model.
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is a single message in a conversation.
type Message struct {
	Role    MessageRole
	Content string
}

// CompletionRequest contains all parameters for a completion.
type CompletionRequest struct {
	// Messages is the conversation history including the current prompt.
	Messages []Message

	// Model specifies which model to use. Empty selects the provider
	// default.
	Model string

	// Temperature controls randomness (0.0 = deterministic). Nil uses the
	// provider default.
	Temperature *float64

	// MaxTokens limits the response length. Nil uses the provider default.
	MaxTokens *int

	// StopSequences halt generation when encountered.
	StopSequences []string

	// Metadata carries request tracking information (correlation ids).
	Metadata map[string]string
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	// FinishReasonStop indicates natural completion.
	FinishReasonStop FinishReason = "stop"

	// FinishReasonLength indicates the max-token limit was reached.
	FinishReasonLength FinishReason = "length"

	// FinishReasonContentFilter indicates a content policy stop.
	FinishReasonContentFilter FinishReason = "content_filter"

	// FinishReasonError indicates the stream ended with an error.
	FinishReasonError FinishReason = "error"
)

// TokenUsage tracks token consumption for a request.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// CompletionResponse is the full response from a non-streaming completion.
type CompletionResponse struct {
	// Content is the generated text.
	Content string

	// FinishReason explains why generation stopped.
	FinishReason FinishReason

	// Usage contains token consumption for this request.
	Usage TokenUsage

	// Model is the actual model id that handled the request.
	Model string

	// RequestID is the unique identifier for this request.
	RequestID string

	// Created is when the response was generated.
	Created time.Time
}

// StreamChunk is a single piece of a streaming response.
type StreamChunk struct {
	// Content is the text added in this chunk.
	Content string

	// FinishReason is set on the final chunk.
	FinishReason FinishReason

	// Usage is set on the final chunk with token consumption stats.
	Usage *TokenUsage

	// Error is set when streaming fails; the channel closes after it.
	Error error

	// RequestID is the unique identifier for this streaming request.
	RequestID string
}
