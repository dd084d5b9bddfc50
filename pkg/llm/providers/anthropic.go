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

// Package providers contains concrete language-model provider
// implementations.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-mcp/maestro/internal/metrics"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/llm"
)

const (
	anthropicAPIBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096
)

// Anthropic implements llm.Provider over the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// AnthropicOption configures the provider.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL overrides the API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *Anthropic) { p.baseURL = strings.TrimSuffix(url, "/") }
}

// WithAnthropicModel overrides the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *Anthropic) { p.model = model }
}

// NewAnthropic creates an Anthropic provider. The api key should come from
// secure configuration, never from a planning prompt.
func NewAnthropic(apiKey string, opts ...AnthropicOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "anthropic.api_key",
			Reason: "API key is required for the Anthropic provider",
		}
	}
	p := &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicAPIBaseURL,
		model:   anthropicDefaultModel,
		// LLM requests can take a while.
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Anthropic) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
}

// buildRequest converts a CompletionRequest to the Messages API shape.
// System messages collapse into the dedicated system field.
func (p *Anthropic) buildRequest(req llm.CompletionRequest, stream bool) (*anthropicRequest, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "add at least one message to the completion request",
		}
	}

	var system string
	var apiMessages []anthropicMessage
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case llm.MessageRoleUser, llm.MessageRoleAssistant:
			apiMessages = append(apiMessages, anthropicMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		default:
			return nil, &errors.ValidationError{
				Field:   "messages",
				Message: fmt.Sprintf("unsupported message role %q", msg.Role),
			}
		}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return &anthropicRequest{
		Model:         model,
		Messages:      apiMessages,
		MaxTokens:     maxTokens,
		System:        system,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}, nil
}

// send posts the request and returns the raw HTTP response. Error statuses
// are converted to classified ProviderErrors before returning.
func (p *Anthropic) send(ctx context.Context, apiReq *anthropicRequest, requestID string) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		var errResp anthropicErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &errors.ProviderError{
				Provider:   "anthropic",
				StatusCode: resp.StatusCode,
				Message:    errResp.Error.Message,
				RequestID:  requestID,
			}
		}
		return nil, &errors.ProviderError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(respBody)),
			RequestID:  requestID,
		}
	}

	return resp, nil
}

// Complete sends a synchronous completion request.
func (p *Anthropic) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.NewString()

	apiReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, apiReq, requestID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to read response: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := llm.TokenUsage{
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
		TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
	}
	metrics.RecordLLMTokens("anthropic", usage.InputTokens, usage.OutputTokens)

	return &llm.CompletionResponse{
		Content:      content.String(),
		FinishReason: mapAnthropicStopReason(apiResp.StopReason),
		Usage:        usage,
		Model:        apiResp.Model,
		RequestID:    requestID,
		Created:      time.Now(),
	}, nil
}

// Stream sends a streaming completion request over SSE.
func (p *Anthropic) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.NewString()

	apiReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, apiReq, requestID)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.StreamChunk, 10)
	go p.processStream(ctx, resp, chunks, requestID)
	return chunks, nil
}

// processStream reads the SSE body and forwards chunks until the stream
// ends or fails.
func (p *Anthropic) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	usage := llm.TokenUsage{}
	finish := llm.FinishReasonStop

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        &errors.StreamError{Operation: "read", Cause: ctx.Err()},
				FinishReason: llm.FinishReasonError,
			}
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				metrics.RecordLLMTokens("anthropic", usage.InputTokens, usage.OutputTokens)
				chunks <- llm.StreamChunk{
					RequestID:    requestID,
					FinishReason: finish,
					Usage:        &usage,
				}
				return
			}
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        &errors.StreamError{Operation: "read", Cause: err},
				FinishReason: llm.FinishReasonError,
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Malformed events are skipped, not fatal.
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens += event.Message.Usage.InputTokens
				usage.OutputTokens += event.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				chunks <- llm.StreamChunk{RequestID: requestID, Content: event.Delta.Text}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				finish = mapAnthropicStopReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.InputTokens += event.Usage.InputTokens
				usage.OutputTokens += event.Usage.OutputTokens
			}
		}
	}
}

// mapAnthropicStopReason converts stop_reason to a FinishReason.
func mapAnthropicStopReason(stopReason string) llm.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence", "":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonLength
	case "content_filtered":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}
