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

package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/maestro-mcp/maestro/internal/metrics"
	pkgerrors "github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/llm"
)

const openaiDefaultModel = openai.GPT4o

// OpenAI implements llm.Provider over the OpenAI chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// OpenAIOption configures the provider.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL string
	model   string
}

// WithOpenAIBaseURL overrides the API base URL (for proxies and
// OpenAI-compatible endpoints).
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOpenAIModel overrides the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, &pkgerrors.ConfigError{
			Key:    "openai.api_key",
			Reason: "API key is required for the OpenAI provider",
		}
	}

	cfg := openAIConfig{model: openaiDefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = cfg.baseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.model,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAI) Name() string { return "openai" }

// buildRequest converts a CompletionRequest to the chat completions shape.
func (p *OpenAI) buildRequest(req llm.CompletionRequest, stream bool) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, &pkgerrors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "add at least one message to the completion request",
		}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		var role string
		switch msg.Role {
		case llm.MessageRoleSystem:
			role = openai.ChatMessageRoleSystem
		case llm.MessageRoleUser:
			role = openai.ChatMessageRoleUser
		case llm.MessageRoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			return openai.ChatCompletionRequest{}, &pkgerrors.ValidationError{
				Field:   "messages",
				Message: fmt.Sprintf("unsupported message role %q", msg.Role),
			}
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stop:     req.StopSequences,
		Stream:   stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out, nil
}

// classify converts a go-openai error into a classified ProviderError.
func classify(err error, requestID string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		return &pkgerrors.ProviderError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    msg,
			RequestID:  requestID,
			Cause:      err,
		}
	}
	return &pkgerrors.ProviderError{
		Provider:  "openai",
		Message:   err.Error(),
		RequestID: requestID,
		Cause:     err,
	}
}

// Complete sends a synchronous completion request.
func (p *OpenAI) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.NewString()

	apiReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, classify(err, requestID)
	}
	if len(resp.Choices) == 0 {
		return nil, &pkgerrors.ProviderError{
			Provider:  "openai",
			Message:   "response contained no choices",
			RequestID: requestID,
		}
	}

	usage := llm.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	metrics.RecordLLMTokens("openai", usage.InputTokens, usage.OutputTokens)

	return &llm.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: mapOpenAIFinishReason(resp.Choices[0].FinishReason),
		Usage:        usage,
		Model:        resp.Model,
		RequestID:    requestID,
		Created:      time.Now(),
	}, nil
}

// Stream sends a streaming completion request.
func (p *OpenAI) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.NewString()

	apiReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, classify(err, requestID)
	}

	chunks := make(chan llm.StreamChunk, 10)
	go func() {
		defer close(chunks)
		defer stream.Close()

		usage := llm.TokenUsage{}
		finish := llm.FinishReasonStop

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				metrics.RecordLLMTokens("openai", usage.InputTokens, usage.OutputTokens)
				chunks <- llm.StreamChunk{
					RequestID:    requestID,
					FinishReason: finish,
					Usage:        &usage,
				}
				return
			}
			if err != nil {
				chunks <- llm.StreamChunk{
					RequestID:    requestID,
					Error:        &pkgerrors.StreamError{Operation: "recv", Cause: err},
					FinishReason: llm.FinishReasonError,
				}
				return
			}

			if resp.Usage != nil {
				usage.InputTokens = resp.Usage.PromptTokens
				usage.OutputTokens = resp.Usage.CompletionTokens
				usage.TotalTokens = resp.Usage.TotalTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finish = mapOpenAIFinishReason(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				chunks <- llm.StreamChunk{RequestID: requestID, Content: choice.Delta.Content}
			}
		}
	}()
	return chunks, nil
}

// mapOpenAIFinishReason converts a finish_reason to a FinishReason.
func mapOpenAIFinishReason(reason openai.FinishReason) llm.FinishReason {
	switch reason {
	case openai.FinishReasonStop, "":
		return llm.FinishReasonStop
	case openai.FinishReasonLength:
		return llm.FinishReasonLength
	case openai.FinishReasonContentFilter:
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}
