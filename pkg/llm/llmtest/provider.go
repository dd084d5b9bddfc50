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

// Package llmtest provides a scripted provider for tests. Responses are
// consumed in order; each request pops the next script entry.
package llmtest

import (
	"context"
	"sync"
	"time"

	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/llm"
)

// Response is one scripted reply.
type Response struct {
	// Content is the text the provider returns.
	Content string

	// Err, when set, fails the request instead of returning content.
	Err error

	// Usage defaults to a small non-zero count when left zero.
	Usage llm.TokenUsage
}

// Provider replays scripted responses. Safe for concurrent use, though
// scripts are consumed in a single global order.
type Provider struct {
	ProviderName string

	// ChunkSize splits streamed content into chunks of at most this many
	// bytes. Zero streams the whole content as one chunk.
	ChunkSize int

	mu       sync.Mutex
	script   []Response
	requests []llm.CompletionRequest
}

// New builds a scripted provider.
func New(script ...Response) *Provider {
	return &Provider{ProviderName: "scripted", script: script}
}

// Enqueue appends responses to the script.
func (p *Provider) Enqueue(responses ...Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, responses...)
}

// Requests returns every request the provider has seen, in order.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *Provider) next(req llm.CompletionRequest) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return Response{}, &errors.ProviderError{
			Provider: p.Name(),
			Message:  "script exhausted",
		}
	}
	resp := p.script[0]
	p.script = p.script[1:]
	if resp.Usage == (llm.TokenUsage{}) {
		resp.Usage = llm.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	}
	return resp, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &llm.CompletionResponse{
		Content:      resp.Content,
		FinishReason: llm.FinishReasonStop,
		Usage:        resp.Usage,
		Model:        "scripted-model",
		Created:      time.Now(),
	}, nil
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	chunks := make(chan llm.StreamChunk, 10)
	go func() {
		defer close(chunks)

		content := resp.Content
		size := p.ChunkSize
		if size <= 0 {
			size = len(content)
		}
		for len(content) > 0 {
			n := size
			if n > len(content) {
				n = len(content)
			}
			select {
			case chunks <- llm.StreamChunk{Content: content[:n]}:
			case <-ctx.Done():
				return
			}
			content = content[n:]
		}
		usage := resp.Usage
		chunks <- llm.StreamChunk{FinishReason: llm.FinishReasonStop, Usage: &usage}
	}()
	return chunks, nil
}
