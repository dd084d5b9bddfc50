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
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier.
	Multiplier float64

	// Jitter adds randomness to the delay (0.0-1.0).
	Jitter float64

	// Retryable decides whether an error should trigger a retry. Nil uses
	// the provider-error classification (429/5xx retry, 4xx do not).
	Retryable func(error) bool
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// RetryableProvider wraps a provider with retry logic.
type RetryableProvider struct {
	provider Provider
	config   RetryConfig
}

// NewRetryableProvider wraps a provider with retry logic.
func NewRetryableProvider(provider Provider, config RetryConfig) *RetryableProvider {
	if config.Retryable == nil {
		config.Retryable = defaultRetryable
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &RetryableProvider{provider: provider, config: config}
}

// defaultRetryable retries classified provider errors that are transient
// and refuses everything else.
func defaultRetryable(err error) bool {
	if perr, ok := errors.AsProvider(err); ok {
		return perr.Retryable()
	}
	return false
}

// Name returns the wrapped provider's name.
func (r *RetryableProvider) Name() string { return r.provider.Name() }

// Complete executes a completion request, retrying transient failures.
func (r *RetryableProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := r.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.config.Retryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

// Stream executes a streaming request. Only stream establishment is
// retried; once chunks flow, a failure mid-stream surfaces to the consumer
// because a partial stream cannot be replayed.
func (r *RetryableProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		chunks, err := r.provider.Stream(ctx, req)
		if err == nil {
			return chunks, nil
		}
		lastErr = err
		if !r.config.Retryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

// backoff computes the delay for the given attempt (1-based).
func (r *RetryableProvider) backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if max := float64(r.config.MaxDelay); r.config.MaxDelay > 0 && delay > max {
		delay = max
	}
	if r.config.Jitter > 0 {
		delay += delay * r.config.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
