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

// Package errors defines the typed error taxonomy shared across the
// registries, the transport layer, and the conductor pipeline.
package errors

import (
	"fmt"
	"net/http"
)

// NotFoundError reports that a requested entity does not exist.
// Registry lookups fail fast with this type: a missing server, connection,
// tool or thread is a caller configuration bug, not a transient condition.
type NotFoundError struct {
	// Resource is the entity kind (e.g. "server", "connection", "tool", "thread").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// AlreadyExistsError reports a duplicate-key insert.
type AlreadyExistsError struct {
	// Resource is the entity kind.
	Resource string

	// ID is the identifier that already exists.
	ID string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// ValidationError represents caller input validation failures.
type ValidationError struct {
	// Field identifies which input field failed validation.
	Field string

	// Message is the human-readable error description.
	Message string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConfigError represents configuration problems, including an unrecognized
// transport type or a local-server factory declared on the wrong transport.
type ConfigError struct {
	// Key is the configuration key that has the problem.
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ParseSource identifies what produced the text that failed to parse.
type ParseSource string

const (
	// ParseSourceJSON marks malformed JSON from any origin.
	ParseSourceJSON ParseSource = "json"

	// ParseSourceLLMOutput marks model output that parsed as JSON but does
	// not conform to the expected planning schema. This is recoverable: the
	// raw text is forwarded to the user instead of failing the request.
	ParseSourceLLMOutput ParseSource = "llm_output"
)

// ParseError reports output that could not be parsed into its expected shape.
type ParseError struct {
	// Source identifies what produced the unparseable text.
	Source ParseSource

	// Raw is the text that failed to parse. For recoverable failures the
	// conductor streams this verbatim as plain text.
	Raw string

	// Cause is the underlying decode error.
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parse failed: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Recoverable reports whether the caller can degrade gracefully instead of
// failing the surrounding request.
func (e *ParseError) Recoverable() bool {
	return e.Source == ParseSourceLLMOutput
}

// StreamError represents a transport-level streaming failure.
type StreamError struct {
	// Operation describes what was streaming when the failure occurred.
	Operation string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error during %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// ProviderClass buckets an LLM API failure by its HTTP-like status.
type ProviderClass string

const (
	// ProviderClassInvalid indicates a malformed request (HTTP 400).
	ProviderClassInvalid ProviderClass = "invalid"
	// ProviderClassAuth indicates missing or bad credentials (HTTP 401).
	ProviderClassAuth ProviderClass = "auth"
	// ProviderClassPermission indicates the credentials lack access (HTTP 403).
	ProviderClassPermission ProviderClass = "permission"
	// ProviderClassRequestTooLarge indicates the request exceeded size limits (HTTP 413).
	ProviderClassRequestTooLarge ProviderClass = "request_too_large"
	// ProviderClassRateLimited indicates the provider throttled the caller (HTTP 429).
	ProviderClassRateLimited ProviderClass = "rate_limited"
	// ProviderClassOverloaded indicates the provider is temporarily overloaded (HTTP 503/529).
	ProviderClassOverloaded ProviderClass = "overloaded"
	// ProviderClassOther covers everything else.
	ProviderClassOther ProviderClass = "other"
)

// userMessages maps each class to the single human-readable message surfaced
// to the caller. Raw provider payloads and stack traces are never shown.
var userMessages = map[ProviderClass]string{
	ProviderClassInvalid:         "The request to the language model was invalid. Please try again.",
	ProviderClassAuth:            "The language model rejected the configured credentials.",
	ProviderClassPermission:      "The configured credentials are not permitted to use this model.",
	ProviderClassRequestTooLarge: "The request was too large for the language model. Try a shorter message.",
	ProviderClassRateLimited:     "The language model is rate limiting requests. Please retry shortly.",
	ProviderClassOverloaded:      "The language model is temporarily overloaded. Please retry shortly.",
	ProviderClassOther:           "The language model request failed unexpectedly.",
}

// ProviderError represents an LLM provider API failure.
type ProviderError struct {
	// Provider is the provider name (e.g. "anthropic", "openai").
	Provider string

	// StatusCode is the HTTP status returned by the provider, if any.
	StatusCode int

	// Message is the provider-supplied error message.
	Message string

	// RequestID correlates this error with provider logs.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Class buckets the error by its HTTP status.
func (e *ProviderError) Class() ProviderClass {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ProviderClassInvalid
	case http.StatusUnauthorized:
		return ProviderClassAuth
	case http.StatusForbidden:
		return ProviderClassPermission
	case http.StatusRequestEntityTooLarge:
		return ProviderClassRequestTooLarge
	case http.StatusTooManyRequests:
		return ProviderClassRateLimited
	case http.StatusServiceUnavailable, 529:
		return ProviderClassOverloaded
	default:
		return ProviderClassOther
	}
}

// UserMessage returns the single human-readable message shown to the caller
// for this error's class.
func (e *ProviderError) UserMessage() string {
	return userMessages[e.Class()]
}

// Retryable reports whether a retry is worthwhile for this error's class.
func (e *ProviderError) Retryable() bool {
	switch e.Class() {
	case ProviderClassRateLimited, ProviderClassOverloaded:
		return true
	default:
		return false
	}
}
