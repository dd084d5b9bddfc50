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

// Package transport builds MCP client transports from persisted transport
// descriptors. The descriptor is a closed tagged union over the five wire
// protocols a tool server can speak; dispatch is an exhaustive switch so a
// new variant fails to compile until every consumer handles it.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// Type discriminates the transport variants.
type Type string

const (
	// TypeStdio spawns a subprocess speaking MCP over stdin/stdout.
	TypeStdio Type = "stdio"
	// TypeSSE connects to a Server-Sent-Events MCP endpoint.
	TypeSSE Type = "sse"
	// TypeWebSocket connects to a WebSocket MCP endpoint.
	TypeWebSocket Type = "websocket"
	// TypeStreamableHTTP connects to a streamable-HTTP MCP endpoint.
	TypeStreamableHTTP Type = "streamableHttp"
	// TypeInMemory links an in-process client/server pair. Requires the
	// owning server to declare a local-server factory.
	TypeInMemory Type = "inMemory"
)

// StdioConfig configures a subprocess transport.
type StdioConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// SSEConfig configures a Server-Sent-Events transport.
type SSEConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	URL string `json:"url"`
}

// StreamableHTTPConfig configures a streamable-HTTP transport.
type StreamableHTTPConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Descriptor is the persisted transport description on a Server entity.
// Exactly one variant field matching Type is set.
type Descriptor struct {
	Type           Type
	Stdio          *StdioConfig
	SSE            *SSEConfig
	WebSocket      *WebSocketConfig
	StreamableHTTP *StreamableHTTPConfig
}

// envelope is the wire shape: {"type": ..., "config": {...}}.
type envelope struct {
	Type   Type            `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the descriptor as a {type, config} envelope.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	env := envelope{Type: d.Type}

	var cfg any
	switch d.Type {
	case TypeStdio:
		cfg = d.Stdio
	case TypeSSE:
		cfg = d.SSE
	case TypeWebSocket:
		cfg = d.WebSocket
	case TypeStreamableHTTP:
		cfg = d.StreamableHTTP
	case TypeInMemory:
		cfg = struct{}{}
	default:
		return nil, &errors.ConfigError{
			Key:    "transport.type",
			Reason: fmt.Sprintf("unrecognized transport type %q", d.Type),
		}
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	env.Config = raw
	return json.Marshal(env)
}

// UnmarshalJSON decodes a {type, config} envelope into the matching variant.
// An unrecognized type is a fatal configuration error, reported here rather
// than deferred to connect time.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*d = Descriptor{Type: env.Type}
	cfg := env.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}

	switch env.Type {
	case TypeStdio:
		d.Stdio = &StdioConfig{}
		return json.Unmarshal(cfg, d.Stdio)
	case TypeSSE:
		d.SSE = &SSEConfig{}
		return json.Unmarshal(cfg, d.SSE)
	case TypeWebSocket:
		d.WebSocket = &WebSocketConfig{}
		return json.Unmarshal(cfg, d.WebSocket)
	case TypeStreamableHTTP:
		d.StreamableHTTP = &StreamableHTTPConfig{}
		return json.Unmarshal(cfg, d.StreamableHTTP)
	case TypeInMemory:
		return nil
	default:
		return &errors.ConfigError{
			Key:    "transport.type",
			Reason: fmt.Sprintf("unrecognized transport type %q", env.Type),
		}
	}
}

// Validate checks that the variant field matching Type is populated.
func (d Descriptor) Validate() error {
	missing := func(field string) error {
		return &errors.ConfigError{
			Key:    "transport." + field,
			Reason: fmt.Sprintf("%s transport requires a %s config", d.Type, field),
		}
	}

	switch d.Type {
	case TypeStdio:
		if d.Stdio == nil || d.Stdio.Command == "" {
			return missing("stdio")
		}
	case TypeSSE:
		if d.SSE == nil || d.SSE.URL == "" {
			return missing("sse")
		}
	case TypeWebSocket:
		if d.WebSocket == nil || d.WebSocket.URL == "" {
			return missing("websocket")
		}
	case TypeStreamableHTTP:
		if d.StreamableHTTP == nil || d.StreamableHTTP.URL == "" {
			return missing("streamableHttp")
		}
	case TypeInMemory:
		// No config; the local-server factory requirement is enforced by
		// the server registry at create time.
	default:
		return &errors.ConfigError{
			Key:    "transport.type",
			Reason: fmt.Sprintf("unrecognized transport type %q", d.Type),
		}
	}
	return nil
}
