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

package transport

import (
	"context"
	"fmt"
	"os/exec"
	"sort"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// New builds the client-side transport for the descriptor. For the inMemory
// variant, local is the co-located MCP server the transport links to; the
// server side is bound at construction, before the client connects, so the
// handshake always finds a listener attached.
func New(desc Descriptor, local *server.MCPServer) (transport.Interface, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	switch desc.Type {
	case TypeStdio:
		cfg := desc.Stdio
		if cfg.Cwd == "" {
			return transport.NewStdio(cfg.Command, envList(cfg.Env), cfg.Args...), nil
		}
		return transport.NewStdioWithOptions(
			cfg.Command,
			envList(cfg.Env),
			cfg.Args,
			transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(ctx, command, args...)
				cmd.Env = env
				cmd.Dir = cfg.Cwd
				return cmd, nil
			}),
		), nil

	case TypeSSE:
		cfg := desc.SSE
		opts := []transport.ClientOption{}
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		t, err := transport.NewSSE(cfg.URL, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "creating sse transport")
		}
		return t, nil

	case TypeWebSocket:
		return NewWebSocket(desc.WebSocket.URL), nil

	case TypeStreamableHTTP:
		cfg := desc.StreamableHTTP
		opts := []transport.StreamableHTTPCOption{}
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		t, err := transport.NewStreamableHTTP(cfg.URL, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "creating streamable-http transport")
		}
		return t, nil

	case TypeInMemory:
		if local == nil {
			return nil, &errors.ConfigError{
				Key:    "transport.inMemory",
				Reason: "inMemory transport requires a local server instance",
			}
		}
		return transport.NewInProcessTransport(local), nil

	default:
		return nil, &errors.ConfigError{
			Key:    "transport.type",
			Reason: fmt.Sprintf("unrecognized transport type %q", desc.Type),
		}
	}
}

// envList flattens an env map into the KEY=VALUE slice subprocesses expect,
// sorted for determinism.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
