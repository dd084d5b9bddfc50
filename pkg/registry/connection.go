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

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maestro-mcp/maestro/internal/log"
	"github.com/maestro-mcp/maestro/internal/metrics"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/transport"
)

// NotificationHandler receives server-initiated MCP notifications.
type NotificationHandler func(notification mcp.JSONRPCNotification)

// Connection is the runtime state of one ClientServer binding. It owns the
// live MCP client exclusively; the persisted ClientServer record carries no
// connection state.
type Connection struct {
	ClientServer

	server Server
	logger *slog.Logger

	mu       sync.Mutex
	client   *client.Client
	local    *server.MCPServer
	handlers []NotificationHandler
}

// NewConnection wraps a binding and its resolved server definition.
func NewConnection(cs ClientServer, srv Server, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	logger = log.WithConnection(log.WithClient(logger, cs.ClientID), cs.ID, srv.ID)
	return &Connection{
		ClientServer: cs,
		server:       srv,
		logger:       logger,
	}
}

// Server returns the server definition this binding targets.
func (c *Connection) Server() Server { return c.server }

// Connected reports whether a live client is currently attached.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Connect expands the server's transport descriptor with the binding's
// configuration, dials it, and runs the MCP initialize handshake. Connecting
// an already-connected binding is an error; callers that want idempotence
// check Connected first.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return &errors.ValidationError{
			Field:   "connection",
			Message: fmt.Sprintf("connection %s is already connected", c.ID),
		}
	}

	var local *server.MCPServer
	if c.server.Transport.Type == transport.TypeInMemory {
		if c.server.LocalServer == nil {
			return &errors.ConfigError{
				Key:    "transport",
				Reason: fmt.Sprintf("server %s uses the inMemory transport but has no local server factory registered", c.server.ID),
			}
		}
		srv, err := c.server.LocalServer(c.ServerConfig)
		if err != nil {
			return errors.Wrapf(err, "building local server for %s", c.server.ID)
		}
		local = srv
	}

	desc := transport.Expand(c.server.Transport, c.ServerConfig)

	tp, err := transport.New(desc, local)
	if err != nil {
		return err
	}

	cl := client.NewClient(tp)
	if err := cl.Start(ctx); err != nil {
		return errors.Wrapf(err, "starting transport for %s", c.server.ID)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params = mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      clientInfo,
	}
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		_ = cl.Close()
		return errors.Wrapf(err, "initializing %s", c.server.ID)
	}

	cl.OnNotification(func(notification mcp.JSONRPCNotification) {
		c.mu.Lock()
		handlers := make([]NotificationHandler, len(c.handlers))
		copy(handlers, c.handlers)
		c.mu.Unlock()
		for _, h := range handlers {
			h(notification)
		}
	})

	c.client = cl
	c.local = local
	metrics.ConnectionOpened()
	c.logger.Info("connected")
	return nil
}

// Disconnect closes the live client and, for in-process servers, the local
// server instance. Disconnecting an idle connection is a no-op.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.local = nil
	metrics.ConnectionClosed()
	if err != nil {
		return errors.Wrapf(err, "closing connection %s", c.ID)
	}
	c.logger.Info("disconnected")
	return nil
}

// OnNotification registers a handler for server-initiated notifications.
// Handlers registered before Connect survive reconnects.
func (c *Connection) OnNotification(handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Ping checks liveness of the remote end.
func (c *Connection) Ping(ctx context.Context) error {
	cl, err := c.liveClient()
	if err != nil {
		return err
	}
	if err := cl.Ping(ctx); err != nil {
		return errors.Wrapf(err, "pinging %s", c.server.ID)
	}
	return nil
}

// ListTools fetches the tool catalog from the connected server. A
// disconnected binding has an empty catalog rather than an error, so
// aggregated listings degrade gracefully.
func (c *Connection) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil {
		return nil, nil
	}

	result, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errors.Wrapf(err, "listing tools on %s", c.server.ID)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		input, output, err := toolSchemas(t)
		if err != nil {
			return nil, err
		}
		tools = append(tools, Tool{
			ServerID:     c.server.ID,
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  input,
			OutputSchema: output,
			conn:         c,
		})
	}
	return tools, nil
}

// CallTool invokes a named tool on the connected server. Unknown tool names
// are rejected against the live catalog before the call is attempted.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	cl, err := c.liveClient()
	if err != nil {
		return nil, err
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, t := range tools {
		if t.Name == name {
			found = true
			break
		}
	}
	if !found {
		metrics.RecordToolCall(c.server.ID, "not_found", 0)
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}

	req := mcp.CallToolRequest{}
	req.Params = mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	}

	start := time.Now()
	result, err := cl.CallTool(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordToolCall(c.server.ID, "error", elapsed)
		return nil, errors.Wrapf(err, "calling tool %s on %s", name, c.server.ID)
	}

	outcome := "ok"
	if result.IsError {
		outcome = "tool_error"
	}
	metrics.RecordToolCall(c.server.ID, outcome, elapsed)
	c.logger.Debug("tool call completed",
		log.ToolKey, name,
		"duration_ms", elapsed.Milliseconds())

	return toolResultFromMCP(result)
}

func (c *Connection) liveClient() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &errors.ValidationError{
			Field:   "connection",
			Message: fmt.Sprintf("connection %s is not connected", c.ID),
		}
	}
	return c.client, nil
}
