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

// Package registry owns the Server and ClientServer registries: persisted
// tool-server definitions, per-client bindings, and the live MCP
// connections those bindings exclusively own.
package registry

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/transport"
)

// clientInfo identifies this manager in MCP initialize handshakes.
var clientInfo = mcp.Implementation{
	Name:    "maestro",
	Version: "0.1.0",
}

// ConfigField declares one key of a server's configuration schema.
type ConfigField struct {
	// Description explains what the field configures.
	Description string `json:"description,omitempty"`

	// Required marks the field as mandatory for a working binding.
	Required bool `json:"required,omitempty"`

	// Format carries a semantic hint; "secret" marks sensitive values
	// that must never reach a planning prompt.
	Format string `json:"format,omitempty"`
}

// IsSecret reports whether the field holds a sensitive value.
func (f ConfigField) IsSecret() bool {
	return f.Format == "secret"
}

// ConfigSchema declares the configuration keys a server accepts.
type ConfigSchema map[string]ConfigField

// Redact returns a copy of values with every secret-marked key removed.
// Stripping secrets before they reach a model prompt is a hard
// confidentiality invariant, not a formatting preference.
func (s ConfigSchema) Redact(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if field, ok := s[k]; ok && field.IsSecret() {
			continue
		}
		out[k] = v
	}
	return out
}

// LocalServerFactory builds an in-process MCP server for a binding, given
// that binding's configuration values. Only servers using the inMemory
// transport may declare one.
type LocalServerFactory func(config map[string]string) (*server.MCPServer, error)

// Server is a registered tool-server definition. It describes how to reach
// a capability provider; it is not itself a live connection.
type Server struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Version      string               `json:"version,omitempty"`
	Description  string               `json:"description,omitempty"`
	IconURL      string               `json:"iconUrl,omitempty"`
	Tags         []string             `json:"tags,omitempty"`
	ConfigSchema ConfigSchema         `json:"configSchema,omitempty"`
	Transport    transport.Descriptor `json:"transport"`

	// LocalServer is not persisted; it survives only in the registry
	// cache and must be re-registered after a restart.
	LocalServer LocalServerFactory `json:"-"`
}

// RecordID implements storage.Record.
func (s Server) RecordID() string { return s.ID }

// ClientServer binds one client to one server with that client's
// configuration values. The live connection handle lives on Connection,
// not here; this is the persisted shape.
type ClientServer struct {
	ID           string            `json:"id"`
	ClientID     string            `json:"clientId"`
	ServerID     string            `json:"serverId"`
	ServerConfig map[string]string `json:"serverConfig,omitempty"`
	Enabled      bool              `json:"enabled"`
}

// RecordID implements storage.Record.
func (c ClientServer) RecordID() string { return c.ID }

// NewClientServer builds a binding with the derived id and default enabled
// state.
func NewClientServer(clientID, serverID string, config map[string]string) ClientServer {
	return ClientServer{
		ID:           clientID + "-" + serverID,
		ClientID:     clientID,
		ServerID:     serverID,
		ServerConfig: config,
		Enabled:      true,
	}
}

// ContentItem is one piece of tool output.
type ContentItem struct {
	// Type is the content type (text, image, resource).
	Type string `json:"type"`

	// Text is the text content (for type="text").
	Text string `json:"text,omitempty"`

	// Data is base64-encoded binary content (for type="image").
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type for binary content.
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Content []ContentItem `json:"content"`

	// IsError marks a tool-level failure reported by the server.
	IsError bool `json:"isError,omitempty"`
}

// Text concatenates the result's text content.
func (r *ToolResult) Text() string {
	var out string
	for _, item := range r.Content {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}

// Tool is an ephemeral view of a capability discovered on a connected
// server. Tools are regenerated on every listing; they are never persisted.
type Tool struct {
	ServerID     string          `json:"serverId"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`

	// conn is the binding this tool was discovered through.
	conn *Connection
}

// Execute invokes the tool through the binding it was discovered on.
func (t Tool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if t.conn == nil {
		return nil, &errors.ValidationError{
			Field:   "tool",
			Message: "tool is not bound to a connection",
		}
	}
	return t.conn.CallTool(ctx, t.Name, args)
}

// toolResultFromMCP converts an MCP call result into the registry's shape.
func toolResultFromMCP(result *mcp.CallToolResult) (*ToolResult, error) {
	out := &ToolResult{
		IsError: result.IsError,
		Content: make([]ContentItem, len(result.Content)),
	}

	for i, content := range result.Content {
		item := ContentItem{}

		if textContent, ok := mcp.AsTextContent(content); ok {
			item.Type = textContent.Type
			item.Text = textContent.Text
		} else if imageContent, ok := mcp.AsImageContent(content); ok {
			item.Type = imageContent.Type
			item.Data = imageContent.Data
			item.MimeType = imageContent.MIMEType
		} else {
			// Fallback: round-trip through JSON to extract known fields.
			raw, err := json.Marshal(content)
			if err != nil {
				return nil, errors.Wrap(err, "encoding tool content")
			}
			var fields map[string]any
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, errors.Wrap(err, "decoding tool content")
			}
			if v, ok := fields["type"].(string); ok {
				item.Type = v
			}
			if v, ok := fields["text"].(string); ok {
				item.Text = v
			}
			if v, ok := fields["data"].(string); ok {
				item.Data = v
			}
			if v, ok := fields["mimeType"].(string); ok {
				item.MimeType = v
			}
		}

		out.Content[i] = item
	}

	return out, nil
}

// toolSchemas extracts the input and output schemas from an MCP tool
// definition, preferring the raw schema bytes when the server provided them.
func toolSchemas(tool mcp.Tool) (input, output json.RawMessage, err error) {
	raw, err := tool.MarshalJSON()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "encoding tool %s", tool.Name)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, errors.Wrapf(err, "decoding tool %s", tool.Name)
	}

	input = fields["inputSchema"]
	if len(tool.RawInputSchema) > 0 {
		input = tool.RawInputSchema
	}
	output = fields["outputSchema"]
	return input, output, nil
}
