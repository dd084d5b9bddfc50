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

package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-mcp/maestro/internal/config"
	"github.com/maestro-mcp/maestro/pkg/conductor"
	"github.com/maestro-mcp/maestro/pkg/llm/llmtest"
	"github.com/maestro-mcp/maestro/pkg/registry"
	"github.com/maestro-mcp/maestro/pkg/storage"
	"github.com/maestro-mcp/maestro/pkg/thread"
	"github.com/maestro-mcp/maestro/pkg/transport"
)

// newTestDaemon wires a daemon over memory stores with a scripted
// provider, bypassing New so no real provider credentials are needed.
func newTestDaemon(t *testing.T) (*Daemon, *llmtest.Provider) {
	t.Helper()

	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Backend: "memory"}

	servers := registry.NewServerRegistry(storage.NewMemory[registry.Server]("server"), nil)
	conns := registry.NewConnectionRegistry(storage.NewMemory[registry.ClientServer]("connection"), servers, nil, nil)
	threads := thread.NewRegistry(storage.NewMemory[thread.Thread]("thread"), nil)

	provider := llmtest.New()
	cond, err := conductor.New(conductor.Config{
		Provider:    provider,
		Connections: conns,
		Threads:     threads,
	})
	require.NoError(t, err)

	d := &Daemon{
		cfg:     cfg,
		opts:    Options{Version: "test"},
		logger:  slog.New(slog.DiscardHandler),
		servers: servers,
		conns:   conns,
		threads: threads,
		cond:    cond,
	}
	t.Cleanup(func() { _ = conns.Close() })
	return d, provider
}

func registerPingServer(t *testing.T, d *Daemon) {
	t.Helper()
	_, err := d.servers.Create(context.Background(), registry.Server{
		ID:        "ping",
		Name:      "Ping Server",
		Transport: transport.Descriptor{Type: transport.TypeInMemory},
		LocalServer: func(cfg map[string]string) (*server.MCPServer, error) {
			srv := server.NewMCPServer("ping-server", "1.0.0")
			srv.AddTool(mcp.Tool{
				Name:        "ping",
				Description: "Answers PONG.",
				InputSchema: mcp.ToolInputSchema{Type: "object"},
			}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("PONG"), nil
			})
			return srv, nil
		},
	})
	require.NoError(t, err)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	d, _ := newTestDaemon(t)
	mux := d.router()

	rec := doJSON(t, mux, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/v1/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test")
}

func TestServerCRUD(t *testing.T) {
	d, _ := newTestDaemon(t)
	mux := d.router()

	srv := registry.Server{
		ID:        "files",
		Name:      "File Server",
		Transport: transport.Descriptor{Type: transport.TypeStdio, Stdio: &transport.StdioConfig{Command: "files-mcp"}},
	}

	rec := doJSON(t, mux, http.MethodPost, "/v1/servers", srv)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Duplicate create conflicts.
	rec = doJSON(t, mux, http.MethodPost, "/v1/servers", srv)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/v1/servers/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "File Server")

	rec = doJSON(t, mux, http.MethodGet, "/v1/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	srv.Name = "Files v2"
	rec = doJSON(t, mux, http.MethodPut, "/v1/servers/files", srv)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Files v2")

	rec = doJSON(t, mux, http.MethodDelete, "/v1/servers/files", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/v1/servers/files", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerValidationRejected(t *testing.T) {
	d, _ := newTestDaemon(t)
	mux := d.router()

	// In-memory transport without a local server factory.
	rec := doJSON(t, mux, http.MethodPost, "/v1/servers", registry.Server{
		ID:        "bad",
		Name:      "Bad",
		Transport: transport.Descriptor{Type: transport.TypeInMemory},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectionLifecycleOverHTTP(t *testing.T) {
	d, _ := newTestDaemon(t)
	registerPingServer(t, d)
	mux := d.router()

	rec := doJSON(t, mux, http.MethodPost, "/v1/connections", registry.NewClientServer("alice", "ping", nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"connected":false`)

	rec = doJSON(t, mux, http.MethodPost, "/v1/connections/alice-ping/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"connected":true`)

	rec = doJSON(t, mux, http.MethodGet, "/v1/clients/alice/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ping"`)

	rec = doJSON(t, mux, http.MethodPost, "/v1/connections/alice-ping/disconnect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":false`)

	rec = doJSON(t, mux, http.MethodDelete, "/v1/connections/alice-ping", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestThreadMessageStreaming(t *testing.T) {
	d, provider := newTestDaemon(t)
	registerPingServer(t, d)
	mux := d.router()

	rec := doJSON(t, mux, http.MethodPost, "/v1/threads", thread.Thread{ID: "t1", ClientID: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	provider.Enqueue(llmtest.Response{
		Content: `{"messageToUser": "Hello from maestro.", "steps": []}`,
	})

	rec = doJSON(t, mux, http.MethodPost, "/v1/threads/t1/messages", MessageRequest{ClientID: "alice", Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	// Every data line is a JSON event; the stream ends with a done event.
	var sawText, sawDone bool
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			sawDone = true
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if part, ok := ev["part"].(map[string]any); ok && part["type"] == "text" {
			sawText = true
		}
	}
	assert.True(t, sawText)
	assert.True(t, sawDone)

	// The thread was reconciled with the assistant reply.
	rec = doJSON(t, mux, http.MethodGet, "/v1/threads/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Hello from maestro.")
}

func TestThreadMessageUnknownThread(t *testing.T) {
	d, provider := newTestDaemon(t)
	mux := d.router()

	provider.Enqueue(llmtest.Response{Content: `{"messageToUser": "x", "steps": []}`})

	rec := doJSON(t, mux, http.MethodPost, "/v1/threads/nope/messages", MessageRequest{ClientID: "alice", Message: "hi"})
	// The pipeline starts and fails on the stream; the handler reports the
	// error as a stream event, not a status code.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestOpenStoresSQLite(t *testing.T) {
	path := t.TempDir() + "/maestro.db"
	st, db, err := openStores(config.StorageConfig{Backend: "sqlite", Path: path})
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()

	err = st.servers.Insert(context.Background(), registry.Server{
		ID:        "s1",
		Name:      "S1",
		Transport: transport.Descriptor{Type: transport.TypeStdio, Stdio: &transport.StdioConfig{Command: "s1"}},
	})
	require.NoError(t, err)

	got, err := st.servers.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "S1", got.Name)
}

func TestOpenStoresUnknownBackend(t *testing.T) {
	_, _, err := openStores(config.StorageConfig{Backend: "postgres"})
	require.Error(t, err)
}
