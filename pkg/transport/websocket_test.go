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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts one websocket connection, answers every request with a
// fixed result, and pushes one notification after the first request.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		notified := false
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if len(req.ID) == 0 {
				continue // notification from client, nothing to answer
			}

			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(req.ID),
				"result":  map[string]any{"echo": req.Method},
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}

			if !notified {
				notified = true
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"method":  "notifications/tools/list_changed",
					"params":  map[string]any{},
				})
			}
		}
	}))
}

func TestWebSocketRequestResponse(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, ws.Start(ctx))
	defer ws.Close()

	notifications := make(chan mcp.JSONRPCNotification, 1)
	ws.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		select {
		case notifications <- n:
		default:
		}
	})

	resp, err := ws.SendRequest(ctx, mcptransport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "ping",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "ping", result["echo"])

	select {
	case n := <-notifications:
		assert.Equal(t, "notifications/tools/list_changed", n.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestWebSocketConcurrentRequests(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Start(ctx))
	defer ws.Close()

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(id int64) {
			_, err := ws.SendRequest(ctx, mcptransport.JSONRPCRequest{
				JSONRPC: "2.0",
				ID:      mcp.NewRequestId(id),
				Method:  "ping",
			})
			done <- err
		}(int64(i + 10))
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-done)
	}
}

func TestWebSocketCloseDuringInflightRequests(t *testing.T) {
	// Close racing response delivery must fail blocked senders cleanly,
	// never crash the read loop.
	for i := 0; i < 20; i++ {
		srv := echoServer(t)

		ws := NewWebSocket(srv.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, ws.Start(ctx))

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				// Success or a connection-closed error are both fine here.
				_, _ = ws.SendRequest(ctx, mcptransport.JSONRPCRequest{
					JSONRPC: "2.0",
					ID:      mcp.NewRequestId(id),
					Method:  "ping",
				})
			}(int64(j + 1))
		}
		ws.Close()
		wg.Wait()
		cancel()
		srv.Close()
	}
}

func TestWebSocketCloseIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(srv.URL)
	require.NoError(t, ws.Start(context.Background()))
	require.NoError(t, ws.Close())
	assert.NoError(t, ws.Close())
}

func TestWebSocketSendBeforeStart(t *testing.T) {
	ws := NewWebSocket("ws://127.0.0.1:0")
	_, err := ws.SendRequest(context.Background(), mcptransport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "ping",
	})
	assert.Error(t, err)
}

func TestNormalizeWSURL(t *testing.T) {
	assert.Equal(t, "ws://h/mcp", normalizeWSURL("http://h/mcp"))
	assert.Equal(t, "wss://h/mcp", normalizeWSURL("https://h/mcp"))
	assert.Equal(t, "wss://h/mcp", normalizeWSURL("wss://h/mcp"))
}
