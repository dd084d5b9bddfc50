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
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// Compile-time interface assertion.
var _ transport.Interface = (*WebSocket)(nil)

// WebSocket is an MCP client transport over a WebSocket connection. The
// upstream client library ships stdio, SSE, streamable-HTTP and in-process
// transports; this fills the remaining protocol variant.
type WebSocket struct {
	url string

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *transport.JSONRPCResponse

	handlerMu sync.RWMutex
	handler   func(notification mcp.JSONRPCNotification)

	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket creates a WebSocket transport for the given URL. http(s)
// schemes are rewritten to ws(s); nothing connects until Start.
func NewWebSocket(rawURL string) *WebSocket {
	return &WebSocket{
		url:     normalizeWSURL(rawURL),
		pending: make(map[string]chan *transport.JSONRPCResponse),
		done:    make(chan struct{}),
	}
}

func normalizeWSURL(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	default:
		return rawURL
	}
}

// Start dials the endpoint and begins the read loop.
func (w *WebSocket) Start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return &errors.StreamError{Operation: "websocket dial", Cause: err}
	}
	w.conn = conn

	go w.readLoop()
	return nil
}

// SendRequest sends a JSON-RPC request and waits for the matching response.
func (w *WebSocket) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if w.conn == nil {
		return nil, &errors.StreamError{Operation: "websocket send", Cause: fmt.Errorf("transport not started")}
	}

	key, err := json.Marshal(request.ID)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request id")
	}

	ch := make(chan *transport.JSONRPCResponse, 1)
	w.pendingMu.Lock()
	w.pending[string(key)] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, string(key))
		w.pendingMu.Unlock()
	}()

	if err := w.writeJSON(request); err != nil {
		return nil, &errors.StreamError{Operation: "websocket send", Cause: err}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &errors.StreamError{Operation: "websocket receive", Cause: fmt.Errorf("connection closed")}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, &errors.StreamError{Operation: "websocket receive", Cause: fmt.Errorf("connection closed")}
	}
}

// SendNotification sends a JSON-RPC notification (no response expected).
func (w *WebSocket) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	if w.conn == nil {
		return &errors.StreamError{Operation: "websocket send", Cause: fmt.Errorf("transport not started")}
	}
	if err := w.writeJSON(notification); err != nil {
		return &errors.StreamError{Operation: "websocket send", Cause: err}
	}
	return nil
}

// SetNotificationHandler registers the handler for server-initiated
// notifications.
func (w *WebSocket) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handler = handler
}

// Close tears down the connection. Safe to call more than once.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.conn != nil {
			err = w.conn.Close()
		}
		w.failPending()
	})
	return err
}

// GetSessionId returns the session identifier. WebSocket connections carry
// no session id.
func (w *WebSocket) GetSessionId() string {
	return ""
}

func (w *WebSocket) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// readLoop routes incoming frames: messages with an id are responses to
// pending requests, messages with only a method are notifications.
func (w *WebSocket) readLoop() {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.Close()
			return
		}

		var probe struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		if len(probe.ID) == 0 || string(probe.ID) == "null" {
			if probe.Method == "" {
				continue
			}
			var notification mcp.JSONRPCNotification
			if err := json.Unmarshal(data, &notification); err != nil {
				continue
			}
			w.handlerMu.RLock()
			handler := w.handler
			w.handlerMu.RUnlock()
			if handler != nil {
				handler(notification)
			}
			continue
		}

		var resp transport.JSONRPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		// Deliver under pendingMu so Close cannot close the channel between
		// the lookup and the send. The channel is buffered, so holding the
		// lock across the send never blocks.
		w.pendingMu.Lock()
		if ch, ok := w.pending[string(probe.ID)]; ok {
			delete(w.pending, string(probe.ID))
			ch <- &resp
		}
		w.pendingMu.Unlock()
	}
}

// failPending closes every in-flight request channel so blocked senders
// return a stream error instead of hanging.
func (w *WebSocket) failPending() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for key, ch := range w.pending {
		close(ch)
		delete(w.pending, key)
	}
}
