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
	stderrors "errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/maestro-mcp/maestro/internal/log"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/storage"
)

// ToolListOptions controls aggregated tool listings.
type ToolListOptions struct {
	// LazyConnect dials any enabled but disconnected binding before
	// listing, instead of reporting an empty catalog for it.
	LazyConnect bool
}

// CallRequest names one tool invocation routed through a client's bindings.
type CallRequest struct {
	ClientID  string         `json:"clientId"`
	ServerID  string         `json:"serverId"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ConnectionRegistry manages client-server bindings and their live
// connections. Persisted state is the ClientServer record; runtime state
// (the MCP client) lives only in the in-memory connection table.
type ConnectionRegistry struct {
	store   storage.Store[ClientServer]
	servers *ServerRegistry
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewConnectionRegistry builds a registry over the given backend. The rate
// limiter bounds tool-call throughput across all bindings; pass nil to
// disable limiting.
func NewConnectionRegistry(store storage.Store[ClientServer], servers *ServerRegistry, limiter *rate.Limiter, logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	return &ConnectionRegistry{
		store:   store,
		servers: servers,
		limiter: limiter,
		logger:  log.WithComponent(logger, "connection_registry"),
		conns:   make(map[string]*Connection),
	}
}

// Create persists a new binding and returns its runtime wrapper. The
// referenced server must exist.
func (r *ConnectionRegistry) Create(ctx context.Context, cs ClientServer) (*Connection, error) {
	if cs.ClientID == "" {
		return nil, &errors.ValidationError{Field: "clientId", Message: "client id is required"}
	}
	if cs.ServerID == "" {
		return nil, &errors.ValidationError{Field: "serverId", Message: "server id is required"}
	}
	if cs.ID == "" {
		cs.ID = cs.ClientID + "-" + cs.ServerID
	}

	srv, err := r.servers.Get(ctx, cs.ServerID)
	if err != nil {
		return nil, err
	}

	if err := r.store.Insert(ctx, cs); err != nil {
		return nil, err
	}

	conn := NewConnection(cs, srv, r.logger)
	r.mu.Lock()
	r.conns[cs.ID] = conn
	r.mu.Unlock()
	r.logger.Info("binding created",
		log.ConnectionIDKey, cs.ID,
		log.ClientIDKey, cs.ClientID,
		log.ServerIDKey, cs.ServerID)
	return conn, nil
}

// Get returns the runtime wrapper for a binding, hydrating it from storage
// if the process has not touched it yet.
func (r *ConnectionRegistry) Get(ctx context.Context, id string) (*Connection, error) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	r.mu.Unlock()
	if ok {
		return conn, nil
	}

	cs, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	srv, err := r.servers.Get(ctx, cs.ServerID)
	if err != nil {
		return nil, err
	}

	conn = NewConnection(cs, srv, r.logger)
	r.mu.Lock()
	// Another caller may have hydrated concurrently; keep the first one so
	// there is never more than one live client per binding.
	if existing, ok := r.conns[id]; ok {
		conn = existing
	} else {
		r.conns[id] = conn
	}
	r.mu.Unlock()
	return conn, nil
}

// FindMany returns the runtime wrappers for all bindings matching the
// filter.
func (r *ConnectionRegistry) FindMany(ctx context.Context, filter storage.Filter) ([]*Connection, error) {
	records, err := r.store.FindMany(ctx, filter)
	if err != nil {
		return nil, err
	}
	conns := make([]*Connection, 0, len(records))
	for _, cs := range records {
		conn, err := r.Get(ctx, cs.ID)
		if err != nil {
			if errors.IsNotFound(err) {
				// The server definition is gone; keep the listing usable.
				r.logger.Warn("binding references missing server",
					log.ConnectionIDKey, cs.ID,
					log.ServerIDKey, cs.ServerID)
				continue
			}
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// Update replaces a binding's persisted record. A changed config takes
// effect on the next connect; an established connection keeps the config it
// was dialed with.
func (r *ConnectionRegistry) Update(ctx context.Context, cs ClientServer) (*Connection, error) {
	if err := r.store.Update(ctx, cs); err != nil {
		return nil, err
	}

	r.mu.Lock()
	conn, ok := r.conns[cs.ID]
	r.mu.Unlock()
	if !ok {
		return r.Get(ctx, cs.ID)
	}

	conn.mu.Lock()
	conn.ClientServer = cs
	conn.mu.Unlock()
	return conn, nil
}

// Delete disconnects and removes a binding. The live connection is closed
// before the record disappears so no client can outlive its binding.
func (r *ConnectionRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		if err := conn.Disconnect(); err != nil {
			r.logger.Warn("disconnect during delete failed", log.ConnectionIDKey, id, log.Error(err))
		}
	}
	return r.store.Delete(ctx, id)
}

// ServersByClientID returns the server definitions a client is bound to.
// Bindings whose server definition has been removed are skipped with a
// warning rather than failing the whole listing.
func (r *ConnectionRegistry) ServersByClientID(ctx context.Context, clientID string) ([]Server, error) {
	records, err := r.store.FindMany(ctx, storage.Filter{"clientId": clientID})
	if err != nil {
		return nil, err
	}
	servers := make([]Server, 0, len(records))
	for _, cs := range records {
		srv, err := r.servers.Get(ctx, cs.ServerID)
		if err != nil {
			if errors.IsNotFound(err) {
				r.logger.Warn("binding references missing server",
					log.ConnectionIDKey, cs.ID,
					log.ServerIDKey, cs.ServerID)
				continue
			}
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// ToolsByClientID aggregates the tool catalogs of a client's enabled
// bindings. Disconnected bindings contribute nothing unless LazyConnect is
// set, in which case they are dialed first.
func (r *ConnectionRegistry) ToolsByClientID(ctx context.Context, clientID string, opts ToolListOptions) ([]Tool, error) {
	conns, err := r.FindMany(ctx, storage.Filter{"clientId": clientID})
	if err != nil {
		return nil, err
	}

	var tools []Tool
	for _, conn := range conns {
		if !conn.Enabled {
			continue
		}
		if conn.Connected() {
			// A dead transport still reports as connected until its next
			// call fails. Ping catches that before the catalog fetch.
			if err := conn.Ping(ctx); err != nil {
				r.logger.Warn("connection failed liveness check",
					log.ConnectionIDKey, conn.ID,
					log.Error(err))
				_ = conn.Disconnect()
			}
		}
		if opts.LazyConnect && !conn.Connected() {
			if err := conn.Connect(ctx); err != nil {
				r.logger.Warn("lazy connect failed",
					log.ConnectionIDKey, conn.ID,
					log.Error(err))
				continue
			}
		}
		found, err := conn.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		tools = append(tools, found...)
	}
	return tools, nil
}

// ResolveBinding finds the binding joining a client and a server. The
// derived id is tried first; bindings created with an explicit id are found
// through the persisted pair instead.
func (r *ConnectionRegistry) ResolveBinding(ctx context.Context, clientID, serverID string) (*Connection, error) {
	conn, err := r.Get(ctx, clientID+"-"+serverID)
	if err == nil {
		return conn, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	conns, err := r.FindMany(ctx, storage.Filter{"clientId": clientID, "serverId": serverID})
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, &errors.NotFoundError{Resource: "connection", ID: clientID + "-" + serverID}
	}
	return conns[0], nil
}

// CallTool routes a tool invocation to the client's binding for the given
// server. Calls block on the shared rate limiter before dialing out.
func (r *ConnectionRegistry) CallTool(ctx context.Context, req CallRequest) (*ToolResult, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "waiting for rate limiter")
		}
	}

	conn, err := r.ResolveBinding(ctx, req.ClientID, req.ServerID)
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return nil, &errors.ValidationError{
			Field:      "connection",
			Message:    "binding " + conn.ID + " is disabled",
			Suggestion: "enable the binding before calling its tools",
		}
	}
	if !conn.Connected() {
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return conn.CallTool(ctx, req.Name, req.Arguments)
}

// DisconnectClient closes every live connection belonging to a client.
// All bindings are attempted; errors are joined.
func (r *ConnectionRegistry) DisconnectClient(ctx context.Context, clientID string) error {
	conns, err := r.FindMany(ctx, storage.Filter{"clientId": clientID})
	if err != nil {
		return err
	}
	var errs []error
	for _, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Close disconnects every live connection in the table. Used at shutdown.
func (r *ConnectionRegistry) Close() error {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
