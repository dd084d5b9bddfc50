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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/maestro-mcp/maestro/internal/log"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/storage"
	"github.com/maestro-mcp/maestro/pkg/transport"
)

// ServerRegistry manages tool-server definitions. Records are persisted
// through the storage backend and mirrored in an in-memory cache so that
// non-serializable state (the local server factory) survives lookups.
type ServerRegistry struct {
	store  storage.Store[Server]
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]Server
}

// NewServerRegistry builds a registry over the given backend.
func NewServerRegistry(store storage.Store[Server], logger *slog.Logger) *ServerRegistry {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	return &ServerRegistry{
		store:  store,
		logger: log.WithComponent(logger, "server_registry"),
		cache:  make(map[string]Server),
	}
}

// validate checks the structural invariants of a server definition.
func validate(srv Server) error {
	if srv.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "server id is required"}
	}
	if srv.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "server name is required"}
	}
	if err := srv.Transport.Validate(); err != nil {
		return err
	}
	isInMemory := srv.Transport.Type == transport.TypeInMemory
	if isInMemory && srv.LocalServer == nil {
		return &errors.ValidationError{
			Field:      "localServer",
			Message:    "inMemory transport requires a local server factory",
			Suggestion: "set LocalServer when registering an in-process server",
		}
	}
	if !isInMemory && srv.LocalServer != nil {
		return &errors.ValidationError{
			Field:      "localServer",
			Message:    "local server factory is only valid with the inMemory transport",
			Suggestion: "use transport type inMemory or drop the factory",
		}
	}
	return nil
}

// Create registers a new server definition. The id must be unused.
func (r *ServerRegistry) Create(ctx context.Context, srv Server) (Server, error) {
	if err := validate(srv); err != nil {
		return Server{}, err
	}
	if err := r.store.Insert(ctx, srv); err != nil {
		return Server{}, err
	}
	r.mu.Lock()
	r.cache[srv.ID] = srv
	r.mu.Unlock()
	r.logger.Info("server registered", log.ServerIDKey, srv.ID, "transport", srv.Transport.Type)
	return srv, nil
}

// Get returns a server definition by id. The cached copy is preferred
// because it carries the local server factory.
func (r *ServerRegistry) Get(ctx context.Context, id string) (Server, error) {
	r.mu.RLock()
	srv, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return srv, nil
	}

	srv, err := r.store.Get(ctx, id)
	if err != nil {
		return Server{}, err
	}
	r.mu.Lock()
	r.cache[id] = srv
	r.mu.Unlock()
	return srv, nil
}

// FindMany returns server definitions matching the filter, cached copies
// substituted where available.
func (r *ServerRegistry) FindMany(ctx context.Context, filter storage.Filter) ([]Server, error) {
	servers, err := r.store.FindMany(ctx, filter)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, srv := range servers {
		if cached, ok := r.cache[srv.ID]; ok {
			servers[i] = cached
		}
	}
	return servers, nil
}

// Update replaces an existing server definition.
func (r *ServerRegistry) Update(ctx context.Context, srv Server) (Server, error) {
	if err := validate(srv); err != nil {
		return Server{}, err
	}
	if err := r.store.Update(ctx, srv); err != nil {
		return Server{}, err
	}
	r.mu.Lock()
	r.cache[srv.ID] = srv
	r.mu.Unlock()
	return srv, nil
}

// Upsert creates or replaces a server definition.
func (r *ServerRegistry) Upsert(ctx context.Context, srv Server) (Server, error) {
	if err := validate(srv); err != nil {
		return Server{}, err
	}
	if err := r.store.Upsert(ctx, srv); err != nil {
		return Server{}, err
	}
	r.mu.Lock()
	r.cache[srv.ID] = srv
	r.mu.Unlock()
	return srv, nil
}

// Delete removes a server definition. The cache entry goes first so a
// storage failure cannot leave a stale factory behind.
func (r *ServerRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("server removed", log.ServerIDKey, id)
	return nil
}

// CallTool invokes a tool on a registered server without a standing
// binding. A throwaway connection is dialed for the call and always torn
// down, even on failure. The ephemeral client id is derived from the
// config so repeated probes with identical config share a binding id.
func (r *ServerRegistry) CallTool(ctx context.Context, serverID, name string, args map[string]any, config map[string]string) (*ToolResult, error) {
	srv, err := r.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}

	conn := NewConnection(NewClientServer(ephemeralClientID(serverID, config), serverID, config), srv, r.logger)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := conn.Disconnect(); cerr != nil {
			r.logger.Warn("ephemeral disconnect failed", log.ServerIDKey, serverID, log.Error(cerr))
		}
	}()

	return conn.CallTool(ctx, name, args)
}

// ephemeralClientID derives a stable client id for one-shot calls from the
// server id and config values.
func ephemeralClientID(serverID string, config map[string]string) string {
	h := sha256.New()
	h.Write([]byte(serverID))
	if raw, err := json.Marshal(config); err == nil {
		h.Write(raw)
	}
	return "ephemeral-" + hex.EncodeToString(h.Sum(nil))[:16]
}
