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
	"net/http"

	"github.com/maestro-mcp/maestro/pkg/registry"
	"github.com/maestro-mcp/maestro/pkg/storage"
)

func (d *Daemon) handleServerCreate(w http.ResponseWriter, r *http.Request) {
	var srv registry.Server
	if !decodeBody(w, r, &srv) {
		return
	}

	created, err := d.servers.Create(r.Context(), srv)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (d *Daemon) handleServerList(w http.ResponseWriter, r *http.Request) {
	filter := storage.Filter{}
	if name := r.URL.Query().Get("name"); name != "" {
		filter["name"] = name
	}

	servers, err := d.servers.FindMany(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers, "count": len(servers)})
}

func (d *Daemon) handleServerGet(w http.ResponseWriter, r *http.Request) {
	srv, err := d.servers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (d *Daemon) handleServerUpdate(w http.ResponseWriter, r *http.Request) {
	var srv registry.Server
	if !decodeBody(w, r, &srv) {
		return
	}
	srv.ID = r.PathValue("id")

	updated, err := d.servers.Update(r.Context(), srv)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (d *Daemon) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	if err := d.servers.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CallToolRequest is the request body for one-shot tool invocation.
type CallToolRequest struct {
	Arguments map[string]any    `json:"arguments,omitempty"`
	Config    map[string]string `json:"config,omitempty"`
}

func (d *Daemon) handleServerCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := d.servers.CallTool(r.Context(), r.PathValue("id"), r.PathValue("tool"), req.Arguments, req.Config)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
