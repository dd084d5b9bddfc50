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

// connectionView is the wire shape of a binding plus its live state.
type connectionView struct {
	registry.ClientServer
	Connected bool `json:"connected"`
}

func viewOf(conn *registry.Connection) connectionView {
	return connectionView{ClientServer: conn.ClientServer, Connected: conn.Connected()}
}

func (d *Daemon) handleConnectionCreate(w http.ResponseWriter, r *http.Request) {
	var cs registry.ClientServer
	if !decodeBody(w, r, &cs) {
		return
	}

	conn, err := d.conns.Create(r.Context(), cs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(conn))
}

func (d *Daemon) handleConnectionList(w http.ResponseWriter, r *http.Request) {
	filter := storage.Filter{}
	if clientID := r.URL.Query().Get("clientId"); clientID != "" {
		filter["clientId"] = clientID
	}
	if serverID := r.URL.Query().Get("serverId"); serverID != "" {
		filter["serverId"] = serverID
	}

	conns, err := d.conns.FindMany(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewOf(conn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views, "count": len(views)})
}

func (d *Daemon) handleConnectionGet(w http.ResponseWriter, r *http.Request) {
	conn, err := d.conns.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conn))
}

func (d *Daemon) handleConnectionUpdate(w http.ResponseWriter, r *http.Request) {
	var cs registry.ClientServer
	if !decodeBody(w, r, &cs) {
		return
	}
	cs.ID = r.PathValue("id")

	conn, err := d.conns.Update(r.Context(), cs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conn))
}

func (d *Daemon) handleConnectionDelete(w http.ResponseWriter, r *http.Request) {
	if err := d.conns.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleConnectionConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := d.conns.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := conn.Connect(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conn))
}

func (d *Daemon) handleConnectionDisconnect(w http.ResponseWriter, r *http.Request) {
	conn, err := d.conns.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := conn.Disconnect(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conn))
}

func (d *Daemon) handleClientServers(w http.ResponseWriter, r *http.Request) {
	servers, err := d.conns.ServersByClientID(r.Context(), r.PathValue("clientId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers, "count": len(servers)})
}

// toolView flattens a registry tool for listing.
type toolView struct {
	ServerID    string `json:"serverId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (d *Daemon) handleClientTools(w http.ResponseWriter, r *http.Request) {
	lazy := r.URL.Query().Get("lazyConnect") == "true"

	tools, err := d.conns.ToolsByClientID(r.Context(), r.PathValue("clientId"), registry.ToolListOptions{LazyConnect: lazy})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]toolView, 0, len(tools))
	for _, tool := range tools {
		views = append(views, toolView{ServerID: tool.ServerID, Name: tool.Name, Description: tool.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": views, "count": len(views)})
}

func (d *Daemon) handleClientDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := d.conns.DisconnectClient(r.Context(), r.PathValue("clientId")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
