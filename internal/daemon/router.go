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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// router builds the daemon's HTTP API.
func (d *Daemon) router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", d.handleHealth)
	mux.HandleFunc("GET /v1/version", d.handleVersion)

	mux.HandleFunc("POST /v1/servers", d.handleServerCreate)
	mux.HandleFunc("GET /v1/servers", d.handleServerList)
	mux.HandleFunc("GET /v1/servers/{id}", d.handleServerGet)
	mux.HandleFunc("PUT /v1/servers/{id}", d.handleServerUpdate)
	mux.HandleFunc("DELETE /v1/servers/{id}", d.handleServerDelete)
	mux.HandleFunc("POST /v1/servers/{id}/tools/{tool}", d.handleServerCallTool)

	mux.HandleFunc("POST /v1/connections", d.handleConnectionCreate)
	mux.HandleFunc("GET /v1/connections", d.handleConnectionList)
	mux.HandleFunc("GET /v1/connections/{id}", d.handleConnectionGet)
	mux.HandleFunc("PATCH /v1/connections/{id}", d.handleConnectionUpdate)
	mux.HandleFunc("DELETE /v1/connections/{id}", d.handleConnectionDelete)
	mux.HandleFunc("POST /v1/connections/{id}/connect", d.handleConnectionConnect)
	mux.HandleFunc("POST /v1/connections/{id}/disconnect", d.handleConnectionDisconnect)

	mux.HandleFunc("GET /v1/clients/{clientId}/servers", d.handleClientServers)
	mux.HandleFunc("GET /v1/clients/{clientId}/tools", d.handleClientTools)
	mux.HandleFunc("DELETE /v1/clients/{clientId}/connections", d.handleClientDisconnect)

	mux.HandleFunc("POST /v1/threads", d.handleThreadCreate)
	mux.HandleFunc("GET /v1/threads", d.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", d.handleThreadGet)
	mux.HandleFunc("DELETE /v1/threads/{id}", d.handleThreadDelete)
	mux.HandleFunc("POST /v1/threads/{id}/messages", d.handleThreadMessage)

	if d.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": d.opts.Version,
		"commit":  d.opts.Commit,
		"built":   d.opts.BuildDate,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.IsAlreadyExists(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		var verr *errors.ValidationError
		var cerr *errors.ConfigError
		if errors.As(err, &verr) || errors.As(err, &cerr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
