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
	"fmt"
	"net/http"

	"github.com/maestro-mcp/maestro/internal/log"
	"github.com/maestro-mcp/maestro/pkg/conductor"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/storage"
	"github.com/maestro-mcp/maestro/pkg/thread"
)

func (d *Daemon) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	var t thread.Thread
	if !decodeBody(w, r, &t) {
		return
	}

	created, err := d.threads.Create(r.Context(), t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (d *Daemon) handleThreadList(w http.ResponseWriter, r *http.Request) {
	filter := storage.Filter{}
	if clientID := r.URL.Query().Get("clientId"); clientID != "" {
		filter["clientId"] = clientID
	}

	threads, err := d.threads.FindMany(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads, "count": len(threads)})
}

func (d *Daemon) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	t, err := d.threads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (d *Daemon) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	if err := d.threads.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MessageRequest is the request body for sending a message to a thread.
type MessageRequest struct {
	ClientID string `json:"clientId"`
	Message  string `json:"message"`
}

// handleThreadMessage runs the conductor pipeline for one message,
// streaming events over SSE.
func (d *Daemon) handleThreadMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	events, err := d.cond.HandleMessage(r.Context(), conductor.Request{
		ClientID: req.ClientID,
		ThreadID: r.PathValue("id"),
		Message:  req.Message,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	for ev := range events {
		data, err := json.Marshal(eventView(ev))
		if err != nil {
			d.logger.Error("marshaling stream event", log.Error(err))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprintf(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

// eventView flattens a conductor event for the wire. Errors are reduced
// to their user-facing message.
func eventView(ev conductor.Event) map[string]any {
	out := map[string]any{}
	if ev.Part != nil {
		out["part"] = ev.Part
	}
	if ev.Annotation != nil {
		out["annotation"] = ev.Annotation
	}
	if ev.NeedsInput != nil {
		out["needsInput"] = ev.NeedsInput
	}
	if ev.Err != nil {
		out["error"] = errors.UserMessage(ev.Err)
	}
	return out
}
