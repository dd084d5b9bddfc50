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

package thread

import (
	"context"
	"log/slog"
	"sync"

	"github.com/maestro-mcp/maestro/internal/log"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/storage"
)

// Registry manages conversation threads with a write-through cache over
// the storage backend. Message mutation is serialized per registry so two
// appends cannot interleave partial message lists.
type Registry struct {
	store  storage.Store[Thread]
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]Thread
}

// NewRegistry builds a thread registry over the given backend.
func NewRegistry(store storage.Store[Thread], logger *slog.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	return &Registry{
		store:  store,
		logger: log.WithComponent(logger, "thread_registry"),
		cache:  make(map[string]Thread),
	}
}

// Create persists a new thread. The id must be unused.
func (r *Registry) Create(ctx context.Context, t Thread) (Thread, error) {
	if t.ID == "" {
		return Thread{}, &errors.ValidationError{Field: "id", Message: "thread id is required"}
	}
	if t.ClientID == "" {
		return Thread{}, &errors.ValidationError{Field: "clientId", Message: "client id is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Insert(ctx, t); err != nil {
		return Thread{}, err
	}
	r.cache[t.ID] = t
	r.logger.Info("thread created", log.ThreadIDKey, t.ID, log.ClientIDKey, t.ClientID)
	return t, nil
}

// Get returns a thread by id.
func (r *Registry) Get(ctx context.Context, id string) (Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ctx, id)
}

// get assumes r.mu is held.
func (r *Registry) get(ctx context.Context, id string) (Thread, error) {
	if t, ok := r.cache[id]; ok {
		return t, nil
	}
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	r.cache[id] = t
	return t, nil
}

// FindMany returns threads matching the filter.
func (r *Registry) FindMany(ctx context.Context, filter storage.Filter) ([]Thread, error) {
	return r.store.FindMany(ctx, filter)
}

// Delete removes a thread and its history.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
	return r.store.Delete(ctx, id)
}

// Append adds messages to a thread's history. A message whose id already
// exists replaces the existing entry in place; new ids are appended in
// argument order.
func (r *Registry) Append(ctx context.Context, threadID string, messages ...Message) (Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.get(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}

	for _, msg := range messages {
		if msg.ID == "" {
			return Thread{}, &errors.ValidationError{Field: "message.id", Message: "message id is required"}
		}
		replaced := false
		for i, existing := range t.Messages {
			if existing.ID == msg.ID {
				t.Messages[i] = msg
				replaced = true
				break
			}
		}
		if !replaced {
			t.Messages = append(t.Messages, msg)
		}
	}

	return r.put(ctx, t)
}

// Reconcile replaces a thread's history with the reconciled message set:
// existing messages whose id is absent from the set are deleted, all
// members of the set are upserted, and the set's order becomes the thread
// order. Running Reconcile twice with the same input is a no-op the second
// time.
func (r *Registry) Reconcile(ctx context.Context, threadID string, messages []Message) (Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.get(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}

	seen := make(map[string]struct{}, len(messages))
	reconciled := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			return Thread{}, &errors.ValidationError{Field: "message.id", Message: "message id is required"}
		}
		if _, dup := seen[msg.ID]; dup {
			return Thread{}, &errors.ValidationError{
				Field:   "message.id",
				Message: "duplicate message id " + msg.ID + " in reconciled set",
			}
		}
		seen[msg.ID] = struct{}{}
		reconciled = append(reconciled, msg)
	}

	dropped := 0
	for _, existing := range t.Messages {
		if _, ok := seen[existing.ID]; !ok {
			dropped++
		}
	}
	if dropped > 0 {
		r.logger.Debug("reconcile dropped messages", log.ThreadIDKey, threadID, "count", dropped)
	}

	t.Messages = reconciled
	return r.put(ctx, t)
}

// put writes the thread to storage and then the cache. Assumes r.mu held.
func (r *Registry) put(ctx context.Context, t Thread) (Thread, error) {
	if err := r.store.Update(ctx, t); err != nil {
		return Thread{}, err
	}
	r.cache[t.ID] = t
	return t, nil
}
