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

package storage

import (
	"context"
	"sync"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// Compile-time interface assertion.
var _ Store[fakeRecord] = (*Memory[fakeRecord])(nil)

// fakeRecord exists only to anchor the compile-time assertion above.
type fakeRecord struct{}

func (fakeRecord) RecordID() string { return "" }

// Memory is the default in-memory Store implementation. It is safe for
// concurrent use and not durable across process restarts.
type Memory[T Record] struct {
	// resource names the entity kind in errors (e.g. "server").
	resource string

	mu   sync.RWMutex
	recs map[string]T
}

// NewMemory creates an in-memory store. The resource name appears in
// NotFoundError/AlreadyExistsError values.
func NewMemory[T Record](resource string) *Memory[T] {
	return &Memory[T]{
		resource: resource,
		recs:     make(map[string]T),
	}
}

// Insert stores a new record, failing on a duplicate key.
func (m *Memory[T]) Insert(ctx context.Context, rec T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := rec.RecordID()
	if _, exists := m.recs[id]; exists {
		return &errors.AlreadyExistsError{Resource: m.resource, ID: id}
	}
	m.recs[id] = rec
	return nil
}

// Upsert stores a record, overwriting any existing one.
func (m *Memory[T]) Upsert(ctx context.Context, rec T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recs[rec.RecordID()] = rec
	return nil
}

// Update overwrites an existing record, failing if the key is absent.
func (m *Memory[T]) Update(ctx context.Context, rec T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := rec.RecordID()
	if _, exists := m.recs[id]; !exists {
		return &errors.NotFoundError{Resource: m.resource, ID: id}
	}
	m.recs[id] = rec
	return nil
}

// Delete removes a record by key, failing if the key is absent.
func (m *Memory[T]) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.recs[id]; !exists {
		return &errors.NotFoundError{Resource: m.resource, ID: id}
	}
	delete(m.recs, id)
	return nil
}

// Get retrieves a record by key.
func (m *Memory[T]) Get(ctx context.Context, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.recs[id]
	if !exists {
		var zero T
		return zero, &errors.NotFoundError{Resource: m.resource, ID: id}
	}
	return rec, nil
}

// FindMany returns all records matching the filter.
func (m *Memory[T]) FindMany(ctx context.Context, filter Filter) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]T, 0, len(m.recs))
	for _, rec := range m.recs {
		ok, err := Matches(rec, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
