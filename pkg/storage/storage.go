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

// Package storage defines the keyed-record persistence contract backing the
// registries. The registries are storage-agnostic: any implementation of
// Store can be plugged in. The contract is deliberately minimal — no
// relational joins, no transactions across records — so that alternate
// durable backends stay easy to write.
package storage

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

// Record is implemented by every entity a Store can hold.
type Record interface {
	// RecordID returns the primary key. It must be stable and unique
	// within one store.
	RecordID() string
}

// Filter selects records by partial equality on the entity's own JSON
// fields. A nil or empty filter matches everything. Values are compared
// after JSON normalization, so numeric kinds and nested structures compare
// by shape rather than by Go type.
type Filter map[string]any

// Store is the keyed-record CRUD contract.
type Store[T Record] interface {
	// Insert stores a new record. Fails with AlreadyExistsError if the
	// primary key is taken.
	Insert(ctx context.Context, rec T) error

	// Upsert stores a record, overwriting any existing record with the
	// same primary key.
	Upsert(ctx context.Context, rec T) error

	// Update overwrites an existing record. Fails with NotFoundError if
	// the primary key is absent.
	Update(ctx context.Context, rec T) error

	// Delete removes a record by key. Fails with NotFoundError if the
	// primary key is absent.
	Delete(ctx context.Context, id string) error

	// Get retrieves a record by key. Fails with NotFoundError on miss.
	Get(ctx context.Context, id string) (T, error)

	// FindMany returns all records matching the filter.
	FindMany(ctx context.Context, filter Filter) ([]T, error)
}

// Matches reports whether rec satisfies the filter. Comparison happens on
// the record's JSON representation.
func Matches(rec any, filter Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "encoding record for filter match")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, errors.Wrap(err, "decoding record for filter match")
	}

	for key, want := range filter {
		got, ok := fields[key]
		if !ok {
			return false, nil
		}
		normalized, err := normalize(want)
		if err != nil {
			return false, err
		}
		if !reflect.DeepEqual(got, normalized) {
			return false, nil
		}
	}
	return true, nil
}

// normalize round-trips a filter value through JSON so it compares cleanly
// against unmarshaled record fields.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding filter value")
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decoding filter value")
	}
	return out, nil
}
