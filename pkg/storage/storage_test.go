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
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-mcp/maestro/pkg/errors"
)

type testRecord struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Enabled  bool   `json:"enabled"`
	Count    int    `json:"count"`
}

func (r testRecord) RecordID() string { return r.ID }

// stores returns one of each backend so every contract test runs against both.
func stores(t *testing.T) map[string]Store[testRecord] {
	t.Helper()

	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlite, err := NewSQLite[testRecord](db, "test_records", "record")
	require.NoError(t, err)

	return map[string]Store[testRecord]{
		"memory": NewMemory[testRecord]("record"),
		"sqlite": sqlite,
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord{ID: "a", ClientID: "c1"}

			require.NoError(t, store.Insert(ctx, rec))
			err := store.Insert(ctx, testRecord{ID: "a", ClientID: "other"})
			assert.True(t, errors.IsAlreadyExists(err))

			// Prior state unchanged.
			got, err := store.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "c1", got.ClientID)
		})
	}
}

func TestUpdateMissingFails(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Update(context.Background(), testRecord{ID: "ghost"})
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestDeleteMissingFails(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Delete(context.Background(), "ghost")
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestUpsertOverwrites(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Upsert(ctx, testRecord{ID: "a", Count: 1}))
			require.NoError(t, store.Upsert(ctx, testRecord{ID: "a", Count: 2}))

			got, err := store.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, 2, got.Count)
		})
	}
}

func TestFindManyPartialEquality(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Insert(ctx, testRecord{ID: "a", ClientID: "c1", Enabled: true}))
			require.NoError(t, store.Insert(ctx, testRecord{ID: "b", ClientID: "c1", Enabled: false}))
			require.NoError(t, store.Insert(ctx, testRecord{ID: "c", ClientID: "c2", Enabled: true}))

			got, err := store.FindMany(ctx, Filter{"clientId": "c1", "enabled": true})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "a", got[0].ID)

			all, err := store.FindMany(ctx, nil)
			require.NoError(t, err)
			ids := make([]string, 0, len(all))
			for _, rec := range all {
				ids = append(ids, rec.ID)
			}
			sort.Strings(ids)
			assert.Equal(t, []string{"a", "b", "c"}, ids)
		})
	}
}

func TestMatchesNormalizesNumbers(t *testing.T) {
	ok, err := Matches(testRecord{ID: "a", Count: 3}, Filter{"count": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(testRecord{ID: "a", Count: 3}, Filter{"count": 4})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Matches(testRecord{ID: "a"}, Filter{"missing": "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}
