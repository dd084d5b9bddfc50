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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/storage"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(storage.NewMemory[Thread]("thread"), nil)
}

func msg(id, text string) Message {
	return Message{ID: id, Role: RoleUser, Parts: []Part{{Type: "text", Text: text}}}
}

func messageIDs(t Thread) []string {
	ids := make([]string, len(t.Messages))
	for i, m := range t.Messages {
		ids[i] = m.ID
	}
	return ids
}

func TestRegistryCreate(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	created, err := r.Create(ctx, Thread{ID: "t1", ClientID: "alice", Name: "chat"})
	require.NoError(t, err)
	assert.Equal(t, "t1", created.ID)

	_, err = r.Create(ctx, Thread{ID: "t1", ClientID: "alice"})
	assert.True(t, errors.IsAlreadyExists(err))

	_, err = r.Create(ctx, Thread{ClientID: "alice"})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)

	_, err = r.Get(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistryAppend(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, err := r.Create(ctx, Thread{ID: "t1", ClientID: "alice"})
	require.NoError(t, err)

	updated, err := r.Append(ctx, "t1", msg("m1", "hello"), msg("m2", "world"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(updated))

	// Appending an existing id replaces in place, preserving order.
	updated, err = r.Append(ctx, "t1", msg("m1", "hello again"), msg("m3", "!"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(updated))
	assert.Equal(t, "hello again", updated.Messages[0].Text())

	_, err = r.Append(ctx, "t1", Message{Role: RoleUser})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = r.Append(ctx, "missing", msg("m1", "x"))
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistryReconcile(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, err := r.Create(ctx, Thread{ID: "t1", ClientID: "alice"})
	require.NoError(t, err)
	_, err = r.Append(ctx, "t1", msg("m1", "question"), msg("m2", "draft"))
	require.NoError(t, err)

	// The reconciled set keeps m1, drops m2, adds m3.
	reconciled := []Message{
		msg("m1", "question"),
		{ID: "m3", Role: RoleAssistant, Parts: []Part{{Type: "text", Text: "answer"}}},
	}
	updated, err := r.Reconcile(ctx, "t1", reconciled)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, messageIDs(updated))

	// Idempotent: the same input leaves the thread unchanged.
	again, err := r.Reconcile(ctx, "t1", reconciled)
	require.NoError(t, err)
	assert.Equal(t, updated, again)

	// The result survives a cache miss (fresh registry, same store).
	fresh, err := r.store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, messageIDs(fresh))

	_, err = r.Reconcile(ctx, "t1", []Message{msg("m1", "a"), msg("m1", "b")})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRegistryDelete(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, err := r.Create(ctx, Thread{ID: "t1", ClientID: "alice"})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "t1"))
	_, err = r.Get(ctx, "t1")
	assert.True(t, errors.IsNotFound(err))
}
