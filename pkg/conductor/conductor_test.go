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

package conductor

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/llm/llmtest"
	"github.com/maestro-mcp/maestro/pkg/registry"
	"github.com/maestro-mcp/maestro/pkg/storage"
	"github.com/maestro-mcp/maestro/pkg/thread"
	"github.com/maestro-mcp/maestro/pkg/transport"
)

// fixture wires an in-process ping server, a bound client, a thread, and
// a scripted provider into a conductor.
type fixture struct {
	provider *llmtest.Provider
	threads  *thread.Registry
	cond     *Conductor
}

func newFixture(t *testing.T, schema registry.ConfigSchema, config map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()

	servers := registry.NewServerRegistry(storage.NewMemory[registry.Server]("server"), nil)
	conns := registry.NewConnectionRegistry(storage.NewMemory[registry.ClientServer]("connection"), servers, nil, nil)
	threads := thread.NewRegistry(storage.NewMemory[thread.Thread]("thread"), nil)

	_, err := servers.Create(ctx, registry.Server{
		ID:           "ping",
		Name:         "Ping Server",
		ConfigSchema: schema,
		Transport:    transport.Descriptor{Type: transport.TypeInMemory},
		LocalServer: func(cfg map[string]string) (*server.MCPServer, error) {
			srv := server.NewMCPServer("ping-server", "1.0.0")
			srv.AddTool(mcp.Tool{
				Name:        "ping",
				Description: "Answers PONG.",
				InputSchema: mcp.ToolInputSchema{Type: "object"},
			}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText(`{"answer": "PONG"}`), nil
			})
			return srv, nil
		},
	})
	require.NoError(t, err)

	_, err = conns.Create(ctx, registry.NewClientServer("alice", "ping", config))
	require.NoError(t, err)

	_, err = threads.Create(ctx, thread.Thread{ID: "t1", ClientID: "alice"})
	require.NoError(t, err)

	provider := llmtest.New()
	provider.ChunkSize = 7

	cond, err := New(Config{
		Provider:    provider,
		Connections: conns,
		Threads:     threads,
	})
	require.NoError(t, err)

	return &fixture{provider: provider, threads: threads, cond: cond}
}

// collect drains the event stream into a slice.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func textOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Part != nil && ev.Part.Type == PartText {
			b.WriteString(ev.Part.Text)
		}
	}
	return b.String()
}

func partTypes(events []Event) []PartType {
	var out []PartType
	for _, ev := range events {
		if ev.Part != nil {
			out = append(out, ev.Part.Type)
		}
	}
	return out
}

func terminalErr(events []Event) error {
	for _, ev := range events {
		if ev.Err != nil {
			return ev.Err
		}
	}
	return nil
}

func TestHandleMessageValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.cond.HandleMessage(ctx, Request{ThreadID: "t1", Message: "hi"})
	require.Error(t, err)
	_, err = f.cond.HandleMessage(ctx, Request{ClientID: "alice", Message: "hi"})
	require.Error(t, err)
	_, err = f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "  "})
	require.Error(t, err)
}

func TestHandleMessageNoSteps(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.provider.Enqueue(llmtest.Response{
		Content: `{"messageToUser": "Hello! Nothing to do.", "steps": []}`,
	})

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "hi"})
	require.NoError(t, err)
	got := collect(t, events)

	require.NoError(t, terminalErr(got))
	assert.Equal(t, "Hello! Nothing to do.", textOf(got))
	for _, pt := range partTypes(got) {
		assert.Equal(t, PartText, pt)
	}

	// No steps means no synthesis call: exactly one provider request.
	assert.Len(t, f.provider.Requests(), 1)

	th, err := f.threads.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, thread.RoleUser, th.Messages[0].Role)
	assert.Equal(t, "hi", th.Messages[0].Text())
	assert.Equal(t, thread.RoleAssistant, th.Messages[1].Role)
	assert.Equal(t, "Hello! Nothing to do.", th.Messages[1].Text())
}

func TestHandleMessageWithTool(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.provider.Enqueue(
		llmtest.Response{Content: `{"messageToUser": "Checking.", "steps": [{"agentId": "ping", "task": "check liveness"}]}`},
		llmtest.Response{Content: `{"steps": [{"task": "ping it", "tool": "ping"}]}`},
		llmtest.Response{Content: `{"input": {}}`},
		llmtest.Response{Content: `All good: PONG received.`},
	)

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "are we up?"})
	require.NoError(t, err)
	got := collect(t, events)
	require.NoError(t, terminalErr(got))

	// The ordered part sequence brackets the tool invocation.
	types := partTypes(got)
	wantOrder := []PartType{PartStartStep, PartToolCallStreamingStart, PartToolCall, PartToolResult, PartFinishStep}
	var filtered []PartType
	for _, pt := range types {
		if pt != PartText {
			filtered = append(filtered, pt)
		}
	}
	assert.Equal(t, wantOrder, filtered)

	assert.Equal(t, "Checking.All good: PONG received.", textOf(got))

	// The tool result carries the server's payload.
	for _, ev := range got {
		if ev.Part != nil && ev.Part.Type == PartToolResult {
			assert.Contains(t, string(ev.Part.Result), "PONG")
			assert.Equal(t, "ping", ev.Part.ToolName)
			assert.NotEmpty(t, ev.Part.ToolCallID)
		}
	}

	// Step indices on annotations never decrease, and each planning stage
	// advances the index exactly once.
	last := -1
	maxSeen := 0
	for _, ev := range got {
		if ev.Annotation == nil {
			continue
		}
		require.GreaterOrEqual(t, ev.Annotation.StepIndex, last)
		last = ev.Annotation.StepIndex
		if ev.Annotation.StepIndex > maxSeen {
			maxSeen = ev.Annotation.StepIndex
		}
	}
	assert.Equal(t, 3, maxSeen, "plan-workflow=0, plan-tools=1, plan-input=2, synthesize=3")

	// Usage annotations cover planning and synthesis.
	var planning, assistant int
	for _, ev := range got {
		if ev.Annotation == nil {
			continue
		}
		switch ev.Annotation.Type {
		case AnnotationPlanningUsage:
			planning++
			assert.NotNil(t, ev.Annotation.Usage)
		case AnnotationAssistantUsage:
			assistant++
		}
	}
	assert.Equal(t, 3, planning)
	assert.Equal(t, 1, assistant)

	th, err := f.threads.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "Checking.All good: PONG received.", th.Messages[1].Text())
}

func TestSecretRedaction(t *testing.T) {
	schema := registry.ConfigSchema{
		"apiKey": {Required: true, Format: "secret"},
		"region": {Required: true},
	}
	f := newFixture(t, schema, map[string]string{
		"apiKey": "sk-very-secret",
		"region": "eu-west-1",
	})
	ctx := context.Background()

	f.provider.Enqueue(
		llmtest.Response{Content: `{"messageToUser": "On it.", "steps": [{"agentId": "ping", "task": "check"}]}`},
		llmtest.Response{Content: `{"steps": [{"task": "ping it", "tool": "ping"}]}`},
		llmtest.Response{Content: `{"input": {}}`},
		llmtest.Response{Content: `Done.`},
	)

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "go"})
	require.NoError(t, err)
	require.NoError(t, terminalErr(collect(t, events)))

	// No prompt in any request may carry the secret value; the non-secret
	// config is visible to the tool-sequence planner.
	requests := f.provider.Requests()
	require.Len(t, requests, 4)
	sawRegion := false
	for _, req := range requests {
		for _, msg := range req.Messages {
			assert.NotContains(t, msg.Content, "sk-very-secret")
			if strings.Contains(msg.Content, "eu-west-1") {
				sawRegion = true
			}
		}
	}
	assert.True(t, sawRegion, "non-secret config reaches the tool planner")
}

func TestLlmOutputParseRecovery(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	raw := "Sorry, I cannot produce JSON right now."
	f.provider.Enqueue(llmtest.Response{Content: raw})

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "hi"})
	require.NoError(t, err)
	got := collect(t, events)

	require.NoError(t, terminalErr(got), "misparse degrades, it does not fail")
	assert.Equal(t, raw, textOf(got))

	th, err := f.threads.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, raw, th.Messages[1].Text())
}

func TestNeedsInputPause(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.provider.Enqueue(
		llmtest.Response{Content: `{"messageToUser": "Looking.", "steps": [{"agentId": "ping", "task": "check"}]}`},
		llmtest.Response{Content: `{"steps": [{"task": "ping it", "tool": "ping"}]}`},
		llmtest.Response{Content: `{"input": {}, "collectFromUser": ["token"]}`},
	)

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "go"})
	require.NoError(t, err)
	got := collect(t, events)

	require.NoError(t, terminalErr(got))
	last := got[len(got)-1]
	require.NotNil(t, last.NeedsInput, "needs-input is the terminal event")
	assert.Equal(t, "ping", last.NeedsInput.ServerID)
	assert.Equal(t, "ping", last.NeedsInput.Tool)
	assert.Equal(t, []string{"token"}, last.NeedsInput.Fields)

	// The tool was never invoked.
	for _, ev := range got {
		if ev.Part != nil {
			assert.NotEqual(t, PartToolCall, ev.Part.Type)
			assert.NotEqual(t, PartToolResult, ev.Part.Type)
		}
	}
}

func TestUnknownPlannedTool(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.provider.Enqueue(
		llmtest.Response{Content: `{"messageToUser": "Hm.", "steps": [{"agentId": "ping", "task": "check"}]}`},
		llmtest.Response{Content: `{"steps": [{"task": "use a tool that does not exist", "tool": "teleport"}]}`},
	)

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "go"})
	require.NoError(t, err)
	got := collect(t, events)

	err = terminalErr(got)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestUnknownAgentFailsFast(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.provider.Enqueue(llmtest.Response{
		Content: `{"messageToUser": "Sure.", "steps": [{"agentId": "ghost", "task": "boo"}]}`,
	})

	events, err := f.cond.HandleMessage(ctx, Request{ClientID: "alice", ThreadID: "t1", Message: "go"})
	require.NoError(t, err)
	got := collect(t, events)

	err = terminalErr(got)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
