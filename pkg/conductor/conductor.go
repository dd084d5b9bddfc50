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

// Package conductor runs the agentic orchestration pipeline: plan a
// workflow over the client's servers, plan and execute tool sequences per
// step, and synthesize the final answer, streaming typed parts and
// annotations to the caller throughout.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestro-mcp/maestro/internal/jq"
	"github.com/maestro-mcp/maestro/internal/log"
	"github.com/maestro-mcp/maestro/pkg/errors"
	"github.com/maestro-mcp/maestro/pkg/llm"
	"github.com/maestro-mcp/maestro/pkg/registry"
	"github.com/maestro-mcp/maestro/pkg/thread"
)

// DefaultHistoryLimit bounds how many prior messages planning sees.
const DefaultHistoryLimit = 20

// Config assembles a Conductor.
type Config struct {
	// Provider handles all planning and synthesis calls.
	Provider llm.Provider

	// Connections resolves the client's bindings and executes tools.
	Connections *registry.ConnectionRegistry

	// Threads stores conversation history.
	Threads *thread.Registry

	// SummarizeThreshold is the tool-result size in bytes above which
	// results are summarized. Zero selects the default.
	SummarizeThreshold int

	// HistoryLimit bounds the history given to planning calls. Zero
	// selects the default.
	HistoryLimit int

	// JQ evaluates summarization paths. Nil builds a default executor.
	JQ *jq.Executor

	Logger *slog.Logger
}

// Conductor orchestrates one message at a time per invocation; concurrent
// invocations share nothing beyond the registries' caches.
type Conductor struct {
	provider           llm.Provider
	conns              *registry.ConnectionRegistry
	threads            *thread.Registry
	jq                 *jq.Executor
	logger             *slog.Logger
	tracer             trace.Tracer
	summarizeThreshold int
	historyLimit       int
}

// New builds a Conductor.
func New(cfg Config) (*Conductor, error) {
	if cfg.Provider == nil {
		return nil, &errors.ValidationError{Field: "provider", Message: "a language-model provider is required"}
	}
	if cfg.Connections == nil {
		return nil, &errors.ValidationError{Field: "connections", Message: "a connection registry is required"}
	}
	if cfg.Threads == nil {
		return nil, &errors.ValidationError{Field: "threads", Message: "a thread registry is required"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	executor := cfg.JQ
	if executor == nil {
		executor = jq.NewExecutor(0, 0)
	}
	threshold := cfg.SummarizeThreshold
	if threshold <= 0 {
		threshold = DefaultSummarizeThreshold
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &Conductor{
		provider:           cfg.Provider,
		conns:              cfg.Connections,
		threads:            cfg.Threads,
		jq:                 executor,
		logger:             log.WithComponent(logger, "conductor"),
		tracer:             otel.Tracer("maestro/conductor"),
		summarizeThreshold: threshold,
		historyLimit:       historyLimit,
	}, nil
}

// Request is one inbound user message.
type Request struct {
	ClientID string
	ThreadID string
	Message  string
}

// HandleMessage runs the pipeline for one message. Events are delivered
// on the returned channel, which closes when the pipeline finishes; an
// Err or NeedsInput event is the last one delivered. The caller must
// drain the channel.
func (c *Conductor) HandleMessage(ctx context.Context, req Request) (<-chan Event, error) {
	if req.ClientID == "" {
		return nil, &errors.ValidationError{Field: "clientId", Message: "client id is required"}
	}
	if req.ThreadID == "" {
		return nil, &errors.ValidationError{Field: "threadId", Message: "thread id is required"}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, &errors.ValidationError{Field: "message", Message: "message is required"}
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c.run(ctx, req, events)
	}()
	return events, nil
}

// run executes the pipeline, emitting onto events. All terminal outcomes
// (success, classified error, needs-input pause) flow through the channel.
func (c *Conductor) run(ctx context.Context, req Request, events chan<- Event) {
	ctx, span := c.tracer.Start(ctx, "conductor.handle_message",
		trace.WithAttributes(
			attribute.String("client.id", req.ClientID),
			attribute.String("thread.id", req.ThreadID),
		))
	defer span.End()

	logger := log.WithClient(c.logger, req.ClientID).With(log.ThreadIDKey, req.ThreadID)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		span.RecordError(err)
		logger.Error("message handling failed", log.Error(err))
		emit(Event{Err: err})
	}

	// Load bounded history and record the inbound message.
	th, err := c.threads.Get(ctx, req.ThreadID)
	if err != nil {
		fail(err)
		return
	}
	history := boundedHistory(th.Messages, c.historyLimit)
	userMsg := thread.NewTextMessage(thread.RoleUser, req.Message)
	if _, err := c.threads.Append(ctx, req.ThreadID, userMsg); err != nil {
		fail(err)
		return
	}

	servers, err := c.conns.ServersByClientID(ctx, req.ClientID)
	if err != nil {
		fail(err)
		return
	}

	stepIndex := 0
	var assistant strings.Builder
	var toolContext strings.Builder

	// Stage 1: workflow planning.
	planStart := time.Now()
	if !emit(Event{Annotation: &Annotation{Type: AnnotationReasoningStart, StepIndex: stepIndex, Name: "plan-workflow"}}) {
		return
	}
	plan, usage, err := c.planWorkflow(ctx, req.Message, history, servers, func(ev Event) bool {
		if ev.Part != nil && ev.Part.Type == PartText {
			assistant.WriteString(ev.Part.Text)
		}
		return emit(ev)
	})
	emit(Event{Annotation: &Annotation{
		Type: AnnotationReasoningFinish, StepIndex: stepIndex,
		Name: "plan-workflow", Duration: time.Since(planStart),
	}})
	if usage != nil {
		emit(Event{Annotation: &Annotation{
			Type: AnnotationPlanningUsage, StepIndex: stepIndex,
			Usage: usage, Provider: c.provider.Name(),
		}})
	}
	if err != nil {
		if c.recoverParse(err, &assistant, emit) {
			c.finishThread(ctx, req, assistant.String(), logger)
			return
		}
		fail(err)
		return
	}

	// Stage 2: execute the planned steps strictly in order.
	for _, step := range plan.Steps {
		if !emit(Event{Part: &Part{Type: PartStartStep, ServerID: step.AgentID, Task: step.Task}}) {
			return
		}
		paused, err := c.runStep(ctx, req, step, &stepIndex, &toolContext, emit, logger)
		if err != nil {
			fail(err)
			return
		}
		if paused {
			c.finishThread(ctx, req, assistant.String(), logger)
			return
		}
		if !emit(Event{Part: &Part{Type: PartFinishStep, ServerID: step.AgentID, Task: step.Task}}) {
			return
		}
	}

	// Stage 3: synthesis, only when tools actually ran.
	if len(plan.Steps) > 0 {
		stepIndex++
		if err := c.synthesize(ctx, stepIndex, req.Message, history, toolContext.String(), &assistant, emit); err != nil {
			fail(err)
			return
		}
	}

	c.finishThread(ctx, req, assistant.String(), logger)
}

// runStep plans and executes the tool sequence for one workflow step. It
// returns paused=true when tool-input planning needs user-supplied fields.
func (c *Conductor) runStep(ctx context.Context, req Request, step workflowStep, stepIndex *int, toolContext *strings.Builder, emit emitFunc, logger *slog.Logger) (paused bool, err error) {
	ctx, span := c.tracer.Start(ctx, "conductor.step",
		trace.WithAttributes(attribute.String("server.id", step.AgentID)))
	defer span.End()

	conn, err := c.conns.ResolveBinding(ctx, req.ClientID, step.AgentID)
	if err != nil {
		return false, err
	}
	if !conn.Connected() {
		if err := conn.Connect(ctx); err != nil {
			return false, err
		}
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return false, err
	}
	redacted := conn.Server().ConfigSchema.Redact(conn.ServerConfig)

	// Tool-sequence planning is its own stage.
	*stepIndex++
	start := time.Now()
	if !emit(Event{Annotation: &Annotation{Type: AnnotationReasoningStart, StepIndex: *stepIndex, Name: "plan-tools", ServerID: step.AgentID}}) {
		return false, ctx.Err()
	}
	seq, usage, err := c.planToolSequence(ctx, step.Task, tools, redacted)
	emit(Event{Annotation: &Annotation{
		Type: AnnotationReasoningFinish, StepIndex: *stepIndex,
		Name: "plan-tools", ServerID: step.AgentID, Duration: time.Since(start),
	}})
	if usage != nil {
		emit(Event{Annotation: &Annotation{
			Type: AnnotationPlanningUsage, StepIndex: *stepIndex,
			Usage: usage, Provider: c.provider.Name(),
		}})
	}
	if err != nil {
		if perr, ok := errors.AsParse(err); ok && perr.Recoverable() {
			// Degrade to the raw text; the step contributes no tools.
			logger.Warn("tool sequence unparseable, forwarding raw text", log.ServerIDKey, step.AgentID)
			emit(Event{Part: &Part{Type: PartText, Text: perr.Raw}})
			return false, nil
		}
		return false, err
	}

	for _, ts := range seq.Steps {
		tool, ok := findTool(tools, ts.Tool)
		if !ok {
			return false, &errors.NotFoundError{Resource: "tool", ID: ts.Tool}
		}

		paused, err := c.runTool(ctx, step, ts, tool, conn, stepIndex, toolContext, emit, logger)
		if err != nil || paused {
			return paused, err
		}
	}
	return false, nil
}

// runTool plans the structured input for one tool call, executes it, and
// streams the (possibly summarized) result.
func (c *Conductor) runTool(ctx context.Context, step workflowStep, ts toolStep, tool registry.Tool, conn *registry.Connection, stepIndex *int, toolContext *strings.Builder, emit emitFunc, logger *slog.Logger) (paused bool, err error) {
	// Input planning is its own stage.
	*stepIndex++
	start := time.Now()
	if !emit(Event{Annotation: &Annotation{Type: AnnotationReasoningStart, StepIndex: *stepIndex, Name: "plan-input", ServerID: step.AgentID}}) {
		return false, ctx.Err()
	}
	input, usage, err := c.planToolInput(ctx, ts.Task, tool, toolContext.String())
	emit(Event{Annotation: &Annotation{
		Type: AnnotationReasoningFinish, StepIndex: *stepIndex,
		Name: "plan-input", ServerID: step.AgentID, Duration: time.Since(start),
	}})
	if usage != nil {
		emit(Event{Annotation: &Annotation{
			Type: AnnotationPlanningUsage, StepIndex: *stepIndex,
			Usage: usage, Provider: c.provider.Name(),
		}})
	}
	if err != nil {
		return false, err
	}

	if len(input.CollectFromUser) > 0 {
		logger.Info("tool input needs user-supplied fields",
			log.ServerIDKey, step.AgentID, log.ToolKey, tool.Name,
			"fields", input.CollectFromUser)
		emit(Event{NeedsInput: &NeedsInput{
			ServerID: step.AgentID,
			Tool:     tool.Name,
			Fields:   input.CollectFromUser,
		}})
		return true, nil
	}

	toolCallID := uuid.NewString()
	if !emit(Event{Part: &Part{Type: PartToolCallStreamingStart, ToolCallID: toolCallID, ToolName: tool.Name, ServerID: step.AgentID}}) {
		return false, ctx.Err()
	}
	emit(Event{Part: &Part{Type: PartToolCall, ToolCallID: toolCallID, ToolName: tool.Name, ServerID: step.AgentID, Args: input.Input}})

	callStart := time.Now()
	result, err := conn.CallTool(ctx, tool.Name, input.Input)
	callDuration := time.Since(callStart)
	if err != nil {
		return false, err
	}

	payload := resultPayload(result)
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	var summarizeUsage *llm.TokenUsage
	if len(raw) > c.summarizeThreshold {
		// Summarization is a planning stage of its own.
		*stepIndex++
		sumStart := time.Now()
		emit(Event{Annotation: &Annotation{Type: AnnotationReasoningStart, StepIndex: *stepIndex, Name: "summarize", ServerID: step.AgentID}})
		summarized, usage, err := c.summarize(ctx, payload)
		emit(Event{Annotation: &Annotation{
			Type: AnnotationReasoningFinish, StepIndex: *stepIndex,
			Name: "summarize", ServerID: step.AgentID, Duration: time.Since(sumStart),
		}})
		summarizeUsage = usage
		if err != nil {
			// Extraction failure falls back to the truncated shape.
			logger.Warn("summarization failed, using truncated payload", log.Error(err))
			summarized = truncateArrays(payload)
		}
		payload = summarized
		if raw, err = json.Marshal(payload); err != nil {
			return false, err
		}
	}

	if !emit(Event{Part: &Part{Type: PartToolResult, ToolCallID: toolCallID, ToolName: tool.Name, ServerID: step.AgentID, Result: raw}}) {
		return false, ctx.Err()
	}
	emit(Event{Annotation: &Annotation{
		Type: AnnotationToolUsage, StepIndex: *stepIndex,
		ToolCallID: toolCallID, Usage: summarizeUsage,
		Provider: c.provider.Name(), Duration: callDuration,
	}})

	fmt.Fprintf(toolContext, "%s/%s: %s\n", step.AgentID, tool.Name, raw)
	return false, nil
}

// synthesize runs the final streaming call over the accumulated context.
func (c *Conductor) synthesize(ctx context.Context, stepIndex int, message string, history []thread.Message, toolContext string, assistant *strings.Builder, emit emitFunc) error {
	start := time.Now()
	if !emit(Event{Annotation: &Annotation{Type: AnnotationReasoningStart, StepIndex: stepIndex, Name: "synthesize"}}) {
		return ctx.Err()
	}

	chunks, err := c.provider.Stream(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: synthesisSystemPrompt},
			{Role: llm.MessageRoleUser, Content: synthesisPrompt(message, history, toolContext)},
		},
	})
	if err != nil {
		return err
	}

	var usage *llm.TokenUsage
	for chunk := range chunks {
		if chunk.Error != nil {
			return chunk.Error
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}
		assistant.WriteString(chunk.Content)
		if !emit(Event{Part: &Part{Type: PartText, Text: chunk.Content}}) {
			return ctx.Err()
		}
	}

	emit(Event{Annotation: &Annotation{
		Type: AnnotationReasoningFinish, StepIndex: stepIndex,
		Name: "synthesize", Duration: time.Since(start),
	}})
	if usage != nil {
		emit(Event{Annotation: &Annotation{
			Type: AnnotationAssistantUsage, StepIndex: stepIndex,
			Usage: usage, Provider: c.provider.Name(),
		}})
	}
	return nil
}

// recoverParse handles a recoverable model-output parse failure by
// forwarding the raw text as the assistant's reply.
func (c *Conductor) recoverParse(err error, assistant *strings.Builder, emit emitFunc) bool {
	perr, ok := errors.AsParse(err)
	if !ok || !perr.Recoverable() {
		return false
	}
	c.logger.Warn("model output unparseable, degrading to raw text")
	if assistant.Len() == 0 {
		assistant.WriteString(perr.Raw)
		emit(Event{Part: &Part{Type: PartText, Text: perr.Raw}})
	}
	return true
}

// finishThread reconciles the thread with the final message set: the
// stored history (which already holds the user message) plus the
// assistant's reply.
func (c *Conductor) finishThread(ctx context.Context, req Request, assistantText string, logger *slog.Logger) {
	th, err := c.threads.Get(ctx, req.ThreadID)
	if err != nil {
		logger.Error("loading thread for reconcile", log.Error(err))
		return
	}

	reconciled := append([]thread.Message{}, th.Messages...)
	if assistantText != "" {
		reconciled = append(reconciled, thread.NewTextMessage(thread.RoleAssistant, assistantText))
	}
	if _, err := c.threads.Reconcile(ctx, req.ThreadID, reconciled); err != nil {
		logger.Error("reconciling thread", log.Error(err))
	}
}

// boundedHistory returns the most recent limit messages.
func boundedHistory(messages []thread.Message, limit int) []thread.Message {
	if len(messages) <= limit {
		return append([]thread.Message{}, messages...)
	}
	return append([]thread.Message{}, messages[len(messages)-limit:]...)
}

// resultPayload converts a tool result to a JSON-friendly value, parsing
// text content as JSON when it is JSON.
func resultPayload(result *registry.ToolResult) any {
	text := result.Text()
	if text != "" {
		var v any
		if err := json.Unmarshal([]byte(text), &v); err == nil {
			return v
		}
		return text
	}
	return result.Content
}

// findTool locates a tool by name in a listing.
func findTool(tools []registry.Tool, name string) (registry.Tool, bool) {
	for _, tool := range tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return registry.Tool{}, false
}
