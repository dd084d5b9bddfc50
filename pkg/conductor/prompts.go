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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maestro-mcp/maestro/pkg/registry"
	"github.com/maestro-mcp/maestro/pkg/thread"
)

const workflowSystemPrompt = `You are an orchestration planner. Given the user's message and the
available agents, produce a JSON object and nothing else:
{"messageToUser": "<short status text shown to the user>",
 "steps": [{"agentId": "<agent id>", "task": "<what this agent should do>"}]}
Use only the listed agent ids. Return an empty steps array when the
message can be answered without agents. Do not wrap the JSON in markdown.`

const toolSequenceSystemPrompt = `You are a tool planner for a single agent. Given a task, the agent's
tools, and its configuration, produce a JSON object and nothing else:
{"steps": [{"task": "<subtask>", "tool": "<tool name>"}]}
Use only the listed tool names. Keep the sequence minimal. Do not wrap
the JSON in markdown.`

const toolInputSystemPrompt = `You produce the input for one tool call. Given the tool's JSON schema
and the task, respond with a JSON object and nothing else:
{"input": {<arguments conforming to the schema>},
 "collectFromUser": ["<names of required fields you cannot fill>"]}
Never invent values for authentication or credential fields; omit them
and list them in collectFromUser if required. Do not wrap the JSON in
markdown.`

const summarizeSystemPrompt = `A tool returned a large JSON payload. You are shown the payload with
every array truncated to its first element. Respond with a JSON object
and nothing else:
{"primary": "<jq path selecting the most relevant data>",
 "secondary": ["<additional jq paths>"]}
Paths are evaluated against the full, untruncated payload. Do not wrap
the JSON in markdown.`

const synthesisSystemPrompt = `You are a helpful assistant. Using the conversation and the tool
results gathered for the user's latest message, write the reply to the
user. Respond with plain text, not JSON.`

// workflowPrompt renders the user prompt for workflow planning. Servers
// are presented as agents by id and name only.
func workflowPrompt(message string, history []thread.Message, servers []registry.Server) string {
	var b strings.Builder
	b.WriteString("Available agents:\n")
	if len(servers) == 0 {
		b.WriteString("(none)\n")
	}
	for _, srv := range servers {
		fmt.Fprintf(&b, "- id: %s, name: %s\n", srv.ID, srv.Name)
	}
	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text())
		}
	}
	b.WriteString("\nUser message:\n")
	b.WriteString(message)
	return b.String()
}

// toolSequencePrompt renders the user prompt for tool-sequence planning.
// The config passed in must already be redacted.
func toolSequencePrompt(task string, tools []registry.Tool, config map[string]string) string {
	var b strings.Builder
	b.WriteString("Tools:\n")
	for _, tool := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
	}
	if len(config) > 0 {
		b.WriteString("\nAgent configuration:\n")
		cfg, _ := json.Marshal(config)
		b.Write(cfg)
		b.WriteString("\n")
	}
	b.WriteString("\nTask:\n")
	b.WriteString(task)
	return b.String()
}

// toolInputPrompt renders the user prompt for structured-input planning.
func toolInputPrompt(task string, tool registry.Tool, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\nDescription: %s\n", tool.Name, tool.Description)
	if len(tool.InputSchema) > 0 {
		b.WriteString("Input schema:\n")
		b.Write(tool.InputSchema)
		b.WriteString("\n")
	}
	if context != "" {
		b.WriteString("\nResults from earlier steps:\n")
		b.WriteString(context)
		b.WriteString("\n")
	}
	b.WriteString("\nTask:\n")
	b.WriteString(task)
	return b.String()
}

// synthesisPrompt renders the closing prompt over the accumulated context.
func synthesisPrompt(message string, history []thread.Message, toolContext string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text())
		}
		b.WriteString("\n")
	}
	if toolContext != "" {
		b.WriteString("Tool results:\n")
		b.WriteString(toolContext)
		b.WriteString("\n\n")
	}
	b.WriteString("User message:\n")
	b.WriteString(message)
	return b.String()
}
