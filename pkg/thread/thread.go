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

// Package thread stores per-conversation message history. Threads are
// documents: the message list is embedded in the thread record, and all
// mutation goes through the registry so ordering and id-uniqueness hold.
package thread

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Part is one piece of a message's content.
type Part struct {
	// Type is the part kind (text, reasoning, tool_call, tool_result).
	Type string `json:"type"`

	// Text is the textual content for text and reasoning parts.
	Text string `json:"text,omitempty"`

	// ToolCallID correlates tool_call and tool_result parts.
	ToolCallID string `json:"toolCallId,omitempty"`

	// Payload carries structured content for tool parts.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is one entry in a thread. Its id is unique within the thread;
// appending a message with an existing id replaces that entry in place.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// NewTextMessage builds a message holding a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     []Part{{Type: "text", Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Thread is a conversation history owned by one client.
type Thread struct {
	ID       string    `json:"id"`
	ClientID string    `json:"clientId"`
	Name     string    `json:"name,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// RecordID implements storage.Record.
func (t Thread) RecordID() string { return t.ID }
