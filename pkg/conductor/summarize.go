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
	"encoding/json"

	"github.com/maestro-mcp/maestro/pkg/llm"
)

// DefaultSummarizeThreshold is the payload size above which tool results
// are summarized before streaming.
const DefaultSummarizeThreshold = 8 * 1024

// pathPlan is the parsed output of the summarization planning call.
type pathPlan struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary"`
}

// truncateArrays deep-clones a JSON value, cutting every array to its
// first element. The truncated shape shows the model the structure of the
// payload without the bulk.
func truncateArrays(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = truncateArrays(item)
		}
		return out
	case []any:
		if len(val) == 0 {
			return []any{}
		}
		return []any{truncateArrays(val[0])}
	default:
		return val
	}
}

// summarize shrinks an oversized tool result. The model proposes jq paths
// against the truncated shape; the paths are then evaluated against the
// original payload so the extracted fragments are exact, not paraphrased.
// The returned usage covers the extra planning call.
func (c *Conductor) summarize(ctx context.Context, payload any) (any, *llm.TokenUsage, error) {
	truncated := truncateArrays(payload)
	shape, err := json.Marshal(truncated)
	if err != nil {
		return nil, nil, err
	}

	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: summarizeSystemPrompt},
			{Role: llm.MessageRoleUser, Content: string(shape)},
		},
	}
	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var plan pathPlan
	if err := parseLLMJSON(resp.Content, &plan); err != nil {
		return nil, &resp.Usage, err
	}

	primary, err := c.jq.Execute(ctx, plan.Primary, payload)
	if err != nil {
		return nil, &resp.Usage, err
	}

	out := map[string]any{"primary": primary}
	if len(plan.Secondary) > 0 {
		secondary := make([]any, 0, len(plan.Secondary))
		for _, path := range plan.Secondary {
			fragment, err := c.jq.Execute(ctx, path, payload)
			if err != nil {
				// A bad secondary path loses that fragment, not the call.
				c.logger.Warn("secondary extraction path failed", "path", path, "error", err)
				continue
			}
			secondary = append(secondary, fragment)
		}
		out["secondary"] = secondary
	}
	return out, &resp.Usage, nil
}
