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

package transport

import "regexp"

// placeholderRE matches {{name}} tokens, with optional surrounding spaces.
var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Expand returns a deep copy of the descriptor with every {{name}} token in
// its string fields replaced by the matching key's value. A name absent from
// values leaves the token verbatim: substitution is best effort and is not
// validated against the server's config schema at this layer.
func Expand(desc Descriptor, values map[string]string) Descriptor {
	out := Descriptor{Type: desc.Type}

	switch desc.Type {
	case TypeStdio:
		if desc.Stdio != nil {
			cfg := StdioConfig{
				Command: expandString(desc.Stdio.Command, values),
				Cwd:     expandString(desc.Stdio.Cwd, values),
			}
			if desc.Stdio.Args != nil {
				cfg.Args = make([]string, len(desc.Stdio.Args))
				for i, arg := range desc.Stdio.Args {
					cfg.Args[i] = expandString(arg, values)
				}
			}
			cfg.Env = expandMap(desc.Stdio.Env, values)
			out.Stdio = &cfg
		}
	case TypeSSE:
		if desc.SSE != nil {
			out.SSE = &SSEConfig{
				URL:     expandString(desc.SSE.URL, values),
				Headers: expandMap(desc.SSE.Headers, values),
			}
		}
	case TypeWebSocket:
		if desc.WebSocket != nil {
			out.WebSocket = &WebSocketConfig{URL: expandString(desc.WebSocket.URL, values)}
		}
	case TypeStreamableHTTP:
		if desc.StreamableHTTP != nil {
			out.StreamableHTTP = &StreamableHTTPConfig{
				URL:     expandString(desc.StreamableHTTP.URL, values),
				Headers: expandMap(desc.StreamableHTTP.Headers, values),
			}
		}
	case TypeInMemory:
		// Nothing to substitute.
	}

	return out
}

func expandString(s string, values map[string]string) string {
	if s == "" || len(values) == 0 {
		return s
	}
	return placeholderRE.ReplaceAllStringFunc(s, func(token string) string {
		name := placeholderRE.FindStringSubmatch(token)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return token
	})
}

func expandMap(m map[string]string, values map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = expandString(v, values)
	}
	return out
}
