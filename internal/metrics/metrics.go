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

// Package metrics exposes Prometheus instrumentation for connections, tool
// calls and LLM usage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_connections_open",
		Help: "Number of live MCP connections",
	})

	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_tool_calls_total",
			Help: "Total tool calls by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_tool_call_duration_seconds",
			Help:    "Tool call latency by server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	llmTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_llm_tokens_total",
			Help: "Total LLM tokens by provider and direction",
		},
		[]string{"provider", "direction"},
	)
)

// ConnectionOpened records a successful connect.
func ConnectionOpened() {
	connectionsOpen.Inc()
}

// ConnectionClosed records a disconnect.
func ConnectionClosed() {
	connectionsOpen.Dec()
}

// ConnectionsOpenGauge exposes the live-connection gauge for inspection.
func ConnectionsOpenGauge() prometheus.Gauge {
	return connectionsOpen
}

// RecordToolCall records one tool call with its latency.
// outcome should be one of: ok, tool_error, error.
func RecordToolCall(serverID, outcome string, elapsed time.Duration) {
	toolCalls.WithLabelValues(serverID, outcome).Inc()
	toolCallDuration.WithLabelValues(serverID).Observe(elapsed.Seconds())
}

// RecordLLMTokens records token consumption for one model call.
func RecordLLMTokens(provider string, input, output int) {
	llmTokens.WithLabelValues(provider, "input").Add(float64(input))
	llmTokens.WithLabelValues(provider, "output").Add(float64(output))
}
