// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMRequestDuration tracks the duration of a logical LLM request, retries included.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration including retries",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"operation", "status"},
	)

	// LLMAttemptsTotal counts individual attempts sent to a backend.
	LLMAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_attempts_total",
			Help: "Total LLM request attempts, retries included",
		},
		[]string{"operation"},
	)

	// LLMErrorsTotal counts classified LLM errors.
	LLMErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_errors_total",
			Help: "Classified LLM errors",
		},
		[]string{"kind"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"status"},
	)

	// LLMStreamChunksTotal counts chunks forwarded to stream consumers.
	LLMStreamChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_stream_chunks_total",
			Help: "Stream chunks forwarded to consumers",
		},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// InFlightRequests tracks requests registered with the executor.
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_inflight_requests",
			Help: "Number of in-flight LLM requests",
		},
	)

	// CapabilityProbesTotal counts live capability probes.
	CapabilityProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capability_probes_total",
			Help: "Live capability probes by outcome",
		},
		[]string{"outcome"},
	)

	// SchemaOutcomesTotal counts flexible JSON schema validation outcomes.
	SchemaOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexible_json_schema_outcomes_total",
			Help: "Flexible JSON outcomes by mode and result",
		},
		[]string{"mode", "result"},
	)

	// AgentsActive tracks sub-agents by status.
	AgentsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agents_active",
			Help: "Sub-agents currently in each status",
		},
		[]string{"status"},
	)

	// AgentResultsTotal counts finished sub-agents by terminal status.
	AgentResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_results_total",
			Help: "Finished sub-agents by terminal status",
		},
		[]string{"agent_type", "status"},
	)

	// AgentToolCallsTotal counts tool calls made by sub-agents.
	AgentToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tool_calls_total",
			Help: "Tool calls made by sub-agents",
		},
		[]string{"tool", "result"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConversationsTotal tracks conversations started.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations started",
		},
		[]string{"backend"},
	)

	// MessagesTotal tracks messages persisted to conversations.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMRequest records the outcome of a logical LLM request.
func RecordLLMRequest(operation, status string, duration float64) {
	LLMRequestDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(status string, duration float64) {
	LLMStreamDuration.WithLabelValues(status).Observe(duration)
}

// RecordTokens records token usage for a model.
func RecordTokens(model string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
