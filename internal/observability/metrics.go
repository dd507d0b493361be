package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// EventsAppended counts world-model appends.
	// Labels: type (sensor_reading|tool_call|tool_result|...)
	EventsAppended *prometheus.CounterVec

	// ToolCalls counts dispatched tool calls.
	// Labels: tool, status (ok|error|timeout|client_disconnected), reflex (true|false)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures handler wall-clock in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Denials counts admission refusals before dispatch.
	// Labels: code (permission_denied|rate_limited|cpu_exhausted|storage_exhausted|reflex_override)
	Denials *prometheus.CounterVec

	// ReflexLatency measures sensor-append to action-dispatch in seconds.
	// The reflex budget is 50ms; the buckets bracket it.
	ReflexLatency prometheus.Histogram

	// ReflexFirings counts fired reflex rules.
	// Labels: rule_id
	ReflexFirings *prometheus.CounterVec

	// ActiveAgents gauges currently connected agent sessions.
	ActiveAgents prometheus.Gauge

	// SubscriberDrops counts events dropped from slow subscriber queues.
	SubscriberDrops prometheus.Counter

	// AuditRecords counts audit log appends.
	// Labels: type
	AuditRecords *prometheus.CounterVec

	// PluginStates counts plugin lifecycle transitions.
	// Labels: state
	PluginStates *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg. Pass a fresh registry in
// tests to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synapse_events_appended_total",
				Help: "World-model events appended by type",
			},
			[]string{"type"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synapse_tool_calls_total",
				Help: "Tool calls dispatched by tool, status, and origin",
			},
			[]string{"tool", "status", "reflex"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synapse_tool_duration_seconds",
				Help:    "Tool handler wall-clock duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		Denials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synapse_denials_total",
				Help: "Calls refused at admission by error code",
			},
			[]string{"code"},
		),
		ReflexLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "synapse_reflex_latency_seconds",
				Help:    "Latency from sensor event append to reflex action dispatch",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),
		ReflexFirings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synapse_reflex_firings_total",
				Help: "Reflex rule firings by rule id",
			},
			[]string{"rule_id"},
		),
		ActiveAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synapse_active_agents",
				Help: "Currently connected agent sessions",
			},
		),
		SubscriberDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synapse_subscriber_drops_total",
				Help: "Events dropped from slow subscriber queues",
			},
		),
		AuditRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synapse_audit_records_total",
				Help: "Audit records appended by type",
			},
			[]string{"type"},
		),
		PluginStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synapse_plugin_states_total",
				Help: "Plugin lifecycle transitions by state",
			},
			[]string{"state"},
		),
	}
}
