// Package metrics is the MAS Core Metrics Sink (§2.3, §6). It wraps a
// prometheus.Registry and exposes exactly the series named in spec §6,
// following the pattern axonflow and kubernaut use client_golang
// directly rather than a hand-rolled exporter. The Sink interface keeps
// the teacher's Counter/Gauge/Histogram/EmitWithContext naming
// (core/interfaces.go MetricsRegistry) so subsystems can be unit-tested
// against a fake without pulling in prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
)

// Sink is the façade every subsystem logs metrics through.
type Sink interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)
	Handler() http.Handler
}

// PromSink is the production Sink backed by client_golang. Series are
// pre-registered in New so label cardinality stays bounded to what §6
// documents.
type PromSink struct {
	reg *prometheus.Registry

	agentRuns        *prometheus.CounterVec
	tasksTotal       *prometheus.CounterVec
	llmCalls         *prometheus.CounterVec
	llmTokens        *prometheus.CounterVec
	toolExecutions   *prometheus.CounterVec
	busDrops         *prometheus.CounterVec
	agentsByStatus   *prometheus.GaugeVec
	schedulerInflight *prometheus.GaugeVec
	mailboxDepth     *prometheus.GaugeVec
	taskDuration     *prometheus.HistogramVec
	llmCallDuration  *prometheus.HistogramVec
	busLatency       prometheus.Histogram
}

// New builds a PromSink with every series from spec §6 registered.
func New() *PromSink {
	reg := prometheus.NewRegistry()
	s := &PromSink{
		reg: reg,
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_runs_total", Help: "Agent lifecycle executions.",
		}, []string{"agent", "status"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_total", Help: "Tasks processed by the scheduler.",
		}, []string{"capability", "status"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_calls_total", Help: "LLM gateway invocations.",
		}, []string{"provider", "model", "status"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total", Help: "LLM token usage.",
		}, []string{"provider", "model", "type"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_executions_total", Help: "Action gate executions.",
		}, []string{"action", "status"}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_drops_total", Help: "Envelopes dropped by the message bus.",
		}, []string{"reason"}),
		agentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agents_by_status", Help: "Registered agents by lifecycle status.",
		}, []string{"status"}),
		schedulerInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scheduler_inflight", Help: "In-flight tasks per role bucket.",
		}, []string{"bucket"}),
		mailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailbox_depth", Help: "Current mailbox depth per agent.",
		}, []string{"agent"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "task_duration_seconds", Help: "Task end-to-end duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
		llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "llm_call_duration_seconds", Help: "LLM provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		busLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "bus_delivery_latency_seconds", Help: "Envelope enqueue-to-delivery latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(s.agentRuns, s.tasksTotal, s.llmCalls, s.llmTokens, s.toolExecutions,
		s.busDrops, s.agentsByStatus, s.schedulerInflight, s.mailboxDepth,
		s.taskDuration, s.llmCallDuration, s.busLatency)
	return s
}

func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Counter increments the named series by 1. The generic fallback
// discards unknown names rather than panicking, since callers pass
// label pairs positionally (teacher's Counter(name, labels...) idiom).
func (s *PromSink) Counter(name string, labels ...string) {
	s.dispatchCounter(name, labels)
}

func (s *PromSink) Gauge(name string, value float64, labels ...string) {
	s.dispatchGauge(name, value, labels)
}

func (s *PromSink) Histogram(name string, value float64, labels ...string) {
	s.dispatchHistogram(name, value, labels)
}

func (s *PromSink) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	n := len(labels)
	if id := correlation.From(ctx); id != "" {
		labels = append(labels, "correlation_id", id)
	}
	// Correlation id is high-cardinality; it is kept off the Prometheus
	// series. Strip it (and only it) before dispatch so the metric itself
	// stays low-cardinality.
	s.dispatchHistogram(name, value, labels[:n])
}

func labelMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

func (s *PromSink) dispatchCounter(name string, pairs []string) {
	m := labelMap(pairs)
	switch name {
	case "agent_runs_total":
		s.agentRuns.WithLabelValues(m["agent"], m["status"]).Inc()
	case "tasks_total":
		s.tasksTotal.WithLabelValues(m["capability"], m["status"]).Inc()
	case "llm_calls_total":
		s.llmCalls.WithLabelValues(m["provider"], m["model"], m["status"]).Inc()
	case "llm_tokens_total":
		s.llmTokens.WithLabelValues(m["provider"], m["model"], m["type"]).Inc()
	case "tool_executions_total":
		s.toolExecutions.WithLabelValues(m["action"], m["status"]).Inc()
	case "bus_drops_total":
		s.busDrops.WithLabelValues(m["reason"]).Inc()
	}
}

func (s *PromSink) dispatchGauge(name string, value float64, pairs []string) {
	m := labelMap(pairs)
	switch name {
	case "agents_by_status":
		s.agentsByStatus.WithLabelValues(m["status"]).Set(value)
	case "scheduler_inflight":
		s.schedulerInflight.WithLabelValues(m["bucket"]).Set(value)
	case "mailbox_depth":
		s.mailboxDepth.WithLabelValues(m["agent"]).Set(value)
	}
}

func (s *PromSink) dispatchHistogram(name string, value float64, pairs []string) {
	m := labelMap(pairs)
	switch name {
	case "task_duration_seconds":
		s.taskDuration.WithLabelValues(m["capability"]).Observe(value)
	case "llm_call_duration_seconds":
		s.llmCallDuration.WithLabelValues(m["provider"], m["model"]).Observe(value)
	case "bus_delivery_latency_seconds":
		s.busLatency.Observe(value)
	}
}

// TokenDelta increments llm_tokens_total once per usage field, matching
// §8's "llm_tokens_total increments equal the usage reported".
func (s *PromSink) TokenDelta(provider, model string, prompt, completion int) {
	if prompt > 0 {
		s.llmTokens.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		s.llmTokens.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
}

// NoOp discards everything; used in unit tests that don't care about
// metrics wiring.
type NoOp struct{}

func (NoOp) Counter(string, ...string)                                     {}
func (NoOp) Gauge(string, float64, ...string)                              {}
func (NoOp) Histogram(string, float64, ...string)                          {}
func (NoOp) EmitWithContext(context.Context, string, float64, ...string)   {}
func (NoOp) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}
