package schedule

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/calderhq/steward/pkg/policy"
)

// Metrics exposes scheduler instrumentation. A nil *Metrics disables
// instrumentation without branching at call sites.
type Metrics struct {
	decisions *prometheus.CounterVec
	terminals *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inflight  prometheus.Gauge
}

// NewMetrics registers scheduler metrics with the given registerer. Each
// session can carry its own registerer in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "policy_decisions_total",
			Help:      "Policy decisions by outcome.",
		}, []string{"decision"}),
		terminals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "tool_calls_total",
			Help:      "Terminal tool calls by status.",
		}, []string{"status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "steward",
			Name:      "tool_execution_seconds",
			Help:      "Tool execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"tool"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "steward",
			Name:      "tool_calls_executing",
			Help:      "Tool calls currently executing.",
		}),
	}
}

// ObserveDecision counts one policy decision.
func (m *Metrics) ObserveDecision(d policy.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d)).Inc()
}

// ObserveTerminal counts one terminal call.
func (m *Metrics) ObserveTerminal(s Status) {
	if m == nil {
		return
	}
	m.terminals.WithLabelValues(string(s)).Inc()
}

// ObserveExecution records one execution's duration.
func (m *Metrics) ObserveExecution(toolName string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(toolName).Observe(d.Seconds())
}

// ExecutionStarted increments the in-flight gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// ExecutionFinished decrements the in-flight gauge.
func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}
