package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for runtime monitoring.
//
// All metrics carry the "agentflow" namespace:
//   - executions_started_total (counter, labels: agent_id)
//   - executions_completed_total (counter, labels: agent_id, status)
//   - execution_duration_seconds (histogram, labels: agent_id, status)
//   - node_executions_total (counter, labels: agent_id, node_id, status)
//   - node_latency_ms (histogram, labels: agent_id, node_id)
//   - node_retries_total (counter, labels: agent_id, node_id)
//   - active_executions (gauge, labels: stream_id)
//   - events_dropped_total (counter)
//
// A nil *Metrics is safe: every method no-ops, so callers never guard.
type Metrics struct {
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	nodeExecutions      *prometheus.CounterVec
	nodeLatency         *prometheus.HistogramVec
	nodeRetries         *prometheus.CounterVec
	activeExecutions    *prometheus.GaugeVec
	eventsDropped       prometheus.Counter
}

// NewMetrics creates and registers the runtime metrics. A nil registry
// uses the global default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		executionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "executions_started_total",
			Help:      "Executions launched, by agent",
		}, []string{"agent_id"}),
		executionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "executions_completed_total",
			Help:      "Executions finished, by agent and final status",
		}, []string{"agent_id", "status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"agent_id", "status"}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "node_executions_total",
			Help:      "Node invocations, by agent, node and outcome",
		}, []string{"agent_id", "node_id", "status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"agent_id", "node_id"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "node_retries_total",
			Help:      "Retry attempts across all nodes",
		}, []string{"agent_id", "node_id"}),
		activeExecutions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentflow",
			Name:      "active_executions",
			Help:      "Currently running executions per stream",
		}, []string{"stream_id"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "events_dropped_total",
			Help:      "Events dropped by saturated event-bus subscribers",
		}),
	}
}

// ExecutionStarted records a launched execution.
func (m *Metrics) ExecutionStarted(agentID string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(agentID).Inc()
}

// ExecutionCompleted records a finished execution.
func (m *Metrics) ExecutionCompleted(agentID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(agentID, status).Inc()
	m.executionDuration.WithLabelValues(agentID, status).Observe(d.Seconds())
}

// NodeExecuted records a node invocation outcome and latency.
func (m *Metrics) NodeExecuted(agentID, nodeID string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.nodeExecutions.WithLabelValues(agentID, nodeID, status).Inc()
	m.nodeLatency.WithLabelValues(agentID, nodeID).Observe(float64(d.Milliseconds()))
}

// NodeRetried records one retry attempt.
func (m *Metrics) NodeRetried(agentID, nodeID string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(agentID, nodeID).Inc()
}

// SetActiveExecutions tracks per-stream in-flight executions.
func (m *Metrics) SetActiveExecutions(streamID string, n int) {
	if m == nil {
		return
	}
	m.activeExecutions.WithLabelValues(streamID).Set(float64(n))
}

// EventDropped records a drop in the event bus.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
