package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for run execution
// monitoring.
//
// Metrics exposed (all namespaced with "alphred_"):
//
// 1. node_executions_total (counter): Completed node attempts.
// Labels: node_key, outcome (completed/failed).
//
// 2. node_execution_seconds (histogram): Node attempt duration.
// Labels: node_key, outcome.
//
// 3. node_retries_total (counter): Retry attempts across all nodes.
// Labels: node_key, mode (immediate/deferred).
//
// 4. run_transitions_total (counter): Workflow-run status transitions.
// Labels: to_status.
//
// 5. precondition_failures_total (counter): Guarded updates that lost a
// race. Labels: entity (run/run_node).
//
// 6. background_executions (gauge): Currently in-flight background run
// tasks.
//
// 7. provider_tokens_total (counter): Tokens consumed per provider.
// Labels: provider.
//
// All executor entry points accept a nil *Metrics and skip recording, so
// tests and embedded callers need no registry.
type Metrics struct {
	nodeExecutions       *prometheus.CounterVec
	nodeDuration         *prometheus.HistogramVec
	nodeRetries          *prometheus.CounterVec
	runTransitions       *prometheus.CounterVec
	preconditionFailures *prometheus.CounterVec
	backgroundExecutions prometheus.Gauge
	providerTokens       *prometheus.CounterVec
}

// NewMetrics registers the workflow metric set against reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "node_executions_total",
			Help:      "Completed node attempts by node key and outcome.",
		}, []string{"node_key", "outcome"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "alphred",
			Name:      "node_execution_seconds",
			Help:      "Node attempt duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"node_key", "outcome"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "node_retries_total",
			Help:      "Node retry attempts by mode.",
		}, []string{"node_key", "mode"}),
		runTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "run_transitions_total",
			Help:      "Workflow-run status transitions by target status.",
		}, []string{"to_status"}),
		preconditionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "precondition_failures_total",
			Help:      "Guarded updates that observed a lost race.",
		}, []string{"entity"}),
		backgroundExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "alphred",
			Name:      "background_executions",
			Help:      "Currently in-flight background run tasks.",
		}),
		providerTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "provider_tokens_total",
			Help:      "Tokens consumed per provider.",
		}, []string{"provider"}),
	}
}

func (m *Metrics) observeNodeExecution(nodeKey, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeKey, outcome).Inc()
	m.nodeDuration.WithLabelValues(nodeKey, outcome).Observe(d.Seconds())
}

func (m *Metrics) observeRetry(nodeKey, mode string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(nodeKey, mode).Inc()
}

func (m *Metrics) observeRunTransition(to string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) observePreconditionFailure(entity string) {
	if m == nil {
		return
	}
	m.preconditionFailures.WithLabelValues(entity).Inc()
}

func (m *Metrics) observeBackgroundDelta(delta float64) {
	if m == nil {
		return
	}
	m.backgroundExecutions.Add(delta)
}

func (m *Metrics) observeProviderTokens(providerName string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.providerTokens.WithLabelValues(providerName).Add(float64(tokens))
}
