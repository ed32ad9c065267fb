package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alphred-ai/alphred/workflow/provider"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.observeNodeExecution("n", "completed", time.Second)
	m.observeRetry("n", "immediate")
	m.observeRunTransition("running")
	m.observePreconditionFailure("run")
	m.observeBackgroundDelta(1)
	m.observeProviderTokens("mock", 10)
}

func TestMetricsRecordedDuringExecution(t *testing.T) {
	ctx := context.Background()
	st := openWorkflowStore(t)
	publishTree(t, st, "metrics", linearDef("mock"))
	runID := materialize(t, st, "metrics")

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	mock := &provider.MockRunner{Default: provider.MockOutcome{Report: "done", TokensUsed: 50}}
	ex := NewExecutor(st, registryWith(mock), WithMetrics(m))

	if _, err := ex.ExecuteRun(ctx, runID, StepOptions{}, 0); err != nil {
		t.Fatalf("ExecuteRun() error = %v", err)
	}

	if got := testutil.ToFloat64(m.nodeExecutions.WithLabelValues("plan", "completed")); got != 1 {
		t.Errorf("node_executions_total{plan,completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.providerTokens.WithLabelValues("mock")); got != 150 {
		t.Errorf("provider_tokens_total{mock} = %v, want 150 across three nodes", got)
	}
	if got := testutil.ToFloat64(m.runTransitions.WithLabelValues("completed")); got < 1 {
		t.Errorf("run_transitions_total{completed} = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(m.backgroundExecutions); got != 0 {
		t.Errorf("background_executions = %v, want 0", got)
	}
}
