package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockOutcome scripts one phase result for a MockRunner.
type MockOutcome struct {
	// Report, RoutingDecision, and Rationale populate the Result on
	// success.
	Report          string
	RoutingDecision string
	Rationale       string
	TokensUsed      int

	// Events are streamed to the request callback before returning.
	Events []Event

	// Err, when set, fails the phase after streaming Events.
	Err error
}

// MockCall records one RunPhase invocation for assertions.
type MockCall struct {
	RunID            int64
	NodeKey          string
	Attempt          int
	Prompt           string
	ContextEnvelopes []string
	Model            string
	Permissions      Permissions
}

// MockRunner is a scriptable Runner for tests. Outcomes are keyed by node
// key and consumed in order; a node with no remaining scripted outcomes
// falls back to Default.
//
// MockRunner is safe for concurrent use. Configure Outcomes and Default
// before handing the runner to an executor.
type MockRunner struct {
	// ProviderName defaults to "mock" when empty.
	ProviderName string

	// Outcomes maps node key to a queue of scripted outcomes.
	Outcomes map[string][]MockOutcome

	// Default is used when a node's queue is exhausted or absent.
	Default MockOutcome

	mu    sync.Mutex
	calls []MockCall
	used  map[string]int
}

// Name implements Runner.
func (m *MockRunner) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// RunPhase implements Runner by replaying the next scripted outcome for the
// node. Events are streamed through the callback before the result returns.
func (m *MockRunner) RunPhase(ctx context.Context, req PhaseRequest) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	outcome := m.take(req.NodeKey, req)

	for _, ev := range outcome.Events {
		emit(req, ev)
	}

	if outcome.Err != nil {
		return Result{}, outcome.Err
	}

	report := outcome.Report
	if report == "" {
		report = fmt.Sprintf("mock report for %s attempt %d", req.NodeKey, req.Attempt)
	}

	return Result{
		Report:          report,
		RoutingDecision: outcome.RoutingDecision,
		Rationale:       outcome.Rationale,
		TokensUsed:      outcome.TokensUsed,
		Metadata: map[string]interface{}{
			"provider": m.Name(),
		},
	}, nil
}

// Calls returns a copy of all recorded invocations.
func (m *MockRunner) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of RunPhase invocations for a node key.
func (m *MockRunner) CallCount(nodeKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		if c.NodeKey == nodeKey {
			n++
		}
	}
	return n
}

func (m *MockRunner) take(nodeKey string, req PhaseRequest) MockOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{
		RunID:            req.RunID,
		NodeKey:          nodeKey,
		Attempt:          req.Attempt,
		Prompt:           req.Prompt,
		ContextEnvelopes: append([]string(nil), req.ContextEnvelopes...),
		Model:            req.Model,
		Permissions:      req.Permissions,
	})

	if m.used == nil {
		m.used = make(map[string]int)
	}
	queue := m.Outcomes[nodeKey]
	idx := m.used[nodeKey]
	if idx < len(queue) {
		m.used[nodeKey] = idx + 1
		return queue[idx]
	}
	return m.Default
}

// FixedClockEvent builds an event with a deterministic timestamp, a small
// helper for scripting outcomes in tests.
func FixedClockEvent(eventType, content string, at time.Time) Event {
	return Event{Type: eventType, Content: content, Timestamp: at}
}
