package emit

// Event represents an observability event emitted during workflow execution.
//
// Events provide insight into orchestrator behavior:
//   - Node claim, completion, retry, and failure
//   - Run state transitions (running, paused, terminal)
//   - Background execution lifecycle (enqueue, reschedule, cleanup)
//   - Control operations (cancel, pause, resume, retry)
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Buffer in memory for test assertions
type Event struct {
	// RunID identifies the workflow run that emitted this event.
	// Zero for process-level events.
	RunID int64

	// NodeKey identifies the run-node this event concerns.
	// Empty string for run-level events.
	NodeKey string

	// Attempt is the run-node attempt counter at emission time.
	// Zero for run-level events.
	Attempt int

	// Msg is a short machine-friendly description of the event,
	// e.g. "node_claimed", "node_completed", "run_terminal".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "status": run or node status after the event
	//   - "outcome": executor step outcome
	//   - "error": error details
	//   - "tokens": cumulative token usage for provider calls
	Meta map[string]interface{}
}
