// Package workflow is the execution core for agent workflow runs: a durable
// orchestrator that advances SQL-persisted runs one node attempt at a time.
//
// The moving parts:
//
//   - Planner materializes a run from the latest published workflow tree,
//     one pending run-node per tree node.
//   - Executor claims the next runnable node, assembles upstream context
//     into fixed-format envelopes, calls the node's provider, persists the
//     resulting artifact, routing decision, diagnostics, and stream events,
//     and settles node and run status.
//   - Controller applies cancel, pause, resume, and retry operations with
//     bounded precondition retries.
//   - Manager drives runs in the background with single-flight semantics
//     per run id, each task on its own database session.
//
// Correctness under concurrent workers rests on optimistic concurrency in
// the store: every status or attempt mutation is guarded by the expected
// current values, and losing a race surfaces as a blocked step, never as a
// clobbered row.
//
// Basic usage:
//
//	st, err := store.Open(store.ConfigFromEnv())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Close()
//
//	registry := provider.NewRegistry()
//	registry.Register(provider.NewAnthropicRunner(apiKey, ""))
//
//	planner := workflow.NewPlanner(st, nil)
//	runID, err := planner.MaterializeRun(ctx, "code-review")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	executor := workflow.NewExecutor(st, registry)
//	result, err := executor.ExecuteRun(ctx, runID, workflow.StepOptions{}, 0)
package workflow
