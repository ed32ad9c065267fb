package workflow

import (
	"context"
	"testing"

	"github.com/alphred-ai/alphred/workflow/store"
)

func TestRunTransitionAllowed(t *testing.T) {
	allowed := []struct{ from, to store.RunStatus }{
		{store.RunPending, store.RunRunning},
		{store.RunPending, store.RunCancelled},
		{store.RunRunning, store.RunPaused},
		{store.RunRunning, store.RunCompleted},
		{store.RunRunning, store.RunFailed},
		{store.RunRunning, store.RunCancelled},
		{store.RunPaused, store.RunRunning},
		{store.RunPaused, store.RunCancelled},
	}
	for _, tt := range allowed {
		if !runTransitionAllowed(tt.from, tt.to) {
			t.Errorf("runTransitionAllowed(%s, %s) = false, want true", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to store.RunStatus }{
		{store.RunPending, store.RunCompleted},
		{store.RunPending, store.RunPaused},
		{store.RunPaused, store.RunCompleted},
		{store.RunCompleted, store.RunRunning},
		{store.RunFailed, store.RunPending},
		{store.RunCancelled, store.RunRunning},
	}
	for _, tt := range denied {
		if runTransitionAllowed(tt.from, tt.to) {
			t.Errorf("runTransitionAllowed(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestTransitionRunToComposesThroughRunning(t *testing.T) {
	ctx := context.Background()
	st := openWorkflowStore(t)
	publishTree(t, st, "trans", linearDef("mock"))

	t.Run("pending to failed goes via running", func(t *testing.T) {
		runID := materialize(t, st, "trans")
		if err := transitionRunTo(ctx, st, runID, store.RunPending, store.RunFailed); err != nil {
			t.Fatalf("transitionRunTo() error = %v", err)
		}
		run, _ := st.GetRun(ctx, runID)
		if run.Status != store.RunFailed {
			t.Errorf("status = %s, want failed", run.Status)
		}
		// Composing through running stamps started_at.
		if run.StartedAt == nil || run.CompletedAt == nil {
			t.Error("started_at/completed_at not stamped on composed transition")
		}
	})

	t.Run("pending to cancelled is direct", func(t *testing.T) {
		runID := materialize(t, st, "trans")
		if err := transitionRunTo(ctx, st, runID, store.RunPending, store.RunCancelled); err != nil {
			t.Fatalf("transitionRunTo() error = %v", err)
		}
		run, _ := st.GetRun(ctx, runID)
		if run.Status != store.RunCancelled {
			t.Errorf("status = %s, want cancelled", run.Status)
		}
		if run.StartedAt != nil {
			t.Error("direct cancellation stamped started_at")
		}
	})

	t.Run("unreachable target rejected", func(t *testing.T) {
		runID := materialize(t, st, "trans")
		if err := st.TransitionRun(ctx, runID, store.RunPending, store.RunCancelled); err != nil {
			t.Fatal(err)
		}
		err := transitionRunTo(ctx, st, runID, store.RunCancelled, store.RunRunning)
		if KindOf(err) != KindInvalidTransition {
			t.Errorf("error kind = %s, want %s", KindOf(err), KindInvalidTransition)
		}
	})
}

func TestTransitionRunToCurrent(t *testing.T) {
	ctx := context.Background()
	st := openWorkflowStore(t)
	publishTree(t, st, "trans-cur", linearDef("mock"))

	t.Run("terminal run left alone", func(t *testing.T) {
		runID := materialize(t, st, "trans-cur")
		if err := st.TransitionRun(ctx, runID, store.RunPending, store.RunCancelled); err != nil {
			t.Fatal(err)
		}
		got, err := transitionRunToCurrent(ctx, st, runID, store.RunRunning)
		if err != nil {
			t.Fatalf("transitionRunToCurrent() error = %v", err)
		}
		if got != store.RunCancelled {
			t.Errorf("status = %s, want cancelled untouched", got)
		}
	})

	t.Run("paused run survives a running request", func(t *testing.T) {
		runID := materialize(t, st, "trans-cur")
		if err := st.TransitionRun(ctx, runID, store.RunPending, store.RunRunning); err != nil {
			t.Fatal(err)
		}
		if err := st.TransitionRun(ctx, runID, store.RunRunning, store.RunPaused); err != nil {
			t.Fatal(err)
		}
		got, err := transitionRunToCurrent(ctx, st, runID, store.RunRunning)
		if err != nil {
			t.Fatalf("transitionRunToCurrent() error = %v", err)
		}
		if got != store.RunPaused {
			t.Errorf("status = %s, want paused preserved", got)
		}
	})

	t.Run("pending run driven to running", func(t *testing.T) {
		runID := materialize(t, st, "trans-cur")
		got, err := transitionRunToCurrent(ctx, st, runID, store.RunRunning)
		if err != nil {
			t.Fatalf("transitionRunToCurrent() error = %v", err)
		}
		if got != store.RunRunning {
			t.Errorf("status = %s, want running", got)
		}
	})
}
