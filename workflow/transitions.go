package workflow

import (
	"context"

	"github.com/alphred-ai/alphred/workflow/store"
)

// runTransitions is the allowed workflow-run state machine.
var runTransitions = map[store.RunStatus][]store.RunStatus{
	store.RunPending: {store.RunRunning, store.RunCancelled},
	store.RunRunning: {store.RunPaused, store.RunCompleted, store.RunFailed, store.RunCancelled},
	store.RunPaused:  {store.RunRunning, store.RunCancelled},
}

func runTransitionAllowed(from, to store.RunStatus) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionRunTo moves a run from from to to, composing through running
// when the target is terminal but not directly reachable, so completed and
// failed are only ever entered from running.
//
// Cancellation is reachable directly from pending and paused and needs no
// composition.
func transitionRunTo(ctx context.Context, st *store.Store, runID int64, from, to store.RunStatus) error {
	if runTransitionAllowed(from, to) {
		return st.TransitionRun(ctx, runID, from, to)
	}

	if to.Terminal() && runTransitionAllowed(from, store.RunRunning) && runTransitionAllowed(store.RunRunning, to) {
		if err := st.TransitionRun(ctx, runID, from, store.RunRunning); err != nil {
			return err
		}
		return st.TransitionRun(ctx, runID, store.RunRunning, to)
	}

	return NewError(KindInvalidTransition, "RUN_INVALID_TRANSITION",
		"run %d cannot transition %s -> %s", runID, from, to)
}

// transitionRunToCurrent re-reads the run and drives it toward desired from
// whatever status it holds now.
//
// Short-circuits: an already-terminal run is left alone, as is a paused run
// when the desired status is running, so an external pause taken mid-step
// survives the step's own bookkeeping.
func transitionRunToCurrent(ctx context.Context, st *store.Store, runID int64, desired store.RunStatus) (store.RunStatus, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}

	if run.Status.Terminal() || run.Status == desired {
		return run.Status, nil
	}
	if run.Status == store.RunPaused && desired == store.RunRunning {
		return run.Status, nil
	}

	if err := transitionRunTo(ctx, st, runID, run.Status, desired); err != nil {
		return run.Status, err
	}
	return desired, nil
}
