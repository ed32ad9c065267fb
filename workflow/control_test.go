package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/alphred-ai/alphred/workflow/provider"
	"github.com/alphred-ai/alphred/workflow/store"
)

func failRun(t *testing.T, st *store.Store, runID int64) {
	t.Helper()
	ctx := context.Background()

	mock := &provider.MockRunner{Default: provider.MockOutcome{Err: errors.New("boom")}}
	if _, err := NewExecutor(st, registryWith(mock)).ExecuteRun(ctx, runID, StepOptions{}, 0); err != nil {
		t.Fatalf("ExecuteRun() error = %v", err)
	}
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("setup run status = %s, want failed", run.Status)
	}
}

func TestControllerCancel(t *testing.T) {
	ctx := context.Background()
	st := openWorkflowStore(t)
	publishTree(t, st, "ctl-cancel", linearDef("mock"))
	ctl := NewController(st, nil, nil)

	t.Run("from pending", func(t *testing.T) {
		runID := materialize(t, st, "ctl-cancel")
		res, err := ctl.Cancel(ctx, runID)
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if res.Outcome != OutcomeApplied || res.RunStatus != store.RunCancelled {
			t.Errorf("result = (%s, %s), want (applied, cancelled)", res.Outcome, res.RunStatus)
		}
		if res.PreviousRunStatus != store.RunPending {
			t.Errorf("PreviousRunStatus = %s, want pending", res.PreviousRunStatus)
		}
	})

	t.Run("from paused", func(t *testing.T) {
		runID := materialize(t, st, "ctl-cancel")
		if err := st.TransitionRun(ctx, runID, store.RunPending, store.RunRunning); err != nil {
			t.Fatal(err)
		}
		if _, err := ctl.Pause(ctx, runID); err != nil {
			t.Fatal(err)
		}
		res, err := ctl.Cancel(ctx, runID)
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if res.Outcome != OutcomeApplied || res.PreviousRunStatus != store.RunPaused {
			t.Errorf("result = (%s, from %s), want (applied, from paused)", res.Outcome, res.PreviousRunStatus)
		}
	})

	t.Run("idempotent noop", func(t *testing.T) {
		runID := materialize(t, st, "ctl-cancel")
		if _, err := ctl.Cancel(ctx, runID); err != nil {
			t.Fatal(err)
		}
		res, err := ctl.Cancel(ctx, runID)
		if err != nil {
			t.Fatalf("second Cancel() error = %v", err)
		}
		if res.Outcome != OutcomeNoop || res.RunStatus != store.RunCancelled {
			t.Errorf("result = (%s, %s), want (noop, cancelled)", res.Outcome, res.RunStatus)
		}
	})

	t.Run("from completed rejected", func(t *testing.T) {
		runID := materialize(t, st, "ctl-cancel")
		mock := &provider.MockRunner{Default: provider.MockOutcome{Report: "done"}}
		if _, err := NewExecutor(st, registryWith(mock)).ExecuteRun(ctx, runID, StepOptions{}, 0); err != nil {
			t.Fatal(err)
		}
		_, err := ctl.Cancel(ctx, runID)
		if KindOf(err) != KindInvalidTransition {
			t.Errorf("error kind = %s, want %s", KindOf(err), KindInvalidTransition)
		}
		if CodeOf(err) != "RUN_CONTROL_INVALID_TRANSITION" {
			t.Errorf("error code = %q", CodeOf(err))
		}
	})
}

func TestControllerPauseResume(t *testing.T) {
	ctx := context.Background()
	st := openWorkflowStore(t)
	publishTree(t, st, "ctl-pause", linearDef("mock"))
	ctl := NewController(st, nil, nil)

	runID := materialize(t, st, "ctl-pause")

	// Pausing a pending run is rejected; only running runs pause.
	if _, err := ctl.Pause(ctx, runID); KindOf(err) != KindInvalidTransition {
		t.Errorf("Pause(pending) error kind = %s, want %s", KindOf(err), KindInvalidTransition)
	}

	if err := st.TransitionRun(ctx, runID, store.RunPending, store.RunRunning); err != nil {
		t.Fatal(err)
	}

	res, err := ctl.Pause(ctx, runID)
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if res.Outcome != OutcomeApplied || res.RunStatus != store.RunPaused {
		t.Errorf("pause result = (%s, %s)", res.Outcome, res.RunStatus)
	}

	res, err = ctl.Resume(ctx, runID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Outcome != OutcomeApplied || res.RunStatus != store.RunRunning {
		t.Errorf("resume result = (%s, %s)", res.Outcome, res.RunStatus)
	}

	// Resuming a running run is a noop, not an error.
	res, err = ctl.Resume(ctx, runID)
	if err != nil {
		t.Fatalf("Resume() again error = %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Errorf("second resume outcome = %s, want noop", res.Outcome)
	}
}

func TestControllerRetry(t *testing.T) {
	ctx := context.Background()
	st := openWorkflowStore(t)
	publishTree(t, st, "ctl-retry", linearDef("mock"))
	ctl := NewController(st, nil, nil)

	t.Run("requeues failed nodes", func(t *testing.T) {
		runID := materialize(t, st, "ctl-retry")
		failRun(t, st, runID)

		failed := nodeByKey(t, st, runID, "plan")
		priorAttempt := failed.Attempt

		res, err := ctl.Retry(ctx, runID)
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if res.Outcome != OutcomeApplied || res.RunStatus != store.RunRunning {
			t.Errorf("result = (%s, %s), want (applied, running)", res.Outcome, res.RunStatus)
		}
		if len(res.RetriedRunNodeIDs) != 1 || res.RetriedRunNodeIDs[0] != failed.ID {
			t.Errorf("RetriedRunNodeIDs = %v, want [%d]", res.RetriedRunNodeIDs, failed.ID)
		}

		requeued := nodeByKey(t, st, runID, "plan")
		if requeued.Status != store.NodePending {
			t.Errorf("requeued status = %s, want pending", requeued.Status)
		}
		if requeued.Attempt != priorAttempt+1 {
			t.Errorf("requeued attempt = %d, want %d", requeued.Attempt, priorAttempt+1)
		}

		// The retried run finishes once the provider cooperates.
		mock := &provider.MockRunner{Default: provider.MockOutcome{Report: "fixed"}}
		out, err := NewExecutor(st, registryWith(mock)).ExecuteRun(ctx, runID, StepOptions{}, 0)
		if err != nil {
			t.Fatalf("ExecuteRun() after retry error = %v", err)
		}
		if out.RunStatus != store.RunCompleted {
			t.Errorf("run status after retry = %s, want completed", out.RunStatus)
		}
	})

	t.Run("retry on non-failed run rejected", func(t *testing.T) {
		runID := materialize(t, st, "ctl-retry")
		_, err := ctl.Retry(ctx, runID)
		if KindOf(err) != KindInvalidTransition {
			t.Errorf("error kind = %s, want %s", KindOf(err), KindInvalidTransition)
		}
	})
}

func TestControllerApplyDispatch(t *testing.T) {
	ctx := context.Background()
	st := openWorkflowStore(t)
	publishTree(t, st, "ctl-apply", linearDef("mock"))
	ctl := NewController(st, nil, nil)

	runID := materialize(t, st, "ctl-apply")

	res, err := ctl.Apply(ctx, ActionCancel, runID)
	if err != nil {
		t.Fatalf("Apply(cancel) error = %v", err)
	}
	if res.Action != ActionCancel || res.RunStatus != store.RunCancelled {
		t.Errorf("result = %+v", res)
	}

	if _, err := ctl.Apply(ctx, "defenestrate", runID); CodeOf(err) != "RUN_CONTROL_UNKNOWN_ACTION" {
		t.Errorf("unknown action error code = %q", CodeOf(err))
	}
}

func TestControllerRunNotFound(t *testing.T) {
	st := openWorkflowStore(t)
	ctl := NewController(st, nil, nil)

	_, err := ctl.Cancel(context.Background(), 9999)
	if KindOf(err) != KindNotFound {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindNotFound)
	}
	if CodeOf(err) != "WORKFLOW_RUN_NOT_FOUND" {
		t.Errorf("error code = %q", CodeOf(err))
	}
}
