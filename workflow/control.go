package workflow

import (
	"context"
	"errors"

	"github.com/alphred-ai/alphred/workflow/emit"
	"github.com/alphred-ai/alphred/workflow/store"
)

// MaxControlPreconditionRetries bounds how often a control operation retries
// after losing a guarded update before surfacing a conflict.
const MaxControlPreconditionRetries = 5

// ControlAction names a run-control operation.
type ControlAction string

const (
	ActionCancel ControlAction = "cancel"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionRetry  ControlAction = "retry"
)

// ControlOutcome reports whether a control operation changed anything.
type ControlOutcome string

const (
	// OutcomeApplied means the run's status changed.
	OutcomeApplied ControlOutcome = "applied"

	// OutcomeNoop means the run was already in the action's target state.
	OutcomeNoop ControlOutcome = "noop"
)

// ControlResult is the outcome of one control operation.
type ControlResult struct {
	Action            ControlAction    `json:"action"`
	Outcome           ControlOutcome   `json:"outcome"`
	WorkflowRunID     int64            `json:"workflowRunId"`
	PreviousRunStatus store.RunStatus  `json:"previousRunStatus"`
	RunStatus         store.RunStatus  `json:"runStatus"`
	RetriedRunNodeIDs []int64          `json:"retriedRunNodeIds,omitempty"`
}

// Controller applies cancel, pause, resume, and retry operations to runs.
//
// Each operation is idempotent for its no-op target state and retries
// precondition failures up to MaxControlPreconditionRetries, so racing an
// in-flight executor step converges instead of erroring.
type Controller struct {
	st      *store.Store
	emitter emit.Emitter
	metrics *Metrics
}

// NewController creates a controller. Emitter may be nil.
func NewController(st *store.Store, emitter emit.Emitter, metrics *Metrics) *Controller {
	if emitter == nil {
		emitter = &emit.NullEmitter{}
	}
	return &Controller{st: st, emitter: emitter, metrics: metrics}
}

// Cancel drives a run to cancelled from pending, running, or paused.
func (c *Controller) Cancel(ctx context.Context, runID int64) (ControlResult, error) {
	return c.apply(ctx, ActionCancel, runID, store.RunCancelled,
		[]store.RunStatus{store.RunPending, store.RunRunning, store.RunPaused}, nil)
}

// Pause moves a running run to paused.
func (c *Controller) Pause(ctx context.Context, runID int64) (ControlResult, error) {
	return c.apply(ctx, ActionPause, runID, store.RunPaused,
		[]store.RunStatus{store.RunRunning}, nil)
}

// Resume moves a paused run back to running.
func (c *Controller) Resume(ctx context.Context, runID int64) (ControlResult, error) {
	return c.apply(ctx, ActionResume, runID, store.RunRunning,
		[]store.RunStatus{store.RunPaused}, nil)
}

// Retry requeues every latest-attempt failed node of a failed run and moves
// the run back to running, all in one transaction.
func (c *Controller) Retry(ctx context.Context, runID int64) (ControlResult, error) {
	return c.apply(ctx, ActionRetry, runID, store.RunRunning,
		[]store.RunStatus{store.RunFailed},
		func(ctx context.Context, runID int64) ([]int64, error) {
			ids, err := c.st.RequeueFailedAndResume(ctx, runID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, NewError(KindRetryTargetsNotFound, "RUN_CONTROL_RETRY_TARGETS_NOT_FOUND",
					"run %d has no failed nodes to retry", runID)
			}
			return ids, err
		})
}

// Apply dispatches a control action by name, for callers driven by external
// input.
func (c *Controller) Apply(ctx context.Context, action ControlAction, runID int64) (ControlResult, error) {
	switch action {
	case ActionCancel:
		return c.Cancel(ctx, runID)
	case ActionPause:
		return c.Pause(ctx, runID)
	case ActionResume:
		return c.Resume(ctx, runID)
	case ActionRetry:
		return c.Retry(ctx, runID)
	default:
		return ControlResult{}, NewError(KindInvalidRequest, "RUN_CONTROL_UNKNOWN_ACTION",
			"unknown control action %q", action)
	}
}

// mutator performs the action's state change, returning any requeued node
// ids. Nil means a plain status transition to the target.
type mutator func(ctx context.Context, runID int64) ([]int64, error)

func (c *Controller) apply(ctx context.Context, action ControlAction, runID int64, target store.RunStatus, allowedFrom []store.RunStatus, mutate mutator) (ControlResult, error) {
	var lastErr error

	for i := 0; i < MaxControlPreconditionRetries; i++ {
		run, err := c.st.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ControlResult{}, NewError(KindNotFound, "WORKFLOW_RUN_NOT_FOUND", "run %d not found", runID)
			}
			return ControlResult{}, err
		}

		if run.Status == target {
			return ControlResult{
				Action:            action,
				Outcome:           OutcomeNoop,
				WorkflowRunID:     runID,
				PreviousRunStatus: run.Status,
				RunStatus:         run.Status,
			}, nil
		}

		allowed := false
		for _, from := range allowedFrom {
			if run.Status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return ControlResult{}, NewError(KindInvalidTransition, "RUN_CONTROL_INVALID_TRANSITION",
				"cannot %s run %d from status %s", action, runID, run.Status)
		}

		var retried []int64
		if mutate != nil {
			retried, err = mutate(ctx, runID)
		} else {
			err = transitionRunTo(ctx, c.st, runID, run.Status, target)
		}
		if err != nil {
			if errors.Is(err, store.ErrPrecondition) {
				c.metrics.observePreconditionFailure("run")
				lastErr = err
				continue
			}
			return ControlResult{}, err
		}

		c.metrics.observeRunTransition(string(target))
		c.emitter.Emit(emit.Event{
			RunID: runID,
			Msg:   "run control applied",
			Meta: map[string]interface{}{
				"action": string(action),
				"from":   string(run.Status),
				"to":     string(target),
			},
		})

		return ControlResult{
			Action:            action,
			Outcome:           OutcomeApplied,
			WorkflowRunID:     runID,
			PreviousRunStatus: run.Status,
			RunStatus:         target,
			RetriedRunNodeIDs: retried,
		}, nil
	}

	return ControlResult{}, WrapError(KindConflict, "RUN_CONTROL_CONCURRENT_CONFLICT", lastErr,
		"control %s on run %d lost %d consecutive races", action, runID, MaxControlPreconditionRetries)
}
