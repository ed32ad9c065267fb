package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/alphred-ai/alphred/workflow/emit"
	"github.com/alphred-ai/alphred/workflow/provider"
	"github.com/alphred-ai/alphred/workflow/store"
)

// DefaultMaxSteps bounds ExecuteRun's node-execution loop.
const DefaultMaxSteps = 1000

// StepOutcome tags a single-step execution result.
type StepOutcome string

const (
	// StepExecuted means one node attempt ran to success or exhaustion.
	StepExecuted StepOutcome = "executed"

	// StepRunTerminal means the run is (or just became) terminal.
	StepRunTerminal StepOutcome = "run_terminal"

	// StepBlocked means the step could not advance: the run is paused,
	// routing is stuck, or another worker won a claim race.
	StepBlocked StepOutcome = "blocked"

	// StepNoRunnable means every node settled and the run was driven to
	// its terminal status.
	StepNoRunnable StepOutcome = "no_runnable"
)

// StepResult is the tagged union returned by ExecuteNextRunnableNode.
type StepResult struct {
	Outcome   StepOutcome
	RunStatus store.RunStatus

	// Populated when Outcome is StepExecuted.
	RunNodeID  int64
	NodeKey    string
	Attempt    int
	NodeStatus store.NodeStatus

	// Reason annotates blocked results: "paused", "claim_lost",
	// "routing_blocked".
	Reason string
}

// StepOptions configures execution steps.
type StepOptions struct {
	// WorkingDirectory is handed to the provider for tool execution.
	WorkingDirectory string

	// BasePermissions is the run-level permission base; node-level
	// overrides are merged on top.
	BasePermissions provider.Permissions

	// OnRunTerminal fires once per terminal transition observed by the
	// call that performed or first noticed it.
	OnRunTerminal func(store.RunStatus)
}

// Executor drives workflow runs one node attempt at a time against a Store
// and a provider Resolver.
//
// An Executor holds no per-run state; any number of goroutines may share
// one. Correctness under concurrency comes from the store's guarded
// updates: a worker that loses a claim race gets a blocked result and the
// next step re-reads.
type Executor struct {
	st       *store.Store
	resolver provider.Resolver
	emitter  emit.Emitter
	metrics  *Metrics
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEmitter attaches an observability emitter.
func WithEmitter(e emit.Emitter) ExecutorOption {
	return func(ex *Executor) { ex.emitter = e }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(ex *Executor) { ex.metrics = m }
}

// WithClock overrides the executor's time source. Intended for tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(ex *Executor) { ex.now = now }
}

// NewExecutor creates an executor over a store and a provider resolver.
func NewExecutor(st *store.Store, resolver provider.Resolver, opts ...ExecutorOption) *Executor {
	ex := &Executor{
		st:       st,
		resolver: resolver,
		emitter:  &emit.NullEmitter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

func (ex *Executor) emit(runID int64, nodeKey string, attempt int, msg string, meta map[string]interface{}) {
	ex.emitter.Emit(emit.Event{
		RunID:   runID,
		NodeKey: nodeKey,
		Attempt: attempt,
		Msg:     msg,
		Meta:    meta,
	})
}

// runView is the per-step snapshot of everything routing needs.
type runView struct {
	run       store.WorkflowRun
	nodes     []store.RunNode // latest attempts, deterministic order
	byTree    map[int64]store.RunNode
	treeNodes map[int64]store.TreeNode
	proj      RoutingProjection
	artifacts map[int64]store.ArtifactRef
}

func (ex *Executor) loadRunView(ctx context.Context, runID int64) (runView, error) {
	run, err := ex.st.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return runView{}, NewError(KindNotFound, "WORKFLOW_RUN_NOT_FOUND", "run %d not found", runID)
		}
		return runView{}, err
	}

	rows, err := ex.st.RunNodes(ctx, runID)
	if err != nil {
		return runView{}, err
	}
	nodes := LatestRunNodeAttempts(rows)

	edges, err := ex.st.TreeEdges(ctx, run.TreeID)
	if err != nil {
		return runView{}, err
	}
	guardRows, err := ex.st.GuardDefinitionsByTree(ctx, run.TreeID)
	if err != nil {
		return runView{}, err
	}
	guards := make(map[int64]store.GuardDefinition, len(guardRows))
	for _, g := range guardRows {
		guards[g.ID] = g
	}

	treeNodeRows, err := ex.st.TreeNodes(ctx, run.TreeID)
	if err != nil {
		return runView{}, err
	}
	treeNodes := make(map[int64]store.TreeNode, len(treeNodeRows))
	for _, tn := range treeNodeRows {
		treeNodes[tn.ID] = tn
	}

	decisions, err := ex.st.LatestRoutingDecisions(ctx, runID)
	if err != nil {
		return runView{}, err
	}
	artifacts, err := ex.st.LatestArtifactsByRunNode(ctx, runID)
	if err != nil {
		return runView{}, err
	}

	proj, err := computeRouting(routingInputs{
		nodes:     nodes,
		edges:     edges,
		guards:    guards,
		decisions: decisions,
		artifacts: artifacts,
	})
	if err != nil {
		return runView{}, err
	}

	return runView{
		run:       run,
		nodes:     nodes,
		byTree:    runNodeByTreeNode(nodes),
		treeNodes: treeNodes,
		proj:      proj,
		artifacts: artifacts,
	}, nil
}

// nextRunnable picks the first runnable node in deterministic order, or nil.
//
// A pending node is runnable when it has no incoming edges or some selected
// incoming edge originates at a completed source. A completed node is
// runnable as a revisit when a selected incoming edge's completed source
// carries a newer latest artifact than the node's own.
func (v runView) nextRunnable() (node *store.RunNode, revisit bool) {
	for i := range v.nodes {
		n := v.nodes[i]
		incoming := v.proj.IncomingEdgesByTarget[n.TreeNodeID]

		switch n.Status {
		case store.NodePending:
			if len(incoming) == 0 {
				return &v.nodes[i], false
			}
			if v.hasCompletedSelectedSource(n.TreeNodeID, func(store.RunNode) bool { return true }) {
				return &v.nodes[i], false
			}
		case store.NodeCompleted:
			own := v.artifacts[n.ID].ID
			newer := func(src store.RunNode) bool {
				return v.artifacts[src.ID].ID > own
			}
			if v.hasCompletedSelectedSource(n.TreeNodeID, newer) {
				return &v.nodes[i], true
			}
		}
	}
	return nil, false
}

func (v runView) hasCompletedSelectedSource(targetTreeNodeID int64, accept func(store.RunNode) bool) bool {
	for srcTreeNodeID, edge := range v.proj.SelectedEdgeBySource {
		if edge.TargetNodeID != targetTreeNodeID {
			continue
		}
		src, ok := v.byTree[srcTreeNodeID]
		if !ok || src.Status != store.NodeCompleted {
			continue
		}
		if accept(src) {
			return true
		}
	}
	return false
}

// ExecuteNextRunnableNode advances a run by at most one node attempt.
//
// The read, select, and claim phases are not atomic; every mutation is
// guarded by expected status and attempt, and a lost race comes back as a
// blocked result rather than an error.
func (ex *Executor) ExecuteNextRunnableNode(ctx context.Context, runID int64, opts StepOptions) (StepResult, error) {
	view, err := ex.loadRunView(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	if view.run.Status.Terminal() {
		return StepResult{Outcome: StepRunTerminal, RunStatus: view.run.Status}, nil
	}

	next, revisit := view.nextRunnable()

	// Optimistic refresh: the run may have been paused or cancelled while
	// the projection was computed.
	run, err := ex.st.GetRun(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	if run.Status.Terminal() {
		return StepResult{Outcome: StepRunTerminal, RunStatus: run.Status}, nil
	}
	if run.Status == store.RunPaused && next != nil {
		return StepResult{Outcome: StepBlocked, RunStatus: store.RunPaused, Reason: "paused"}, nil
	}

	if next == nil {
		return ex.resolveNoRunnable(ctx, runID, view, opts)
	}

	status, err := transitionRunToCurrent(ctx, ex.st, runID, store.RunRunning)
	if err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			ex.metrics.observePreconditionFailure("run")
			return StepResult{Outcome: StepBlocked, RunStatus: run.Status, Reason: "claim_lost"}, nil
		}
		return StepResult{}, err
	}
	if status.Terminal() {
		return StepResult{Outcome: StepRunTerminal, RunStatus: status}, nil
	}
	if status == store.RunPaused {
		return StepResult{Outcome: StepBlocked, RunStatus: status, Reason: "paused"}, nil
	}
	ex.metrics.observeRunTransition(string(store.RunRunning))

	claimed, err := ex.claim(ctx, *next, revisit)
	if err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			ex.metrics.observePreconditionFailure("run_node")
			return StepResult{Outcome: StepBlocked, RunStatus: status, Reason: "claim_lost"}, nil
		}
		return StepResult{}, err
	}

	ex.emit(runID, claimed.NodeKey, claimed.Attempt, "node claimed", map[string]interface{}{
		"revisit": revisit,
	})

	return ex.executeClaimedNode(ctx, runID, claimed, opts)
}

// claim takes ownership of a runnable node. Pending nodes move straight to
// running; revisits first cycle completed -> pending with a fresh attempt.
func (ex *Executor) claim(ctx context.Context, node store.RunNode, revisit bool) (store.RunNode, error) {
	attempt := node.Attempt
	if revisit {
		err := ex.st.TransitionRunNode(ctx, node.ID, store.NodeCompleted, attempt, store.NodePending, store.NodeChange{
			IncrementAttempt: true,
			ClearStarted:     true,
			ClearCompleted:   true,
		})
		if err != nil {
			return store.RunNode{}, err
		}
		attempt++
	}

	err := ex.st.TransitionRunNode(ctx, node.ID, store.NodePending, attempt, store.NodeRunning, store.NodeChange{
		SetStarted: true,
	})
	if err != nil {
		return store.RunNode{}, err
	}

	node.Status = store.NodeRunning
	node.Attempt = attempt
	return node, nil
}

// resolveNoRunnable settles a run that has no runnable node this step.
func (ex *Executor) resolveNoRunnable(ctx context.Context, runID int64, view runView, opts StepOptions) (StepResult, error) {
	if view.proj.HasNoRouteDecision || len(view.proj.UnresolvedSources) > 0 {
		status, err := ex.driveTerminal(ctx, runID, store.RunFailed, opts)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Outcome: StepBlocked, RunStatus: status, Reason: "routing_blocked"}, nil
	}

	var anyActive, anyFailed bool
	for _, n := range view.nodes {
		switch n.Status {
		case store.NodePending, store.NodeRunning:
			anyActive = true
		case store.NodeFailed:
			anyFailed = true
		}
	}

	if !anyActive {
		target := store.RunCompleted
		if anyFailed {
			target = store.RunFailed
		}
		status, err := ex.driveTerminal(ctx, runID, target, opts)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Outcome: StepNoRunnable, RunStatus: status}, nil
	}

	status, err := transitionRunToCurrent(ctx, ex.st, runID, store.RunRunning)
	if err != nil && !errors.Is(err, store.ErrPrecondition) {
		return StepResult{}, err
	}
	return StepResult{Outcome: StepBlocked, RunStatus: status, Reason: "waiting"}, nil
}

// driveTerminal pushes the run toward a terminal status and fires the
// terminal hook when the transition lands.
func (ex *Executor) driveTerminal(ctx context.Context, runID int64, target store.RunStatus, opts StepOptions) (store.RunStatus, error) {
	status, err := transitionRunToCurrent(ctx, ex.st, runID, target)
	if err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			run, rerr := ex.st.GetRun(ctx, runID)
			if rerr != nil {
				return "", rerr
			}
			return run.Status, nil
		}
		return "", err
	}
	if status == target {
		ex.metrics.observeRunTransition(string(target))
		if opts.OnRunTerminal != nil && status.Terminal() {
			opts.OnRunTerminal(status)
		}
	}
	return status, nil
}

// executeClaimedNode runs the attempt loop for one claimed node: assemble
// context, call the provider, persist results, retry on failure while
// eligible. Context assembly restarts on every attempt because predecessor
// artifacts may have changed in between.
func (ex *Executor) executeClaimedNode(ctx context.Context, runID int64, node store.RunNode, opts StepOptions) (StepResult, error) {
	for {
		view, err := ex.loadRunView(ctx, runID)
		if err != nil {
			return StepResult{}, err
		}
		treeNode, ok := view.treeNodes[node.TreeNodeID]
		if !ok {
			return StepResult{}, NewError(KindInternal, "TREE_NODE_MISSING",
				"run node %d references missing tree node %d", node.ID, node.TreeNodeID)
		}

		assembled, err := ex.assembleNodeContext(ctx, runID, view, node, treeNode)
		if err != nil {
			return StepResult{}, err
		}

		result, execErr := ex.runAttempt(ctx, runID, node, treeNode, assembled, opts)
		if execErr == nil {
			return ex.completeAttempt(ctx, runID, node, treeNode, assembled, result, opts)
		}

		retried, res, err := ex.failAttempt(ctx, runID, node, treeNode, assembled, execErr, opts)
		if err != nil {
			return StepResult{}, err
		}
		if !retried {
			return res, nil
		}
		node.Attempt++
		ex.metrics.observeRetry(node.NodeKey, "immediate")
		ex.emit(runID, node.NodeKey, node.Attempt, "node retrying", map[string]interface{}{
			"error": execErr.Error(),
		})
	}
}

// assembleNodeContext collects the latest report artifact of every direct
// predecessor (sources whose selected edge targets this node) and applies
// the handoff budget.
func (ex *Executor) assembleNodeContext(ctx context.Context, runID int64, view runView, node store.RunNode, treeNode store.TreeNode) (AssembledContext, error) {
	var (
		candidates      []upstreamArtifact
		hadPredecessors bool
		sawNonReport    bool
	)

	// view.nodes is already in deterministic source order.
	for _, src := range view.nodes {
		edge, ok := view.proj.SelectedEdgeBySource[src.TreeNodeID]
		if !ok || edge.TargetNodeID != node.TreeNodeID {
			continue
		}
		hadPredecessors = true

		artifact, err := ex.st.LatestReportArtifact(ctx, src.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				if _, hasAny := view.artifacts[src.ID]; hasAny {
					sawNonReport = true
				}
				continue
			}
			return AssembledContext{}, err
		}
		candidates = append(candidates, upstreamArtifact{
			artifact:      artifact,
			sourceNodeKey: src.NodeKey,
			sourceAttempt: src.Attempt,
		})
	}

	return assembleContext(runID, node.NodeKey, candidates, hadPredecessors, sawNonReport, ex.now()), nil
}

// runAttempt performs one provider call with a fresh diagnostics recorder.
// The recorder is finalized here on failure; success defers finalization to
// completeAttempt so the diagnostics row reflects the completed status.
func (ex *Executor) runAttempt(ctx context.Context, runID int64, node store.RunNode, treeNode store.TreeNode, assembled AssembledContext, opts StepOptions) (provider.Result, error) {
	start := ex.now()
	recorder := newDiagnosticsRecorder(ex.st, runID, node.ID, node.Attempt)

	result, execErr := ex.callProvider(ctx, runID, node, treeNode, assembled, opts, recorder)

	if execErr != nil {
		ex.metrics.observeNodeExecution(node.NodeKey, "failed", ex.now().Sub(start))
		if ferr := recorder.finalize(ctx, "failed", string(store.NodeFailed), execErr); ferr != nil {
			ex.emit(runID, node.NodeKey, node.Attempt, "diagnostics write failed", map[string]interface{}{
				"error": ferr.Error(),
			})
		}
		return provider.Result{}, execErr
	}

	ex.metrics.observeNodeExecution(node.NodeKey, "completed", ex.now().Sub(start))
	ex.metrics.observeProviderTokens(treeNode.Provider, result.TokensUsed)
	if ferr := recorder.finalize(ctx, "completed", string(store.NodeCompleted), nil); ferr != nil {
		ex.emit(runID, node.NodeKey, node.Attempt, "diagnostics write failed", map[string]interface{}{
			"error": ferr.Error(),
		})
	}
	return result, nil
}

func (ex *Executor) callProvider(ctx context.Context, runID int64, node store.RunNode, treeNode store.TreeNode, assembled AssembledContext, opts StepOptions, recorder *diagnosticsRecorder) (provider.Result, error) {
	runner, err := ex.resolver.Resolve(treeNode.Provider)
	if err != nil {
		return provider.Result{}, WrapError(KindInvalidRequest, "PROVIDER_NOT_FOUND", err,
			"node %s has no resolvable provider", node.NodeKey)
	}

	prompt := ""
	if treeNode.PromptTemplateID != nil {
		tpl, err := ex.st.GetPromptTemplate(ctx, *treeNode.PromptTemplateID)
		if err != nil {
			return provider.Result{}, err
		}
		prompt = tpl.Content
	}

	overrides, err := provider.ParsePermissions(treeNode.ExecutionPerms)
	if err != nil {
		return provider.Result{}, WrapError(KindInvalidRequest, "INVALID_EXECUTION_PERMISSIONS", err,
			"node %s has malformed execution permissions", node.NodeKey)
	}

	return runner.RunPhase(ctx, provider.PhaseRequest{
		RunID:            runID,
		NodeKey:          node.NodeKey,
		Attempt:          node.Attempt,
		Prompt:           prompt,
		ContextEnvelopes: assembled.Envelopes,
		Model:            treeNode.Model,
		Permissions:      opts.BasePermissions.Merge(overrides),
		WorkingDirectory: opts.WorkingDirectory,
		OnEvent: func(ev provider.Event) {
			recorder.observe(ctx, ev)
		},
	})
}

// completeAttempt persists the success side effects: report artifact,
// routing decision, edge selection and target reactivation, node
// completion, pruning, and the run-status recompute.
func (ex *Executor) completeAttempt(ctx context.Context, runID int64, node store.RunNode, treeNode store.TreeNode, assembled AssembledContext, result provider.Result, opts StepOptions) (StepResult, error) {
	contentType := "markdown"
	if treeNode.PromptTemplateID != nil {
		if tpl, err := ex.st.GetPromptTemplate(ctx, *treeNode.PromptTemplateID); err == nil && tpl.ContentType != "" {
			contentType = tpl.ContentType
		}
	}

	streamed, err := ex.st.StreamEventsAfter(ctx, node.ID, node.Attempt, 0)
	if err != nil {
		return StepResult{}, err
	}

	metadata := map[string]interface{}{
		"tokens":      result.TokensUsed,
		"event_count": len(streamed),
		"manifest":    assembled.Manifest,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return StepResult{}, WrapError(KindInternal, "ARTIFACT_METADATA_ENCODE_FAILED", err,
			"failed to encode artifact metadata")
	}

	if _, err := ex.st.InsertArtifact(ctx, store.PhaseArtifact{
		RunID:        runID,
		RunNodeID:    node.ID,
		ArtifactType: "report",
		ContentType:  contentType,
		Content:      result.Report,
		Metadata:     string(metadataJSON),
	}); err != nil {
		return StepResult{}, err
	}

	if result.RoutingDecision != "" {
		rawOutput, _ := json.Marshal(result.Metadata)
		attempt := node.Attempt
		if _, err := ex.st.InsertRoutingDecision(ctx, store.RoutingDecision{
			RunID:        runID,
			RunNodeID:    node.ID,
			DecisionType: result.RoutingDecision,
			Rationale:    result.Rationale,
			Attempt:      &attempt,
			RawOutput:    string(rawOutput),
		}); err != nil {
			return StepResult{}, err
		}
	}

	if err := ex.st.TransitionRunNode(ctx, node.ID, store.NodeRunning, node.Attempt, store.NodeCompleted, store.NodeChange{
		SetCompleted: true,
	}); err != nil {
		return StepResult{}, err
	}

	if err := ex.routeFromCompleted(ctx, runID, node, result); err != nil {
		return StepResult{}, err
	}

	if err := ex.pruneUnreachable(ctx, runID); err != nil {
		return StepResult{}, err
	}

	runStatus, err := ex.recomputeRunStatus(ctx, runID, opts)
	if err != nil {
		return StepResult{}, err
	}

	ex.emit(runID, node.NodeKey, node.Attempt, "node completed", map[string]interface{}{
		"decision": result.RoutingDecision,
		"tokens":   result.TokensUsed,
	})

	return StepResult{
		Outcome:    StepExecuted,
		RunStatus:  runStatus,
		RunNodeID:  node.ID,
		NodeKey:    node.NodeKey,
		Attempt:    node.Attempt,
		NodeStatus: store.NodeCompleted,
	}, nil
}

// routeFromCompleted recomputes routing after a node completed and applies
// the consequences: reactivating the selected target, or persisting a
// no_route decision when the agent's signal matched no edge.
func (ex *Executor) routeFromCompleted(ctx context.Context, runID int64, node store.RunNode, result provider.Result) error {
	view, err := ex.loadRunView(ctx, runID)
	if err != nil {
		return err
	}

	if view.proj.NoRouteSources[node.TreeNodeID] {
		attempt := node.Attempt
		if _, err := ex.st.InsertRoutingDecision(ctx, store.RoutingDecision{
			RunID:        runID,
			RunNodeID:    node.ID,
			DecisionType: store.DecisionNoRoute,
			Rationale:    result.Rationale,
			Attempt:      &attempt,
		}); err != nil {
			return err
		}
		ex.emit(runID, node.NodeKey, node.Attempt, "no route matched decision", map[string]interface{}{
			"decision": result.RoutingDecision,
		})
		return nil
	}

	edge, ok := view.proj.SelectedEdgeBySource[node.TreeNodeID]
	if !ok {
		return nil
	}
	target, ok := view.byTree[edge.TargetNodeID]
	if !ok {
		return nil
	}

	switch target.Status {
	case store.NodeSkipped:
		err = ex.st.TransitionRunNode(ctx, target.ID, store.NodeSkipped, target.Attempt, store.NodePending, store.NodeChange{})
	case store.NodeCompleted:
		err = ex.st.TransitionRunNode(ctx, target.ID, store.NodeCompleted, target.Attempt, store.NodePending, store.NodeChange{
			IncrementAttempt: true,
			ClearStarted:     true,
			ClearCompleted:   true,
		})
	default:
		return nil
	}
	if err != nil {
		// A concurrent step already moved the target; the next projection
		// sees the new state.
		if errors.Is(err, store.ErrPrecondition) {
			ex.metrics.observePreconditionFailure("run_node")
			return nil
		}
		return err
	}
	ex.emit(runID, target.NodeKey, target.Attempt, "target reactivated", map[string]interface{}{
		"edge_id": edge.ID,
	})
	return nil
}

// failAttempt persists the failure side effects and decides the retry path.
// Returns retried=true when the caller should loop with the next attempt.
func (ex *Executor) failAttempt(ctx context.Context, runID int64, node store.RunNode, treeNode store.TreeNode, assembled AssembledContext, execErr error, opts StepOptions) (retried bool, res StepResult, err error) {
	current, err := ex.st.GetRunNode(ctx, node.ID)
	if err != nil {
		return false, StepResult{}, err
	}
	run, err := ex.st.GetRun(ctx, runID)
	if err != nil {
		return false, StepResult{}, err
	}

	retriesRemaining := treeNode.MaxRetries - node.Attempt + 1
	if retriesRemaining < 0 {
		retriesRemaining = 0
	}
	logMeta := map[string]interface{}{
		"attempt":             node.Attempt,
		"maxRetries":          treeNode.MaxRetries,
		"retriesRemaining":    retriesRemaining,
		"errorName":           string(KindOf(execErr)),
		"failureReason":       execErr.Error(),
		"nodeStatusAtFailure": string(current.Status),
		"manifest":            assembled.Manifest,
	}
	logMetaJSON, merr := json.Marshal(logMeta)
	if merr != nil {
		return false, StepResult{}, WrapError(KindInternal, "ARTIFACT_METADATA_ENCODE_FAILED", merr,
			"failed to encode failure metadata")
	}
	if _, err := ex.st.InsertArtifact(ctx, store.PhaseArtifact{
		RunID:        runID,
		RunNodeID:    node.ID,
		ArtifactType: "log",
		ContentType:  "text",
		Content:      execErr.Error(),
		Metadata:     string(logMetaJSON),
	}); err != nil {
		return false, StepResult{}, err
	}

	retryEligible := node.Attempt <= treeNode.MaxRetries

	if retryEligible && current.Status == store.NodeRunning && run.Status == store.RunRunning {
		err := ex.st.TransitionRunNode(ctx, node.ID, store.NodeRunning, node.Attempt, store.NodeRunning, store.NodeChange{
			IncrementAttempt: true,
		})
		if err == nil {
			return true, StepResult{}, nil
		}
		if !errors.Is(err, store.ErrPrecondition) {
			return false, StepResult{}, err
		}
		// Lost the node mid-flight; fall through to the terminal paths
		// with a re-read.
		if current, err = ex.st.GetRunNode(ctx, node.ID); err != nil {
			return false, StepResult{}, err
		}
	}

	if retryEligible && run.Status == store.RunPaused {
		if current.Status == store.NodeRunning {
			if err := ex.st.TransitionRunNode(ctx, node.ID, store.NodeRunning, node.Attempt, store.NodeFailed, store.NodeChange{
				SetCompleted: true,
			}); err != nil && !errors.Is(err, store.ErrPrecondition) {
				return false, StepResult{}, err
			}
		}
		if err := ex.st.TransitionRunNode(ctx, node.ID, store.NodeFailed, node.Attempt, store.NodePending, store.NodeChange{
			IncrementAttempt: true,
			ClearStarted:     true,
			ClearCompleted:   true,
		}); err != nil && !errors.Is(err, store.ErrPrecondition) {
			return false, StepResult{}, err
		}
		ex.metrics.observeRetry(node.NodeKey, "deferred")
		ex.emit(runID, node.NodeKey, node.Attempt, "node deferred for retry", map[string]interface{}{
			"error": execErr.Error(),
		})
		return false, StepResult{
			Outcome:    StepBlocked,
			RunStatus:  store.RunPaused,
			RunNodeID:  node.ID,
			NodeKey:    node.NodeKey,
			Attempt:    node.Attempt,
			NodeStatus: store.NodePending,
			Reason:     "paused",
		}, nil
	}

	// Retries exhausted (or the run left running): fail the node and the
	// run.
	if current.Status == store.NodeRunning {
		if err := ex.st.TransitionRunNode(ctx, node.ID, store.NodeRunning, node.Attempt, store.NodeFailed, store.NodeChange{
			SetCompleted: true,
		}); err != nil && !errors.Is(err, store.ErrPrecondition) {
			return false, StepResult{}, err
		}
	}

	runStatus, err := ex.driveTerminal(ctx, runID, store.RunFailed, opts)
	if err != nil {
		return false, StepResult{}, err
	}

	ex.emit(runID, node.NodeKey, node.Attempt, "node failed", map[string]interface{}{
		"error": execErr.Error(),
	})

	return false, StepResult{
		Outcome:    StepExecuted,
		RunStatus:  runStatus,
		RunNodeID:  node.ID,
		NodeKey:    node.NodeKey,
		Attempt:    node.Attempt,
		NodeStatus: store.NodeFailed,
	}, nil
}

// pruneUnreachable marks pending nodes with no live path as skipped,
// repeating until a fixed point since each skip can strand more targets.
//
// An incoming edge is dead when its source is completed and routed through
// a different edge, or the source is skipped, cancelled, or failed.
func (ex *Executor) pruneUnreachable(ctx context.Context, runID int64) error {
	for {
		view, err := ex.loadRunView(ctx, runID)
		if err != nil {
			return err
		}

		pruned := false
		for _, n := range view.nodes {
			if n.Status != store.NodePending {
				continue
			}
			incoming := view.proj.IncomingEdgesByTarget[n.TreeNodeID]
			if len(incoming) == 0 {
				continue
			}

			allDead := true
			for _, edge := range incoming {
				src, ok := view.byTree[edge.SourceNodeID]
				if !ok {
					continue
				}
				switch src.Status {
				case store.NodeSkipped, store.NodeCancelled, store.NodeFailed:
					// Dead source.
				case store.NodeCompleted:
					selected, hasSelection := view.proj.SelectedEdgeBySource[src.TreeNodeID]
					if !hasSelection || selected.ID == edge.ID {
						// Unresolved routing or routed through this very
						// edge keeps the path alive.
						if view.proj.UnresolvedSources[src.TreeNodeID] || (hasSelection && selected.ID == edge.ID) {
							allDead = false
						}
					}
				default:
					allDead = false
				}
				if !allDead {
					break
				}
			}

			if allDead {
				err := ex.st.TransitionRunNode(ctx, n.ID, store.NodePending, n.Attempt, store.NodeSkipped, store.NodeChange{})
				if err != nil {
					if errors.Is(err, store.ErrPrecondition) {
						continue
					}
					return err
				}
				pruned = true
				ex.emit(runID, n.NodeKey, n.Attempt, "node skipped", nil)
			}
		}

		if !pruned {
			return nil
		}
	}
}

// recomputeRunStatus settles the run status from the latest node attempts:
// a no-route decision or any failed node fails the run; remaining work keeps
// it running; otherwise it completes.
func (ex *Executor) recomputeRunStatus(ctx context.Context, runID int64, opts StepOptions) (store.RunStatus, error) {
	view, err := ex.loadRunView(ctx, runID)
	if err != nil {
		return "", err
	}
	if view.run.Status.Terminal() {
		return view.run.Status, nil
	}

	if view.proj.HasNoRouteDecision {
		return ex.driveTerminal(ctx, runID, store.RunFailed, opts)
	}

	var anyFailed, anyActive bool
	for _, n := range view.nodes {
		switch n.Status {
		case store.NodeFailed:
			anyFailed = true
		case store.NodePending, store.NodeRunning:
			anyActive = true
		}
	}

	switch {
	case anyFailed:
		return ex.driveTerminal(ctx, runID, store.RunFailed, opts)
	case anyActive:
		status, err := transitionRunToCurrent(ctx, ex.st, runID, store.RunRunning)
		if err != nil && !errors.Is(err, store.ErrPrecondition) {
			return "", err
		}
		return status, nil
	default:
		return ex.driveTerminal(ctx, runID, store.RunCompleted, opts)
	}
}

// ExecuteRun drives a run until it blocks, settles, or hits the step limit.
//
// Every step that executes a node counts toward maxSteps (zero means
// DefaultMaxSteps); exceeding the limit fails the run via
// failRunOnIterationLimit so a cyclic graph cannot spin forever.
func (ex *Executor) ExecuteRun(ctx context.Context, runID int64, opts StepOptions, maxSteps int) (StepResult, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	steps := 0
	for {
		res, err := ex.ExecuteNextRunnableNode(ctx, runID, opts)
		if err != nil {
			return StepResult{}, err
		}
		if res.Outcome != StepExecuted {
			return res, nil
		}
		if res.RunStatus.Terminal() {
			return StepResult{Outcome: StepRunTerminal, RunStatus: res.RunStatus}, nil
		}

		steps++
		if steps >= maxSteps {
			return ex.failRunOnIterationLimit(ctx, runID, res, opts, maxSteps)
		}
	}
}

// failRunOnIterationLimit stops a runaway run: the most relevant node gets a
// failure artifact and diagnostics describing the limit, and the run is
// driven to failed.
func (ex *Executor) failRunOnIterationLimit(ctx context.Context, runID int64, last StepResult, opts StepOptions, maxSteps int) (StepResult, error) {
	limitErr := NewError(KindInternal, "ITERATION_LIMIT_EXCEEDED",
		"run %d exceeded the execution step limit of %d", runID, maxSteps)

	view, err := ex.loadRunView(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}

	// Most relevant node: the next runnable, else a running node, else the
	// last executed one.
	target := store.RunNode{ID: last.RunNodeID, NodeKey: last.NodeKey, Attempt: last.Attempt}
	if next, _ := view.nextRunnable(); next != nil {
		target = *next
	} else {
		for _, n := range view.nodes {
			if n.Status == store.NodeRunning {
				target = n
				break
			}
		}
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"errorName":     "iteration_limit_exceeded",
		"failureReason": limitErr.Message,
		"maxSteps":      maxSteps,
	})
	if _, err := ex.st.InsertArtifact(ctx, store.PhaseArtifact{
		RunID:        runID,
		RunNodeID:    target.ID,
		ArtifactType: "log",
		ContentType:  "text",
		Content:      limitErr.Message,
		Metadata:     string(meta),
	}); err != nil {
		return StepResult{}, err
	}

	if current, err := ex.st.GetRunNode(ctx, target.ID); err == nil && current.Status == store.NodeRunning {
		if err := ex.st.TransitionRunNode(ctx, target.ID, store.NodeRunning, current.Attempt, store.NodeFailed, store.NodeChange{
			SetCompleted: true,
		}); err != nil && !errors.Is(err, store.ErrPrecondition) {
			return StepResult{}, err
		}
	}

	recorder := newDiagnosticsRecorder(ex.st, runID, target.ID, target.Attempt)
	if ferr := recorder.finalize(ctx, "failed", string(store.NodeFailed), limitErr); ferr != nil {
		ex.emit(runID, target.NodeKey, target.Attempt, "diagnostics write failed", map[string]interface{}{
			"error": ferr.Error(),
		})
	}

	status, err := ex.driveTerminal(ctx, runID, store.RunFailed, opts)
	if err != nil {
		return StepResult{}, err
	}

	ex.emit(runID, target.NodeKey, target.Attempt, "iteration limit exceeded", map[string]interface{}{
		"max_steps": maxSteps,
	})

	return StepResult{Outcome: StepRunTerminal, RunStatus: status}, nil
}
