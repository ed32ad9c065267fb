package workflow

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/alphred-ai/alphred/workflow/emit"
	"github.com/alphred-ai/alphred/workflow/provider"
	"github.com/alphred-ai/alphred/workflow/store"
)

// WorktreeManager prepares and cleans up a run's managed worktree around a
// background execution.
type WorktreeManager interface {
	// Prepare is called before execution starts, with the worktree path.
	Prepare(ctx context.Context, runID int64, path string) error

	// Cleanup is called after execution finishes when cleanup was
	// requested at enqueue time.
	Cleanup(ctx context.Context, runID int64, path string) error
}

// ExecutionContext describes where a background run executes.
type ExecutionContext struct {
	WorkingDirectory   string
	HasManagedWorktree bool
}

// EnqueueOptions configures one background run task.
type EnqueueOptions struct {
	WorkingDirectory   string
	HasManagedWorktree bool
	CleanupWorktree    bool

	// BasePermissions and MaxSteps are forwarded to the executor.
	BasePermissions provider.Permissions
	MaxSteps        int
}

// Manager drives runs to completion in the background with single-flight
// semantics: at most one in-flight task per run id.
//
// Each task opens its own store session so its lifecycle is detached from
// the request that launched it. This is the only place a run is driven to a
// terminal state asynchronously.
type Manager struct {
	cfg      store.Config
	resolver provider.Resolver
	emitter  emit.Emitter
	metrics  *Metrics
	worktree WorktreeManager

	mu         sync.Mutex
	inflight   map[int64]*task
	rescheduled map[int64]bool
}

type task struct {
	done chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerEmitter attaches an observability emitter.
func WithManagerEmitter(e emit.Emitter) ManagerOption {
	return func(m *Manager) { m.emitter = e }
}

// WithManagerMetrics attaches a metrics recorder.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithWorktreeManager attaches a worktree manager constructed for runs that
// carry a managed worktree.
func WithWorktreeManager(w WorktreeManager) ManagerOption {
	return func(m *Manager) { m.worktree = w }
}

// NewManager creates a background execution manager. Each task opens a
// fresh store from cfg.
func NewManager(cfg store.Config, resolver provider.Resolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:         cfg,
		resolver:    resolver,
		emitter:     &emit.NullEmitter{},
		inflight:    make(map[int64]*task),
		rescheduled: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue starts a background task for the run unless one is already in
// flight. Returns false when the run already has a task.
func (m *Manager) Enqueue(runID int64, opts EnqueueOptions) bool {
	m.mu.Lock()
	if _, exists := m.inflight[runID]; exists {
		m.mu.Unlock()
		return false
	}
	t := &task{done: make(chan struct{})}
	m.inflight[runID] = t
	m.mu.Unlock()

	m.metrics.observeBackgroundDelta(1)

	go func() {
		defer func() {
			close(t.done)
			m.metrics.observeBackgroundDelta(-1)
			m.mu.Lock()
			// Remove only if still ours so a re-entry that replaced the
			// slot is not orphaned.
			if m.inflight[runID] == t {
				delete(m.inflight, runID)
			}
			m.mu.Unlock()
		}()
		m.execute(runID, opts)
	}()

	return true
}

// Ensure guarantees the run will be (re)executed: if a task is already in
// flight it schedules a once-only reschedule that waits for the current
// task, re-reads the run, and enqueues a fresh task when the run is still
// running.
func (m *Manager) Ensure(runID int64, opts EnqueueOptions) {
	if m.Enqueue(runID, opts) {
		return
	}

	m.mu.Lock()
	current, exists := m.inflight[runID]
	if !exists {
		m.mu.Unlock()
		m.Enqueue(runID, opts)
		return
	}
	if m.rescheduled[runID] {
		m.mu.Unlock()
		return
	}
	m.rescheduled[runID] = true
	m.mu.Unlock()

	go func() {
		<-current.done

		m.mu.Lock()
		delete(m.rescheduled, runID)
		m.mu.Unlock()

		ctx := context.Background()
		st, err := store.Open(m.cfg)
		if err != nil {
			m.emitter.Emit(emit.Event{RunID: runID, Msg: "reschedule store open failed", Meta: map[string]interface{}{"error": err.Error()}})
			return
		}
		run, err := st.GetRun(ctx, runID)
		_ = st.Close()
		if err != nil || run.Status != store.RunRunning {
			return
		}

		execCtx, err := m.ResolveRunExecutionContext(runID)
		if err != nil {
			m.emitter.Emit(emit.Event{RunID: runID, Msg: "reschedule context resolution failed", Meta: map[string]interface{}{"error": err.Error()}})
			return
		}
		opts.WorkingDirectory = execCtx.WorkingDirectory
		opts.HasManagedWorktree = execCtx.HasManagedWorktree
		m.Enqueue(runID, opts)
	}()
}

// ResolveRunExecutionContext determines where a run executes: the latest
// active worktree when one exists, the process working directory otherwise.
func (m *Manager) ResolveRunExecutionContext(runID int64) (ExecutionContext, error) {
	st, err := store.Open(m.cfg)
	if err != nil {
		return ExecutionContext{}, err
	}
	defer func() { _ = st.Close() }()

	wt, err := st.LatestActiveWorktree(context.Background(), runID)
	if err == nil {
		return ExecutionContext{WorkingDirectory: wt.Path, HasManagedWorktree: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ExecutionContext{}, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ExecutionContext{}, err
	}
	return ExecutionContext{WorkingDirectory: cwd}, nil
}

// Count returns the number of in-flight background tasks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Has reports whether the run currently has an in-flight task.
func (m *Manager) Has(runID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[runID]
	return ok
}

// Wait blocks until the run's current task (if any) finishes. Intended for
// tests and graceful shutdown.
func (m *Manager) Wait(runID int64) {
	m.mu.Lock()
	t, ok := m.inflight[runID]
	m.mu.Unlock()
	if ok {
		<-t.done
	}
}

// execute is the body of one background task.
func (m *Manager) execute(runID int64, opts EnqueueOptions) {
	ctx := context.Background()

	st, err := store.Open(m.cfg)
	if err != nil {
		m.emitter.Emit(emit.Event{RunID: runID, Msg: "background store open failed", Meta: map[string]interface{}{"error": err.Error()}})
		m.markRunTerminalAfterBackgroundFailure(runID)
		return
	}
	defer func() { _ = st.Close() }()

	if opts.HasManagedWorktree && m.worktree != nil {
		if err := m.worktree.Prepare(ctx, runID, opts.WorkingDirectory); err != nil {
			m.emitter.Emit(emit.Event{RunID: runID, Msg: "worktree prepare failed", Meta: map[string]interface{}{"error": err.Error()}})
			m.markRunTerminalAfterBackgroundFailure(runID)
			return
		}
	}

	executor := NewExecutor(st, m.resolver, WithEmitter(m.emitter), WithMetrics(m.metrics))
	res, err := executor.ExecuteRun(ctx, runID, StepOptions{
		WorkingDirectory: opts.WorkingDirectory,
		BasePermissions:  opts.BasePermissions,
	}, opts.MaxSteps)
	if err != nil {
		m.emitter.Emit(emit.Event{RunID: runID, Msg: "background execution failed", Meta: map[string]interface{}{"error": err.Error()}})
		m.markRunTerminalAfterBackgroundFailure(runID)
	} else {
		m.emitter.Emit(emit.Event{RunID: runID, Msg: "background execution finished", Meta: map[string]interface{}{
			"outcome":    string(res.Outcome),
			"run_status": string(res.RunStatus),
		}})
	}

	if opts.CleanupWorktree && opts.HasManagedWorktree && m.worktree != nil {
		if err := m.worktree.Cleanup(ctx, runID, opts.WorkingDirectory); err != nil {
			m.emitter.Emit(emit.Event{RunID: runID, Msg: "worktree cleanup failed", Meta: map[string]interface{}{"error": err.Error()}})
		}
	}
}

// markRunTerminalAfterBackgroundFailure settles a run whose background task
// died: pending and paused runs are cancelled, running runs are failed.
// Precondition failures mean someone else already moved the run and are
// swallowed; nothing here is ever re-raised.
func (m *Manager) markRunTerminalAfterBackgroundFailure(runID int64) {
	ctx := context.Background()

	st, err := store.Open(m.cfg)
	if err != nil {
		m.emitter.Emit(emit.Event{RunID: runID, Msg: "terminal cleanup store open failed", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	defer func() { _ = st.Close() }()

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		m.emitter.Emit(emit.Event{RunID: runID, Msg: "terminal cleanup read failed", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}

	var target store.RunStatus
	switch run.Status {
	case store.RunPending, store.RunPaused:
		target = store.RunCancelled
	case store.RunRunning:
		target = store.RunFailed
	default:
		return
	}

	if err := st.TransitionRun(ctx, runID, run.Status, target); err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			return
		}
		m.emitter.Emit(emit.Event{RunID: runID, Msg: "terminal cleanup transition failed", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	m.metrics.observeRunTransition(string(target))
}
