package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alphred-ai/alphred/workflow/provider"
	"github.com/alphred-ai/alphred/workflow/store"
)

// Background tasks open their own store sessions, so these tests use a
// file-backed database instead of :memory:.
func fileStoreConfig(t *testing.T) store.Config {
	t.Helper()
	return store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "alphred-test.db"),
	}
}

func openFileStore(t *testing.T, cfg store.Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// gatedRunner blocks every phase until release is closed, so tests can hold
// a background task in flight.
type gatedRunner struct {
	release chan struct{}
}

func (r *gatedRunner) Name() string { return "mock" }

func (r *gatedRunner) RunPhase(ctx context.Context, req provider.PhaseRequest) (provider.Result, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return provider.Result{}, ctx.Err()
	}
	return provider.Result{Report: "done"}, nil
}

func TestManagerEnqueueSingleFlight(t *testing.T) {
	cfg := fileStoreConfig(t)
	st := openFileStore(t, cfg)
	publishTree(t, st, "bg", linearDef("mock"))
	runID := materialize(t, st, "bg")

	gate := &gatedRunner{release: make(chan struct{})}
	mgr := NewManager(cfg, registryWith(gate))

	if !mgr.Enqueue(runID, EnqueueOptions{}) {
		t.Fatal("first Enqueue() = false, want true")
	}
	if mgr.Enqueue(runID, EnqueueOptions{}) {
		t.Error("second Enqueue() = true, want false while task in flight")
	}
	if !mgr.Has(runID) || mgr.Count() != 1 {
		t.Errorf("Has = %v, Count = %d, want true/1", mgr.Has(runID), mgr.Count())
	}

	close(gate.release)
	mgr.Wait(runID)

	if mgr.Has(runID) {
		t.Error("Has() = true after task finished")
	}

	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}

	// A finished run can be re-enqueued; the task observes the terminal
	// state and exits without error.
	if !mgr.Enqueue(runID, EnqueueOptions{}) {
		t.Error("Enqueue() after completion = false, want true")
	}
	mgr.Wait(runID)
}

func TestManagerEnsureReschedules(t *testing.T) {
	cfg := fileStoreConfig(t)
	st := openFileStore(t, cfg)
	publishTree(t, st, "bg-ensure", linearDef("mock"))
	runID := materialize(t, st, "bg-ensure")

	gate := &gatedRunner{release: make(chan struct{})}
	mgr := NewManager(cfg, registryWith(gate))

	if !mgr.Enqueue(runID, EnqueueOptions{}) {
		t.Fatal("Enqueue() = false")
	}
	// Second and third Ensure while in flight: one reschedule registered,
	// duplicates collapse.
	mgr.Ensure(runID, EnqueueOptions{})
	mgr.Ensure(runID, EnqueueOptions{})

	close(gate.release)
	mgr.Wait(runID)

	// The first task drains the whole run, so the rescheduled task sees a
	// completed run and does not restart it. Wait for the reschedule
	// goroutine to settle.
	deadline := time.After(5 * time.Second)
	for mgr.Count() > 0 {
		select {
		case <-deadline:
			t.Fatal("background tasks never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}

	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
}

type recordingWorktree struct {
	mu       sync.Mutex
	prepared []string
	cleaned  []string
}

func (w *recordingWorktree) Prepare(ctx context.Context, runID int64, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prepared = append(w.prepared, path)
	return nil
}

func (w *recordingWorktree) Cleanup(ctx context.Context, runID int64, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleaned = append(w.cleaned, path)
	return nil
}

func TestManagerWorktreeLifecycle(t *testing.T) {
	cfg := fileStoreConfig(t)
	st := openFileStore(t, cfg)
	publishTree(t, st, "bg-wt", linearDef("mock"))
	runID := materialize(t, st, "bg-wt")

	ctx := context.Background()
	wtPath := filepath.Join(t.TempDir(), "wt")
	if _, err := st.InsertWorktree(ctx, store.Worktree{RunID: runID, RepositoryID: 1, Path: wtPath}); err != nil {
		t.Fatalf("InsertWorktree() error = %v", err)
	}

	wt := &recordingWorktree{}
	mgr := NewManager(cfg, registryWith(&provider.MockRunner{Default: provider.MockOutcome{Report: "done"}}),
		WithWorktreeManager(wt))

	execCtx, err := mgr.ResolveRunExecutionContext(runID)
	if err != nil {
		t.Fatalf("ResolveRunExecutionContext() error = %v", err)
	}
	if !execCtx.HasManagedWorktree || execCtx.WorkingDirectory != wtPath {
		t.Fatalf("execution context = %+v, want managed worktree at %s", execCtx, wtPath)
	}

	mgr.Enqueue(runID, EnqueueOptions{
		WorkingDirectory:   execCtx.WorkingDirectory,
		HasManagedWorktree: execCtx.HasManagedWorktree,
		CleanupWorktree:    true,
	})
	mgr.Wait(runID)

	wt.mu.Lock()
	defer wt.mu.Unlock()
	if len(wt.prepared) != 1 || wt.prepared[0] != wtPath {
		t.Errorf("prepared = %v, want [%s]", wt.prepared, wtPath)
	}
	if len(wt.cleaned) != 1 || wt.cleaned[0] != wtPath {
		t.Errorf("cleaned = %v, want [%s]", wt.cleaned, wtPath)
	}
}

func TestManagerResolveContextWithoutWorktree(t *testing.T) {
	cfg := fileStoreConfig(t)
	st := openFileStore(t, cfg)
	publishTree(t, st, "bg-cwd", linearDef("mock"))
	runID := materialize(t, st, "bg-cwd")

	mgr := NewManager(cfg, registryWith(&provider.MockRunner{}))
	execCtx, err := mgr.ResolveRunExecutionContext(runID)
	if err != nil {
		t.Fatalf("ResolveRunExecutionContext() error = %v", err)
	}
	if execCtx.HasManagedWorktree {
		t.Error("HasManagedWorktree = true, want false")
	}
	if execCtx.WorkingDirectory == "" {
		t.Error("WorkingDirectory empty, want process cwd")
	}
}

func TestMarkRunTerminalAfterBackgroundFailure(t *testing.T) {
	cfg := fileStoreConfig(t)
	st := openFileStore(t, cfg)
	publishTree(t, st, "bg-term", linearDef("mock"))
	ctx := context.Background()

	mgr := NewManager(cfg, registryWith(&provider.MockRunner{}))

	t.Run("pending run cancelled", func(t *testing.T) {
		runID := materialize(t, st, "bg-term")
		mgr.markRunTerminalAfterBackgroundFailure(runID)
		run, _ := st.GetRun(ctx, runID)
		if run.Status != store.RunCancelled {
			t.Errorf("status = %s, want cancelled", run.Status)
		}
	})

	t.Run("running run failed", func(t *testing.T) {
		runID := materialize(t, st, "bg-term")
		if err := st.TransitionRun(ctx, runID, store.RunPending, store.RunRunning); err != nil {
			t.Fatal(err)
		}
		mgr.markRunTerminalAfterBackgroundFailure(runID)
		run, _ := st.GetRun(ctx, runID)
		if run.Status != store.RunFailed {
			t.Errorf("status = %s, want failed", run.Status)
		}
	})

	t.Run("terminal run untouched", func(t *testing.T) {
		runID := materialize(t, st, "bg-term")
		if err := st.TransitionRun(ctx, runID, store.RunPending, store.RunCancelled); err != nil {
			t.Fatal(err)
		}
		mgr.markRunTerminalAfterBackgroundFailure(runID)
		run, _ := st.GetRun(ctx, runID)
		if run.Status != store.RunCancelled {
			t.Errorf("status = %s, want cancelled", run.Status)
		}
	})
}
