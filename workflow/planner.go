package workflow

import (
	"context"
	"errors"

	"github.com/alphred-ai/alphred/workflow/emit"
	"github.com/alphred-ai/alphred/workflow/store"
)

// Planner materializes runs from published workflow trees.
type Planner struct {
	st      *store.Store
	emitter emit.Emitter
}

// NewPlanner creates a planner. Emitter may be nil.
func NewPlanner(st *store.Store, emitter emit.Emitter) *Planner {
	if emitter == nil {
		emitter = &emit.NullEmitter{}
	}
	return &Planner{st: st, emitter: emitter}
}

// MaterializeRun creates a pending run for the latest published version of
// treeKey, with one pending run-node per tree node, and returns the run id.
func (p *Planner) MaterializeRun(ctx context.Context, treeKey string) (int64, error) {
	if treeKey == "" {
		return 0, NewError(KindInvalidRequest, "WORKFLOW_TREE_KEY_REQUIRED", "tree key must not be empty")
	}

	tree, err := p.st.LatestPublishedTree(ctx, treeKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, NewError(KindNotFound, "WORKFLOW_TREE_NOT_FOUND",
				"no published workflow tree for key %q", treeKey)
		}
		return 0, err
	}

	runID, err := p.st.CreateRunWithNodes(ctx, tree.ID)
	if err != nil {
		return 0, err
	}

	p.emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   "run materialized",
		Meta: map[string]interface{}{
			"tree_key":     treeKey,
			"tree_version": tree.Version,
		},
	})

	return runID, nil
}
