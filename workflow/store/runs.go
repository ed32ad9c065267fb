package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateRunWithNodes materializes a run for a tree: one workflow_runs row in
// status pending plus one pending run_nodes row per tree node, all inside a
// single transaction.
func (s *Store) CreateRunWithNodes(ctx context.Context, treeID int64) (int64, error) {
	nodes, err := s.TreeNodes(ctx, treeID)
	if err != nil {
		return 0, err
	}

	now := timestamp(s.now())
	var runID int64

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (tree_id, status, started_at, completed_at, created_at, updated_at)
			VALUES (?, ?, NULL, NULL, ?, ?)`,
			treeID, string(RunPending), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		runID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read run id: %w", err)
		}

		for _, n := range nodes {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO run_nodes
					(run_id, tree_node_id, node_key, status, attempt, sequence_index, started_at, completed_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, NULL, NULL, ?, ?)`,
				runID, n.ID, n.NodeKey, string(NodePending), n.SequenceIndex, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert run node %q: %w", n.NodeKey, err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return runID, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID int64) (WorkflowRun, error) {
	if err := s.guard(); err != nil {
		return WorkflowRun{}, err
	}

	var (
		r                      WorkflowRun
		status                 string
		startedAt, completedAt sql.NullString
		createdAt, updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tree_id, status, started_at, completed_at, created_at, updated_at
		FROM workflow_runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.TreeID, &status, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return WorkflowRun{}, fmt.Errorf("failed to load run: %w", err)
	}
	r.Status = RunStatus(status)
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return WorkflowRun{}, fmt.Errorf("failed to parse run started_at: %w", err)
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return WorkflowRun{}, fmt.Errorf("failed to parse run completed_at: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return WorkflowRun{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return WorkflowRun{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	return r, nil
}

// TransitionRun moves a run from one status to another.
//
// The update is guarded on the expected current status: a row count other
// than one yields ErrPrecondition. Entering running sets started_at (first
// time only); entering a terminal status sets completed_at.
func (s *Store) TransitionRun(ctx context.Context, runID int64, from, to RunStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.transitionRunExec(ctx, s.db, runID, from, to)
}

// execer abstracts *sql.DB and *sql.Tx for guarded updates that participate
// in larger transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) transitionRunExec(ctx context.Context, db execer, runID int64, from, to RunStatus) error {
	now := timestamp(s.now())

	query := "UPDATE workflow_runs SET status = ?, updated_at = ?"
	args := []interface{}{string(to), now}

	if to == RunRunning {
		query += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	}
	if to.Terminal() {
		query += ", completed_at = ?"
		args = append(args, now)
	}

	query += " WHERE id = ? AND status = ?"
	args = append(args, runID, string(from))

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition run %d %s->%s: %w", runID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return ErrPrecondition
	}
	return nil
}

// RunNodes loads all run-nodes of a run ordered by
// (sequence_index, node_key, id).
func (s *Store) RunNodes(ctx context.Context, runID int64) ([]RunNode, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tree_node_id, node_key, status, attempt, sequence_index,
		       started_at, completed_at, created_at, updated_at
		FROM run_nodes
		WHERE run_id = ?
		ORDER BY sequence_index ASC, node_key ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []RunNode
	for rows.Next() {
		n, err := scanRunNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// GetRunNode loads a run-node by id.
func (s *Store) GetRunNode(ctx context.Context, id int64) (RunNode, error) {
	if err := s.guard(); err != nil {
		return RunNode{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tree_node_id, node_key, status, attempt, sequence_index,
		       started_at, completed_at, created_at, updated_at
		FROM run_nodes WHERE id = ?`, id)
	if err != nil {
		return RunNode{}, fmt.Errorf("failed to query run node: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return RunNode{}, err
		}
		return RunNode{}, ErrNotFound
	}
	return scanRunNode(rows)
}

func scanRunNode(rows *sql.Rows) (RunNode, error) {
	var (
		n                      RunNode
		status                 string
		startedAt, completedAt sql.NullString
		createdAt, updatedAt   string
	)
	if err := rows.Scan(
		&n.ID, &n.RunID, &n.TreeNodeID, &n.NodeKey, &status, &n.Attempt, &n.SequenceIndex,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	); err != nil {
		return RunNode{}, fmt.Errorf("failed to scan run node: %w", err)
	}
	n.Status = NodeStatus(status)
	var err error
	if n.StartedAt, err = parseNullTime(startedAt); err != nil {
		return RunNode{}, fmt.Errorf("failed to parse node started_at: %w", err)
	}
	if n.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return RunNode{}, fmt.Errorf("failed to parse node completed_at: %w", err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return RunNode{}, fmt.Errorf("failed to parse node created_at: %w", err)
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return RunNode{}, fmt.Errorf("failed to parse node updated_at: %w", err)
	}
	return n, nil
}

// NodeChange describes the side effects of a run-node transition beyond the
// status itself.
type NodeChange struct {
	// IncrementAttempt bumps attempt by one atomically with the status
	// change (retries and revisits).
	IncrementAttempt bool

	// SetStarted stamps started_at with now; ClearStarted nulls it.
	SetStarted   bool
	ClearStarted bool

	// SetCompleted stamps completed_at with now; ClearCompleted nulls it.
	SetCompleted   bool
	ClearCompleted bool
}

// TransitionRunNode moves a run-node from one (status, attempt) pair to a
// new status, optionally incrementing attempt and adjusting timestamps in
// the same update.
//
// The update is guarded on both the expected status and the expected
// attempt; a row count other than one yields ErrPrecondition. This is the
// only way run-node status or attempt ever changes.
func (s *Store) TransitionRunNode(ctx context.Context, nodeID int64, from NodeStatus, fromAttempt int, to NodeStatus, change NodeChange) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.transitionRunNodeExec(ctx, s.db, nodeID, from, fromAttempt, to, change)
}

func (s *Store) transitionRunNodeExec(ctx context.Context, db execer, nodeID int64, from NodeStatus, fromAttempt int, to NodeStatus, change NodeChange) error {
	now := timestamp(s.now())

	query := "UPDATE run_nodes SET status = ?, updated_at = ?"
	args := []interface{}{string(to), now}

	if change.IncrementAttempt {
		query += ", attempt = attempt + 1"
	}
	switch {
	case change.SetStarted:
		query += ", started_at = ?"
		args = append(args, now)
	case change.ClearStarted:
		query += ", started_at = NULL"
	}
	switch {
	case change.SetCompleted:
		query += ", completed_at = ?"
		args = append(args, now)
	case change.ClearCompleted:
		query += ", completed_at = NULL"
	}

	query += " WHERE id = ? AND status = ? AND attempt = ?"
	args = append(args, nodeID, string(from), fromAttempt)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition run node %d %s->%s: %w", nodeID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return ErrPrecondition
	}
	return nil
}

// RequeueFailedAndResume implements the retry control's storage half: inside
// one transaction, every latest-attempt failed run-node is requeued
// (failed -> pending, attempt+1, timestamps cleared) and the run itself
// moves failed -> running.
//
// Returns the requeued run-node ids, or ErrNotFound when the run has no
// failed latest-attempt nodes. Any precondition failure rolls the whole
// transaction back.
func (s *Store) RequeueFailedAndResume(ctx context.Context, runID int64) ([]int64, error) {
	nodes, err := s.RunNodes(ctx, runID)
	if err != nil {
		return nil, err
	}

	type target struct {
		id      int64
		attempt int
	}
	var targets []target
	for _, n := range nodes {
		if n.Status == NodeFailed {
			targets = append(targets, target{id: n.ID, attempt: n.Attempt})
		}
	}
	if len(targets) == 0 {
		return nil, ErrNotFound
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range targets {
			err := s.transitionRunNodeExec(ctx, tx, t.id, NodeFailed, t.attempt, NodePending, NodeChange{
				IncrementAttempt: true,
				ClearStarted:     true,
				ClearCompleted:   true,
			})
			if err != nil {
				return err
			}
		}
		return s.transitionRunExec(ctx, tx, runID, RunFailed, RunRunning)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(targets))
	for i, t := range targets {
		ids[i] = t.id
	}
	return ids, nil
}
