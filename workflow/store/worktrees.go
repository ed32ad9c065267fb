package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertWorktree records a repository worktree attached to a run.
func (s *Store) InsertWorktree(ctx context.Context, w Worktree) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	status := w.Status
	if status == "" {
		status = "active"
	}

	now := timestamp(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_worktrees (run_id, repository_id, path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.RunID, w.RepositoryID, w.Path, status, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert worktree: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read worktree id: %w", err)
	}
	return id, nil
}

// LatestActiveWorktree returns the newest active worktree of a run, or
// ErrNotFound when the run has none.
func (s *Store) LatestActiveWorktree(ctx context.Context, runID int64) (Worktree, error) {
	if err := s.guard(); err != nil {
		return Worktree{}, err
	}

	var (
		w                    Worktree
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, repository_id, path, status, created_at, updated_at
		FROM run_worktrees
		WHERE run_id = ? AND status = 'active'
		ORDER BY id DESC
		LIMIT 1`, runID,
	).Scan(&w.ID, &w.RunID, &w.RepositoryID, &w.Path, &w.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Worktree{}, ErrNotFound
	}
	if err != nil {
		return Worktree{}, fmt.Errorf("failed to load worktree: %w", err)
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return Worktree{}, fmt.Errorf("failed to parse worktree created_at: %w", err)
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Worktree{}, fmt.Errorf("failed to parse worktree updated_at: %w", err)
	}
	return w, nil
}

// MarkWorktreeCleaned flips a worktree from active to cleaned.
func (s *Store) MarkWorktreeCleaned(ctx context.Context, worktreeID int64) error {
	if err := s.guard(); err != nil {
		return err
	}

	now := timestamp(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_worktrees SET status = 'cleaned', updated_at = ?
		WHERE id = ? AND status = 'active'`, now, worktreeID)
	if err != nil {
		return fmt.Errorf("failed to mark worktree cleaned: %w", err)
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
