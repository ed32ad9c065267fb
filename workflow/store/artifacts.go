package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertArtifact persists an artifact produced by a run-node attempt and
// returns its id.
func (s *Store) InsertArtifact(ctx context.Context, a PhaseArtifact) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	now := timestamp(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_artifacts (run_id, run_node_id, artifact_type, content_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.RunNodeID, a.ArtifactType, a.ContentType, a.Content, a.Metadata, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact id: %w", err)
	}
	return id, nil
}

// LatestArtifactsByRunNode returns, for each run-node of the run that has at
// least one artifact, a reference to the artifact with the highest id.
func (s *Store) LatestArtifactsByRunNode(ctx context.Context, runID int64) (map[int64]ArtifactRef, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.run_node_id, a.id, a.created_at
		FROM phase_artifacts a
		JOIN (
			SELECT run_node_id, MAX(id) AS max_id
			FROM phase_artifacts
			WHERE run_id = ?
			GROUP BY run_node_id
		) latest ON a.id = latest.max_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	refs := make(map[int64]ArtifactRef)
	for rows.Next() {
		var (
			runNodeID int64
			ref       ArtifactRef
			createdAt string
		)
		if err := rows.Scan(&runNodeID, &ref.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact ref: %w", err)
		}
		if ref.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse artifact created_at: %w", err)
		}
		refs[runNodeID] = ref
	}

	return refs, rows.Err()
}

// LatestReportArtifact returns the newest report-type artifact of a run-node,
// or ErrNotFound when the node has produced none.
func (s *Store) LatestReportArtifact(ctx context.Context, runNodeID int64) (PhaseArtifact, error) {
	if err := s.guard(); err != nil {
		return PhaseArtifact{}, err
	}

	var (
		a         PhaseArtifact
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, run_node_id, artifact_type, content_type, content, metadata, created_at
		FROM phase_artifacts
		WHERE run_node_id = ? AND artifact_type = 'report'
		ORDER BY id DESC
		LIMIT 1`, runNodeID,
	).Scan(&a.ID, &a.RunID, &a.RunNodeID, &a.ArtifactType, &a.ContentType, &a.Content, &a.Metadata, &createdAt)
	if err == sql.ErrNoRows {
		return PhaseArtifact{}, ErrNotFound
	}
	if err != nil {
		return PhaseArtifact{}, fmt.Errorf("failed to load report artifact: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return PhaseArtifact{}, fmt.Errorf("failed to parse artifact created_at: %w", err)
	}
	return a, nil
}

// InsertRoutingDecision persists a routing signal for a run-node attempt and
// returns its id.
func (s *Store) InsertRoutingDecision(ctx context.Context, d RoutingDecision) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var attempt interface{}
	if d.Attempt != nil {
		attempt = *d.Attempt
	}

	now := timestamp(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (run_id, run_node_id, decision_type, rationale, attempt, raw_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.RunNodeID, d.DecisionType, d.Rationale, attempt, d.RawOutput, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert routing decision: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read routing decision id: %w", err)
	}
	return id, nil
}

// LatestRoutingDecisions returns, for each run-node of the run that has at
// least one routing decision, the newest decision by (created_at, id).
func (s *Store) LatestRoutingDecisions(ctx context.Context, runID int64) (map[int64]RoutingDecision, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, run_node_id, decision_type, rationale, attempt, raw_output, created_at
		FROM routing_decisions
		WHERE run_id = ?
		ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Ascending order means the last row scanned per run-node wins.
	decisions := make(map[int64]RoutingDecision)
	for rows.Next() {
		var (
			d         RoutingDecision
			attempt   sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.RunNodeID, &d.DecisionType, &d.Rationale, &attempt, &d.RawOutput, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}
		if attempt.Valid {
			v := int(attempt.Int64)
			d.Attempt = &v
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse decision created_at: %w", err)
		}
		decisions[d.RunNodeID] = d
	}

	return decisions, rows.Err()
}
