package store

import (
	"context"
	"fmt"
	"strings"
)

// createTables creates the schema if it doesn't exist.
//
// The DDL is shared between dialects except for the auto-increment keyword.
// Timestamps are TEXT in the canonical format; booleans are INTEGER 0/1 so
// both dialects agree on representation.
func (s *Store) createTables(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverMySQL {
		pk = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	tables := []struct {
		name string
		ddl  string
	}{
		{"workflow_trees", `
			CREATE TABLE IF NOT EXISTS workflow_trees (
				id ` + pk + `,
				tree_key VARCHAR(191) NOT NULL,
				version INTEGER NOT NULL,
				status VARCHAR(16) NOT NULL,
				name TEXT NOT NULL,
				draft_revision INTEGER NOT NULL DEFAULT 0,
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL,
				UNIQUE(tree_key, version)
			)`},
		{"prompt_templates", `
			CREATE TABLE IF NOT EXISTS prompt_templates (
				id ` + pk + `,
				tree_id BIGINT NOT NULL,
				name VARCHAR(191) NOT NULL,
				content TEXT NOT NULL,
				content_type VARCHAR(16) NOT NULL DEFAULT 'markdown',
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL
			)`},
		{"guard_definitions", `
			CREATE TABLE IF NOT EXISTS guard_definitions (
				id ` + pk + `,
				tree_id BIGINT NOT NULL,
				expression TEXT NOT NULL,
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL
			)`},
		{"tree_nodes", `
			CREATE TABLE IF NOT EXISTS tree_nodes (
				id ` + pk + `,
				tree_id BIGINT NOT NULL,
				node_key VARCHAR(191) NOT NULL,
				node_type VARCHAR(16) NOT NULL,
				node_role VARCHAR(16) NOT NULL DEFAULT 'standard',
				provider VARCHAR(64) NOT NULL DEFAULT '',
				model VARCHAR(128) NOT NULL DEFAULT '',
				execution_permissions TEXT NOT NULL DEFAULT '',
				prompt_template_id BIGINT NULL,
				max_retries INTEGER NOT NULL DEFAULT 0,
				sequence_index INTEGER NOT NULL DEFAULT 0,
				position_x REAL NULL,
				position_y REAL NULL,
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL,
				UNIQUE(tree_id, node_key)
			)`},
		{"tree_edges", `
			CREATE TABLE IF NOT EXISTS tree_edges (
				id ` + pk + `,
				tree_id BIGINT NOT NULL,
				source_node_id BIGINT NOT NULL,
				target_node_id BIGINT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				auto INTEGER NOT NULL DEFAULT 1,
				guard_definition_id BIGINT NULL,
				route_on VARCHAR(16) NOT NULL DEFAULT 'success',
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL,
				UNIQUE(tree_id, source_node_id, route_on, priority)
			)`},
		{"workflow_runs", `
			CREATE TABLE IF NOT EXISTS workflow_runs (
				id ` + pk + `,
				tree_id BIGINT NOT NULL,
				status VARCHAR(16) NOT NULL,
				started_at VARCHAR(32) NULL,
				completed_at VARCHAR(32) NULL,
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL
			)`},
		{"run_nodes", `
			CREATE TABLE IF NOT EXISTS run_nodes (
				id ` + pk + `,
				run_id BIGINT NOT NULL,
				tree_node_id BIGINT NOT NULL,
				node_key VARCHAR(191) NOT NULL,
				status VARCHAR(16) NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 1,
				sequence_index INTEGER NOT NULL DEFAULT 0,
				started_at VARCHAR(32) NULL,
				completed_at VARCHAR(32) NULL,
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL,
				UNIQUE(run_id, tree_node_id)
			)`},
		{"phase_artifacts", `
			CREATE TABLE IF NOT EXISTS phase_artifacts (
				id ` + pk + `,
				run_id BIGINT NOT NULL,
				run_node_id BIGINT NOT NULL,
				artifact_type VARCHAR(32) NOT NULL,
				content_type VARCHAR(16) NOT NULL,
				content TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '',
				created_at VARCHAR(32) NOT NULL
			)`},
		{"routing_decisions", `
			CREATE TABLE IF NOT EXISTS routing_decisions (
				id ` + pk + `,
				run_id BIGINT NOT NULL,
				run_node_id BIGINT NOT NULL,
				decision_type VARCHAR(32) NOT NULL,
				rationale TEXT NOT NULL DEFAULT '',
				attempt INTEGER NULL,
				raw_output TEXT NOT NULL DEFAULT '',
				created_at VARCHAR(32) NOT NULL
			)`},
		{"run_node_diagnostics", `
			CREATE TABLE IF NOT EXISTS run_node_diagnostics (
				id ` + pk + `,
				run_id BIGINT NOT NULL,
				run_node_id BIGINT NOT NULL,
				attempt INTEGER NOT NULL,
				outcome VARCHAR(32) NOT NULL,
				event_count INTEGER NOT NULL DEFAULT 0,
				redacted INTEGER NOT NULL DEFAULT 0,
				truncated INTEGER NOT NULL DEFAULT 0,
				payload_chars INTEGER NOT NULL DEFAULT 0,
				diagnostics TEXT NOT NULL,
				created_at VARCHAR(32) NOT NULL,
				UNIQUE(run_id, run_node_id, attempt)
			)`},
		{"run_node_stream_events", `
			CREATE TABLE IF NOT EXISTS run_node_stream_events (
				id ` + pk + `,
				run_id BIGINT NOT NULL,
				run_node_id BIGINT NOT NULL,
				attempt INTEGER NOT NULL,
				sequence BIGINT NOT NULL,
				event_type VARCHAR(64) NOT NULL,
				timestamp VARCHAR(32) NOT NULL,
				content_chars INTEGER NOT NULL DEFAULT 0,
				content_preview TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '',
				usage_delta_tokens INTEGER NOT NULL DEFAULT 0,
				usage_cumulative_tokens INTEGER NOT NULL DEFAULT 0,
				created_at VARCHAR(32) NOT NULL,
				UNIQUE(run_node_id, attempt, sequence)
			)`},
		{"run_worktrees", `
			CREATE TABLE IF NOT EXISTS run_worktrees (
				id ` + pk + `,
				run_id BIGINT NOT NULL,
				repository_id BIGINT NOT NULL DEFAULT 0,
				path TEXT NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'active',
				created_at VARCHAR(32) NOT NULL,
				updated_at VARCHAR(32) NOT NULL
			)`},
	}

	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tree_nodes_tree ON tree_nodes(tree_id)",
		"CREATE INDEX IF NOT EXISTS idx_tree_edges_tree ON tree_edges(tree_id)",
		"CREATE INDEX IF NOT EXISTS idx_tree_edges_source ON tree_edges(source_node_id, route_on, priority)",
		"CREATE INDEX IF NOT EXISTS idx_runs_tree ON workflow_runs(tree_id)",
		"CREATE INDEX IF NOT EXISTS idx_run_nodes_run ON run_nodes(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_run ON phase_artifacts(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_run_node ON phase_artifacts(run_node_id, id)",
		"CREATE INDEX IF NOT EXISTS idx_decisions_run ON routing_decisions(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_decisions_run_node ON routing_decisions(run_node_id, created_at, id)",
		"CREATE INDEX IF NOT EXISTS idx_diagnostics_run_node ON run_node_diagnostics(run_node_id)",
		"CREATE INDEX IF NOT EXISTS idx_stream_events_cursor ON run_node_stream_events(run_node_id, attempt, sequence)",
		"CREATE INDEX IF NOT EXISTS idx_worktrees_run ON run_worktrees(run_id, status, id)",
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			// MySQL has no IF NOT EXISTS for indexes on older servers; a
			// duplicate-name error means the index is already present.
			if s.driver == DriverMySQL && isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func isDuplicateIndex(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate key name") || strings.Contains(msg, "already exists")
}
