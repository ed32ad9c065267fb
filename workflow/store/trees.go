package store

import (
	"context"
	"database/sql"
	"fmt"
)

// TreeDefinition is the full editable content of a draft tree. Nodes and
// edges reference each other by node key; ids are assigned on save.
type TreeDefinition struct {
	Templates []TemplateDef
	Guards    []GuardDef
	Nodes     []NodeDef
	Edges     []EdgeDef
}

// TemplateDef defines a prompt template within a draft save.
type TemplateDef struct {
	Name        string
	Content     string
	ContentType string // defaults to markdown
}

// GuardDef defines a guard expression within a draft save. Name is local to
// the definition and referenced by EdgeDef.GuardName.
type GuardDef struct {
	Name       string
	Expression string
}

// NodeDef defines a tree node within a draft save.
type NodeDef struct {
	NodeKey        string
	NodeType       string // agent, human, tool
	NodeRole       string // defaults to standard
	Provider       string
	Model          string
	ExecutionPerms string // JSON overrides
	TemplateName   string // references TemplateDef.Name, empty for none
	MaxRetries     int
	SequenceIndex  int
	PositionX      *float64
	PositionY      *float64
}

// EdgeDef defines a tree edge within a draft save.
type EdgeDef struct {
	SourceKey string
	TargetKey string
	Priority  int
	Auto      bool
	GuardName string // references GuardDef.Name, empty for none
	RouteOn   string // defaults to success
}

// CreateDraftTree inserts a new draft version for treeKey.
//
// The version is one past the highest existing version for the key. Two
// concurrent bootstraps race on the (tree_key, version) unique constraint;
// the loser receives ErrVersionConflict.
func (s *Store) CreateDraftTree(ctx context.Context, treeKey, name string) (Tree, error) {
	if err := s.guard(); err != nil {
		return Tree{}, err
	}

	var maxVersion sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM workflow_trees WHERE tree_key = ?", treeKey,
	).Scan(&maxVersion)
	if err != nil {
		return Tree{}, fmt.Errorf("failed to query tree versions: %w", err)
	}

	version := int(maxVersion.Int64) + 1
	now := timestamp(s.now())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_trees (tree_key, version, status, name, draft_revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		treeKey, version, string(TreeDraft), name, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Tree{}, ErrVersionConflict
		}
		return Tree{}, fmt.Errorf("failed to insert tree: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Tree{}, fmt.Errorf("failed to read tree id: %w", err)
	}

	return s.GetTree(ctx, id)
}

// GetTree loads a tree by id.
func (s *Store) GetTree(ctx context.Context, id int64) (Tree, error) {
	if err := s.guard(); err != nil {
		return Tree{}, err
	}
	return s.scanTree(s.db.QueryRowContext(ctx, `
		SELECT id, tree_key, version, status, name, draft_revision, created_at, updated_at
		FROM workflow_trees WHERE id = ?`, id))
}

// LatestPublishedTree loads the highest published version for treeKey.
//
// Returns ErrNotFound when no published version exists.
func (s *Store) LatestPublishedTree(ctx context.Context, treeKey string) (Tree, error) {
	if err := s.guard(); err != nil {
		return Tree{}, err
	}
	return s.scanTree(s.db.QueryRowContext(ctx, `
		SELECT id, tree_key, version, status, name, draft_revision, created_at, updated_at
		FROM workflow_trees
		WHERE tree_key = ? AND status = ?
		ORDER BY version DESC
		LIMIT 1`, treeKey, string(TreePublished)))
}

func (s *Store) scanTree(row *sql.Row) (Tree, error) {
	var (
		t                    Tree
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.TreeKey, &t.Version, &status, &t.Name, &t.DraftRevision, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Tree{}, ErrNotFound
	}
	if err != nil {
		return Tree{}, fmt.Errorf("failed to load tree: %w", err)
	}
	t.Status = TreeStatus(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Tree{}, fmt.Errorf("failed to parse tree created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Tree{}, fmt.Errorf("failed to parse tree updated_at: %w", err)
	}
	return t, nil
}

// SaveDraft replaces the content of a draft tree.
//
// The caller supplies the draft revision it last observed; the update is
// guarded on (status=draft AND draft_revision=expected) and increments the
// revision by exactly one. A stale revision yields ErrRevisionMismatch.
// Nodes, edges, guards, and templates are replaced wholesale inside one
// transaction.
func (s *Store) SaveDraft(ctx context.Context, treeID int64, expectedRevision int, def TreeDefinition) error {
	now := timestamp(s.now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_trees
			SET draft_revision = draft_revision + 1, updated_at = ?
			WHERE id = ? AND status = ? AND draft_revision = ?`,
			now, treeID, string(TreeDraft), expectedRevision,
		)
		if err != nil {
			return fmt.Errorf("failed to bump draft revision: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n != 1 {
			return ErrRevisionMismatch
		}

		for _, table := range []string{"tree_edges", "tree_nodes", "guard_definitions", "prompt_templates"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE tree_id = ?", treeID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		templateIDs := make(map[string]int64, len(def.Templates))
		for _, t := range def.Templates {
			contentType := t.ContentType
			if contentType == "" {
				contentType = "markdown"
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO prompt_templates (tree_id, name, content, content_type, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				treeID, t.Name, t.Content, contentType, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert template %q: %w", t.Name, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read template id: %w", err)
			}
			templateIDs[t.Name] = id
		}

		guardIDs := make(map[string]int64, len(def.Guards))
		for _, g := range def.Guards {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO guard_definitions (tree_id, expression, created_at, updated_at)
				VALUES (?, ?, ?, ?)`,
				treeID, g.Expression, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert guard %q: %w", g.Name, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read guard id: %w", err)
			}
			guardIDs[g.Name] = id
		}

		nodeIDs := make(map[string]int64, len(def.Nodes))
		for _, n := range def.Nodes {
			role := n.NodeRole
			if role == "" {
				role = "standard"
			}
			var templateID interface{}
			if n.TemplateName != "" {
				id, ok := templateIDs[n.TemplateName]
				if !ok {
					return fmt.Errorf("node %q references unknown template %q", n.NodeKey, n.TemplateName)
				}
				templateID = id
			}
			if n.MaxRetries < 0 {
				return fmt.Errorf("node %q has negative max retries", n.NodeKey)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO tree_nodes
					(tree_id, node_key, node_type, node_role, provider, model, execution_permissions,
					 prompt_template_id, max_retries, sequence_index, position_x, position_y, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				treeID, n.NodeKey, n.NodeType, role, n.Provider, n.Model, n.ExecutionPerms,
				templateID, n.MaxRetries, n.SequenceIndex, n.PositionX, n.PositionY, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert node %q: %w", n.NodeKey, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read node id: %w", err)
			}
			nodeIDs[n.NodeKey] = id
		}

		for _, e := range def.Edges {
			sourceID, ok := nodeIDs[e.SourceKey]
			if !ok {
				return fmt.Errorf("edge references unknown source %q", e.SourceKey)
			}
			targetID, ok := nodeIDs[e.TargetKey]
			if !ok {
				return fmt.Errorf("edge references unknown target %q", e.TargetKey)
			}
			if e.Priority < 0 {
				return fmt.Errorf("edge %s->%s has negative priority", e.SourceKey, e.TargetKey)
			}
			routeOn := e.RouteOn
			if routeOn == "" {
				routeOn = RouteOnSuccess
			}
			var guardID interface{}
			if e.GuardName != "" {
				id, ok := guardIDs[e.GuardName]
				if !ok {
					return fmt.Errorf("edge %s->%s references unknown guard %q", e.SourceKey, e.TargetKey, e.GuardName)
				}
				guardID = id
			}
			auto := 0
			if e.Auto {
				auto = 1
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tree_edges
					(tree_id, source_node_id, target_node_id, priority, auto, guard_definition_id, route_on, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				treeID, sourceID, targetID, e.Priority, auto, guardID, routeOn, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert edge %s->%s: %w", e.SourceKey, e.TargetKey, err)
			}
		}

		return nil
	})
}

// PublishDraft flips a draft tree to published.
//
// Guarded on the expected draft revision; publishing resets the revision to
// zero and freezes the version. A stale revision yields ErrRevisionMismatch.
func (s *Store) PublishDraft(ctx context.Context, treeID int64, expectedRevision int) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_trees
		SET status = ?, draft_revision = 0, updated_at = ?
		WHERE id = ? AND status = ? AND draft_revision = ?`,
		string(TreePublished), timestamp(s.now()), treeID, string(TreeDraft), expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to publish draft: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	} else if n != 1 {
		return ErrRevisionMismatch
	}
	return nil
}

// TreeNodes loads all nodes of a tree ordered by (sequence_index, node_key, id).
func (s *Store) TreeNodes(ctx context.Context, treeID int64) ([]TreeNode, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tree_id, node_key, node_type, node_role, provider, model, execution_permissions,
		       prompt_template_id, max_retries, sequence_index, position_x, position_y, created_at, updated_at
		FROM tree_nodes
		WHERE tree_id = ?
		ORDER BY sequence_index ASC, node_key ASC, id ASC`, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tree nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []TreeNode
	for rows.Next() {
		var (
			n                    TreeNode
			templateID           sql.NullInt64
			posX, posY           sql.NullFloat64
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&n.ID, &n.TreeID, &n.NodeKey, &n.NodeType, &n.NodeRole, &n.Provider, &n.Model, &n.ExecutionPerms,
			&templateID, &n.MaxRetries, &n.SequenceIndex, &posX, &posY, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tree node: %w", err)
		}
		if templateID.Valid {
			id := templateID.Int64
			n.PromptTemplateID = &id
		}
		if posX.Valid {
			x := posX.Float64
			n.PositionX = &x
		}
		if posY.Valid {
			y := posY.Float64
			n.PositionY = &y
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse node created_at: %w", err)
		}
		if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse node updated_at: %w", err)
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// TreeEdges loads all edges of a tree ordered by (priority, target_node_id, id).
func (s *Store) TreeEdges(ctx context.Context, treeID int64) ([]TreeEdge, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tree_id, source_node_id, target_node_id, priority, auto, guard_definition_id, route_on, created_at, updated_at
		FROM tree_edges
		WHERE tree_id = ?
		ORDER BY priority ASC, target_node_id ASC, id ASC`, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tree edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []TreeEdge
	for rows.Next() {
		var (
			e                    TreeEdge
			auto                 int
			guardID              sql.NullInt64
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&e.ID, &e.TreeID, &e.SourceNodeID, &e.TargetNodeID, &e.Priority, &auto, &guardID, &e.RouteOn, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tree edge: %w", err)
		}
		e.Auto = auto != 0
		if guardID.Valid {
			id := guardID.Int64
			e.GuardDefinitionID = &id
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse edge created_at: %w", err)
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse edge updated_at: %w", err)
		}
		edges = append(edges, e)
	}

	return edges, rows.Err()
}

// GuardDefinitionsByTree loads all guard definitions of a tree.
func (s *Store) GuardDefinitionsByTree(ctx context.Context, treeID int64) ([]GuardDefinition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tree_id, expression, created_at, updated_at
		FROM guard_definitions
		WHERE tree_id = ?
		ORDER BY id ASC`, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query guard definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var guards []GuardDefinition
	for rows.Next() {
		var (
			g                    GuardDefinition
			createdAt, updatedAt string
		)
		if err := rows.Scan(&g.ID, &g.TreeID, &g.Expression, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan guard definition: %w", err)
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse guard created_at: %w", err)
		}
		if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse guard updated_at: %w", err)
		}
		guards = append(guards, g)
	}

	return guards, rows.Err()
}

// GetPromptTemplate loads a prompt template by id.
func (s *Store) GetPromptTemplate(ctx context.Context, id int64) (PromptTemplate, error) {
	if err := s.guard(); err != nil {
		return PromptTemplate{}, err
	}

	var (
		t                    PromptTemplate
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tree_id, name, content, content_type, created_at, updated_at
		FROM prompt_templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.TreeID, &t.Name, &t.Content, &t.ContentType, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return PromptTemplate{}, ErrNotFound
	}
	if err != nil {
		return PromptTemplate{}, fmt.Errorf("failed to load prompt template: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return PromptTemplate{}, fmt.Errorf("failed to parse template created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return PromptTemplate{}, fmt.Errorf("failed to parse template updated_at: %w", err)
	}
	return t, nil
}
