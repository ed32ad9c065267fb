package store

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

// Workflow run statuses. Completed, failed, and cancelled are terminal.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status has no outbound transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the lifecycle state of a run-node.
type NodeStatus string

// Run-node statuses.
const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// TreeStatus is the publication state of a workflow tree version.
type TreeStatus string

// Workflow tree statuses. A published tree is immutable.
const (
	TreeDraft     TreeStatus = "draft"
	TreePublished TreeStatus = "published"
)

// Routing decision signals. NoRoute is persisted by the executor when a
// decision exists but no outgoing edge matches it.
const (
	DecisionApproved         = "approved"
	DecisionChangesRequested = "changes_requested"
	DecisionBlocked          = "blocked"
	DecisionRetry            = "retry"
	DecisionNoRoute          = "no_route"
)

// Edge routeOn values.
const (
	RouteOnSuccess = "success"
	RouteOnFailure = "failure"
)

// Tree is a versioned workflow definition. (treeKey, version) is unique;
// publishing freezes the row.
type Tree struct {
	ID            int64
	TreeKey       string
	Version       int
	Status        TreeStatus
	Name          string
	DraftRevision int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TreeNode is one node of a workflow tree definition.
type TreeNode struct {
	ID               int64
	TreeID           int64
	NodeKey          string
	NodeType         string // agent, human, tool
	NodeRole         string // standard, spawner, join
	Provider         string
	Model            string
	ExecutionPerms   string // JSON overrides, empty when absent
	PromptTemplateID *int64
	MaxRetries       int
	SequenceIndex    int
	PositionX        *float64
	PositionY        *float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TreeEdge connects two tree nodes. Per (source, routeOn) the priority is
// unique; lower priorities are matched first.
type TreeEdge struct {
	ID                int64
	TreeID            int64
	SourceNodeID      int64
	TargetNodeID      int64
	Priority          int
	Auto              bool
	GuardDefinitionID *int64
	RouteOn           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GuardDefinition holds a serialized guard expression tree.
type GuardDefinition struct {
	ID         int64
	TreeID     int64
	Expression string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PromptTemplate is the prompt body a node renders before each attempt.
// ContentType is inherited by the node's success artifacts.
type PromptTemplate struct {
	ID          int64
	TreeID      int64
	Name        string
	Content     string
	ContentType string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowRun is a runtime instance of a tree.
type WorkflowRun struct {
	ID          int64
	TreeID      int64
	Status      RunStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunNode is a runtime instance of a tree node. One row per logical node per
// run; the row is updated in place across retries and revisits, with attempt
// incrementing monotonically.
type RunNode struct {
	ID            int64
	RunID         int64
	TreeNodeID    int64
	NodeKey       string
	Status        NodeStatus
	Attempt       int
	SequenceIndex int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PhaseArtifact is an output produced by a run-node attempt.
type PhaseArtifact struct {
	ID           int64
	RunID        int64
	RunNodeID    int64
	ArtifactType string // report, log, ...
	ContentType  string // text, markdown, json, diff
	Content      string
	Metadata     string // JSON blob
	CreatedAt    time.Time
}

// ArtifactRef is a lightweight reference to a run-node's latest artifact,
// used for routing-decision staleness checks.
type ArtifactRef struct {
	ID        int64
	CreatedAt time.Time
}

// RoutingDecision is a persisted routing signal for a run-node attempt.
//
/// Attempt is nullable: historical rows may predate attempt tracking, and a
// null attempt is always treated as stale.
type RoutingDecision struct {
	ID           int64
	RunID        int64
	RunNodeID    int64
	DecisionType string
	Rationale    string
	Attempt      *int
	RawOutput    string // JSON blob
	CreatedAt    time.Time
}

// DiagnosticsRow is one attempt's redacted diagnostics payload. Unique on
// (runID, runNodeID, attempt); re-inserts are no-ops.
type DiagnosticsRow struct {
	ID           int64
	RunID        int64
	RunNodeID    int64
	Attempt      int
	Outcome      string
	EventCount   int
	Redacted     bool
	Truncated    bool
	PayloadChars int
	Diagnostics  string // JSON payload, schema version 1
	CreatedAt    time.Time
}

// StreamEventRow is one persisted provider stream event. Sequence is
// gap-free and strictly increasing per (runNodeID, attempt).
type StreamEventRow struct {
	ID                    int64
	RunID                 int64
	RunNodeID             int64
	Attempt               int
	Sequence              int64
	EventType             string
	Timestamp             time.Time
	ContentChars          int
	ContentPreview        string
	Metadata              string // JSON blob, capped
	UsageDeltaTokens      int
	UsageCumulativeTokens int
	CreatedAt             time.Time
}

// Worktree is a repository worktree attached to a run. The latest active row
// is the run's primary worktree.
type Worktree struct {
	ID           int64
	RunID        int64
	RepositoryID int64
	Path         string
	Status       string // active, cleaned
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
