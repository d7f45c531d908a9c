package model

import "time"

// WorkflowVersionStatus gates edits: a released version is immutable
// (invariant 5, spec.md §3); edits create a new draft with Pid linking
// back to the parent.
type WorkflowVersionStatus string

const (
	WorkflowDraft    WorkflowVersionStatus = "draft"
	WorkflowReleased WorkflowVersionStatus = "released"
)

// EdgeType selects which predicate activates an outgoing edge.
type EdgeType string

const (
	EdgeAlways    EdgeType = "always"
	EdgeOnSuccess EdgeType = "on_success"
	EdgeOnFailure EdgeType = "on_failure"
	EdgeEval      EdgeType = "eval"
)

// JoinPolicy selects how a node with multiple inbound edges waits on its
// predecessors.
type JoinPolicy string

const (
	JoinAll JoinPolicy = "all"
	JoinAny JoinPolicy = "any"
)

// WorkflowNode references an eid and carries static dispatch args; when
// set, Args replaces the job's args at activation. The process's
// process_args are not applied to node dispatches.
type WorkflowNode struct {
	NodeID     string     `json:"node_id"`
	Eid        string     `json:"eid"`
	Name       string     `json:"name"`
	Args       string     `json:"args,omitempty"`
	JoinPolicy JoinPolicy `json:"join_policy"`
}

// WorkflowEdge connects two nodes by id. EvalVal is interpreted per
// EdgeType == eval: an integer literal matches node.exit_code; a value
// prefixed "output:" substring-matches node.output (SPEC_FULL.md Open
// Question resolution 1).
type WorkflowEdge struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Type    EdgeType `json:"edge_type"`
	EvalVal string   `json:"eval_val,omitempty"`
}

// Workflow is a versioned DAG definition.
type Workflow struct {
	ID            int64                 `json:"id" gorm:"primaryKey"`
	Name          string                `json:"name" gorm:"size:128"`
	TeamID        int64                 `json:"team_id" gorm:"index"`
	Nodes         string                `json:"nodes" gorm:"type:text"`
	Edges         string                `json:"edges" gorm:"type:text"`
	Version       int                   `json:"version"`
	VersionStatus WorkflowVersionStatus `json:"version_status" gorm:"size:16"`
	// Pid links a draft back to the released version it was cloned from.
	Pid       int64     `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Workflow) TableName() string { return "workflow" }

// WorkflowGraph is the decoded nodes/edges view used by the evaluator;
// defined here rather than in the workflow package to keep JSON shape
// (de)serialization next to the storage struct.
type WorkflowGraph struct {
	Nodes []WorkflowNode `json:"nodes"`
	Edges []WorkflowEdge `json:"edges"`
}
