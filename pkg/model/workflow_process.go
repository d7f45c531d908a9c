package model

import "time"

// ProcessStatus is the lifecycle state of a running workflow instance.
type ProcessStatus string

const (
	ProcessStart   ProcessStatus = "start_process"
	ProcessRunning ProcessStatus = "running"
	ProcessEnd     ProcessStatus = "end_process"
	ProcessFailed  ProcessStatus = "failed"
)

// NodeStatus is the lifecycle state of one node activation within a
// process.
type NodeStatus string

const (
	NodeStart   NodeStatus = "start"
	NodeRunning NodeStatus = "running"
	NodeEnd     NodeStatus = "end"
)

// WorkflowProcess is a running instance of a released workflow. Graph is
// the snapshot taken at process start; invariant 4 (spec.md §3) requires
// CurrentNode to be empty or to name a node in this snapshot, never in a
// later edit of the workflow.
type WorkflowProcess struct {
	ProcessID     string        `json:"process_id" gorm:"primaryKey;size:64"`
	WorkflowID    int64         `json:"workflow_id" gorm:"index"`
	WorkflowVer   int           `json:"workflow_version"`
	ProcessStatus ProcessStatus `json:"process_status" gorm:"size:16"`
	CurrentNode   string        `json:"current_node" gorm:"size:64"`
	ProcessArgs   string        `json:"process_args" gorm:"type:text"`
	// Graph is the JSON-encoded WorkflowGraph snapshot; byte-identical
	// across reads of the same process id (testable property 6, spec.md §8).
	Graph     string    `json:"graph" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WorkflowProcess) TableName() string { return "workflow_process" }

// WorkflowProcessNode is a per-instance execution record of one node.
type WorkflowProcessNode struct {
	ID         int64      `json:"id" gorm:"primaryKey"`
	ProcessID  string     `json:"process_id" gorm:"size:64;uniqueIndex:idx_proc_node"`
	NodeID     string     `json:"node_id" gorm:"size:64;uniqueIndex:idx_proc_node"`
	NodeStatus NodeStatus `json:"node_status" gorm:"size:16"`
	RestartNum int        `json:"restart_num"`
	ExitCode   int        `json:"exit_code"`
	ExitStatus ExitStatus `json:"exit_status" gorm:"size:16"`
	Output     string     `json:"output" gorm:"type:text"`
	// DispatchResult has the shape of ScheduleHistory.DispatchResult; the
	// workflow evaluator does not write it (a node's dispatch outcome is
	// in that dispatch's schedule_history row).
	DispatchResult string     `json:"dispatch_result" gorm:"type:text"`
	ScheduleID     string     `json:"schedule_id" gorm:"size:64"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
}

func (WorkflowProcessNode) TableName() string { return "workflow_process_node" }

// WorkflowProcessEdge is a per-instance record of an edge traversal
// decision (activated or not; the reason is not recorded).
type WorkflowProcessEdge struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	ProcessID string    `json:"process_id" gorm:"size:64;index"`
	From      string    `json:"from" gorm:"size:64"`
	To        string    `json:"to" gorm:"size:64"`
	Activated bool      `json:"activated"`
	CreatedAt time.Time `json:"created_at"`
}

func (WorkflowProcessEdge) TableName() string { return "workflow_process_edge" }
