package model

import "time"

// ExecHistory is an append-only row per (schedule_id, eid, instance_id,
// run_id). Output is finalized on completion; everything else is
// write-once.
type ExecHistory struct {
	ID         int64  `json:"id" gorm:"primaryKey"`
	ScheduleID string `json:"schedule_id" gorm:"size:64;index"`
	Eid        string `json:"eid" gorm:"size:64;index"`
	InstanceID string `json:"instance_id" gorm:"size:64;index"`
	RunID      string `json:"run_id" gorm:"size:64;index"`

	ExitCode   int        `json:"exit_code"`
	ExitStatus ExitStatus `json:"exit_status" gorm:"size:16"`
	Output     string     `json:"output" gorm:"type:longtext"`
	Truncated  bool       `json:"truncated"`

	// BundleScriptResult is a JSON-encoded list of per-step outcomes.
	// The dispatcher does not write it: a bundle run's per-step results
	// are stored JSON-encoded in Output instead.
	BundleScriptResult string `json:"bundle_script_result,omitempty" gorm:"type:text"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

func (ExecHistory) TableName() string { return "exec_history" }

// BundleStepResult is one entry of ExecHistory.BundleScriptResult.
type BundleStepResult struct {
	EidRef     string     `json:"eid_ref"`
	ExitCode   int        `json:"exit_code"`
	ExitStatus ExitStatus `json:"exit_status"`
	Output     string     `json:"output"`
	Skipped    bool       `json:"skipped"`
}

// ScheduleHistory is an append-only snapshot of a dispatch decision.
type ScheduleHistory struct {
	ID           int64          `json:"id" gorm:"primaryKey"`
	ScheduleID   string         `json:"schedule_id" gorm:"size:64;uniqueIndex"`
	Eid          string         `json:"eid" gorm:"size:64;index"`
	Action       ScheduleAction `json:"action" gorm:"size:16"`
	ScheduleType ScheduleType   `json:"schedule_type" gorm:"size:16"`

	// DispatchResult maps instance_id -> "accepted" | "rejected(reason)" |
	// "dispatch_failed(reason)".
	DispatchResult string `json:"dispatch_result" gorm:"type:text"`
	// DispatchData is the resolved command payload sent to each target.
	DispatchData string `json:"dispatch_data" gorm:"type:text"`
	// SnapshotData is the full job/executor snapshot at decision time,
	// used by replay and audit.
	SnapshotData string `json:"snapshot_data" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}

func (ScheduleHistory) TableName() string { return "schedule_history" }
