package model

import "time"

// JobType distinguishes a single-script job from a bundle of them.
type JobType string

const (
	JobTypeDefault JobType = "default"
	JobTypeBundle  JobType = "bundle"
)

// BundleEntry is one step of a bundle_script, resolved at dispatch time.
type BundleEntry struct {
	EidRef          string `json:"eid_ref"`
	ArgsOverride    string `json:"args_override,omitempty"`
	ContinueOnError bool   `json:"continue_on_error"`
}

// Job is the stable execution identity used by scheduling, status and
// history. eid is immutable once referenced by any history or
// running-status row (invariant 1, spec.md §3).
type Job struct {
	ID         int64   `json:"id" gorm:"primaryKey"`
	Eid        string  `json:"eid" gorm:"uniqueIndex;size:64"`
	TeamID     int64   `json:"team_id" gorm:"index"`
	IsPublic   bool    `json:"is_public"`
	Name       string  `json:"name" gorm:"size:128"`
	ExecutorID int64   `json:"executor_id"`
	JobType    JobType `json:"job_type" gorm:"size:16"`

	Code     string `json:"code" gorm:"type:text"`
	Args     string `json:"args" gorm:"type:text"`
	WorkDir  string `json:"work_dir" gorm:"size:255"`
	WorkUser string `json:"work_user" gorm:"size:64"`

	TimeoutSecond int `json:"timeout_s"`
	MaxRetry      int `json:"max_retry"`
	MaxParallel   int `json:"max_parallel"`

	// BundleScript is a JSON-encoded []BundleEntry, populated only when
	// JobType == JobTypeBundle.
	BundleScript string `json:"bundle_script,omitempty" gorm:"type:text"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" gorm:"index"`
}

func (Job) TableName() string { return "job" }

// Snapshot is the immutable (job, executor) pair captured at dispatch
// decision time and persisted as schedule_history.snapshot_data.
type Snapshot struct {
	Job      Job      `json:"job"`
	Executor Executor `json:"executor"`
}
