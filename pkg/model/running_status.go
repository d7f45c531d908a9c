package model

import "time"

// ScheduleStatus is the user-facing intent for a (eid, schedule_type,
// instance_id) key: keep scheduling it, or stop. spec.md §9 leaves a
// "paused" state as an open question; SPEC_FULL.md resolves that the
// schema names only these two values.
type ScheduleStatus string

const (
	ScheduleStatusScheduling ScheduleStatus = "scheduling"
	ScheduleStatusStop       ScheduleStatus = "stop"
)

// RunStatus is whether a process is currently live.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusStop    RunStatus = "stop"
)

// ExitStatus enumerates the taxonomy of terminal outcomes.
type ExitStatus string

const (
	ExitStatusSuccess     ExitStatus = "success"
	ExitStatusFailed      ExitStatus = "failed"
	ExitStatusSpawnFailed ExitStatus = "spawn_failed"
	ExitStatusTimeout     ExitStatus = "timeout"
	ExitStatusKilled      ExitStatus = "killed"
	ExitStatusLost        ExitStatus = "lost"
)

// RunningStatus is the one-row-per-key live status record. Invariant 2
// (spec.md §3): at most one row per (eid, schedule_type, instance_id).
type RunningStatus struct {
	ID           int64          `json:"id" gorm:"primaryKey"`
	Eid          string         `json:"eid" gorm:"size:64;uniqueIndex:idx_running_key"`
	ScheduleType ScheduleType   `json:"schedule_type" gorm:"size:16;uniqueIndex:idx_running_key"`
	InstanceID   string         `json:"instance_id" gorm:"size:64;uniqueIndex:idx_running_key"`

	ScheduleStatus ScheduleStatus `json:"schedule_status" gorm:"size:16"`
	RunStatus      RunStatus      `json:"run_status" gorm:"size:16"`
	ExitStatus     ExitStatus     `json:"exit_status,omitempty" gorm:"size:16"`
	ExitCode       int            `json:"exit_code"`

	DispatchResult string `json:"dispatch_result,omitempty" gorm:"type:text"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	NextTime  *time.Time `json:"next_time,omitempty"`
	PrevTime  *time.Time `json:"prev_time,omitempty"`

	// ScheduleID/RunID of the most recent dispatch against this key, used
	// to correlate reconciliation probes and kill targeting.
	ScheduleID string `json:"schedule_id,omitempty" gorm:"size:64"`
	RunID      string `json:"run_id,omitempty" gorm:"size:64"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (RunningStatus) TableName() string { return "running_status" }
