package model

// ScheduleAction is the action carried by an ephemeral Schedule trigger.
type ScheduleAction string

const (
	ActionExec       ScheduleAction = "exec"
	ActionKill       ScheduleAction = "kill"
	ActionStartTimer ScheduleAction = "start_timer"
	ActionStopTimer  ScheduleAction = "stop_timer"
)

// ScheduleType is the mode that produced a Schedule.
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleTimer  ScheduleType = "timer"
	ScheduleFlow   ScheduleType = "flow"
	ScheduleDaemon ScheduleType = "daemon"
)

// Schedule is the ephemeral triple produced by one trigger: one cron
// fire, one manual run, or one workflow-node activation. schedule_id is
// generated fresh per trigger; retries reuse it (glossary, spec.md).
type Schedule struct {
	ScheduleID   string         `json:"schedule_id"`
	Eid          string         `json:"eid"`
	Action       ScheduleAction `json:"action"`
	ScheduleType ScheduleType   `json:"schedule_type"`

	// TargetSelector resolves to concrete instance ids at dispatch time:
	// explicit instance ids, a group id, or a tag expression.
	TargetSelector TargetSelector `json:"target_selector"`

	// RunID identifies one exec attempt; a kill with an explicit run_id
	// targets only that attempt, an empty one every live run of the eid
	// (spec.md §4.C tie-breaks).
	RunID string `json:"run_id,omitempty"`

	// Attempt counts retries already spent on this ScheduleID (0-based).
	Attempt int `json:"attempt"`
}

// TargetSelector names the targets a schedule dispatches to.
type TargetSelector struct {
	InstanceIDs []string `json:"instance_ids,omitempty"`
	GroupIDs    []int64  `json:"group_ids,omitempty"`
	Tag         string   `json:"tag,omitempty"`
}
