package model

import "time"

// TimerExprV1 is the versioned JSON record carried by Timer.TimerExpr.
// Parsers reject unknown v values rather than silently tolerating them
// (spec.md §9, "Dynamic payloads").
type TimerExprV1 struct {
	V    int    `json:"v"`
	Sec  string `json:"sec"`
	Min  string `json:"min"`
	Hour string `json:"hour"`
	Dom  string `json:"dom"`
	Mon  string `json:"mon"`
	Dow  string `json:"dow"`
	// Mode selects the scheduling mode this timer drives: daemon or flow;
	// any other value (including once) fires as timer (spec.md §3,
	// Schedule.schedule_type).
	Mode string `json:"mode"`
}

const TimerExprVersion = 1

// Timer binds a cron expression to an eid and job type. TargetSelector
// is a JSON-encoded TargetSelector; spec.md §3 names no dedicated
// target relation for a timer, so the selector the timer dispatches to
// on each fire is carried here rather than invented as a separate table.
type Timer struct {
	ID             int64          `json:"id" gorm:"primaryKey"`
	Name           string         `json:"name" gorm:"size:128"`
	Eid            string         `json:"eid" gorm:"size:64;index"`
	TimerExpr      string         `json:"timer_expr" gorm:"type:text"`
	JobType        JobType        `json:"job_type" gorm:"size:16"`
	TargetSelector string         `json:"target_selector" gorm:"type:text"`
	ScheduleStatus ScheduleStatus `json:"schedule_status" gorm:"size:16"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Timer) TableName() string { return "timer" }
