package model

import "time"

// Executor is a named interpreter recipe, e.g. "bash -c". It is immutable
// once a Job snapshots it into a dispatch payload.
type Executor struct {
	ID                 int64     `json:"id" gorm:"primaryKey"`
	Name               string    `json:"name" gorm:"uniqueIndex;size:128"`
	Command            string    `json:"command" gorm:"size:255"`
	Platform           string    `json:"platform" gorm:"size:32"`
	ReadCodeFromStdin  bool      `json:"read_code_from_stdin"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (Executor) TableName() string { return "executor" }
