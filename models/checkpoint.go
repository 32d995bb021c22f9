package models

import (
	"time"

	"gorm.io/datatypes"
)

// Checkpoint 状态
const (
	CheckpointNotStarted = "not_started"
	CheckpointInProgress = "in_progress"
	CheckpointCompleted  = "completed"
	CheckpointFailed     = "failed"
)

// Checkpoint 每个 (run, stage) 一行；Payload 为 nil 时保存不会覆盖已有 payload
type Checkpoint struct {
	RunID     string         `gorm:"primaryKey;type:varchar(64)" json:"runId"`
	Stage     string         `gorm:"primaryKey;type:varchar(32)" json:"stage"`
	Ordinal   int            `json:"ordinal"`
	Status    string         `gorm:"type:varchar(32)" json:"status"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
	Attempts  int            `json:"attempts"`
	Error     string         `gorm:"type:text" json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (Checkpoint) TableName() string {
	return "checkpoint"
}

// CheckpointRank 用于单调性判断：completed 之后不能再写入更低的状态
func CheckpointRank(status string) int {
	switch status {
	case CheckpointCompleted:
		return 2
	case CheckpointInProgress, CheckpointFailed:
		return 1
	default:
		return 0
	}
}
