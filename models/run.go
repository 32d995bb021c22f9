package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Run 状态
const (
	RunStatusPending               = "pending"
	RunStatusRunning               = "running"
	RunStatusCompleted             = "completed"
	RunStatusCompletedWithWarnings = "completed_with_warnings"
	RunStatusFailed                = "failed"
	RunStatusCancelled             = "cancelled"
)

// Run 一次 brief -> 视频 的完整执行，只由 pipeline.Controller 修改
type Run struct {
	ID           string                            `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Brief        ConceptBrief                      `gorm:"type:json" json:"brief"`
	Status       string                            `gorm:"type:varchar(32);index" json:"status"`
	CurrentStage string                            `gorm:"type:varchar(32)" json:"currentStage"`
	Progress     int                               `json:"progress"`
	Error        string                            `gorm:"type:text" json:"error,omitempty"`
	FinalVideo   string                            `gorm:"type:text" json:"finalVideo,omitempty"`
	Warnings     datatypes.JSONSlice[SceneWarning] `json:"warnings,omitempty"`
	CreatedAt    time.Time                         `json:"createdAt"`
	StartedAt    *time.Time                        `json:"startedAt,omitempty"`
	FinishedAt   *time.Time                        `json:"finishedAt,omitempty"`
	UpdatedAt    time.Time                         `json:"updatedAt"`
}

// SceneWarning 被标记为需人工复核的场景
type SceneWarning struct {
	SceneIndex int    `json:"sceneIndex"`
	Reason     string `json:"reason"`
}

func (Run) TableName() string {
	return "run"
}

// Terminal 是否已处于终态（cancelled 可以 resume，不算终态）
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusCompletedWithWarnings:
		return true
	}
	return false
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (b ConceptBrief) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (b *ConceptBrief) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("failed to unmarshal brief value: %v", value)
	}
}
