package models

import "time"

const (
	SceneStatusQueued             = "queued"
	SceneStatusDispatched         = "dispatched"
	SceneStatusAwaitingValidation = "awaiting_validation"
	SceneStatusAccepted           = "accepted"
	SceneStatusRejected           = "rejected"
	SceneStatusExhausted          = "exhausted"
)

// Scene 场景生成阶段的工作单元，整张表序列化在 scene_generation 的 checkpoint payload 中
type Scene struct {
	Index           int            `json:"index"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Prompt          string         `json:"prompt"`
	BasePrompt      string         `json:"basePrompt"`
	CharacterIDs    []string       `json:"characterIds"`
	DurationSeconds int            `json:"durationSeconds"`
	CameraAngle     string         `json:"cameraAngle,omitempty"`
	CameraMovement  string         `json:"cameraMovement,omitempty"`
	Attempts        int            `json:"attempts"`
	Status          string         `json:"status"`
	Provider        string         `json:"provider,omitempty"`
	Artifact        string         `json:"artifact,omitempty"`
	Score           *float64       `json:"score,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	History         []SceneAttempt `json:"history,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// SceneAttempt 单次生成尝试的记录
type SceneAttempt struct {
	Attempt  int      `json:"attempt"`
	Provider string   `json:"provider"`
	Artifact string   `json:"artifact,omitempty"`
	Score    *float64 `json:"score,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Settled 场景是否已到终态（accepted / exhausted）
func (s *Scene) Settled() bool {
	return s.Status == SceneStatusAccepted || s.Status == SceneStatusExhausted
}

// CloneScenes 深拷贝场景表，用于把快照交给其他 goroutine
func CloneScenes(in []Scene) []Scene {
	out := make([]Scene, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

func (s Scene) Clone() Scene {
	c := s
	c.CharacterIDs = append([]string(nil), s.CharacterIDs...)
	c.History = append([]SceneAttempt(nil), s.History...)
	if s.Score != nil {
		v := *s.Score
		c.Score = &v
	}
	return c
}
