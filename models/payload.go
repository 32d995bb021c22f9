package models

// 各阶段 checkpoint payload 的结构

// Script 脚本阶段产出
type Script struct {
	Title                 string        `json:"title"`
	DurationSeconds       int           `json:"durationSeconds"`
	Language              string        `json:"language"`
	Tone                  string        `json:"tone"`
	Scenes                []ScriptScene `json:"scenes"`
	VoiceOverInstructions string        `json:"voiceOverInstructions,omitempty"`
	PacingNotes           string        `json:"pacingNotes,omitempty"`
}

type ScriptScene struct {
	Number            int      `json:"number"`
	Title             string   `json:"title"`
	DurationSeconds   int      `json:"durationSeconds"`
	VisualDescription string   `json:"visualDescription"`
	Dialogue          string   `json:"dialogue"`
	CameraDirection   string   `json:"cameraDirection"`
	Speaker           string   `json:"speaker"`
	CharacterIDs      []string `json:"characterIds,omitempty"`
}

// Storyboard 分镜阶段产出
type Storyboard struct {
	Shots []Shot `json:"shots"`
}

type Shot struct {
	SceneNumber       int      `json:"sceneNumber"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	DurationSeconds   int      `json:"durationSeconds"`
	CameraAngle       string   `json:"cameraAngle"`
	CameraMovement    string   `json:"cameraMovement"`
	MovementDirection string   `json:"movementDirection"`
	Lighting          string   `json:"lighting"`
	Transition        string   `json:"transition,omitempty"`
	CharacterIDs      []string `json:"characterIds,omitempty"`
}

// PreparedCharacters character_prep 阶段产出：本次 run 使用的角色快照
type PreparedCharacters struct {
	Characters []Character `json:"characters"`
}

// SceneTable scene_generation 阶段产出（进行中时也是 partial payload）
type SceneTable struct {
	Scenes []Scene `json:"scenes"`
}

type VoiceTrack struct {
	Segments []VoiceSegment `json:"segments"`
}

type VoiceSegment struct {
	SceneNumber int    `json:"sceneNumber"`
	Speaker     string `json:"speaker"`
	AudioURL    string `json:"audioUrl"`
}

type AudioMix struct {
	AudioURL string `json:"audioUrl"`
}

type Assembly struct {
	VideoURL string   `json:"videoUrl"`
	Flagged  []int    `json:"flagged,omitempty"`
	Clips    []string `json:"clips"`
}

type ExportResult struct {
	Outputs map[string]string `json:"outputs"`
	Primary string            `json:"primary"`
}
