package pipeline

type Stage string

const (
	StageScript          Stage = "script"
	StageStoryboard      Stage = "storyboard"
	StageCharacterPrep   Stage = "character_prep"
	StageSceneGeneration Stage = "scene_generation"
	StageVoice           Stage = "voice"
	StageAudioMix        Stage = "audio_mix"
	StageAssembly        Stage = "assembly"
	StageExport          Stage = "export"
)

// Stages 固定执行顺序
var Stages = []Stage{
	StageScript,
	StageStoryboard,
	StageCharacterPrep,
	StageSceneGeneration,
	StageVoice,
	StageAudioMix,
	StageAssembly,
	StageExport,
}

// stageProgress 阶段完成后 run 的进度百分比
var stageProgress = map[Stage]int{
	StageScript:          10,
	StageStoryboard:      20,
	StageCharacterPrep:   30,
	StageSceneGeneration: 60,
	StageVoice:           75,
	StageAudioMix:        85,
	StageAssembly:        95,
	StageExport:          100,
}

func (s Stage) Ordinal() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Progress() int {
	return stageProgress[s]
}
