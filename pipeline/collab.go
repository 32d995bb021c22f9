package pipeline

import (
	"context"

	"StoryToVideo-pipeline/checkpoint"
	"StoryToVideo-pipeline/dispatcher"
	"StoryToVideo-pipeline/models"
)

// 阶段依赖的外部协作者

type ScriptWriter interface {
	WriteScript(ctx context.Context, brief models.ConceptBrief, characters []models.Character) (models.Script, error)
}

type Storyboarder interface {
	Plan(ctx context.Context, brief models.ConceptBrief, script models.Script) (models.Storyboard, error)
}

// CharacterSource 由 consistency.Registry 实现
type CharacterSource interface {
	Get(ctx context.Context, id string) (*models.Character, error)
	Prepare(ctx context.Context, id string) (*models.Character, error)
}

type SceneDispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (dispatcher.Result, error)
}

type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, runID string, brief models.ConceptBrief, script models.Script) (models.VoiceTrack, error)
}

type AudioMixer interface {
	Mix(ctx context.Context, runID string, voice models.VoiceTrack, durationSeconds int) (models.AudioMix, error)
}

type Assembler interface {
	Assemble(ctx context.Context, runID string, scenes []models.Scene, mix models.AudioMix) (models.Assembly, error)
}

type Exporter interface {
	Export(ctx context.Context, runID string, assembly models.Assembly, formats []models.ExportFormat) (models.ExportResult, error)
}

type Deps struct {
	Runs        RunStore
	Checkpoints checkpoint.Store
	Characters  CharacterSource
	Script      ScriptWriter
	Storyboard  Storyboarder
	Dispatcher  SceneDispatcher
	Voice       VoiceSynthesizer
	Mixer       AudioMixer
	Assembler   Assembler
	Exporter    Exporter
}
