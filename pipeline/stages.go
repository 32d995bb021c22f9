package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"StoryToVideo-pipeline/consistency"
	"StoryToVideo-pipeline/dispatcher"
	"StoryToVideo-pipeline/models"
)

// StageContext 传给阶段 handler 的运行时上下文
type StageContext struct {
	Run   *models.Run
	Stage Stage
	// Partial 上次中断时该阶段留下的 payload，可能为空
	Partial json.RawMessage

	outputs  map[Stage]json.RawMessage
	attempts int
}

// Output 解码已完成阶段的 payload
func (sc *StageContext) Output(stage Stage, v any) error {
	raw, ok := sc.outputs[stage]
	if !ok || len(raw) == 0 {
		return Fatal(fmt.Errorf("stage %s has no output", stage))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Fatal(fmt.Errorf("decode %s output: %w", stage, err))
	}
	return nil
}

func (c *Controller) runScript(ctx context.Context, sc *StageContext) (any, error) {
	brief := sc.Run.Brief
	// 这里只用于给脚本署名，未注册的角色交给 character_prep 报错
	var characters []models.Character
	for _, id := range brief.CharacterIDs {
		ch, err := c.deps.Characters.Get(ctx, id)
		if err != nil {
			continue
		}
		characters = append(characters, *ch)
	}
	script, err := c.deps.Script.WriteScript(ctx, brief, characters)
	if err != nil {
		return nil, err
	}
	if len(script.Scenes) == 0 {
		return nil, errors.New("script has no scenes")
	}
	return script, nil
}

func (c *Controller) runStoryboard(ctx context.Context, sc *StageContext) (any, error) {
	var script models.Script
	if err := sc.Output(StageScript, &script); err != nil {
		return nil, err
	}
	board, err := c.deps.Storyboard.Plan(ctx, sc.Run.Brief, script)
	if err != nil {
		return nil, err
	}
	if len(board.Shots) == 0 {
		return nil, errors.New("storyboard has no shots")
	}
	return board, nil
}

func (c *Controller) runCharacterPrep(ctx context.Context, sc *StageContext) (any, error) {
	prepared := models.PreparedCharacters{Characters: []models.Character{}}
	for _, id := range sc.Run.Brief.CharacterIDs {
		ch, err := c.deps.Characters.Prepare(ctx, id)
		if errors.Is(err, consistency.ErrCharacterNotFound) {
			return nil, Fatal(fmt.Errorf("character %s is not registered", id))
		}
		if err != nil {
			return nil, err
		}
		prepared.Characters = append(prepared.Characters, *ch)
	}
	return prepared, nil
}

func (c *Controller) runSceneGeneration(ctx context.Context, sc *StageContext) (any, error) {
	var board models.Storyboard
	if err := sc.Output(StageStoryboard, &board); err != nil {
		return nil, err
	}
	var prepared models.PreparedCharacters
	if err := sc.Output(StageCharacterPrep, &prepared); err != nil {
		return nil, err
	}
	characters := make(map[string]models.Character, len(prepared.Characters))
	for _, ch := range prepared.Characters {
		characters[ch.ID] = ch
	}

	var table models.SceneTable
	if len(sc.Partial) > 0 {
		if err := json.Unmarshal(sc.Partial, &table); err != nil {
			c.log.WithError(err).WithField("run_id", sc.Run.ID).Warn("partial 场景表无法解析，重新生成")
			table.Scenes = nil
		}
	}
	if len(table.Scenes) == 0 {
		table.Scenes = buildScenes(board, prepared.Characters, sc.Run.Brief.Style)
	}

	formats, err := c.formats(sc.Run.Brief)
	if err != nil {
		return nil, err
	}
	primary := formats[0]

	runID := sc.Run.ID
	attempts := sc.attempts
	flush := func(ctx context.Context, scenes []models.Scene) error {
		payload, err := json.Marshal(models.SceneTable{Scenes: scenes})
		if err != nil {
			return err
		}
		return c.deps.Checkpoints.Save(ctx, models.Checkpoint{
			RunID:    runID,
			Stage:    string(StageSceneGeneration),
			Ordinal:  StageSceneGeneration.Ordinal(),
			Status:   models.CheckpointInProgress,
			Attempts: attempts,
			Payload:  payload,
		})
	}

	res, err := c.deps.Dispatcher.Dispatch(ctx, dispatcher.Request{
		RunID:       runID,
		Scenes:      table.Scenes,
		Characters:  characters,
		AspectRatio: primary.AspectRatio,
		Resolution:  primary.Resolution(),
		Style:       sc.Run.Brief.Style,
		Flush:       flush,
	})
	if errors.Is(err, dispatcher.ErrMissingReference) {
		return nil, Fatal(err)
	}
	if err != nil {
		return nil, err
	}
	if res.Cancelled {
		return nil, ErrCancelled
	}

	warnings := sceneWarnings(res.Scenes)
	if len(warnings) > 0 && c.cfg.ExhaustedPolicy == PolicyFail {
		idx := make([]string, len(warnings))
		for i, w := range warnings {
			idx[i] = fmt.Sprint(w.SceneIndex)
		}
		return nil, Fatal(fmt.Errorf("scenes %s exhausted their attempts", strings.Join(idx, ",")))
	}
	sc.Run.Warnings = warnings
	return models.SceneTable{Scenes: res.Scenes}, nil
}

// sceneWarnings 按场景顺序列出耗尽重试的场景
func sceneWarnings(scenes []models.Scene) []models.SceneWarning {
	warnings := make([]models.SceneWarning, 0)
	for _, s := range scenes {
		if s.Status == models.SceneStatusExhausted {
			warnings = append(warnings, models.SceneWarning{SceneIndex: s.Index, Reason: s.Reason})
		}
	}
	return warnings
}

// restoreRun 跳过已完成阶段时，从其 payload 恢复该阶段写在 run 上的字段
func restoreRun(run *models.Run, st Stage, payload json.RawMessage) error {
	switch st {
	case StageSceneGeneration:
		var table models.SceneTable
		if err := json.Unmarshal(payload, &table); err != nil {
			return Fatal(fmt.Errorf("decode %s output: %w", st, err))
		}
		run.Warnings = sceneWarnings(table.Scenes)
	case StageExport:
		var res models.ExportResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return Fatal(fmt.Errorf("decode %s output: %w", st, err))
		}
		run.FinalVideo = res.Primary
	}
	return nil
}

// buildScenes 分镜 -> 场景表，prompt 中带上角色一致性约束
func buildScenes(board models.Storyboard, characters []models.Character, style string) []models.Scene {
	byID := make(map[string]models.Character, len(characters))
	for _, ch := range characters {
		byID[ch.ID] = ch
	}
	scenes := make([]models.Scene, 0, len(board.Shots))
	for i, shot := range board.Shots {
		index := shot.SceneNumber
		if index <= 0 {
			index = i + 1
		}
		var ids []string
		var cast []models.Character
		for _, id := range shot.CharacterIDs {
			if ch, ok := byID[id]; ok {
				ids = append(ids, id)
				cast = append(cast, ch)
			}
		}
		desc := fmt.Sprintf("%s. Camera: %s, %s movement. Lighting: %s.",
			strings.TrimSuffix(shot.Description, "."), shot.CameraAngle, shot.CameraMovement, shot.Lighting)
		if style != "" {
			desc += " Style: " + style + "."
		}
		prompt := consistency.ConsistencyPrompt(cast, desc)
		scenes = append(scenes, models.Scene{
			Index:           index,
			Title:           shot.Title,
			Description:     shot.Description,
			Prompt:          prompt,
			BasePrompt:      prompt,
			CharacterIDs:    ids,
			DurationSeconds: shot.DurationSeconds,
			CameraAngle:     shot.CameraAngle,
			CameraMovement:  shot.CameraMovement,
			Status:          models.SceneStatusQueued,
		})
	}
	return scenes
}

func (c *Controller) runVoice(ctx context.Context, sc *StageContext) (any, error) {
	var script models.Script
	if err := sc.Output(StageScript, &script); err != nil {
		return nil, err
	}
	return c.deps.Voice.Synthesize(ctx, sc.Run.ID, sc.Run.Brief, script)
}

func (c *Controller) runAudioMix(ctx context.Context, sc *StageContext) (any, error) {
	var voice models.VoiceTrack
	if err := sc.Output(StageVoice, &voice); err != nil {
		return nil, err
	}
	return c.deps.Mixer.Mix(ctx, sc.Run.ID, voice, sc.Run.Brief.DurationSeconds)
}

func (c *Controller) runAssembly(ctx context.Context, sc *StageContext) (any, error) {
	var table models.SceneTable
	if err := sc.Output(StageSceneGeneration, &table); err != nil {
		return nil, err
	}
	var mix models.AudioMix
	if err := sc.Output(StageAudioMix, &mix); err != nil {
		return nil, err
	}
	return c.deps.Assembler.Assemble(ctx, sc.Run.ID, table.Scenes, mix)
}

func (c *Controller) runExport(ctx context.Context, sc *StageContext) (any, error) {
	var assembly models.Assembly
	if err := sc.Output(StageAssembly, &assembly); err != nil {
		return nil, err
	}
	formats, err := c.formats(sc.Run.Brief)
	if err != nil {
		return nil, err
	}
	res, err := c.deps.Exporter.Export(ctx, sc.Run.ID, assembly, formats)
	if err != nil {
		return nil, err
	}
	sc.Run.FinalVideo = res.Primary
	return res, nil
}

// formats brief 中的导出格式优先，否则使用配置的默认值
func (c *Controller) formats(brief models.ConceptBrief) ([]models.ExportFormat, error) {
	names := brief.ExportFormats
	if len(names) == 0 {
		names = c.cfg.ExportFormats
	}
	if len(names) == 0 {
		names = []string{"standard_mp4"}
	}
	out := make([]models.ExportFormat, 0, len(names))
	for _, n := range names {
		f, ok := models.ExportFormats[n]
		if !ok {
			return nil, Fatal(fmt.Errorf("unknown export format %q", n))
		}
		out = append(out, f)
	}
	return out, nil
}
