// Package collab holds the stage collaborators: script writing, storyboard planning
// and the worker-backed voice, mix, assembly and export steps.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/retry"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type ScriptWriter interface {
	WriteScript(ctx context.Context, brief models.ConceptBrief, characters []models.Character) (models.Script, error)
}

var voiceOverInstructions = map[string]string{
	"professional": "Use clear, authoritative tone. Emphasize key terms. Pace: 120-140 words per minute.",
	"casual":       "Conversational, friendly delivery. Natural speech patterns. Pace: 130-150 wpm.",
	"humorous":     "Energetic, playful. Pause for comedic effect. Pace: 140-160 wpm.",
	"emotional":    "Sincere, heartfelt delivery. Build emotional connection. Pace: 100-120 wpm.",
	"educational":  "Clear explanation, measured pace. Emphasize learning points. Pace: 110-130 wpm.",
}

func VoiceOverInstructions(tone string) string {
	if s, ok := voiceOverInstructions[strings.ToLower(tone)]; ok {
		return s
	}
	return "Clear, natural delivery."
}

func PacingNotes(durationSeconds int) string {
	switch {
	case durationSeconds < 30:
		return "Fast-paced. Minimal scene transitions. Quick cuts recommended."
	case durationSeconds < 60:
		return "Moderate pace. 2-3 second scene transitions. Good for social media."
	default:
		return "Measured pace. 3-5 second transitions. Room for scene development."
	}
}

// SceneCount 每个场景大约 12 秒，至少 3 个（开场 / 内容 / 收尾）
func SceneCount(durationSeconds int) int {
	n := durationSeconds / 12
	if n < 3 {
		return 3
	}
	return n
}

// TemplateScriptWriter 不依赖模型的固定结构脚本
type TemplateScriptWriter struct{}

func (TemplateScriptWriter) WriteScript(_ context.Context, brief models.ConceptBrief, characters []models.Character) (models.Script, error) {
	d := brief.DurationSeconds
	if d <= 0 {
		d = models.DefaultDurationSeconds
	}
	audience := brief.TargetAudience
	if audience == "" {
		audience = "General"
	}
	speaker := "Narrator"
	ids := make([]string, 0, len(characters))
	for _, c := range characters {
		ids = append(ids, c.ID)
	}
	if len(characters) > 0 {
		speaker = characters[0].Name
	}

	count := SceneCount(d)
	edge := max(d/10, 1)
	body := max((d-2*edge)/max(count-2, 1), 1)

	scenes := make([]models.ScriptScene, 0, count)
	scenes = append(scenes, models.ScriptScene{
		Number:            1,
		Title:             "Opening Hook",
		DurationSeconds:   edge,
		VisualDescription: fmt.Sprintf("Engaging opening that captures attention of %s", audience),
		Dialogue:          fmt.Sprintf("Welcome to %s", brief.Title),
		CameraDirection:   "wide shot to close-up",
		Speaker:           speaker,
		CharacterIDs:      ids,
	})
	for i := 2; i < count; i++ {
		scenes = append(scenes, models.ScriptScene{
			Number:            i,
			Title:             fmt.Sprintf("Content Section %d", i-1),
			DurationSeconds:   body,
			VisualDescription: fmt.Sprintf("Presenting key information point %d: %s", i-1, brief.Brief),
			Dialogue:          fmt.Sprintf("Key message %d for %s", i-1, audience),
			CameraDirection:   "medium shot with emphasis",
			Speaker:           speaker,
			CharacterIDs:      ids,
		})
	}
	scenes = append(scenes, models.ScriptScene{
		Number:            count,
		Title:             "Call to Action",
		DurationSeconds:   edge,
		VisualDescription: "Strong closing with clear call-to-action",
		Dialogue:          "Thank you. Take the next step.",
		CameraDirection:   "direct to camera",
		Speaker:           speaker,
		CharacterIDs:      ids,
	})

	return models.Script{
		Title:                 brief.Title,
		DurationSeconds:       d,
		Language:              brief.Language,
		Tone:                  brief.Tone,
		Scenes:                scenes,
		VoiceOverInstructions: VoiceOverInstructions(brief.Tone),
		PacingNotes:           PacingNotes(d),
	}, nil
}

// TextGenerator 文本模型的最小接口
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type geminiGenerator struct {
	model *genai.GenerativeModel
}

func (g *geminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", retry.Retryable(fmt.Errorf("gemini generate: %w", err))
	}
	return firstText(resp), nil
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

// LLMScriptWriter 让模型按 JSON 结构写脚本，解析失败时退回模板
type LLMScriptWriter struct {
	gen      TextGenerator
	fallback TemplateScriptWriter
}

func NewLLMScriptWriter(gen TextGenerator) *LLMScriptWriter {
	return &LLMScriptWriter{gen: gen}
}

// NewScriptWriter 没有配置 API key 时使用模板
func NewScriptWriter(ctx context.Context, cfg config.AIConfig) (ScriptWriter, func() error, error) {
	if cfg.GeminiAPIKey == "" {
		return TemplateScriptWriter{}, func() error { return nil }, nil
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, nil, fmt.Errorf("create gemini client: %w", err)
	}
	name := cfg.GeminiModel
	if name == "" {
		name = "gemini-1.5-flash"
	}
	model := c.GenerativeModel(name)
	model.ResponseMIMEType = "application/json"
	return NewLLMScriptWriter(&geminiGenerator{model: model}), c.Close, nil
}

func (w *LLMScriptWriter) WriteScript(ctx context.Context, brief models.ConceptBrief, characters []models.Character) (models.Script, error) {
	base, _ := w.fallback.WriteScript(ctx, brief, characters)

	text, err := w.gen.Generate(ctx, scriptPrompt(brief, characters, len(base.Scenes)))
	if err != nil {
		return models.Script{}, err
	}
	scenes, err := parseScenes(text)
	if err != nil {
		logger.Get("collab").WithError(err).WithField("title", brief.Title).Warn("模型脚本无法解析，使用模板脚本")
		return base, nil
	}

	ids := make([]string, 0, len(characters))
	for _, c := range characters {
		ids = append(ids, c.ID)
	}
	for i := range scenes {
		scenes[i].Number = i + 1
		if scenes[i].Speaker == "" {
			scenes[i].Speaker = base.Scenes[0].Speaker
		}
		if scenes[i].DurationSeconds <= 0 {
			scenes[i].DurationSeconds = max(base.DurationSeconds/len(scenes), 1)
		}
		if len(scenes[i].CharacterIDs) == 0 {
			scenes[i].CharacterIDs = ids
		}
	}
	base.Scenes = scenes
	return base, nil
}

func scriptPrompt(brief models.ConceptBrief, characters []models.Character, scenes int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %d second %s video script in %s with a %s tone.\n",
		brief.DurationSeconds, brief.Style, brief.Language, brief.Tone)
	fmt.Fprintf(&b, "Title: %s\nTarget audience: %s\nBrief: %s\n", brief.Title, brief.TargetAudience, brief.Brief)
	if len(characters) > 0 {
		b.WriteString("Characters:\n")
		for _, c := range characters {
			fmt.Fprintf(&b, "- %s (id %s): %s\n", c.Name, c.ID, c.Description)
		}
	}
	fmt.Fprintf(&b, "Use about %d scenes. Open with a hook and close with a call to action.\n", scenes)
	b.WriteString(`Respond with JSON only: {"scenes":[{"title":"","durationSeconds":0,"visualDescription":"","dialogue":"","cameraDirection":"","speaker":"","characterIds":[]}]}`)
	return b.String()
}

// parseScenes 兼容 ```json 包裹的输出
func parseScenes(text string) ([]models.ScriptScene, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var out struct {
		Scenes []models.ScriptScene `json:"scenes"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, err
	}
	if len(out.Scenes) == 0 {
		return nil, errors.New("no scenes in model output")
	}
	return out.Scenes, nil
}
