package dispatcher

import (
	"fmt"
	"strings"

	"StoryToVideo-pipeline/models"
)

// PromptStrategy 决定被拒绝的场景下一次用什么 prompt
type PromptStrategy interface {
	Name() string
	Next(scene models.Scene, score float64) string
}

// ReusePrompt 原样重试
type ReusePrompt struct{}

func (ReusePrompt) Name() string { return "reuse" }

func (ReusePrompt) Next(scene models.Scene, _ float64) string {
	return scene.Prompt
}

const emphasisMarker = "\n\nCONSISTENCY EMPHASIS"

// EmphasizeConsistency 在基础 prompt 后追加一段随尝试次数加强的一致性要求
type EmphasizeConsistency struct{}

func (EmphasizeConsistency) Name() string { return "emphasize" }

func (EmphasizeConsistency) Next(scene models.Scene, score float64) string {
	base := scene.BasePrompt
	if base == "" {
		base, _, _ = strings.Cut(scene.Prompt, emphasisMarker)
	}
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "%s (retry %d, previous score %.2f):\n", emphasisMarker, scene.Attempts, score)
	b.WriteString("- The previous render drifted from the reference character. Match the reference images exactly.\n")
	b.WriteString("- Keep face shape, hair, skin tone and outfit identical; do not restyle the character.")
	if scene.Attempts >= 2 {
		b.WriteString("\n- Prefer a medium shot with the face clearly visible and neutral lighting.")
	}
	return b.String()
}

func StrategyByName(name string) (PromptStrategy, error) {
	switch name {
	case "", "emphasize":
		return EmphasizeConsistency{}, nil
	case "reuse":
		return ReusePrompt{}, nil
	}
	return nil, fmt.Errorf("unknown prompt strategy %q", name)
}
