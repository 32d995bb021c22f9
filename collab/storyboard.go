package collab

import (
	"context"
	"strings"

	"StoryToVideo-pipeline/models"
)

const defaultLighting = "Bright professional lighting with subtle shadows"

// RuleStoryboarder 按场景标题和镜头描述选择机位与运动方式
type RuleStoryboarder struct{}

func (RuleStoryboarder) Plan(_ context.Context, brief models.ConceptBrief, script models.Script) (models.Storyboard, error) {
	shots := make([]models.Shot, 0, len(script.Scenes))
	for i, s := range script.Scenes {
		transition := "cut"
		if i == len(script.Scenes)-1 {
			transition = "fade_out"
		} else if strings.ToLower(script.Tone) == "emotional" {
			transition = "crossfade"
		}
		desc := s.VisualDescription
		if s.Speaker != "" && s.Dialogue != "" {
			desc += ". " + s.Speaker + " says: \"" + s.Dialogue + "\""
		}
		shots = append(shots, models.Shot{
			SceneNumber:       s.Number,
			Title:             s.Title,
			Description:       desc,
			DurationSeconds:   s.DurationSeconds,
			CameraAngle:       CameraAngle(s.Title),
			CameraMovement:    CameraMovement(s.CameraDirection),
			MovementDirection: MovementDirection(s.CameraDirection),
			Lighting:          defaultLighting,
			Transition:        transition,
			CharacterIDs:      append([]string(nil), s.CharacterIDs...),
		})
	}
	return models.Storyboard{Shots: shots}, nil
}

func CameraAngle(title string) string {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "opening"):
		return "wide_shot"
	case strings.Contains(t, "close"), strings.Contains(t, "detail"):
		return "close_up"
	default:
		return "medium_shot"
	}
}

func CameraMovement(direction string) string {
	d := strings.ToLower(direction)
	switch {
	case strings.Contains(d, "zoom"):
		return "zoom"
	case strings.Contains(d, "pan"):
		return "pan"
	case strings.Contains(d, "tilt"):
		return "tilt"
	case strings.Contains(d, "tracking"):
		return "tracking"
	default:
		return "static"
	}
}

// MovementDirection 按 left / right / up / down / in / out 的优先级匹配
func MovementDirection(direction string) string {
	d := strings.ToLower(direction)
	if d == "" {
		return "static"
	}
	for _, w := range []string{"left", "right", "up", "down", "in", "out"} {
		if strings.Contains(d, w) {
			return w
		}
	}
	return "static"
}
