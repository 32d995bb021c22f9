package consistency

import (
	"fmt"
	"strings"

	"StoryToVideo-pipeline/models"
)

// ConsistencyPrompt builds the generation prompt for one scene featuring the given
// characters. With no characters the scene description is returned unchanged.
func ConsistencyPrompt(characters []models.Character, sceneDescription string) string {
	if len(characters) == 0 {
		return sceneDescription
	}
	var b strings.Builder
	b.WriteString("Generate a video scene with the following specifications:\n")
	for _, c := range characters {
		fmt.Fprintf(&b, "\nCHARACTER: %s\nDescription: %s\n", c.Name, c.Description)
		b.WriteString("\nAppearance Requirements:\n")
		fmt.Fprintf(&b, "- Facial features: %s\n", facialFeatures(c.Description))
		fmt.Fprintf(&b, "- Hair: %s\n", hair(c.Description))
		fmt.Fprintf(&b, "- Clothing style: %s\n", clothing(c.Description))
		fmt.Fprintf(&b, "- Body type: %s\n", bodyType(c.Description))
	}
	b.WriteString(`
Visual Consistency Instructions:
- Maintain exactly the same facial features from reference images
- Match hair color and style precisely
- Use consistent clothing style and colors
- Keep body posture and mannerisms consistent
- Match skin tone and complexion exactly
- Ensure lighting and color grading match previous scenes
`)
	fmt.Fprintf(&b, "\nScene Context: %s\n\nGenerate video maintaining 100%% visual consistency with reference character.", sceneDescription)
	return b.String()
}

func pick(desc string, rules [][2]string, fallback string) string {
	d := strings.ToLower(desc)
	for _, r := range rules {
		if strings.Contains(d, r[0]) {
			return r[1]
		}
	}
	return fallback
}

func facialFeatures(desc string) string {
	return pick(desc, [][2]string{
		{"round face", "Round face, warm eyes, clear skin"},
		{"angular", "Angular features, defined cheekbones"},
	}, "Neutral facial features")
}

func hair(desc string) string {
	return pick(desc, [][2]string{
		{"brown", "Brown, shoulder-length, wavy"},
		{"blonde", "Blonde, medium length"},
	}, "Dark hair, medium length")
}

func clothing(desc string) string {
	return pick(desc, [][2]string{
		{"professional", "Professional business attire, neutral colors"},
		{"casual", "Casual comfortable clothing, earth tones"},
	}, "Neutral professional wear")
}

func bodyType(desc string) string {
	return pick(desc, [][2]string{
		{"athletic", "Athletic build, upright posture"},
		{"petite", "Petite frame"},
	}, "Average athletic build")
}
