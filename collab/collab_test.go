package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brief() models.ConceptBrief {
	b := models.ConceptBrief{Title: "Solar Roofs", Brief: "Why solar pays off", TargetAudience: "homeowners"}
	b.Normalize()
	return b
}

func TestTemplateScriptStructure(t *testing.T) {
	s, err := TemplateScriptWriter{}.WriteScript(context.Background(), brief(), nil)
	require.NoError(t, err)

	require.Len(t, s.Scenes, 5)
	assert.Equal(t, "Opening Hook", s.Scenes[0].Title)
	assert.Equal(t, 6, s.Scenes[0].DurationSeconds)
	assert.Equal(t, "Welcome to Solar Roofs", s.Scenes[0].Dialogue)
	assert.Equal(t, "Content Section 1", s.Scenes[1].Title)
	assert.Equal(t, 16, s.Scenes[1].DurationSeconds)
	assert.Equal(t, "Key message 3 for homeowners", s.Scenes[3].Dialogue)
	assert.Equal(t, "Call to Action", s.Scenes[4].Title)
	assert.Equal(t, 5, s.Scenes[4].Number)
	assert.Equal(t, "Narrator", s.Scenes[4].Speaker)
	assert.Equal(t, VoiceOverInstructions("professional"), s.VoiceOverInstructions)
	assert.Contains(t, s.PacingNotes, "Measured pace")
}

func TestTemplateScriptUsesCharacters(t *testing.T) {
	chars := []models.Character{{ID: "c1", Name: "Ava"}, {ID: "c2", Name: "Ben"}}
	s, err := TemplateScriptWriter{}.WriteScript(context.Background(), brief(), chars)
	require.NoError(t, err)
	for _, sc := range s.Scenes {
		assert.Equal(t, "Ava", sc.Speaker)
		assert.Equal(t, []string{"c1", "c2"}, sc.CharacterIDs)
	}
}

func TestSceneCountAndPacing(t *testing.T) {
	assert.Equal(t, 3, SceneCount(10))
	assert.Equal(t, 3, SceneCount(36))
	assert.Equal(t, 10, SceneCount(120))
	assert.Contains(t, PacingNotes(20), "Fast-paced")
	assert.Contains(t, PacingNotes(45), "Moderate pace")
	assert.Equal(t, "Clear, natural delivery.", VoiceOverInstructions("unknown"))
}

type fakeGenerator struct {
	text string
	err  error
	got  string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.got = prompt
	return f.text, f.err
}

func TestLLMScriptWriterParsesFencedJSON(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n" + `{"scenes":[
		{"title":"Hook","durationSeconds":10,"visualDescription":"Sunrise over roofs","dialogue":"Hi"},
		{"title":"Close","visualDescription":"Family smiling","dialogue":"Bye","speaker":"Ava"}
	]}` + "\n```"}
	w := NewLLMScriptWriter(gen)

	s, err := w.WriteScript(context.Background(), brief(), []models.Character{{ID: "c1", Name: "Ava", Description: "red hair"}})
	require.NoError(t, err)
	require.Len(t, s.Scenes, 2)
	assert.Equal(t, 1, s.Scenes[0].Number)
	assert.Equal(t, 2, s.Scenes[1].Number)
	assert.Equal(t, 10, s.Scenes[0].DurationSeconds)
	assert.Equal(t, 30, s.Scenes[1].DurationSeconds)
	assert.Equal(t, "Ava", s.Scenes[0].Speaker)
	assert.Equal(t, []string{"c1"}, s.Scenes[1].CharacterIDs)
	assert.Contains(t, gen.got, "Ava (id c1): red hair")
	assert.Contains(t, gen.got, "Why solar pays off")
}

func TestLLMScriptWriterFallsBackOnGarbage(t *testing.T) {
	w := NewLLMScriptWriter(&fakeGenerator{text: "sorry, I cannot help"})
	s, err := w.WriteScript(context.Background(), brief(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Opening Hook", s.Scenes[0].Title)
}

func TestLLMScriptWriterPropagatesModelError(t *testing.T) {
	w := NewLLMScriptWriter(&fakeGenerator{err: errors.New("quota")})
	_, err := w.WriteScript(context.Background(), brief(), nil)
	assert.EqualError(t, err, "quota")
}

func TestRuleStoryboard(t *testing.T) {
	s, _ := TemplateScriptWriter{}.WriteScript(context.Background(), brief(), nil)
	board, err := RuleStoryboarder{}.Plan(context.Background(), brief(), s)
	require.NoError(t, err)
	require.Len(t, board.Shots, len(s.Scenes))

	first := board.Shots[0]
	assert.Equal(t, "wide_shot", first.CameraAngle)
	assert.Equal(t, "static", first.CameraMovement)
	assert.Equal(t, "up", first.MovementDirection)
	assert.Equal(t, defaultLighting, first.Lighting)
	assert.Contains(t, first.Description, `Narrator says: "Welcome to Solar Roofs"`)
	assert.Equal(t, "medium_shot", board.Shots[1].CameraAngle)
	assert.Equal(t, "fade_out", board.Shots[len(board.Shots)-1].Transition)
}

func TestCameraRules(t *testing.T) {
	assert.Equal(t, "close_up", CameraAngle("Product Detail"))
	assert.Equal(t, "zoom", CameraMovement("slow zoom in"))
	assert.Equal(t, "pan", CameraMovement("pan left"))
	assert.Equal(t, "tracking", CameraMovement("tracking shot"))
	assert.Equal(t, "left", MovementDirection("pan left"))
	assert.Equal(t, "in", MovementDirection("zoom in"))
	assert.Equal(t, "static", MovementDirection(""))
}

type fakeJobs struct {
	mu   sync.Mutex
	reqs []worker.Request
	fail string
}

func (f *fakeJobs) Run(_ context.Context, r worker.Request) (*worker.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, r)
	f.mu.Unlock()
	if r.Type == f.fail {
		return nil, errors.New("worker down")
	}
	return &worker.Result{ResourceURL: "http://worker/" + r.ID}, nil
}

func (f *fakeJobs) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.reqs))
	for i, r := range f.reqs {
		out[i] = r.Type
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (s *fakeStore) Rehost(_ context.Context, src, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = src
	return "http://minio/" + name, nil
}

func TestWorkerMediaChain(t *testing.T) {
	jobs := &fakeJobs{}
	store := &fakeStore{objects: map[string]string{}}
	m := NewWorkerMedia(jobs, store)
	ctx := context.Background()

	script := models.Script{Scenes: []models.ScriptScene{
		{Number: 1, Speaker: "Narrator", Dialogue: "a"},
		{Number: 2, Speaker: "CEO", Dialogue: "b"},
	}}
	voice, err := m.Synthesize(ctx, "r1", brief(), script)
	require.NoError(t, err)
	require.Len(t, voice.Segments, 2)
	assert.Equal(t, "http://minio/runs/r1/voice/002.mp3", voice.Segments[1].AudioURL)

	mix, err := m.Mix(ctx, "r1", voice, 60)
	require.NoError(t, err)
	assert.Equal(t, "http://minio/runs/r1/audio/mix.mp3", mix.AudioURL)

	scenes := []models.Scene{
		{Index: 2, Status: models.SceneStatusExhausted, Artifact: "s2"},
		{Index: 1, Status: models.SceneStatusAccepted, Artifact: "s1"},
	}
	asm, err := m.Assemble(ctx, "r1", scenes, mix)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, asm.Clips)
	assert.Equal(t, []int{2}, asm.Flagged)

	formats := []models.ExportFormat{models.ExportFormats["tiktok"], models.ExportFormats["youtube_1080"]}
	res, err := m.Export(ctx, "r1", asm, formats)
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 2)
	assert.Equal(t, "http://minio/runs/r1/export/tiktok.mp4", res.Primary)
	assert.Equal(t, "http://worker/r1-export-tiktok", store.objects["runs/r1/export/tiktok.mp4"])

	types := jobs.types()
	assert.Len(t, types, 6)
	assert.Contains(t, types, worker.JobVoice)
	assert.Contains(t, types, worker.JobAudioMix)
	assert.Contains(t, types, worker.JobAssemble)
	assert.Contains(t, types, worker.JobExport)
}

func TestWorkerMediaErrors(t *testing.T) {
	m := NewWorkerMedia(&fakeJobs{fail: worker.JobAudioMix}, nil)
	_, err := m.Mix(context.Background(), "r1", models.VoiceTrack{}, 30)
	assert.EqualError(t, err, "worker down")

	_, err = m.Assemble(context.Background(), "r1", []models.Scene{{Index: 1, Status: models.SceneStatusExhausted}}, models.AudioMix{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no scene clips"))
}

func TestDryRunMedia(t *testing.T) {
	var d DryRunMedia
	res, err := d.Export(context.Background(), "r9", models.Assembly{}, []models.ExportFormat{models.ExportFormats["linkedin"]})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("dryrun://%s/export/linkedin.mp4", "r9"), res.Primary)
}
