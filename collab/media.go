package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/retry"
	"StoryToVideo-pipeline/storage"
	"StoryToVideo-pipeline/worker"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var speakerVoices = map[string]string{
	"Narrator": "en_US_female_professional",
	"CEO":      "en_US_male_executive",
	"Customer": "en_US_female_natural",
}

func VoiceFor(speaker string) string {
	if v, ok := speakerVoices[speaker]; ok {
		return v
	}
	return "en_US_female_professional"
}

// JobRunner 提交 worker job 并等待结果，由 *worker.Client 实现
type JobRunner interface {
	Run(ctx context.Context, r worker.Request) (*worker.Result, error)
}

// WorkerMedia 通过 worker job 完成配音、混音、拼接和导出
type WorkerMedia struct {
	jobs  JobRunner
	store storage.ArtifactStore
	// Concurrency 配音和导出时的并发 job 数
	Concurrency int
}

// NewWorkerMedia store 为 nil 时直接使用 worker 返回的 URL
func NewWorkerMedia(jobs JobRunner, store storage.ArtifactStore) *WorkerMedia {
	return &WorkerMedia{jobs: jobs, store: store, Concurrency: 4}
}

func (m *WorkerMedia) run(ctx context.Context, req worker.Request, objectName string) (string, error) {
	res, err := m.jobs.Run(ctx, req)
	if err != nil {
		return "", err
	}
	if res.ResourceURL == "" {
		return "", retry.NonRetryable(fmt.Errorf("%s job for run %s returned no resource url", req.Type, req.RunID))
	}
	if m.store == nil {
		return res.ResourceURL, nil
	}
	url, err := m.store.Rehost(ctx, res.ResourceURL, objectName)
	if err != nil {
		return "", fmt.Errorf("rehost %s: %w", objectName, err)
	}
	return url, nil
}

func (m *WorkerMedia) limit() int {
	if m.Concurrency <= 0 {
		return 1
	}
	return m.Concurrency
}

func (m *WorkerMedia) Synthesize(ctx context.Context, runID string, brief models.ConceptBrief, script models.Script) (models.VoiceTrack, error) {
	segments := make([]models.VoiceSegment, len(script.Scenes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit())
	for i, s := range script.Scenes {
		g.Go(func() error {
			url, err := m.run(gctx, worker.Request{
				ID:    fmt.Sprintf("%s-voice-%03d", runID, s.Number),
				RunID: runID,
				Type:  worker.JobVoice,
				Parameters: map[string]interface{}{
					"scene_number": s.Number,
					"text":         s.Dialogue,
					"voice_id":     VoiceFor(s.Speaker),
					"language":     brief.Language,
					"instructions": script.VoiceOverInstructions,
				},
			}, fmt.Sprintf("runs/%s/voice/%03d.mp3", runID, s.Number))
			if err != nil {
				return err
			}
			segments[i] = models.VoiceSegment{SceneNumber: s.Number, Speaker: s.Speaker, AudioURL: url}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.VoiceTrack{}, err
	}
	return models.VoiceTrack{Segments: segments}, nil
}

func (m *WorkerMedia) Mix(ctx context.Context, runID string, voice models.VoiceTrack, durationSeconds int) (models.AudioMix, error) {
	tracks := make([]string, 0, len(voice.Segments))
	for _, s := range voice.Segments {
		tracks = append(tracks, s.AudioURL)
	}
	url, err := m.run(ctx, worker.Request{
		ID:    runID + "-mix",
		RunID: runID,
		Type:  worker.JobAudioMix,
		Parameters: map[string]interface{}{
			"tracks":   tracks,
			"duration": durationSeconds,
		},
	}, fmt.Sprintf("runs/%s/audio/mix.mp3", runID))
	if err != nil {
		return models.AudioMix{}, err
	}
	return models.AudioMix{AudioURL: url}, nil
}

// Assemble 按场景顺序拼接；exhausted 场景保留最后一次产物并标记，供人工复核
func (m *WorkerMedia) Assemble(ctx context.Context, runID string, scenes []models.Scene, mix models.AudioMix) (models.Assembly, error) {
	clips, flagged := Clips(scenes)
	if len(clips) == 0 {
		return models.Assembly{}, retry.NonRetryable(fmt.Errorf("run %s has no scene clips to assemble", runID))
	}
	url, err := m.run(ctx, worker.Request{
		ID:    runID + "-assemble",
		RunID: runID,
		Type:  worker.JobAssemble,
		Parameters: map[string]interface{}{
			"clips":      clips,
			"audio_url":  mix.AudioURL,
			"transition": "crossfade",
			"flagged":    flagged,
		},
	}, fmt.Sprintf("runs/%s/video/assembled.mp4", runID))
	if err != nil {
		return models.Assembly{}, err
	}
	return models.Assembly{VideoURL: url, Clips: clips, Flagged: flagged}, nil
}

// Clips 场景表中可用于拼接的片段，以及被标记的场景序号
func Clips(scenes []models.Scene) ([]string, []int) {
	sorted := models.CloneScenes(scenes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	var clips []string
	var flagged []int
	for _, s := range sorted {
		if s.Status == models.SceneStatusExhausted {
			flagged = append(flagged, s.Index)
		}
		if s.Artifact != "" {
			clips = append(clips, s.Artifact)
		}
	}
	return clips, flagged
}

func (m *WorkerMedia) Export(ctx context.Context, runID string, assembly models.Assembly, formats []models.ExportFormat) (models.ExportResult, error) {
	if len(formats) == 0 {
		return models.ExportResult{}, retry.NonRetryable(fmt.Errorf("no export formats for run %s", runID))
	}
	var mu sync.Mutex
	outputs := make(map[string]string, len(formats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit())
	for _, f := range formats {
		g.Go(func() error {
			url, err := m.run(gctx, worker.Request{
				ID:    fmt.Sprintf("%s-export-%s", runID, f.Name),
				RunID: runID,
				Type:  worker.JobExport,
				Parameters: map[string]interface{}{
					"video_url":    assembly.VideoURL,
					"platform":     f.Name,
					"width":        f.Width,
					"height":       f.Height,
					"aspect_ratio": f.AspectRatio,
					"container":    f.Container,
				},
			}, fmt.Sprintf("runs/%s/export/%s.%s", runID, f.Name, f.Container))
			if err != nil {
				return err
			}
			mu.Lock()
			outputs[f.Name] = url
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.ExportResult{}, err
	}
	logger.Get("collab").WithFields(logrus.Fields{"run_id": runID, "formats": len(outputs)}).Info("导出完成")
	return models.ExportResult{Outputs: outputs, Primary: outputs[formats[0].Name]}, nil
}

// DryRunMedia 不调用任何外部服务，返回可预测的占位地址（本地开发和测试用）
type DryRunMedia struct{}

func (DryRunMedia) Synthesize(_ context.Context, runID string, _ models.ConceptBrief, script models.Script) (models.VoiceTrack, error) {
	segments := make([]models.VoiceSegment, 0, len(script.Scenes))
	for _, s := range script.Scenes {
		segments = append(segments, models.VoiceSegment{
			SceneNumber: s.Number,
			Speaker:     s.Speaker,
			AudioURL:    fmt.Sprintf("dryrun://%s/voice/%03d.mp3", runID, s.Number),
		})
	}
	return models.VoiceTrack{Segments: segments}, nil
}

func (DryRunMedia) Mix(_ context.Context, runID string, _ models.VoiceTrack, _ int) (models.AudioMix, error) {
	return models.AudioMix{AudioURL: fmt.Sprintf("dryrun://%s/audio/mix.mp3", runID)}, nil
}

func (DryRunMedia) Assemble(_ context.Context, runID string, scenes []models.Scene, _ models.AudioMix) (models.Assembly, error) {
	clips, flagged := Clips(scenes)
	return models.Assembly{VideoURL: fmt.Sprintf("dryrun://%s/video/assembled.mp4", runID), Clips: clips, Flagged: flagged}, nil
}

func (DryRunMedia) Export(_ context.Context, runID string, _ models.Assembly, formats []models.ExportFormat) (models.ExportResult, error) {
	outputs := make(map[string]string, len(formats))
	for _, f := range formats {
		outputs[f.Name] = fmt.Sprintf("dryrun://%s/export/%s.%s", runID, f.Name, f.Container)
	}
	res := models.ExportResult{Outputs: outputs}
	if len(formats) > 0 {
		res.Primary = outputs[formats[0].Name]
	}
	return res, nil
}
