package provider

import (
	"context"
	"fmt"

	"StoryToVideo-pipeline/storage"
	"StoryToVideo-pipeline/worker"

	"golang.org/x/time/rate"
)

// WorkerAdapter 通过 worker job 协议调用视频模型（kling / runway 等）
type WorkerAdapter struct {
	name    string
	client  *worker.Client
	limiter *rate.Limiter
	store   storage.ArtifactStore
}

// NewWorkerAdapter rps <= 0 表示不限速；store 为 nil 时直接返回 provider 的 URL
func NewWorkerAdapter(name string, client *worker.Client, rps float64, store storage.ArtifactStore) *WorkerAdapter {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &WorkerAdapter{name: name, client: client, limiter: limiter, store: store}
}

func (w *WorkerAdapter) Name() string { return w.name }

func (w *WorkerAdapter) Submit(ctx context.Context, spec SceneSpec) (JobHandle, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return JobHandle{}, err
	}
	jobID, err := w.client.Submit(ctx, worker.Request{
		ID:    spec.ObjectKey(),
		RunID: spec.RunID,
		Type:  worker.JobSceneVideo,
		Parameters: map[string]interface{}{
			"scene_index":      spec.SceneIndex,
			"prompt":           spec.Prompt,
			"character_ids":    spec.CharacterIDs,
			"reference_images": spec.ReferenceImages,
			"duration":         spec.DurationSeconds,
			"aspect_ratio":     spec.AspectRatio,
			"resolution":       spec.Resolution,
			"style":            spec.Style,
			"attempt":          spec.Attempt,
		},
	})
	if err != nil {
		return JobHandle{}, err
	}
	return JobHandle{Provider: w.name, JobID: jobID, Key: spec.ObjectKey()}, nil
}

func (w *WorkerAdapter) Poll(ctx context.Context, h JobHandle) (JobStatus, error) {
	job, err := w.client.Get(ctx, h.JobID)
	if err != nil {
		return JobStatus{}, err
	}
	switch job.State() {
	case worker.StateDone:
		return JobStatus{State: JobDone}, nil
	case worker.StateFailed:
		return JobStatus{State: JobFailed, Reason: job.Error}, nil
	}
	return JobStatus{State: JobPending}, nil
}

func (w *WorkerAdapter) Fetch(ctx context.Context, h JobHandle) (string, error) {
	job, err := w.client.Get(ctx, h.JobID)
	if err != nil {
		return "", err
	}
	if job.Result.ResourceURL == "" {
		return "", fmt.Errorf("%s job %s finished without resource_url", w.name, h.JobID)
	}
	if w.store == nil {
		return job.Result.ResourceURL, nil
	}
	return w.store.Rehost(ctx, job.Result.ResourceURL, h.Key+".mp4")
}

func (w *WorkerAdapter) Cancel(ctx context.Context, h JobHandle) error {
	return w.client.Cancel(ctx, h.JobID)
}
