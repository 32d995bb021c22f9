// Package provider puts video generation backends behind one capability interface.
package provider

import (
	"context"
	"fmt"
	"time"

	"StoryToVideo-pipeline/retry"
)

type SceneSpec struct {
	RunID           string
	SceneIndex      int
	Prompt          string
	CharacterIDs    []string
	ReferenceImages []string
	DurationSeconds int
	AspectRatio     string
	Resolution      string
	Style           string
	Attempt         int
}

// ObjectKey 产物在对象存储中的路径前缀
func (s SceneSpec) ObjectKey() string {
	return fmt.Sprintf("runs/%s/scenes/%03d/attempt-%d", s.RunID, s.SceneIndex, s.Attempt)
}

type JobHandle struct {
	Provider string `json:"provider"`
	JobID    string `json:"jobId"`
	Key      string `json:"key"`
}

type JobState string

const (
	JobPending JobState = "pending"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

type JobStatus struct {
	State  JobState
	Reason string
}

// Adapter 视频生成后端
type Adapter interface {
	Name() string
	Submit(ctx context.Context, spec SceneSpec) (JobHandle, error)
	Poll(ctx context.Context, h JobHandle) (JobStatus, error)
	Fetch(ctx context.Context, h JobHandle) (string, error)
}

// Canceler is implemented by adapters that can abort a submitted job.
type Canceler interface {
	Cancel(ctx context.Context, h JobHandle) error
}

// Generate submits spec, polls until the job settles and fetches the artifact.
// A job the provider reports as failed is retryable.
func Generate(ctx context.Context, a Adapter, spec SceneSpec, interval time.Duration) (string, error) {
	h, err := a.Submit(ctx, spec)
	if err != nil {
		return "", err
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := a.Poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				abort(a, h)
				return "", ctx.Err()
			}
			return "", err
		}
		switch st.State {
		case JobDone:
			return a.Fetch(ctx, h)
		case JobFailed:
			return "", retry.Retryable(fmt.Errorf("%s job %s failed: %s", a.Name(), h.JobID, st.Reason))
		}

		select {
		case <-ctx.Done():
			abort(a, h)
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func abort(a Adapter, h JobHandle) {
	c, ok := a.(Canceler)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Cancel(ctx, h)
}
