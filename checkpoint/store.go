// Package checkpoint persists per-stage progress of a run so an interrupted run
// resumes at the first stage that has not completed.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"StoryToVideo-pipeline/models"
)

// ErrRegression is returned when a write would move a completed checkpoint back.
var ErrRegression = errors.New("checkpoint regression")

// StorageFailure wraps every persistence error. The controller stops on it without
// touching run status.
type StorageFailure struct {
	Op    string
	RunID string
	Stage string
	Err   error
}

func (e *StorageFailure) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("checkpoint %s run=%s: %v", e.Op, e.RunID, e.Err)
	}
	return fmt.Sprintf("checkpoint %s run=%s stage=%s: %v", e.Op, e.RunID, e.Stage, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

func IsStorageFailure(err error) bool {
	var sf *StorageFailure
	return errors.As(err, &sf)
}

type Store interface {
	// Save upserts cp. A nil Payload keeps the stored payload.
	Save(ctx context.Context, cp models.Checkpoint) error
	Load(ctx context.Context, runID, stage string) (models.Checkpoint, bool, error)
	// ListStages returns the run's checkpoints in ordinal order.
	ListStages(ctx context.Context, runID string) ([]models.Checkpoint, error)
	DeleteRun(ctx context.Context, runID string) error
}

func checkTransition(prev *models.Checkpoint, next models.Checkpoint) error {
	if prev == nil {
		return nil
	}
	if models.CheckpointRank(prev.Status) == models.CheckpointRank(models.CheckpointCompleted) &&
		models.CheckpointRank(next.Status) < models.CheckpointRank(prev.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrRegression, prev.Status, next.Status)
	}
	return nil
}

// keyedMutex 按 (run, stage) 串行化写入
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func key(runID, stage string) string {
	return runID + "/" + stage
}
