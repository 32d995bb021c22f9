package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"StoryToVideo-pipeline/models"
)

// MemoryStore keeps checkpoints in process. Used by tests and single-shot CLI runs.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]models.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]models.Checkpoint)}
}

func (m *MemoryStore) Save(_ context.Context, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages, ok := m.rows[cp.RunID]
	if !ok {
		stages = make(map[string]models.Checkpoint)
		m.rows[cp.RunID] = stages
	}
	if prev, ok := stages[cp.Stage]; ok {
		if err := checkTransition(&prev, cp); err != nil {
			return err
		}
		if cp.Payload == nil {
			cp.Payload = prev.Payload
		}
	}
	cp.Payload = append([]byte(nil), cp.Payload...)
	cp.UpdatedAt = time.Now()
	stages[cp.Stage] = cp
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID, stage string) (models.Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.rows[runID][stage]
	if ok {
		cp.Payload = append([]byte(nil), cp.Payload...)
	}
	return cp, ok, nil
}

func (m *MemoryStore) ListStages(_ context.Context, runID string) ([]models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Checkpoint, 0, len(m.rows[runID]))
	for _, cp := range m.rows[runID] {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, runID)
	return nil
}
