package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"StoryToVideo-pipeline/models"

	"gorm.io/gorm"
)

// RunStore 持久化 Run 行
type RunStore interface {
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	SaveRun(ctx context.Context, r *models.Run) error
	DeleteRun(ctx context.Context, id string) error
}

type GormRunStore struct {
	db *gorm.DB
}

func NewGormRunStore(db *gorm.DB) *GormRunStore {
	return &GormRunStore{db: db}
}

func (g *GormRunStore) CreateRun(ctx context.Context, r *models.Run) error {
	return models.CreateRun(ctx, g.db, r)
}

func (g *GormRunStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	r, err := models.GetRunByID(ctx, g.db, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

func (g *GormRunStore) SaveRun(ctx context.Context, r *models.Run) error {
	return models.SaveRun(ctx, g.db, r)
}

func (g *GormRunStore) DeleteRun(ctx context.Context, id string) error {
	err := models.DeleteRun(ctx, g.db, id)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return err
}

type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]models.Run
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]models.Run)}
}

func (m *MemoryRunStore) CreateRun(_ context.Context, r *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.runs[r.ID] = *r
	return nil
}

func (m *MemoryRunStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	r.Warnings = append(r.Warnings[:0:0], r.Warnings...)
	return &r, nil
}

func (m *MemoryRunStore) SaveRun(_ context.Context, r *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.UpdatedAt = time.Now()
	c := *r
	c.Warnings = append(r.Warnings[:0:0], r.Warnings...)
	m.runs[r.ID] = c
	return nil
}

func (m *MemoryRunStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	delete(m.runs, id)
	return nil
}
