package consistency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/retry"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrCharacterNotFound = errors.New("character not found")

type CharacterStore interface {
	SaveCharacter(ctx context.Context, c *models.Character) error
	GetCharacter(ctx context.Context, id string) (*models.Character, error)
}

type CharacterInput struct {
	ID              string   `json:"id"`
	Name            string   `json:"name" binding:"required"`
	Description     string   `json:"description"`
	ReferenceImages []string `json:"reference_images" binding:"required,min=1"`
}

// Registry 角色注册表：注册时由参考图计算 reference embedding
type Registry struct {
	store     CharacterStore
	extractor Extractor
	policy    retry.Policy
	mu        sync.Mutex
}

func NewRegistry(store CharacterStore, extractor Extractor, policy retry.Policy) *Registry {
	return &Registry{store: store, extractor: extractor, policy: policy}
}

func (r *Registry) Extractor() Extractor { return r.extractor }

// Register 新建或重新注册角色；重新注册会提升 Version，旧 embedding 失效
func (r *Registry) Register(ctx context.Context, in CharacterInput) (*models.Character, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, errors.New("character name is required")
	}
	if len(in.ReferenceImages) == 0 {
		return nil, errors.New("at least one reference image is required")
	}

	embedding, err := r.embed(ctx, in.ReferenceImages)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &models.Character{ID: in.ID, Version: 1}
	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if prev, err := r.store.GetCharacter(ctx, in.ID); err == nil {
		c.Version = prev.Version + 1
		c.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, ErrCharacterNotFound) {
		return nil, err
	}
	c.Name = in.Name
	c.Description = in.Description
	c.ReferenceImages = append([]string(nil), in.ReferenceImages...)
	c.Embedding = embedding

	if err := r.store.SaveCharacter(ctx, c); err != nil {
		return nil, fmt.Errorf("save character %s: %w", c.ID, err)
	}
	return c, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Character, error) {
	return r.store.GetCharacter(ctx, id)
}

// Prepare 返回可用于校验的角色；embedding 缺失时重新计算并保存
func (r *Registry) Prepare(ctx context.Context, id string) (*models.Character, error) {
	c, err := r.store.GetCharacter(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(c.Embedding) > 0 {
		return c, nil
	}
	embedding, err := r.embed(ctx, c.ReferenceImages)
	if err != nil {
		return nil, err
	}
	c.Embedding = embedding
	if err := r.store.SaveCharacter(ctx, c); err != nil {
		return nil, fmt.Errorf("save character %s: %w", c.ID, err)
	}
	return c, nil
}

func (r *Registry) embed(ctx context.Context, images []string) ([]float64, error) {
	vecs := make([][]float64, 0, len(images))
	for _, uri := range images {
		v, err := retry.Do(ctx, r.policy, func(ctx context.Context) ([]float64, error) {
			return r.extractor.Extract(ctx, uri)
		})
		if err != nil {
			return nil, fmt.Errorf("extract embedding for %s: %w", uri, err)
		}
		vecs = append(vecs, v)
	}
	mean := Mean(vecs)
	if mean == nil {
		return nil, errors.New("reference embeddings have inconsistent dimensions")
	}
	return mean, nil
}

// MemoryCharacterStore 进程内存储
type MemoryCharacterStore struct {
	mu    sync.RWMutex
	chars map[string]models.Character
}

func NewMemoryCharacterStore() *MemoryCharacterStore {
	return &MemoryCharacterStore{chars: make(map[string]models.Character)}
}

func (m *MemoryCharacterStore) SaveCharacter(_ context.Context, c *models.Character) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chars[c.ID] = *c
	return nil
}

func (m *MemoryCharacterStore) GetCharacter(_ context.Context, id string) (*models.Character, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacterNotFound, id)
	}
	return &c, nil
}

// GormCharacterStore 使用 character 表
type GormCharacterStore struct {
	db *gorm.DB
}

func NewGormCharacterStore(db *gorm.DB) *GormCharacterStore {
	return &GormCharacterStore{db: db}
}

func (g *GormCharacterStore) SaveCharacter(ctx context.Context, c *models.Character) error {
	return models.SaveCharacter(ctx, g.db, c)
}

func (g *GormCharacterStore) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	c, err := models.GetCharacterByID(ctx, g.db, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCharacterNotFound, id)
	}
	return c, err
}
