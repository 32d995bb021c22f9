package checkpoint

import (
	"context"
	"errors"
	"time"

	"StoryToVideo-pipeline/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists checkpoints in the `checkpoint` table (MySQL or SQLite).
type GormStore struct {
	db    *gorm.DB
	locks *keyedMutex
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, locks: newKeyedMutex()}
}

func (s *GormStore) Save(ctx context.Context, cp models.Checkpoint) error {
	unlock := s.locks.Lock(key(cp.RunID, cp.Stage))
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.Checkpoint
		err := tx.Where("run_id = ? AND stage = ?", cp.RunID, cp.Stage).Take(&prev).Error
		switch {
		case err == nil:
			if err := checkTransition(&prev, cp); err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		cp.UpdatedAt = time.Now()
		cols := []string{"ordinal", "status", "attempts", "error", "updated_at"}
		if cp.Payload != nil {
			cols = append(cols, "payload")
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "stage"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).Create(&cp).Error
	})
	if err != nil {
		if errors.Is(err, ErrRegression) {
			return err
		}
		return &StorageFailure{Op: "save", RunID: cp.RunID, Stage: cp.Stage, Err: err}
	}
	return nil
}

func (s *GormStore) Load(ctx context.Context, runID, stage string) (models.Checkpoint, bool, error) {
	var cp models.Checkpoint
	err := s.db.WithContext(ctx).Where("run_id = ? AND stage = ?", runID, stage).Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Checkpoint{}, false, nil
	}
	if err != nil {
		return models.Checkpoint{}, false, &StorageFailure{Op: "load", RunID: runID, Stage: stage, Err: err}
	}
	return cp, true, nil
}

func (s *GormStore) ListStages(ctx context.Context, runID string) ([]models.Checkpoint, error) {
	var cps []models.Checkpoint
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ordinal").Find(&cps).Error; err != nil {
		return nil, &StorageFailure{Op: "list", RunID: runID, Err: err}
	}
	return cps, nil
}

func (s *GormStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&models.Checkpoint{}).Error; err != nil {
		return &StorageFailure{Op: "delete", RunID: runID, Err: err}
	}
	return nil
}
