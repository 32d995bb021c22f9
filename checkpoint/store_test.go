package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"StoryToVideo-pipeline/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := models.Open("sqlite", filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   NewGormStore(db),
	}
}

func TestSaveLoadKeepsPayloadWhenNil(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, models.Checkpoint{
				RunID: "r1", Stage: "scene_generation", Ordinal: 3,
				Status: models.CheckpointInProgress, Payload: []byte(`{"scenes":[]}`), Attempts: 1,
			}))
			require.NoError(t, s.Save(ctx, models.Checkpoint{
				RunID: "r1", Stage: "scene_generation", Ordinal: 3,
				Status: models.CheckpointInProgress, Attempts: 2,
			}))

			cp, ok, err := s.Load(ctx, "r1", "scene_generation")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 2, cp.Attempts)
			assert.JSONEq(t, `{"scenes":[]}`, string(cp.Payload))

			_, ok, err = s.Load(ctx, "r1", "voice")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCompletedNeverRegresses(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			done := models.Checkpoint{RunID: "r1", Stage: "script", Status: models.CheckpointCompleted, Payload: []byte(`{"title":"x"}`)}
			require.NoError(t, s.Save(ctx, done))

			err := s.Save(ctx, models.Checkpoint{RunID: "r1", Stage: "script", Status: models.CheckpointInProgress})
			assert.ErrorIs(t, err, ErrRegression)
			assert.False(t, IsStorageFailure(err))

			cp, _, err := s.Load(ctx, "r1", "script")
			require.NoError(t, err)
			assert.Equal(t, models.CheckpointCompleted, cp.Status)
		})
	}
}

func TestListStagesOrderedAndDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, st := range []struct {
				name    string
				ordinal int
			}{{"voice", 4}, {"script", 0}, {"storyboard", 1}} {
				require.NoError(t, s.Save(ctx, models.Checkpoint{RunID: "r1", Stage: st.name, Ordinal: st.ordinal, Status: models.CheckpointCompleted}))
			}
			require.NoError(t, s.Save(ctx, models.Checkpoint{RunID: "r2", Stage: "script", Status: models.CheckpointInProgress}))

			cps, err := s.ListStages(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, cps, 3)
			assert.Equal(t, []string{"script", "storyboard", "voice"}, []string{cps[0].Stage, cps[1].Stage, cps[2].Stage})

			require.NoError(t, s.DeleteRun(ctx, "r1"))
			cps, err = s.ListStages(ctx, "r1")
			require.NoError(t, err)
			assert.Empty(t, cps)

			_, ok, err := s.Load(ctx, "r2", "script")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestConcurrentSavesSameKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := s.Save(ctx, models.Checkpoint{
						RunID: "r1", Stage: "scene_generation", Status: models.CheckpointInProgress,
						Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
					})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			cp, ok, err := s.Load(ctx, "r1", "scene_generation")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Contains(t, string(cp.Payload), `"n":`)
		})
	}
}

func TestGormStoreWrapsStorageFailure(t *testing.T) {
	db, err := models.Open("sqlite", filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	s := NewGormStore(db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = s.Save(context.Background(), models.Checkpoint{RunID: "r1", Stage: "script", Status: models.CheckpointInProgress})
	var sf *StorageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "save", sf.Op)

	_, _, err = s.Load(context.Background(), "r1", "script")
	assert.True(t, IsStorageFailure(err))
}
