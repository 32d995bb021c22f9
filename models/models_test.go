package models

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func TestBriefNormalizeDefaults(t *testing.T) {
	b := ConceptBrief{Title: " Launch ", Brief: "new product"}
	b.Normalize()
	require.NoError(t, b.Validate())
	assert.Equal(t, "Launch", b.Title)
	assert.Equal(t, DefaultDurationSeconds, b.DurationSeconds)
	assert.Equal(t, DefaultLanguage, b.Language)
	assert.Equal(t, DefaultTone, b.Tone)
}

func TestBriefValidation(t *testing.T) {
	cases := []struct {
		name  string
		brief ConceptBrief
	}{
		{"missing title", ConceptBrief{Brief: "x"}},
		{"too short", ConceptBrief{Title: "t", Brief: "x", DurationSeconds: 5}},
		{"too long", ConceptBrief{Title: "t", Brief: "x", DurationSeconds: 601}},
		{"bad tone", ConceptBrief{Title: "t", Brief: "x", Tone: "angry"}},
		{"bad export", ConceptBrief{Title: "t", Brief: "x", ExportFormats: []string{"vhs"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.brief.Normalize()
			assert.Error(t, tc.brief.Validate())
		})
	}
}

func TestRunRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := &Run{
		ID:     "run-1",
		Brief:  ConceptBrief{Title: "t", Brief: "b", DurationSeconds: 30},
		Status: RunStatusPending,
	}
	require.NoError(t, CreateRun(ctx, db, r))

	r.Status = RunStatusCompletedWithWarnings
	r.Warnings = append(r.Warnings, SceneWarning{SceneIndex: 2, Reason: "score 0.80"})
	require.NoError(t, SaveRun(ctx, db, r))

	got, err := GetRunByID(ctx, db, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "t", got.Brief.Title)
	assert.Equal(t, 30, got.Brief.DurationSeconds)
	assert.Equal(t, RunStatusCompletedWithWarnings, got.Status)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, 2, got.Warnings[0].SceneIndex)

	require.NoError(t, DeleteRun(ctx, db, "run-1"))
	_, err = GetRunByID(ctx, db, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, DeleteRun(ctx, db, "run-1"), ErrNotFound)
}

func TestCharacterRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := &Character{
		ID:              "c1",
		Name:            "Ava",
		ReferenceImages: []string{"s3://a.png", "s3://b.png"},
		Embedding:       []float64{0.6, 0.8},
		Version:         1,
	}
	require.NoError(t, SaveCharacter(ctx, db, c))

	got, err := GetCharacterByID(ctx, db, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://a.png", "s3://b.png"}, []string(got.ReferenceImages))
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, []float64(got.Embedding), 1e-9)

	_, err = GetCharacterByID(ctx, db, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSceneCloneIsDeep(t *testing.T) {
	score := 0.5
	s := Scene{CharacterIDs: []string{"a"}, Score: &score, History: []SceneAttempt{{Attempt: 1}}}
	c := s.Clone()
	c.CharacterIDs[0] = "b"
	*c.Score = 0.9
	c.History[0].Attempt = 2
	assert.Equal(t, "a", s.CharacterIDs[0])
	assert.Equal(t, 0.5, *s.Score)
	assert.Equal(t, 1, s.History[0].Attempt)
}
