package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"StoryToVideo-pipeline/consistency"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/provider"
	"StoryToVideo-pipeline/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ava = models.Character{ID: "ava", Name: "Ava", Embedding: []float64{1, 0}, ReferenceImages: []string{"ava.png"}}

// scoreExtractor returns an embedding whose cosine with ava's reference equals
// scoreFor(sceneIndex, attempt). Artifacts come from MockAdapter keys.
func scoreExtractor(scoreFor func(scene, attempt int) float64) consistency.Extractor {
	return consistency.ExtractorFunc(func(_ context.Context, uri string) ([]float64, error) {
		// mock://{provider}/{run}/{scene}/{attempt}
		parts := strings.Split(strings.TrimPrefix(uri, "mock://"), "/")
		if len(parts) != 4 {
			return nil, fmt.Errorf("unexpected artifact %q", uri)
		}
		scene, _ := strconv.Atoi(parts[2])
		attempt, _ := strconv.Atoi(parts[3])
		s := scoreFor(scene, attempt)
		return []float64{s, math.Sqrt(1 - s*s)}, nil
	})
}

func testOptions() Options {
	return Options{
		Concurrency:         4,
		MaxAttempts:         3,
		Threshold:           0.95,
		ProviderFailureRate: 0.5,
		ProviderMinCalls:    2,
		PollInterval:        time.Millisecond,
		CallTimeout:         time.Second,
		Strategy:            EmphasizeConsistency{},
		Retry:               retry.Policy{MaxAttempts: 1},
	}
}

func scenes(n int, chars ...string) []models.Scene {
	out := make([]models.Scene, n)
	for i := range out {
		out[i] = models.Scene{
			Index:        i + 1,
			Prompt:       fmt.Sprintf("scene %d", i+1),
			CharacterIDs: chars,
			Status:       models.SceneStatusQueued,
		}
	}
	return out
}

type flushRecorder struct {
	mu     sync.Mutex
	calls  int
	last   []models.Scene
	failAt int
}

func (f *flushRecorder) flush(_ context.Context, s []models.Scene) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls >= f.failAt {
		return errors.New("db down")
	}
	f.last = s
	return nil
}

func TestTwoScenesAcceptedFirstAttempt(t *testing.T) {
	d := New([]provider.Adapter{provider.NewMockAdapter("mock")},
		scoreExtractor(func(int, int) float64 { return 0.97 }), testOptions())
	fr := &flushRecorder{}

	res, err := d.Dispatch(context.Background(), Request{
		RunID:      "r1",
		Scenes:     scenes(2, "ava"),
		Characters: map[string]models.Character{"ava": ava},
		Flush:      fr.flush,
	})
	require.NoError(t, err)
	require.Len(t, res.Scenes, 2)
	assert.Empty(t, res.Exhausted)
	assert.False(t, res.Cancelled)
	for _, s := range res.Scenes {
		assert.Equal(t, models.SceneStatusAccepted, s.Status)
		assert.Equal(t, 1, s.Attempts)
		require.NotNil(t, s.Score)
		assert.InDelta(t, 0.97, *s.Score, 1e-9)
	}
	assert.Equal(t, 1, res.Scenes[0].Index)
	assert.Equal(t, 2, res.Scenes[1].Index)
	assert.Equal(t, models.SceneStatusAccepted, fr.last[0].Status)
	assert.Equal(t, models.SceneStatusAccepted, fr.last[1].Status)
}

func TestRejectedThenAcceptedOnSecondAttempt(t *testing.T) {
	d := New([]provider.Adapter{provider.NewMockAdapter("mock")},
		scoreExtractor(func(_ int, attempt int) float64 {
			if attempt == 1 {
				return 0.80
			}
			return 0.96
		}), testOptions())

	res, err := d.Dispatch(context.Background(), Request{
		RunID:      "r1",
		Scenes:     scenes(1, "ava"),
		Characters: map[string]models.Character{"ava": ava},
	})
	require.NoError(t, err)
	s := res.Scenes[0]
	assert.Equal(t, models.SceneStatusAccepted, s.Status)
	assert.Equal(t, 2, s.Attempts)
	require.Len(t, s.History, 2)
	assert.InDelta(t, 0.80, *s.History[0].Score, 1e-9)
	assert.InDelta(t, 0.96, *s.History[1].Score, 1e-9)
	assert.Contains(t, s.Prompt, "CONSISTENCY EMPHASIS")
	assert.True(t, strings.HasPrefix(s.Prompt, "scene 1"))
}

func TestAlwaysBelowThresholdExhausts(t *testing.T) {
	d := New([]provider.Adapter{provider.NewMockAdapter("mock")},
		scoreExtractor(func(int, int) float64 { return 0.5 }), testOptions())

	res, err := d.Dispatch(context.Background(), Request{
		RunID:      "r1",
		Scenes:     scenes(2, "ava"),
		Characters: map[string]models.Character{"ava": ava},
	})
	require.NoError(t, err)
	require.Len(t, res.Exhausted, 2)
	for _, s := range res.Scenes {
		assert.Equal(t, models.SceneStatusExhausted, s.Status)
		assert.Equal(t, 3, s.Attempts)
		assert.Contains(t, s.Reason, "below threshold")
	}
	assert.Equal(t, 1, res.Exhausted[0].Index)
}

func TestSceneWithoutCharactersScoresOne(t *testing.T) {
	d := New([]provider.Adapter{provider.NewMockAdapter("mock")},
		consistency.ExtractorFunc(func(context.Context, string) ([]float64, error) {
			return nil, errors.New("must not be called")
		}), testOptions())

	res, err := d.Dispatch(context.Background(), Request{RunID: "r1", Scenes: scenes(1)})
	require.NoError(t, err)
	assert.Equal(t, models.SceneStatusAccepted, res.Scenes[0].Status)
	assert.Equal(t, 1.0, *res.Scenes[0].Score)
}

func TestMissingReferenceEmbeddingIsAnError(t *testing.T) {
	mock := provider.NewMockAdapter("mock")
	d := New([]provider.Adapter{mock}, scoreExtractor(func(int, int) float64 { return 0.99 }), testOptions())

	noEmbedding := models.Character{ID: "bob", Name: "Bob"}
	_, err := d.Dispatch(context.Background(), Request{
		RunID:      "r1",
		Scenes:     scenes(2, "bob"),
		Characters: map[string]models.Character{"bob": noEmbedding},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingReference)
	assert.Contains(t, err.Error(), "bob")
	assert.Equal(t, 0, mock.Calls())

	_, err = d.Dispatch(context.Background(), Request{RunID: "r1", Scenes: scenes(1, "ghost")})
	assert.ErrorIs(t, err, ErrMissingReference)
}

func TestFailingProviderIsAvoidedAndExcluded(t *testing.T) {
	bad := provider.NewMockAdapter("bad")
	bad.Fail = func(provider.SceneSpec, int) error { return retry.NonRetryable(errors.New("401")) }
	good := provider.NewMockAdapter("good")

	opts := testOptions()
	opts.Concurrency = 1
	d := New([]provider.Adapter{bad, good}, scoreExtractor(func(int, int) float64 { return 0.99 }), opts)

	res, err := d.Dispatch(context.Background(), Request{
		RunID:      "r1",
		Scenes:     scenes(4, "ava"),
		Characters: map[string]models.Character{"ava": ava},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Exhausted)
	for _, s := range res.Scenes {
		assert.Equal(t, models.SceneStatusAccepted, s.Status)
		assert.Equal(t, "good", s.Provider)
	}
	// excluded after two failed calls
	assert.Equal(t, 2, bad.Calls())
}

func TestProviderFailureExhaustsAtAttemptLimit(t *testing.T) {
	bad := provider.NewMockAdapter("bad")
	bad.Fail = func(provider.SceneSpec, int) error { return retry.Retryable(errors.New("503")) }
	opts := testOptions()
	opts.ProviderMinCalls = 100

	d := New([]provider.Adapter{bad}, scoreExtractor(func(int, int) float64 { return 0.99 }), opts)
	res, err := d.Dispatch(context.Background(), Request{RunID: "r1", Scenes: scenes(1)})
	require.NoError(t, err)
	require.Len(t, res.Exhausted, 1)
	s := res.Scenes[0]
	assert.Equal(t, 3, s.Attempts)
	assert.Len(t, s.History, 3)
	assert.Contains(t, s.Reason, "provider bad")
}

func TestCancelledRunLeavesScenesQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := provider.NewMockAdapter("mock")
	d := New([]provider.Adapter{m}, scoreExtractor(func(int, int) float64 { return 0.99 }), testOptions())
	res, err := d.Dispatch(ctx, Request{RunID: "r1", Scenes: scenes(3, "ava"), Characters: map[string]models.Character{"ava": ava}})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, m.Calls())
	for _, s := range res.Scenes {
		assert.Equal(t, models.SceneStatusQueued, s.Status)
	}
}

func TestResumeRedispatchesInFlightAndSkipsSettled(t *testing.T) {
	m := provider.NewMockAdapter("mock")
	d := New([]provider.Adapter{m}, scoreExtractor(func(int, int) float64 { return 0.99 }), testOptions())

	score := 0.99
	in := scenes(3, "ava")
	in[0].Status, in[0].Attempts, in[0].Score = models.SceneStatusAccepted, 1, &score
	in[1].Status, in[1].Attempts = models.SceneStatusDispatched, 1
	in[2].Status, in[2].Attempts, in[2].Reason = models.SceneStatusExhausted, 3, "old"

	res, err := d.Dispatch(context.Background(), Request{RunID: "r1", Scenes: in, Characters: map[string]models.Character{"ava": ava}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, 1, res.Scenes[0].Attempts)
	assert.Equal(t, models.SceneStatusAccepted, res.Scenes[1].Status)
	assert.Equal(t, 2, res.Scenes[1].Attempts)
	assert.Equal(t, models.SceneStatusExhausted, res.Scenes[2].Status)
	require.Len(t, res.Exhausted, 1)
	assert.Equal(t, "old", res.Exhausted[0].Reason)
}

func TestFlushFailureStopsDispatch(t *testing.T) {
	d := New([]provider.Adapter{provider.NewMockAdapter("mock")},
		scoreExtractor(func(int, int) float64 { return 0.99 }), testOptions())
	fr := &flushRecorder{failAt: 1}

	_, err := d.Dispatch(context.Background(), Request{RunID: "r1", Scenes: scenes(2), Flush: fr.flush})
	assert.ErrorContains(t, err, "db down")
}

type slowAdapter struct {
	*provider.MockAdapter
	inflight, peak int32
}

func (s *slowAdapter) Submit(ctx context.Context, spec provider.SceneSpec) (provider.JobHandle, error) {
	n := atomic.AddInt32(&s.inflight, 1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&s.inflight, -1)
	return s.MockAdapter.Submit(ctx, spec)
}

func TestConcurrencyIsBounded(t *testing.T) {
	a := &slowAdapter{MockAdapter: provider.NewMockAdapter("slow")}
	opts := testOptions()
	opts.Concurrency = 2
	d := New([]provider.Adapter{a}, scoreExtractor(func(int, int) float64 { return 0.99 }), opts)

	res, err := d.Dispatch(context.Background(), Request{RunID: "r1", Scenes: scenes(8)})
	require.NoError(t, err)
	assert.Empty(t, res.Exhausted)
	assert.LessOrEqual(t, atomic.LoadInt32(&a.peak), int32(2))
}

func TestReusePromptKeepsPrompt(t *testing.T) {
	s := models.Scene{Prompt: "p", Attempts: 1}
	assert.Equal(t, "p", ReusePrompt{}.Next(s, 0.5))

	e := EmphasizeConsistency{}.Next(models.Scene{Prompt: "p", BasePrompt: "p", Attempts: 1}, 0.5)
	again := EmphasizeConsistency{}.Next(models.Scene{Prompt: e, Attempts: 2}, 0.6)
	assert.Equal(t, 1, strings.Count(again, "CONSISTENCY EMPHASIS"))
}
