package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"StoryToVideo-pipeline/consistency"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/pipeline"
	"StoryToVideo-pipeline/retry"
	"StoryToVideo-pipeline/routers/api"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuns struct {
	mu       sync.Mutex
	runs     map[string]*models.Run
	scenes   []models.Scene
	statuses []string // Status 依次返回的状态
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*models.Run{}}
}

func (f *fakeRuns) Submit(_ context.Context, b models.ConceptBrief) (*models.Run, error) {
	b.Normalize()
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidBrief, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &models.Run{ID: fmt.Sprintf("run-%d", len(f.runs)+1), Brief: b, Status: models.RunStatusPending}
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeRuns) get(id string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	if len(f.statuses) > 0 {
		r.Status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	c := *r
	return &c, nil
}

func (f *fakeRuns) Resume(_ context.Context, id string) (*models.Run, error) {
	r, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return r, pipeline.ErrFinished
	}
	r.Status = models.RunStatusPending
	return r, nil
}

func (f *fakeRuns) Status(_ context.Context, id string) (*pipeline.RunView, error) {
	r, err := f.get(id)
	if err != nil {
		return nil, err
	}
	view := &pipeline.RunView{Run: r}
	for _, sc := range f.scenes {
		view.Scenes = append(view.Scenes, pipeline.SceneScore{Index: sc.Index, Status: sc.Status, Score: sc.Score})
	}
	return view, nil
}

func (f *fakeRuns) Scenes(_ context.Context, id string) ([]models.Scene, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return f.scenes, nil
}

func (f *fakeRuns) Cancel(_ context.Context, id string) error {
	r, err := f.get(id)
	if err != nil {
		return err
	}
	if r.Terminal() {
		return pipeline.ErrFinished
	}
	return nil
}

func (f *fakeRuns) Delete(_ context.Context, id string) error {
	if _, err := f.get(id); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.runs, id)
	f.mu.Unlock()
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (q *fakeQueue) EnqueueRun(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("redis down")
	}
	q.ids = append(q.ids, id)
	return nil
}

type testServer struct {
	runs   *fakeRuns
	queue  *fakeQueue
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	runs := newFakeRuns()
	queue := &fakeQueue{}
	chars := consistency.NewRegistry(consistency.NewMemoryCharacterStore(), consistency.StaticExtractor{}, retry.Policy{MaxAttempts: 1})
	h := api.NewHandler(runs, queue, chars)
	h.PollInterval = 5 * time.Millisecond
	return &testServer{runs: runs, queue: queue, router: InitRouter(h)}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateRunEnqueues(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/v1/api/runs", map[string]interface{}{
		"title": "Solar Roofs", "brief": "Why solar pays off", "duration_seconds": 45,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, models.RunStatusPending, body["status"])
	assert.Equal(t, []string{"run-1"}, s.queue.ids)
	assert.Equal(t, 45, s.runs.runs["run-1"].Brief.DurationSeconds)
}

func TestCreateRunInvalidBrief(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/v1/api/runs", map[string]interface{}{"title": "no brief"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, s.queue.ids)
}

func TestCreateRunEnqueueFailure(t *testing.T) {
	s := newTestServer(t)
	s.queue.fail = true
	w := s.do(http.MethodPost, "/v1/api/runs", map[string]interface{}{"title": "t", "brief": "b"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "run-1", decode(t, w)["run_id"])
}

func TestResumeRun(t *testing.T) {
	s := newTestServer(t)
	s.runs.runs["r9"] = &models.Run{ID: "r9", Status: models.RunStatusFailed}
	s.runs.runs["done"] = &models.Run{ID: "done", Status: models.RunStatusCompleted}

	w := s.do(http.MethodPost, "/v1/api/runs", map[string]interface{}{"resume_run_id": "r9"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["resumed"])
	assert.Equal(t, []string{"r9"}, s.queue.ids)

	w = s.do(http.MethodPost, "/v1/api/runs", map[string]interface{}{"resume_run_id": "done"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/v1/api/runs", map[string]interface{}{"resume_run_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRunAndScenes(t *testing.T) {
	s := newTestServer(t)
	s.runs.runs["r1"] = &models.Run{ID: "r1", Status: models.RunStatusRunning, CurrentStage: "voice", Progress: 60}
	score := 0.97
	s.runs.scenes = []models.Scene{
		{Index: 1, Status: models.SceneStatusAccepted, Score: &score},
		{Index: 2, Status: models.SceneStatusExhausted},
	}

	w := s.do(http.MethodGet, "/v1/api/runs/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	run := view["run"].(map[string]interface{})
	assert.Equal(t, "voice", run["currentStage"])
	assert.EqualValues(t, 60, run["progress"])
	scores := view["scenes"].([]interface{})
	require.Len(t, scores, 2)
	first := scores[0].(map[string]interface{})
	assert.EqualValues(t, 1, first["index"])
	assert.InDelta(t, 0.97, first["score"], 1e-9)
	assert.NotContains(t, scores[1].(map[string]interface{}), "score")

	w = s.do(http.MethodGet, "/v1/api/runs/r1/scenes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["total_scenes"])
	assert.EqualValues(t, 1, body["flagged_scenes"])

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/api/runs/nope", nil).Code)
}

func TestCancelAndDeleteRun(t *testing.T) {
	s := newTestServer(t)
	s.runs.runs["r1"] = &models.Run{ID: "r1", Status: models.RunStatusRunning}
	s.runs.runs["r2"] = &models.Run{ID: "r2", Status: models.RunStatusCompleted}

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/api/runs/r1/cancel", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/v1/api/runs/r2/cancel", nil).Code)

	assert.Equal(t, http.StatusOK, s.do(http.MethodDelete, "/v1/api/runs/r1", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/v1/api/runs/r1", nil).Code)
}

func TestCharacters(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/v1/api/characters", map[string]interface{}{
		"id": "ava", "name": "Ava", "description": "red hair", "reference_images": []string{"a.png"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/api/characters/ava", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ava", decode(t, w)["name"])

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/api/characters/bob", nil).Code)

	w = s.do(http.MethodPost, "/v1/api/characters", map[string]interface{}{"name": "NoRefs"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunProgressWebSocket(t *testing.T) {
	s := newTestServer(t)
	s.runs.runs["r1"] = &models.Run{ID: "r1", Status: models.RunStatusRunning}
	s.runs.statuses = []string{models.RunStatusRunning, models.RunStatusRunning, models.RunStatusCompleted}

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/r1/wss"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var statuses []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		statuses = append(statuses, msg["status"].(string))
	}
	assert.Equal(t, []string{models.RunStatusRunning, models.RunStatusCompleted}, statuses)
}
