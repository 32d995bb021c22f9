package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"StoryToVideo-pipeline/consistency"
	"StoryToVideo-pipeline/logger"
	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/pipeline"
	"StoryToVideo-pipeline/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RunService 由 pipeline.Controller 实现
type RunService interface {
	Submit(ctx context.Context, brief models.ConceptBrief) (*models.Run, error)
	Resume(ctx context.Context, runID string) (*models.Run, error)
	Status(ctx context.Context, runID string) (*pipeline.RunView, error)
	Scenes(ctx context.Context, runID string) ([]models.Scene, error)
	Cancel(ctx context.Context, runID string) error
	Delete(ctx context.Context, runID string) error
}

// CharacterService 由 consistency.Registry 实现
type CharacterService interface {
	Register(ctx context.Context, in consistency.CharacterInput) (*models.Character, error)
	Get(ctx context.Context, id string) (*models.Character, error)
}

type Handler struct {
	Runs       RunService
	Queue      service.Enqueuer
	Characters CharacterService
	// PollInterval websocket 推送时查询 run 的间隔
	PollInterval time.Duration

	log *logrus.Logger
}

func NewHandler(runs RunService, queue service.Enqueuer, characters CharacterService) *Handler {
	return &Handler{
		Runs:         runs,
		Queue:        queue,
		Characters:   characters,
		PollInterval: time.Second,
		log:          logger.Get("api"),
	}
}

// writeError 把领域错误映射到 HTTP 状态码
func writeError(c *gin.Context, msg string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound), errors.Is(err, consistency.ErrCharacterNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidBrief):
		code = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrFinished), errors.Is(err, pipeline.ErrAlreadyRunning):
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"error": msg + ": " + err.Error()})
}
