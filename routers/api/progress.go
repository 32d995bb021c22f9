package api

import (
	"net/http"
	"time"

	"StoryToVideo-pipeline/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type progressMessage struct {
	RunID        string                `json:"run_id"`
	Status       string                `json:"status"`
	CurrentStage string                `json:"current_stage"`
	Progress     int                   `json:"progress"`
	Error        string                `json:"error,omitempty"`
	FinalVideo   string                `json:"final_video,omitempty"`
	Warnings     []models.SceneWarning `json:"warnings,omitempty"`
}

func toProgress(r *models.Run) progressMessage {
	return progressMessage{
		RunID:        r.ID,
		Status:       r.Status,
		CurrentStage: r.CurrentStage,
		Progress:     r.Progress,
		Error:        r.Error,
		FinalVideo:   r.FinalVideo,
		Warnings:     r.Warnings,
	}
}

// settled run 不会再自行变化（cancelled / failed 需要显式 resume）
func settled(status string) bool {
	switch status {
	case models.RunStatusCompleted, models.RunStatusCompletedWithWarnings,
		models.RunStatusFailed, models.RunStatusCancelled:
		return true
	}
	return false
}

// run 进度 WebSocket 推送：GET /runs/:run_id/wss
// 以数据库为来源，轮询 run 并在状态或进度变化时推送
func (h *Handler) RunProgressWebSocket(c *gin.Context) {
	runID := c.Param("run_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).WithField("run_id", runID).Warn("WebSocket升级失败")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	view, err := h.Runs.Status(ctx, runID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "run not found: " + err.Error()})
		return
	}
	prev := toProgress(view.Run)
	if err := conn.WriteJSON(prev); err != nil || settled(prev.Status) {
		return
	}

	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		view, err := h.Runs.Status(ctx, runID)
		if err != nil {
			// 查询失败继续重试
			continue
		}
		cur := toProgress(view.Run)
		if cur.Status != prev.Status || cur.Progress != prev.Progress || cur.CurrentStage != prev.CurrentStage {
			if err := conn.WriteJSON(cur); err != nil {
				return
			}
			prev = cur
		}
		if settled(cur.Status) {
			return
		}
	}
}
