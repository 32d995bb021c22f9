package api

import (
	"net/http"

	"StoryToVideo-pipeline/models"

	"github.com/gin-gonic/gin"
)

// 获取场景表：GET /v1/api/runs/:run_id/scenes
func (h *Handler) GetScenes(c *gin.Context) {
	runID := c.Param("run_id")
	scenes, err := h.Runs.Scenes(c.Request.Context(), runID)
	if err != nil {
		writeError(c, "获取场景失败", err)
		return
	}

	flagged := 0
	for _, s := range scenes {
		if s.Status == models.SceneStatusExhausted {
			flagged++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":         runID,
		"scenes":         scenes,
		"total_scenes":   len(scenes),
		"flagged_scenes": flagged,
	})
}
