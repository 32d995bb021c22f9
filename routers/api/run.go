package api

import (
	"net/http"

	"StoryToVideo-pipeline/models"

	"github.com/gin-gonic/gin"
)

type createRunRequest struct {
	models.ConceptBrief
	// ResumeRunID 非空时忽略 brief，继续执行已有的 run
	ResumeRunID string `json:"resume_run_id"`
}

// 创建或继续 run：POST /v1/api/runs
func (h *Handler) CreateRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var run *models.Run
	var err error
	if req.ResumeRunID != "" {
		run, err = h.Runs.Resume(c.Request.Context(), req.ResumeRunID)
		if err != nil {
			writeError(c, "无法继续 run", err)
			return
		}
	} else {
		run, err = h.Runs.Submit(c.Request.Context(), req.ConceptBrief)
		if err != nil {
			writeError(c, "创建 run 失败", err)
			return
		}
	}

	if err := h.Queue.EnqueueRun(run.ID); err != nil {
		h.log.WithError(err).WithField("run_id", run.ID).Error("run 入队失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run 入队失败: " + err.Error(), "run_id": run.ID})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":  run.ID,
		"status":  run.Status,
		"resumed": req.ResumeRunID != "",
	})
}

// 查询 run 状态：GET /v1/api/runs/:run_id
func (h *Handler) GetRun(c *gin.Context) {
	view, err := h.Runs.Status(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		writeError(c, "获取 run 失败", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// 取消 run：POST /v1/api/runs/:run_id/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("run_id")
	if err := h.Runs.Cancel(c.Request.Context(), runID); err != nil {
		writeError(c, "取消 run 失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "cancelled": true})
}

// 删除 run 及其 checkpoint：DELETE /v1/api/runs/:run_id
func (h *Handler) DeleteRun(c *gin.Context) {
	runID := c.Param("run_id")
	if err := h.Runs.Delete(c.Request.Context(), runID); err != nil {
		writeError(c, "删除 run 失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "deleted": true})
}
