package api

import (
	"net/http"

	"StoryToVideo-pipeline/consistency"

	"github.com/gin-gonic/gin"
)

// 注册角色：POST /v1/api/characters，同 id 重新注册会提升版本
func (h *Handler) RegisterCharacter(c *gin.Context) {
	var req consistency.CharacterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := h.Characters.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, "注册角色失败", err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// 获取角色：GET /v1/api/characters/:character_id
func (h *Handler) GetCharacter(c *gin.Context) {
	ch, err := h.Characters.Get(c.Request.Context(), c.Param("character_id"))
	if err != nil {
		writeError(c, "角色未找到", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}
