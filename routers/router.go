package routers

import (
	"StoryToVideo-pipeline/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/runs", h.CreateRun)
		v1.GET("/runs/:run_id", h.GetRun)
		v1.DELETE("/runs/:run_id", h.DeleteRun)
		v1.POST("/runs/:run_id/cancel", h.CancelRun)
		v1.GET("/runs/:run_id/scenes", h.GetScenes)
		v1.POST("/characters", h.RegisterCharacter)
		v1.GET("/characters/:character_id", h.GetCharacter)
	}
	r.GET("/runs/:run_id/wss", h.RunProgressWebSocket)
	return r
}
