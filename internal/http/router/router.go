package router

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/Prismadic/magnet/internal/http/handler"
)

type RouterConfig struct {
	Jobs         handler.JobService
	Streams      handler.StreamService
	Redis        *redis.Client // nil disables the status stream
	StatusStream string
}

func SetupRoutes(router *gin.Engine, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		jobHandler := handler.NewJobHandler(cfg.Jobs)
		JobRouter(v1.Group("/jobs"), jobHandler)
		v1.GET("/runs/:id", jobHandler.GetRun)
		v1.GET("/schemas/:type", jobHandler.Schema)

		streamHandler := handler.NewStreamHandler(cfg.Streams)
		StreamRouter(v1, streamHandler)

		statusHandler := handler.NewStatusHandler(cfg.Redis, cfg.StatusStream)
		v1.GET("/status/stream", statusHandler.Stream)
	}
}

func JobRouter(rg *gin.RouterGroup, h *handler.JobHandler) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/unclaim", h.Unclaim)
}

func StreamRouter(rg *gin.RouterGroup, h *handler.StreamHandler) {
	rg.POST("/pulse", h.Pulse)
	rg.POST("/objects/:id", h.Upload)
	rg.DELETE("/streams/:name", h.DeleteStream)
	rg.DELETE("/categories/:name", h.PurgeCategory)
}
