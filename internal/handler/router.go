package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/middleware"
)

type RouterDeps struct {
	Processing *ProcessingHandler
	Batches    *BatchHandler
	Callback   *CallbackHandler
	Cache      *CacheHandler
	Files      *FileHandler
	Usage      *UsageHandler
	Errors     *ErrorHandler
	WS         *WSHandler
	JWTSecret  []byte

	// CallbackWindow throttles the unauthenticated callback endpoint.
	CallbackWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))

	authGroup.POST("/processing/start", deps.Processing.Start)
	authGroup.GET("/processing/jobs", deps.Processing.List)
	authGroup.GET("/processing/status/:job_id", deps.Processing.Status)
	authGroup.POST("/processing/stop/:job_id", deps.Processing.Stop)

	authGroup.POST("/processing/anthropic/batch_start", deps.Batches.Start)
	authGroup.GET("/processing/anthropic/batch_status/:batch_id", deps.Batches.Status)
	authGroup.GET("/processing/anthropic/batch_list", deps.Batches.List)
	authGroup.POST("/processing/anthropic/batch_cancel/:batch_id", deps.Batches.Cancel)

	authGroup.GET("/usage/:provider", deps.Usage.Get)
	authGroup.GET("/errors", deps.Errors.List)

	authGroup.GET("/cache", deps.Cache.List)
	authGroup.GET("/cache/size", deps.Cache.Size)
	authGroup.DELETE("/cache", deps.Cache.Clear)

	authGroup.POST("/files/upload", deps.Files.Upload)
	authGroup.GET("/files", deps.Files.List)
	authGroup.GET("/files/:name", deps.Files.Download)

	api.POST("/processing/anthropic/batch_callback",
		middleware.RateLimit(deps.CallbackWindow), deps.Callback.Handle)
	api.GET("/ws/results", deps.WS.Results)
}
