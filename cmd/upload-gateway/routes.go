package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/chunkstone/cmd/upload-gateway/middleware"
	apitypes "github.com/lgulliver/chunkstone/cmd/upload-gateway/types"
	"github.com/rs/zerolog"
)

const serviceName = "chunkstone-upload-gateway"

func setupRouter(uploads UploadService, maxChunkBytes int64) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, apitypes.HealthStatus{
			Status:    "healthy",
			Service:   serviceName,
			Timestamp: time.Now().UTC(),
		})
	})

	api := router.Group("/api/v1")
	UploadRoutes(api, uploads, maxChunkBytes)

	return router
}

// UploadRoutes registers the chunked upload endpoints
func UploadRoutes(api *gin.RouterGroup, uploads UploadService, maxChunkBytes int64) {
	uploadsGroup := api.Group("/uploads")
	{
		uploadsGroup.POST("", handleInitUpload(uploads, maxChunkBytes))
		uploadsGroup.GET("/:id", handleGetStatus(uploads))
		uploadsGroup.DELETE("/:id", handleCancelUpload(uploads))
		uploadsGroup.GET("/:id/missing", handleMissingChunks(uploads))
		uploadsGroup.POST("/:id/chunks", handleMultipartChunk(uploads, maxChunkBytes))
		uploadsGroup.PUT("/:id/chunks/:index", handleRawChunk(uploads))
		uploadsGroup.POST("/:id/complete", handleCompleteUpload(uploads))
	}
}
