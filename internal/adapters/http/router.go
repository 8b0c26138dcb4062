package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Workflows *WorkflowHandler
	Catalog   *CatalogHandler
}

func NewRouter(handlers Handlers, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "cellflow-api-server",
		})
	})

	router.POST("/upload", handlers.Workflows.Upload)
	router.POST("/submit", handlers.Workflows.Submit)
	router.GET("/status/:id", handlers.Workflows.GetStatus)
	router.GET("/result/:id", handlers.Workflows.GetResult)
	router.GET("/download/:id", handlers.Workflows.Download)

	router.GET("/models", handlers.Catalog.ListModels)
	router.GET("/applications", handlers.Catalog.ListApplications)
	router.GET("/applications/:id/models", handlers.Catalog.ListApplicationModels)

	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request served",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
