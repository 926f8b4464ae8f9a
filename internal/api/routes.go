package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/iopscan/iopscan/internal/api/handlers"
	"github.com/iopscan/iopscan/internal/daemon"
)

func SetupRoutes(d *daemon.Daemon) *gin.Engine {
	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Add middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Bound the memory used for multipart parsing; larger uploads spill to disk
	router.MaxMultipartMemory = 8 << 20

	// Create handlers
	h := handlers.NewHandlers(d)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Health and status endpoints
		v1.GET("/health", h.Health)
		v1.GET("/status", h.Status)

		// Scan endpoints
		scans := v1.Group("/scans")
		{
			scans.POST("", h.CreateScan)
			scans.GET("", h.ListScans)
			scans.GET("/:id", h.GetScan)
		}

		// Model endpoints
		model := v1.Group("/model")
		{
			model.POST("/reload", h.ReloadModel)
			model.DELETE("/cache", h.ClearModelCache)
		}

		// Admin endpoints
		admin := v1.Group("/admin")
		{
			admin.POST("/shutdown", h.Shutdown)
		}
	}

	// Catch-all for undefined routes
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "endpoint not found",
			"path":  c.Request.URL.Path,
		})
	})

	return router
}

// corsMiddleware adds CORS headers for local development
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "http://localhost:*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
