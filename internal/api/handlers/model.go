package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReloadModel disposes the model, clears its cache and downloads it again
func (h *Handlers) ReloadModel(c *gin.Context) {
	handle, err := h.daemon.Loader().Load(c.Request.Context(), true)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": fmt.Sprintf("failed to reload model: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "model reloaded",
		"model":      h.daemon.Loader().Name(),
		"input_spec": handle.Spec(),
		"loaded_at":  handle.LoadedAt(),
	})
}

// ClearModelCache unloads the model and deletes its cached files
func (h *Handlers) ClearModelCache(c *gin.Context) {
	if err := h.daemon.ClearModelCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to clear model cache: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "model cache cleared",
		"model":   h.daemon.Loader().Name(),
	})
}
