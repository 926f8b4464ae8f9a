package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/iopscan/iopscan/internal/daemon"
)

type Handlers struct {
	daemon *daemon.Daemon
}

func NewHandlers(d *daemon.Daemon) *Handlers {
	return &Handlers{
		daemon: d,
	}
}

// Health endpoint for health checks
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// Status returns service and model status
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.daemon.GetStatus())
}

// Shutdown stops the service after the response is sent
func (h *Handlers) Shutdown(c *gin.Context) {
	go func() {
		time.Sleep(1 * time.Second)
		h.daemon.Stop()
	}()

	c.JSON(http.StatusOK, gin.H{
		"message": "service shutting down",
	})
}
