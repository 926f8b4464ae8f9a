package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/iopscan/iopscan/internal/history"
	"github.com/iopscan/iopscan/internal/pipeline"
	"github.com/iopscan/iopscan/pkg/types"
)

const defaultListLimit = 50

// CreateScan classifies an uploaded image sent as multipart field "image".
// A model that cannot be loaded answers 503; a failure specific to this image answers 422.
func (h *Handlers) CreateScan(c *gin.Context) {
	maxBytes := h.daemon.Config().Server.MaxUploadMB << 20
	if maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	}

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("image exceeds %d MB", h.daemon.Config().Server.MaxUploadMB),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "multipart field 'image' is required",
		})
		return
	}

	upload := filepath.Join(h.daemon.Paths().ScratchDir(), "upload-"+uuid.NewString()+strings.ToLower(filepath.Ext(file.Filename)))
	if err := c.SaveUploadedFile(file, upload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to store upload: %v", err),
		})
		return
	}
	defer os.Remove(upload)

	outcome, err := h.daemon.Scanner().ScanAs(c.Request.Context(), upload, filepath.Base(file.Filename))

	response := types.ScanResponse{
		Scan:       outcome.Record,
		Blurry:     outcome.Blurry,
		DurationMS: outcome.Duration.Milliseconds(),
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, response)
	case pipeline.IsLoadFailure(err):
		response.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, response)
	default:
		response.Error = err.Error()
		c.JSON(http.StatusUnprocessableEntity, response)
	}
}

// ListScans returns stored scans, newest first
func (h *Handlers) ListScans(c *gin.Context) {
	limit := defaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	scans := []types.ScanRecord{}
	if store := h.daemon.History(); store != nil {
		scans = store.List(limit)
	}

	c.JSON(http.StatusOK, gin.H{
		"scans": scans,
		"count": len(scans),
	})
}

// GetScan returns one stored scan
func (h *Handlers) GetScan(c *gin.Context) {
	id := c.Param("id")

	store := h.daemon.History()
	if store == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "scan history is disabled",
		})
		return
	}

	rec, err := store.Get(id)
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("scan not found: %s", id),
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}
