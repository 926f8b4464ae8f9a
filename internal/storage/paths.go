package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iopscan/iopscan/internal/config"
	"github.com/iopscan/iopscan/pkg/types"
)

// Paths manages all storage locations for iopscan
type Paths struct {
	baseDir    string
	modelsDir  string
	scratchDir string
	historyDir string
}

// NewPaths creates a Paths instance from the storage configuration
func NewPaths(cfg config.StorageConfig) *Paths {
	return &Paths{
		baseDir:    cfg.BaseDir,
		modelsDir:  cfg.ModelsDir,
		scratchDir: cfg.ScratchDir,
		historyDir: cfg.HistoryDir,
	}
}

// NewPathsAt lays out the default directory structure under baseDir
func NewPathsAt(baseDir string) *Paths {
	return &Paths{
		baseDir:    baseDir,
		modelsDir:  filepath.Join(baseDir, "models"),
		scratchDir: filepath.Join(baseDir, "tmp"),
		historyDir: filepath.Join(baseDir, "history"),
	}
}

// Initialize creates all necessary directories
func (p *Paths) Initialize() error {
	dirs := []string{
		p.modelsDir,
		p.scratchDir,
		p.historyDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// BaseDir returns the base directory
func (p *Paths) BaseDir() string {
	return p.baseDir
}

// ModelsDir returns the models directory
func (p *Paths) ModelsDir() string {
	return p.modelsDir
}

// ModelPath returns the cache directory for a specific model
func (p *Paths) ModelPath(modelName string) string {
	return filepath.Join(p.modelsDir, modelName)
}

// DescriptorPath returns the cached descriptor path for a model
func (p *Paths) DescriptorPath(modelName string) string {
	return filepath.Join(p.ModelPath(modelName), types.DescriptorFileName)
}

// ScratchDir holds short-lived files such as resized images and uploads
func (p *Paths) ScratchDir() string {
	return p.scratchDir
}

// HistoryDir returns the scan history directory
func (p *Paths) HistoryDir() string {
	return p.historyDir
}

// HistoryPath returns the scan history file
func (p *Paths) HistoryPath() string {
	return filepath.Join(p.historyDir, "history.json")
}

// GetDiskUsage returns disk usage statistics
func (p *Paths) GetDiskUsage() DiskUsage {
	usage := DiskUsage{
		Models:  getDirSize(p.modelsDir),
		Scratch: getDirSize(p.scratchDir),
		History: getDirSize(p.historyDir),
	}
	usage.Total = usage.Models + usage.Scratch + usage.History

	return usage
}

// DiskUsage represents disk space usage
type DiskUsage struct {
	Total   int64 `json:"total"`
	Models  int64 `json:"models"`
	Scratch int64 `json:"scratch"`
	History int64 `json:"history"`
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) int64 {
	var size int64

	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})

	return size
}

// CleanupScratch removes scratch files older than maxAge, left behind by crashed processes
func (p *Paths) CleanupScratch(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(p.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read scratch directory: %w", err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(p.scratchDir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}
