// Package daemon assembles the scan stack from configuration and serves it over HTTP.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iopscan/iopscan/internal/cache"
	"github.com/iopscan/iopscan/internal/config"
	"github.com/iopscan/iopscan/internal/history"
	"github.com/iopscan/iopscan/internal/logging"
	"github.com/iopscan/iopscan/internal/models"
	"github.com/iopscan/iopscan/internal/pipeline"
	"github.com/iopscan/iopscan/internal/preprocess"
	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/internal/runtime/onnx"
	"github.com/iopscan/iopscan/internal/storage"
	"github.com/iopscan/iopscan/pkg/types"
)

const scratchMaxAge = time.Hour

// Daemon owns every long-lived component of a scan session
type Daemon struct {
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	config       *config.Config
	log          *logging.Logger
	paths        *storage.Paths
	cache        *cache.Manager
	backend      runtime.Backend
	loader       *models.Loader
	preprocessor *preprocess.Preprocessor
	history      *history.Store
	scanner      *pipeline.Scanner

	server     *http.Server
	apiHandler http.Handler
	workers    sync.WaitGroup
	startTime  time.Time
}

type options struct {
	backend   runtime.Backend
	progress  cache.ProgressFunc
	noHistory bool
}

// Option customizes New
type Option func(*options)

// WithBackend replaces the configured runtime backend
func WithBackend(b runtime.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithProgress shows download progress
func WithProgress(fn cache.ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithoutHistory disables the scan history
func WithoutHistory() Option {
	return func(o *options) { o.noHistory = true }
}

// New builds the stack. Nothing is downloaded or loaded until a scan or an explicit load.
func New(cfg *config.Config, log *logging.Logger, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	paths := storage.NewPaths(cfg.Storage)
	if err := paths.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	normalization, err := types.ParseNormalization(cfg.Model.Normalization)
	if err != nil {
		return nil, fmt.Errorf("invalid model.normalization: %w", err)
	}

	backend := o.backend
	if backend == nil {
		backend, err = newBackend(cfg, log)
		if err != nil {
			return nil, err
		}
	}

	cacheOpts := []cache.Option{
		cache.WithTimeout(time.Duration(cfg.Network.Timeout) * time.Second),
		cache.WithRateLimit(cfg.Network.DownloadRateLimit),
		cache.WithPing(cfg.Network.PingBeforeDownload),
		cache.WithLogger(log),
	}
	if o.progress != nil {
		cacheOpts = append(cacheOpts, cache.WithProgress(o.progress))
	}
	cacheManager := cache.NewManager(cacheOpts...)

	loader := models.NewLoader(models.LoaderConfig{
		Name:          cfg.Model.Name,
		BaseURL:       cfg.Model.BaseURL,
		Dir:           paths.ModelPath(cfg.Model.Name),
		InputSize:     cfg.Model.InputSize,
		Normalization: normalization,
	}, cacheManager, backend, log)

	preprocessor := preprocess.New(paths.ScratchDir(), log)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		ctx:          ctx,
		cancel:       cancel,
		config:       cfg,
		log:          log,
		paths:        paths,
		cache:        cacheManager,
		backend:      backend,
		loader:       loader,
		preprocessor: preprocessor,
		startTime:    time.Now(),
	}

	// a nil *history.Store must not become a non-nil Sink
	var sink pipeline.Sink
	if !o.noHistory {
		store, err := history.Open(paths.HistoryPath())
		if err != nil {
			// Non-fatal: scans still work without history
			log.Warnf("Could not load scan history: %v", err)
		} else {
			d.history = store
			sink = store
		}
	}

	d.scanner = pipeline.NewScanner(loader, preprocessor, pipeline.QualityOptions{
		BlurCheck:     cfg.Quality.BlurCheck,
		BlurThreshold: cfg.Quality.BlurThreshold,
		RejectBlurry:  cfg.Quality.RejectBlurry,
	}, sink, log)

	return d, nil
}

func newBackend(cfg *config.Config, log *logging.Logger) (runtime.Backend, error) {
	switch cfg.Model.Backend {
	case onnx.Name, "":
		return onnx.New(cfg.Runtime.LibraryPath, log), nil
	default:
		return nil, fmt.Errorf("unsupported model.backend %q", cfg.Model.Backend)
	}
}

// Config returns the configuration the daemon was built from
func (d *Daemon) Config() *config.Config {
	return d.config
}

// Paths returns the storage layout
func (d *Daemon) Paths() *storage.Paths {
	return d.paths
}

// Cache returns the artifact cache manager
func (d *Daemon) Cache() *cache.Manager {
	return d.cache
}

// Loader returns the model loader
func (d *Daemon) Loader() *models.Loader {
	return d.loader
}

// Scanner returns the scan pipeline
func (d *Daemon) Scanner() *pipeline.Scanner {
	return d.scanner
}

// History returns the scan history, nil when disabled
func (d *Daemon) History() *history.Store {
	return d.history
}

// ClearModelCache disposes the loaded model and deletes its cached files
// once any in-flight load has finished
func (d *Daemon) ClearModelCache(ctx context.Context) error {
	return d.loader.Clear(ctx)
}

// Start warms up the model in the background and serves handler on port
func (d *Daemon) Start(port int) error {
	d.log.Debugf("Starting daemon on port %d", port)

	d.startWorkers()

	if err := d.startAPIServer(port); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	d.setupSignalHandlers()

	fmt.Printf("iopscan service listening on 127.0.0.1:%d (PID: %d)\n", port, os.Getpid())
	return nil
}

// Wait blocks until a shutdown signal arrives or Shutdown is called
func (d *Daemon) Wait() {
	<-d.ctx.Done()
}

func (d *Daemon) startWorkers() {
	d.workers.Add(1)
	go d.warmupWorker()

	d.workers.Add(1)
	go d.cleanupWorker()
}

func (d *Daemon) warmupWorker() {
	defer d.workers.Done()

	if _, err := d.loader.Load(d.ctx, false); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Errorf("Model warm-up failed: %v", err)
	}
}

func (d *Daemon) cleanupWorker() {
	defer d.workers.Done()
	ticker := time.NewTicker(scratchMaxAge)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.cleanupScratch()
		}
	}
}

func (d *Daemon) cleanupScratch() {
	removed, err := d.paths.CleanupScratch(scratchMaxAge)
	if err != nil {
		d.log.Warnf("Scratch cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		d.log.Infof("Removed %d stale scratch file(s)", removed)
	}
}

func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nReceived shutdown signal, shutting down gracefully...")
			d.cancel()
		case <-d.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// Stop asks Wait to return; the caller then runs Shutdown
func (d *Daemon) Stop() {
	d.cancel()
}

// Shutdown stops the HTTP server, the workers and releases the model
func (d *Daemon) Shutdown() error {
	d.log.Infof("Shutting down")
	d.cancel()

	d.mu.RLock()
	server := d.server
	d.mu.RUnlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			d.log.Errorf("Error shutting down API server: %v", err)
		}
	}

	d.workers.Wait()

	if err := d.loader.Close(); err != nil {
		d.log.Warnf("Failed to release model: %v", err)
	}
	if closer, ok := d.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			d.log.Warnf("Failed to release runtime: %v", err)
		}
	}

	return nil
}

func (d *Daemon) startAPIServer(port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.apiHandler == nil {
		return errors.New("no API handler set")
	}

	d.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      d.apiHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	server := d.server
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Errorf("API server error: %v", err)
			d.cancel()
		}
	}()

	return nil
}

// SetAPIHandler sets the HTTP handler served by Start
func (d *Daemon) SetAPIHandler(handler http.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.apiHandler = handler
	if d.server != nil {
		d.server.Handler = handler
	}
}

// GetStatus returns a snapshot of the service state
func (d *Daemon) GetStatus() map[string]interface{} {
	status := map[string]interface{}{
		"pid":         os.Getpid(),
		"uptime":      time.Since(d.startTime).Round(time.Second).String(),
		"model":       d.config.Model.Name,
		"model_url":   d.config.Model.BaseURL,
		"backend":     d.backend.Name(),
		"model_state": string(d.loader.State()),
	}

	if h := d.loader.Handle(); h != nil {
		status["input_spec"] = h.Spec()
		status["loaded_at"] = h.LoadedAt()
	}
	if d.history != nil {
		status["history_count"] = d.history.Count()
	}
	status["disk_usage"] = d.paths.GetDiskUsage()

	return status
}
