// Package models turns a cached model into a single reusable runnable handle.
package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iopscan/iopscan/internal/cache"
	"github.com/iopscan/iopscan/internal/logging"
	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/pkg/types"
	"golang.org/x/sync/singleflight"
)

// LoadState is the visible state of a Loader
type LoadState string

const (
	StateNotLoaded LoadState = "not_loaded"
	StateLoading   LoadState = "loading"
	StateLoaded    LoadState = "loaded"
)

// phase names one of the two bounded load attempts
type phase string

const (
	phaseInitial  phase = "initial"
	phaseRecovery phase = "recovery"
)

// flightKey serialises loads and clears on one singleflight call
const flightKey = "model"

// cleared is the flight result of a Clear
type cleared struct{}

// LoaderConfig identifies the model and its default input contract
type LoaderConfig struct {
	Name          string
	BaseURL       string
	Dir           string
	InputSize     int
	Normalization types.Normalization
}

// Loader owns the process-wide model handle. It is the only writer of that handle.
type Loader struct {
	cfg     LoaderConfig
	cache   *cache.Manager
	backend runtime.Backend
	log     *logging.Logger

	group   singleflight.Group
	loading atomic.Bool

	mu     sync.RWMutex
	handle *Handle
}

// NewLoader creates a loader; nothing is loaded until Load is called
func NewLoader(cfg LoaderConfig, cacheManager *cache.Manager, backend runtime.Backend, log *logging.Logger) *Loader {
	return &Loader{
		cfg:     cfg,
		cache:   cacheManager,
		backend: backend,
		log:     log,
	}
}

// Name returns the configured model name
func (l *Loader) Name() string {
	return l.cfg.Name
}

// Dir returns the model's cache directory
func (l *Loader) Dir() string {
	return l.cfg.Dir
}

// Load returns the live handle, loading the model if needed. forceReload disposes the
// current handle and clears the cache before downloading again.
//
// Concurrent calls share one in-flight load. The load runs detached from ctx: a caller
// whose context ends stops waiting but the load carries on for the others.
func (l *Loader) Load(ctx context.Context, forceReload bool) (*Handle, error) {
	if !forceReload {
		if h := l.Handle(); h != nil {
			return h, nil
		}
	}

	for {
		ch := l.group.DoChan(flightKey, func() (interface{}, error) {
			return l.load(context.WithoutCancel(ctx), forceReload)
		})

		select {
		case res := <-ch:
			// joined a Clear; load again on top of the empty cache
			if _, ok := res.Val.(cleared); ok {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Handle), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Clear disposes the handle and deletes the cached model files. It shares the load's
// flight, so an in-flight load finishes first and its handle is then discarded.
func (l *Loader) Clear(ctx context.Context) error {
	for {
		var ran bool
		ch := l.group.DoChan(flightKey, func() (interface{}, error) {
			ran = true
			l.disposeHandle()
			l.log.Infof("Clearing model cache %s", l.cfg.Dir)
			if err := l.cache.Clear(l.cfg.Dir); err != nil {
				return cleared{}, fmt.Errorf("failed to clear model cache: %w", err)
			}
			return cleared{}, nil
		})

		select {
		case res := <-ch:
			if !ran {
				continue
			}
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loader) load(ctx context.Context, forceReload bool) (*Handle, error) {
	l.loading.Store(true)
	defer l.loading.Store(false)

	if !forceReload {
		if h := l.Handle(); h != nil {
			return h, nil
		}
	} else {
		l.disposeHandle()
		l.log.Infof("Forced reload, clearing model cache %s", l.cfg.Dir)
		if err := l.cache.Clear(l.cfg.Dir); err != nil {
			return nil, fmt.Errorf("failed to clear model cache: %w", err)
		}
	}

	for _, p := range []phase{phaseInitial, phaseRecovery} {
		h, err := l.attempt(ctx)
		if err == nil {
			l.mu.Lock()
			l.handle = h
			l.mu.Unlock()
			l.log.Infof("Model %s loaded (%s phase)", l.cfg.Name, p)
			return h, nil
		}

		var structErr *ModelStructureError
		if errors.As(err, &structErr) {
			l.log.Errorf("Model %s rejected by %s runtime, cache kept at %s: %v", l.cfg.Name, l.backend.Name(), l.cfg.Dir, err)
			return nil, err
		}

		var envErr *runtime.EnvironmentError
		if errors.As(err, &envErr) {
			l.log.Errorf("Model %s cannot be built, cache kept at %s: %v", l.cfg.Name, l.cfg.Dir, err)
			return nil, &ModelLoadError{Dir: l.cfg.Dir, Err: err}
		}

		if p == phaseRecovery {
			return nil, l.finalError(err)
		}

		l.log.Warnf("Model load failed in %s phase, clearing cache and retrying once: %v", p, err)
		if clearErr := l.cache.Clear(l.cfg.Dir); clearErr != nil {
			return nil, fmt.Errorf("failed to clear model cache: %w", clearErr)
		}
	}

	// unreachable: the recovery phase always returns
	return nil, &ModelLoadError{Dir: l.cfg.Dir, Err: errors.New("no load attempt made")}
}

// attempt runs one ensure-validate-build pass
func (l *Loader) attempt(ctx context.Context) (*Handle, error) {
	if err := os.MkdirAll(l.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model cache directory: %w", err)
	}

	descriptor, err := l.cache.Ensure(ctx, l.cfg.BaseURL, l.cfg.Dir)
	if err != nil {
		return nil, err
	}

	spec, err := l.inputSpec(descriptor)
	if err != nil {
		return nil, &ModelStructureError{Dir: l.cfg.Dir, Err: err}
	}

	session, err := l.backend.Build(ctx, l.cfg.Dir, descriptor, spec)
	if err != nil {
		var structErr *runtime.StructureError
		if errors.As(err, &structErr) {
			return nil, &ModelStructureError{Dir: l.cfg.Dir, Err: err}
		}
		return nil, fmt.Errorf("failed to build model: %w", err)
	}

	return newHandle(session, descriptor, spec), nil
}

// finalError maps the recovery-phase failure onto the error taxonomy
func (l *Loader) finalError(err error) error {
	if cache.IsValidationError(err) {
		return &CacheIntegrityError{Dir: l.cfg.Dir, Err: err}
	}

	var dl *cache.DownloadError
	if errors.As(err, &dl) {
		return fmt.Errorf("failed to download model %s: %w", l.cfg.Name, err)
	}

	return &ModelLoadError{Dir: l.cfg.Dir, Err: err}
}

// inputSpec merges the configured defaults with the descriptor's inference hints
func (l *Loader) inputSpec(descriptor *types.ModelDescriptor) (types.InputSpec, error) {
	if descriptor.Format != "" && !strings.EqualFold(descriptor.Format, l.backend.Name()) {
		return types.InputSpec{}, fmt.Errorf("descriptor format %q cannot be run by the %s backend", descriptor.Format, l.backend.Name())
	}

	spec := types.InputSpec{
		Size:          l.cfg.InputSize,
		Normalization: l.cfg.Normalization,
		Batched:       true,
	}

	hints := descriptor.Inference
	if hints == nil {
		return spec, validateSpec(spec)
	}

	if hints.InputSize > 0 {
		spec.Size = hints.InputSize
	}
	if hints.Normalization != "" {
		n, err := types.ParseNormalization(string(hints.Normalization))
		if err != nil {
			return types.InputSpec{}, err
		}
		spec.Normalization = n
	}
	spec.InputName = hints.InputName
	spec.OutputName = hints.OutputName
	spec.OutputShape = hints.OutputShape

	if shape := hints.InputShape; shape != nil {
		switch len(shape) {
		case 3:
			spec.Batched = false
		case 4:
			if shape[0] != 1 && shape[0] != -1 {
				return types.InputSpec{}, fmt.Errorf("input batch dimension must be 1, got %d", shape[0])
			}
			shape = shape[1:]
		default:
			return types.InputSpec{}, fmt.Errorf("input shape %v must have rank 3 or 4", hints.InputShape)
		}
		if shape[2] != 3 {
			return types.InputSpec{}, fmt.Errorf("input shape %v must have 3 channels last", hints.InputShape)
		}
		if shape[0] != shape[1] || shape[0] != int64(spec.Size) {
			return types.InputSpec{}, fmt.Errorf("input shape %v does not match input size %d", hints.InputShape, spec.Size)
		}
	}

	return spec, validateSpec(spec)
}

func validateSpec(spec types.InputSpec) error {
	if spec.Size <= 0 {
		return fmt.Errorf("input size must be positive, got %d", spec.Size)
	}
	if _, err := types.ParseNormalization(string(spec.Normalization)); err != nil {
		return err
	}
	return nil
}

// IsLoaded reports whether a live handle is held
func (l *Loader) IsLoaded() bool {
	return l.Handle() != nil
}

// Handle returns the live handle or nil
func (l *Loader) Handle() *Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handle
}

// State reports not_loaded, loading or loaded
func (l *Loader) State() LoadState {
	switch {
	case l.loading.Load():
		return StateLoading
	case l.IsLoaded():
		return StateLoaded
	default:
		return StateNotLoaded
	}
}

// disposeHandle disposes and forgets the live handle
func (l *Loader) disposeHandle() {
	l.mu.Lock()
	h := l.handle
	l.handle = nil
	l.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.Dispose(); err != nil {
		l.log.Warnf("Failed to dispose model handle: %v", err)
	}
}

// Reset disposes the handle so the next Load starts from scratch. The cache is kept.
func (l *Loader) Reset() {
	l.disposeHandle()
}

// Close disposes the handle
func (l *Loader) Close() error {
	l.disposeHandle()
	return nil
}
