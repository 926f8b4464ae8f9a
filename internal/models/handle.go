package models

import (
	"sync"
	"time"

	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/pkg/types"
)

// Handle is a loaded, runnable model. It is invalid once disposed.
type Handle struct {
	mu         sync.RWMutex
	session    runtime.Session
	descriptor *types.ModelDescriptor
	spec       types.InputSpec
	loadedAt   time.Time
	disposed   bool
}

func newHandle(session runtime.Session, descriptor *types.ModelDescriptor, spec types.InputSpec) *Handle {
	return &Handle{
		session:    session,
		descriptor: descriptor,
		spec:       spec,
		loadedAt:   time.Now(),
	}
}

// Spec returns the input contract of the loaded model
func (h *Handle) Spec() types.InputSpec {
	return h.spec
}

// Descriptor returns the descriptor the model was built from
func (h *Handle) Descriptor() *types.ModelDescriptor {
	return h.descriptor
}

// LoadedAt returns when the handle was created
func (h *Handle) LoadedAt() time.Time {
	return h.loadedAt
}

// Disposed reports whether Dispose was called
func (h *Handle) Disposed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.disposed
}

// Run executes the model. Concurrent runs may proceed; Dispose waits for them.
func (h *Handle) Run(input []float32, shape []int64) (*runtime.Output, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.disposed {
		return nil, ErrHandleDisposed
	}
	return h.session.Run(input, shape)
}

// Dispose releases the native resources; calling it again is a no-op
func (h *Handle) Dispose() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil
	}
	h.disposed = true
	return h.session.Destroy()
}
