package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/pkg/types"
)

// FakeBackend builds sessions that return a fixed output without a native runtime
type FakeBackend struct {
	// Output is the value every run returns; defaults to Scalar(0.5)
	Output runtime.Value
	// BuildErr, when set, is called with the 1-based build number and may fail the build
	BuildErr func(n int) error
	// RunErr fails every run when set
	RunErr error
	// BuildDelay slows Build down to widen race windows in concurrency tests
	BuildDelay time.Duration

	builds    atomic.Int32
	destroyed atomic.Int32

	mu        sync.Mutex
	lastSpec  types.InputSpec
	lastShape []int64
}

// Name reports onnx so descriptors written for the real backend are accepted
func (b *FakeBackend) Name() string {
	return "onnx"
}

// Build implements runtime.Backend
func (b *FakeBackend) Build(ctx context.Context, dir string, descriptor *types.ModelDescriptor, spec types.InputSpec) (runtime.Session, error) {
	n := int(b.builds.Add(1))
	if b.BuildDelay > 0 {
		time.Sleep(b.BuildDelay)
	}
	if b.BuildErr != nil {
		if err := b.BuildErr(n); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	b.lastSpec = spec
	b.mu.Unlock()
	return &fakeSession{backend: b}, nil
}

// Builds returns how many times Build was called
func (b *FakeBackend) Builds() int {
	return int(b.builds.Load())
}

// Destroyed returns how many sessions were destroyed
func (b *FakeBackend) Destroyed() int {
	return int(b.destroyed.Load())
}

// LastSpec returns the input spec of the most recent build
func (b *FakeBackend) LastSpec() types.InputSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSpec
}

// LastShape returns the input shape of the most recent run
func (b *FakeBackend) LastShape() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastShape
}

type fakeSession struct {
	backend   *FakeBackend
	destroyed atomic.Bool
}

func (s *fakeSession) Run(input []float32, shape []int64) (*runtime.Output, error) {
	if s.destroyed.Load() {
		return nil, errors.New("session destroyed")
	}

	s.backend.mu.Lock()
	s.backend.lastShape = append([]int64(nil), shape...)
	s.backend.mu.Unlock()

	if s.backend.RunErr != nil {
		return nil, s.backend.RunErr
	}

	size := int64(1)
	for _, d := range shape {
		size *= d
	}
	if int64(len(input)) != size {
		return nil, errors.New("input length does not match shape")
	}

	value := s.backend.Output
	if value == nil {
		value = runtime.Scalar(0.5)
	}
	return runtime.NewOutput(value, nil), nil
}

func (s *fakeSession) Destroy() error {
	if s.destroyed.CompareAndSwap(false, true) {
		s.backend.destroyed.Add(1)
	}
	return nil
}
