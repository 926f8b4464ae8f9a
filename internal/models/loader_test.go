package models

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iopscan/iopscan/internal/cache"
	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/internal/testutil"
	"github.com/iopscan/iopscan/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrigin(t *testing.T) *testutil.Origin {
	return testutil.NewOrigin(t, map[string][]byte{
		"model.json":  testutil.Descriptor("model.onnx", "weights.bin"),
		"model.onnx":  []byte("graph"),
		"weights.bin": []byte("weights"),
	})
}

func newTestLoader(t *testing.T, origin *testutil.Origin, backend runtime.Backend) *Loader {
	t.Helper()
	return NewLoader(LoaderConfig{
		Name:          "iop-classifier",
		BaseURL:       origin.BaseURL(),
		Dir:           filepath.Join(t.TempDir(), "iop-classifier"),
		InputSize:     224,
		Normalization: types.ZeroCentered,
	}, cache.NewManager(), backend, nil)
}

func TestLoadOnce(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{}
	loader := newTestLoader(t, origin, backend)

	assert.Equal(t, StateNotLoaded, loader.State())
	assert.False(t, loader.IsLoaded())

	h1, err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, loader.IsLoaded())
	assert.Equal(t, StateLoaded, loader.State())

	requests := origin.TotalRequests()
	h2, err := loader.Load(context.Background(), false)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, backend.Builds())
	assert.Equal(t, requests, origin.TotalRequests())

	spec := h1.Spec()
	assert.Equal(t, 224, spec.Size)
	assert.Equal(t, types.ZeroCentered, spec.Normalization)
	assert.True(t, spec.Batched)
}

func TestLoadRetriesOnceOnBadDescriptor(t *testing.T) {
	origin := newTestOrigin(t)
	origin.SetFile("model.json", []byte(`{"format":"onnx","modelTopology":{}}`))
	backend := &testutil.FakeBackend{}
	loader := newTestLoader(t, origin, backend)

	_, err := loader.Load(context.Background(), false)
	require.Error(t, err)

	var integrity *CacheIntegrityError
	require.True(t, errors.As(err, &integrity))
	var corrupt *cache.CorruptDescriptorError
	assert.True(t, errors.As(err, &corrupt))

	assert.Equal(t, 2, origin.Requests("model.json"), "initial attempt plus exactly one retry")
	assert.Equal(t, 0, backend.Builds())
	assert.False(t, loader.IsLoaded())
}

func TestLoadRecoversFromWarmCacheCorruption(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{}
	loader := newTestLoader(t, origin, backend)

	_, err := loader.Load(context.Background(), false)
	require.NoError(t, err)

	loader.Reset()
	require.NoError(t, os.Truncate(filepath.Join(loader.Dir(), "weights.bin"), 0))

	h, err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, origin.Requests("model.json"))
	assert.Equal(t, 2, origin.Requests("weights.bin"))
}

func TestLoadDownloadFailure(t *testing.T) {
	origin := newTestOrigin(t)
	origin.SetStatus("weights.bin", 503)
	loader := newTestLoader(t, origin, &testutil.FakeBackend{})

	_, err := loader.Load(context.Background(), false)
	require.Error(t, err)

	var dl *cache.DownloadError
	require.True(t, errors.As(err, &dl))
	assert.Equal(t, 503, dl.StatusCode)

	var integrity *CacheIntegrityError
	assert.False(t, errors.As(err, &integrity))
	assert.Equal(t, 2, origin.Requests("weights.bin"))
}

func TestLoadStructureErrorKeepsCache(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{
		BuildErr: func(int) error {
			return &runtime.StructureError{Backend: "onnx", Reason: "INVALID_GRAPH"}
		},
	}
	loader := newTestLoader(t, origin, backend)

	_, err := loader.Load(context.Background(), false)
	require.Error(t, err)

	var structErr *ModelStructureError
	require.True(t, errors.As(err, &structErr))
	assert.Equal(t, 1, backend.Builds(), "structure errors are not retried")
	assert.Equal(t, 1, origin.Requests("model.json"))

	for name, content := range map[string]string{"model.json": "", "model.onnx": "graph", "weights.bin": "weights"} {
		data, err := os.ReadFile(filepath.Join(loader.Dir(), name))
		require.NoError(t, err, name)
		if content != "" {
			assert.Equal(t, content, string(data))
		}
	}
}

func TestLoadEnvironmentErrorKeepsCache(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{
		BuildErr: func(int) error {
			return &runtime.EnvironmentError{Backend: "onnx", Err: errors.New("libonnxruntime.so: cannot open shared object file")}
		},
	}
	loader := newTestLoader(t, origin, backend)

	_, err := loader.Load(context.Background(), false)
	require.Error(t, err)

	var loadErr *ModelLoadError
	require.True(t, errors.As(err, &loadErr))
	var envErr *runtime.EnvironmentError
	assert.True(t, errors.As(err, &envErr))
	var structErr *ModelStructureError
	assert.False(t, errors.As(err, &structErr))

	assert.Equal(t, 1, backend.Builds(), "a missing runtime is not retried")
	assert.Equal(t, 1, origin.Requests("model.json"))
	assert.Equal(t, 1, origin.Requests("weights.bin"))
	assert.FileExists(t, filepath.Join(loader.Dir(), "model.onnx"))
}

func TestLoadInconsistentHintsIsStructureError(t *testing.T) {
	origin := newTestOrigin(t)
	origin.SetFile("model.json", []byte(`{
		"format": "onnx",
		"weightsManifest": [{"paths": ["model.onnx", "weights.bin"]}],
		"inference": {"input_size": 224, "input_shape": [1, 3, 224, 224]}
	}`))
	backend := &testutil.FakeBackend{}
	loader := newTestLoader(t, origin, backend)

	_, err := loader.Load(context.Background(), false)

	var structErr *ModelStructureError
	require.True(t, errors.As(err, &structErr))
	assert.Equal(t, 0, backend.Builds())
	assert.FileExists(t, filepath.Join(loader.Dir(), "weights.bin"))
}

func TestLoadTransientBuildErrorRetriesOnce(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		origin := newTestOrigin(t)
		backend := &testutil.FakeBackend{
			BuildErr: func(n int) error {
				if n == 1 {
					return errors.New("read model.onnx: input/output error")
				}
				return nil
			},
		}
		loader := newTestLoader(t, origin, backend)

		_, err := loader.Load(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, 2, backend.Builds())
		assert.Equal(t, 2, origin.Requests("model.onnx"), "cache is cleared before the recovery attempt")
	})

	t.Run("gives up", func(t *testing.T) {
		origin := newTestOrigin(t)
		backend := &testutil.FakeBackend{
			BuildErr: func(int) error { return errors.New("out of memory") },
		}
		loader := newTestLoader(t, origin, backend)

		_, err := loader.Load(context.Background(), false)
		var loadErr *ModelLoadError
		require.True(t, errors.As(err, &loadErr))
		assert.Contains(t, loadErr.Error(), "out of memory")
		assert.Equal(t, 2, backend.Builds())
	})
}

func TestForceReload(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{}
	loader := newTestLoader(t, origin, backend)

	h1, err := loader.Load(context.Background(), false)
	require.NoError(t, err)

	h2, err := loader.Load(context.Background(), true)
	require.NoError(t, err)

	assert.NotSame(t, h1, h2)
	assert.True(t, h1.Disposed())
	assert.False(t, h2.Disposed())
	assert.Equal(t, 1, backend.Destroyed())
	assert.Equal(t, 2, origin.Requests("model.json"), "forced reload clears the cache and downloads again")

	_, err = h1.Run([]float32{1}, []int64{1})
	assert.ErrorIs(t, err, ErrHandleDisposed)
}

func TestConcurrentLoadsCollapse(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{BuildDelay: 50 * time.Millisecond}
	loader := newTestLoader(t, origin, backend)

	const callers = 8
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := loader.Load(context.Background(), false)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, backend.Builds())
	assert.Equal(t, 1, origin.Requests("model.json"))
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestLoadCallerCancellationDoesNotAbortLoad(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{BuildDelay: 100 * time.Millisecond}
	loader := newTestLoader(t, origin, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := loader.Load(ctx, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h, err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 1, backend.Builds())
}

func TestReset(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{}
	loader := newTestLoader(t, origin, backend)

	h, err := loader.Load(context.Background(), false)
	require.NoError(t, err)

	loader.Reset()
	assert.False(t, loader.IsLoaded())
	assert.Nil(t, loader.Handle())
	assert.True(t, h.Disposed())
	assert.FileExists(t, filepath.Join(loader.Dir(), "model.json"), "reset keeps the cache")

	_, err = loader.Load(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Builds())
	assert.Equal(t, 1, origin.Requests("model.json"))
}

func TestClear(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{}
	loader := newTestLoader(t, origin, backend)

	h, err := loader.Load(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, loader.Clear(context.Background()))
	assert.False(t, loader.IsLoaded())
	assert.True(t, h.Disposed())
	assert.NoDirExists(t, loader.Dir())

	_, err = loader.Load(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, origin.Requests("model.json"))
}

func TestClearWaitsForInFlightLoad(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{BuildDelay: 300 * time.Millisecond}
	loader := newTestLoader(t, origin, backend)

	loaded := make(chan *Handle, 1)
	go func() {
		h, err := loader.Load(context.Background(), false)
		assert.NoError(t, err)
		loaded <- h
	}()

	require.Eventually(t, func() bool {
		return loader.State() == StateLoading
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, loader.Clear(context.Background()))
	assert.False(t, loader.IsLoaded())
	assert.Equal(t, StateNotLoaded, loader.State())
	assert.NoDirExists(t, loader.Dir())
	assert.Equal(t, 1, backend.Destroyed())

	h := <-loaded
	require.NotNil(t, h)
	assert.True(t, h.Disposed(), "the handle from the cleared load is not kept")
}

func TestClearHonoursCallerContext(t *testing.T) {
	origin := newTestOrigin(t)
	backend := &testutil.FakeBackend{BuildDelay: 200 * time.Millisecond}
	loader := newTestLoader(t, origin, backend)

	go loader.Load(context.Background(), false)
	require.Eventually(t, func() bool {
		return loader.State() == StateLoading
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, loader.Clear(ctx), context.DeadlineExceeded)

	require.Eventually(t, loader.IsLoaded, time.Second, 5*time.Millisecond)
	assert.DirExists(t, loader.Dir())
}

func TestInputSpecFromHints(t *testing.T) {
	loader := NewLoader(LoaderConfig{InputSize: 224, Normalization: types.ZeroCentered}, cache.NewManager(), &testutil.FakeBackend{}, nil)

	tests := []struct {
		name     string
		hints    *types.InferenceHints
		format   string
		expected types.InputSpec
		wantErr  bool
	}{
		{
			name:     "defaults",
			expected: types.InputSpec{Size: 224, Normalization: types.ZeroCentered, Batched: true},
		},
		{
			name:     "unit scaled unbatched",
			hints:    &types.InferenceHints{InputSize: 256, Normalization: types.UnitScaled, InputShape: []int64{256, 256, 3}},
			expected: types.InputSpec{Size: 256, Normalization: types.UnitScaled, Batched: false},
		},
		{
			name:     "dynamic batch",
			hints:    &types.InferenceHints{InputShape: []int64{-1, 224, 224, 3}, InputName: "image", OutputName: "prob"},
			expected: types.InputSpec{Size: 224, Normalization: types.ZeroCentered, Batched: true, InputName: "image", OutputName: "prob"},
		},
		{name: "unknown normalization", hints: &types.InferenceHints{Normalization: "imagenet"}, wantErr: true},
		{name: "channels first", hints: &types.InferenceHints{InputShape: []int64{1, 3, 224, 224}}, wantErr: true},
		{name: "size mismatch", hints: &types.InferenceHints{InputShape: []int64{1, 192, 192, 3}}, wantErr: true},
		{name: "bad rank", hints: &types.InferenceHints{InputShape: []int64{224, 224}}, wantErr: true},
		{name: "foreign format", format: "tfjs-graph-model", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := loader.inputSpec(&types.ModelDescriptor{Format: tt.format, Inference: tt.hints})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, spec)
		})
	}
}
