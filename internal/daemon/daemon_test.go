package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iopscan/iopscan/internal/config"
	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	base := t.TempDir()
	return &config.Config{
		Storage: config.StorageConfig{
			BaseDir:    base,
			ModelsDir:  filepath.Join(base, "models"),
			ScratchDir: filepath.Join(base, "tmp"),
			HistoryDir: filepath.Join(base, "history"),
		},
		Model: config.ModelConfig{
			Name:          "iop-classifier",
			BaseURL:       baseURL,
			Backend:       "onnx",
			InputSize:     64,
			Normalization: "zero_centered",
		},
		Network: config.NetworkConfig{Timeout: 5},
	}
}

func newTestDaemon(t *testing.T) (*Daemon, *testutil.Origin, *testutil.FakeBackend) {
	t.Helper()
	origin := testutil.NewOrigin(t, map[string][]byte{
		"model.json": testutil.Descriptor("model.onnx"),
		"model.onnx": []byte("graph"),
	})
	backend := &testutil.FakeBackend{Output: runtime.Vector{0.2}}

	d, err := New(testConfig(t, origin.BaseURL()), nil, WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown() })
	return d, origin, backend
}

func TestNewCreatesDirectories(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	for _, dir := range []string{d.Paths().ModelsDir(), d.Paths().ScratchDir(), d.Paths().HistoryDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.NotNil(t, d.History())
	assert.NotNil(t, d.Scanner())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, "http://localhost/models/")
	cfg.Model.Normalization = "imagenet"
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg = testConfig(t, "http://localhost/models/")
	cfg.Model.Backend = "tflite"
	_, err = New(cfg, nil)
	assert.ErrorContains(t, err, "unsupported model.backend")
}

func TestWithoutHistory(t *testing.T) {
	origin := testutil.NewOrigin(t, map[string][]byte{
		"model.json": testutil.Descriptor("model.onnx"),
		"model.onnx": []byte("graph"),
	})
	d, err := New(testConfig(t, origin.BaseURL()), nil, WithBackend(&testutil.FakeBackend{}), WithoutHistory())
	require.NoError(t, err)
	defer d.Shutdown()

	assert.Nil(t, d.History())

	image := testutil.WriteJPEG(t, t.TempDir(), "eye.jpg", testutil.Gradient(80, 60))
	_, err = d.Scanner().Scan(context.Background(), image)
	assert.NoError(t, err)
}

func TestGetStatus(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	status := d.GetStatus()
	assert.Equal(t, "iop-classifier", status["model"])
	assert.Equal(t, "not_loaded", status["model_state"])
	assert.Equal(t, "onnx", status["backend"])
	assert.Equal(t, 0, status["history_count"])
	assert.NotContains(t, status, "input_spec")

	_, err := d.Loader().Load(context.Background(), false)
	require.NoError(t, err)

	status = d.GetStatus()
	assert.Equal(t, "loaded", status["model_state"])
	assert.Contains(t, status, "input_spec")
}

func TestClearModelCache(t *testing.T) {
	d, origin, backend := newTestDaemon(t)

	_, err := d.Loader().Load(context.Background(), false)
	require.NoError(t, err)
	require.DirExists(t, d.Loader().Dir())

	require.NoError(t, d.ClearModelCache(context.Background()))
	assert.False(t, d.Loader().IsLoaded())
	assert.NoDirExists(t, d.Loader().Dir())
	assert.Equal(t, 1, backend.Destroyed())

	_, err = d.Loader().Load(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, origin.Requests("model.json"))
}

func TestClearModelCacheDuringLoad(t *testing.T) {
	d, _, backend := newTestDaemon(t)
	backend.BuildDelay = 300 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := d.Loader().Load(context.Background(), false)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return d.GetStatus()["model_state"] == "loading"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.ClearModelCache(context.Background()))
	require.NoError(t, <-done)

	assert.False(t, d.Loader().IsLoaded())
	assert.Equal(t, "not_loaded", d.GetStatus()["model_state"])
	assert.NoDirExists(t, d.Loader().Dir())
}

func TestCleanupScratch(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	stale := filepath.Join(d.Paths().ScratchDir(), "resized-stale.png")
	fresh := filepath.Join(d.Paths().ScratchDir(), "resized-fresh.png")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))
	old := time.Now().Add(-2 * scratchMaxAge)
	require.NoError(t, os.Chtimes(stale, old, old))

	d.cleanupScratch()

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestStartRequiresHandler(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	assert.Error(t, d.startAPIServer(0))
}
