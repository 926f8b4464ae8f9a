package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iopscan/iopscan/internal/testutil"
	"github.com/iopscan/iopscan/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrigin(t *testing.T) *testutil.Origin {
	return testutil.NewOrigin(t, map[string][]byte{
		"model.json":                   testutil.Descriptor("model.onnx", "weights/group1-shard1of1.bin"),
		"model.onnx":                   []byte("onnx graph bytes"),
		"weights/group1-shard1of1.bin": []byte("external weights"),
	})
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func TestEnsureColdCache(t *testing.T) {
	origin := newTestOrigin(t)
	dir := filepath.Join(t.TempDir(), "iop-classifier")
	m := NewManager()

	descriptor, err := m.Ensure(context.Background(), origin.BaseURL(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.onnx", "weights/group1-shard1of1.bin"}, descriptor.Shards())

	assert.Equal(t, []string{"model.json", "model.onnx", "weights/group1-shard1of1.bin"}, listFiles(t, dir))
	data, err := os.ReadFile(filepath.Join(dir, "model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "onnx graph bytes", string(data))
}

func TestEnsureIsIdempotent(t *testing.T) {
	origin := newTestOrigin(t)
	dir := filepath.Join(t.TempDir(), "iop-classifier")
	m := NewManager()

	_, err := m.Ensure(context.Background(), origin.BaseURL(), dir)
	require.NoError(t, err)
	firstFiles := listFiles(t, dir)
	requestsAfterFirst := origin.TotalRequests()
	assert.Equal(t, 3, requestsAfterFirst)

	_, err = m.Ensure(context.Background(), origin.BaseURL(), dir)
	require.NoError(t, err)

	assert.Equal(t, firstFiles, listFiles(t, dir))
	assert.Equal(t, requestsAfterFirst, origin.TotalRequests(), "second call must not touch the network")
}

func TestEnsureDownloadFailureClearsCache(t *testing.T) {
	origin := newTestOrigin(t)
	origin.SetStatus("weights/group1-shard1of1.bin", http.StatusInternalServerError)
	dir := filepath.Join(t.TempDir(), "iop-classifier")
	m := NewManager()

	_, err := m.Ensure(context.Background(), origin.BaseURL(), dir)
	require.Error(t, err)

	var dl *DownloadError
	require.True(t, errors.As(err, &dl))
	assert.Equal(t, http.StatusInternalServerError, dl.StatusCode)
	assert.Contains(t, dl.URL, "group1-shard1of1.bin")

	assert.NoDirExists(t, dir)
}

func TestEnsureBadDescriptorIsDownloadError(t *testing.T) {
	origin := newTestOrigin(t)
	origin.SetFile("model.json", []byte(`{"format":"onnx"}`))
	dir := filepath.Join(t.TempDir(), "iop-classifier")
	m := NewManager()

	_, err := m.Ensure(context.Background(), origin.BaseURL(), dir)
	require.Error(t, err)

	var dl *DownloadError
	assert.True(t, errors.As(err, &dl))
	var corrupt *CorruptDescriptorError
	assert.True(t, errors.As(err, &corrupt))
	assert.NoDirExists(t, dir)
}

func TestEnsureWarmCacheValidationFailure(t *testing.T) {
	origin := newTestOrigin(t)
	dir := filepath.Join(t.TempDir(), "iop-classifier")
	m := NewManager()

	_, err := m.Ensure(context.Background(), origin.BaseURL(), dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "model.onnx")))
	requests := origin.TotalRequests()

	_, err = m.Ensure(context.Background(), origin.BaseURL(), dir)
	var missing *MissingShardError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "model.onnx", missing.Shard)

	var dl *DownloadError
	assert.False(t, errors.As(err, &dl), "validation failure must be distinct from a download failure")
	assert.Equal(t, requests, origin.TotalRequests())
	assert.FileExists(t, filepath.Join(dir, "model.json"), "warm cache is not cleared by the cache manager")
}

func TestEnsureFileSkipsExisting(t *testing.T) {
	origin := newTestOrigin(t)
	dir := t.TempDir()
	local := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(local, []byte("already here"), 0644))

	m := NewManager()
	require.NoError(t, m.EnsureFile(context.Background(), origin.BaseURL()+"model.onnx", local))

	assert.Equal(t, 0, origin.Requests("model.onnx"))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data))
}

func TestEnsureFileLeavesNoPartialFile(t *testing.T) {
	origin := newTestOrigin(t)
	origin.SetStatus("model.onnx", http.StatusNotFound)
	dir := t.TempDir()
	local := filepath.Join(dir, "model.onnx")

	m := NewManager()
	err := m.EnsureFile(context.Background(), origin.BaseURL()+"model.onnx", local)

	var dl *DownloadError
	require.True(t, errors.As(err, &dl))
	assert.Equal(t, http.StatusNotFound, dl.StatusCode)
	assert.Contains(t, dl.Error(), "HTTP 404")
	assert.Empty(t, listFiles(t, dir))
}

func TestEnsureFileTransportError(t *testing.T) {
	origin := newTestOrigin(t)
	url := origin.BaseURL() + "model.onnx"
	origin.Close()

	dir := t.TempDir()
	m := NewManager()
	err := m.EnsureFile(context.Background(), url, filepath.Join(dir, "model.onnx"))

	var dl *DownloadError
	require.True(t, errors.As(err, &dl))
	assert.Zero(t, dl.StatusCode)
	assert.Error(t, dl.Unwrap())
	assert.Empty(t, listFiles(t, dir))
}

func TestValidateCache(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		files      map[string]string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "valid",
			descriptor: string(testutil.Descriptor("a.bin", "b.bin")),
			files:      map[string]string{"a.bin": "a", "b.bin": "b"},
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:       "unparsable",
			descriptor: `{not json`,
			check: func(t *testing.T, err error) {
				var corrupt *CorruptDescriptorError
				require.True(t, errors.As(err, &corrupt))
				assert.Equal(t, "invalid JSON", corrupt.Reason)
			},
		},
		{
			name:       "missing shard list",
			descriptor: `{"format":"onnx","modelTopology":{}}`,
			check: func(t *testing.T, err error) {
				var corrupt *CorruptDescriptorError
				require.True(t, errors.As(err, &corrupt))
				assert.Contains(t, corrupt.Reason, "weightsManifest")
			},
		},
		{
			name:       "group without paths",
			descriptor: `{"weightsManifest":[{"weights":[]}]}`,
			check: func(t *testing.T, err error) {
				var corrupt *CorruptDescriptorError
				assert.True(t, errors.As(err, &corrupt))
			},
		},
		{
			name:       "path traversal",
			descriptor: string(testutil.Descriptor("../escape.bin")),
			check: func(t *testing.T, err error) {
				var corrupt *CorruptDescriptorError
				require.True(t, errors.As(err, &corrupt))
				assert.Contains(t, corrupt.Reason, "escapes")
			},
		},
		{
			name:       "first missing shard is named",
			descriptor: string(testutil.Descriptor("a.bin", "b.bin", "c.bin")),
			files:      map[string]string{"a.bin": "a"},
			check: func(t *testing.T, err error) {
				var missing *MissingShardError
				require.True(t, errors.As(err, &missing))
				assert.Equal(t, "b.bin", missing.Shard)
				assert.False(t, missing.Empty)
			},
		},
		{
			name:       "empty shard",
			descriptor: string(testutil.Descriptor("a.bin")),
			files:      map[string]string{"a.bin": ""},
			check: func(t *testing.T, err error) {
				var missing *MissingShardError
				require.True(t, errors.As(err, &missing))
				assert.True(t, missing.Empty)
				assert.Contains(t, missing.Error(), "empty")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, types.DescriptorFileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.descriptor), 0644))
			for name, content := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
			}

			_, err := NewManager().ValidateCache(path)
			tt.check(t, err)
		})
	}
}

func TestValidateCacheMissingDescriptor(t *testing.T) {
	_, err := NewManager().ValidateCache(filepath.Join(t.TempDir(), "model.json"))
	var corrupt *CorruptDescriptorError
	require.True(t, errors.As(err, &corrupt))
	assert.True(t, IsValidationError(err))
}

func TestClearIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "x"), []byte("x"), 0644))

	m := NewManager()
	require.NoError(t, m.Clear(dir))
	assert.NoDirExists(t, dir)
	require.NoError(t, m.Clear(dir))

	assert.Error(t, m.Clear(""))
}

func TestPing(t *testing.T) {
	origin := newTestOrigin(t)
	m := NewManager()

	status, err := m.Ping(context.Background(), origin.BaseURL())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, origin.Requests("model.json"), "HEAD must not count as a download")

	origin.SetStatus("model.json", http.StatusForbidden)
	status, err = m.Ping(context.Background(), origin.BaseURL())
	assert.Equal(t, http.StatusForbidden, status)
	var dl *DownloadError
	assert.True(t, errors.As(err, &dl))
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base     string
		name     string
		expected string
	}{
		{"https://cdn.example.com/ml-model/", "model.json", "https://cdn.example.com/ml-model/model.json"},
		{"https://cdn.example.com/ml-model", "model.json", "https://cdn.example.com/ml-model/model.json"},
		{"https://cdn.example.com/ml-model/", "group1/shard.bin", "https://cdn.example.com/ml-model/group1/shard.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.base+tt.name, func(t *testing.T) {
			got, err := resolveURL(tt.base, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := resolveURL("", "model.json")
	assert.Error(t, err)
}

type countingTracker struct {
	bytes    atomic.Int64
	finished atomic.Bool
}

func (c *countingTracker) Write(p []byte) (int, error) {
	c.bytes.Add(int64(len(p)))
	return len(p), nil
}

func (c *countingTracker) Finish() error {
	c.finished.Store(true)
	return nil
}

func TestDownloadProgressAndRateLimit(t *testing.T) {
	origin := newTestOrigin(t)
	trackers := map[string]*countingTracker{}

	m := NewManager(
		WithRateLimit(1<<20),
		WithProgress(func(name string, total int64) Tracker {
			tr := &countingTracker{}
			trackers[name] = tr
			return tr
		}),
		WithPing(true),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.Ensure(ctx, origin.BaseURL(), filepath.Join(t.TempDir(), "m"))
	require.NoError(t, err)

	require.Contains(t, trackers, "model.onnx")
	assert.Equal(t, int64(len("onnx graph bytes")), trackers["model.onnx"].bytes.Load())
	assert.True(t, trackers["model.onnx"].finished.Load())
	assert.Contains(t, trackers, "group1-shard1of1.bin")
}

func TestInspect(t *testing.T) {
	origin := newTestOrigin(t)
	dir := filepath.Join(t.TempDir(), "m")
	m := NewManager()

	_, err := m.Ensure(context.Background(), origin.BaseURL(), dir)
	require.NoError(t, err)

	report, err := m.Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, "onnx", report.Format)
	assert.Len(t, report.DescriptorHash, 64)
	require.Len(t, report.Shards, 2)
	assert.Equal(t, "model.onnx", report.Shards[0].Name)
	assert.Equal(t, int64(len("onnx graph bytes")), report.Shards[0].Size)
	assert.Len(t, report.Shards[0].SHA256, 64)
	assert.Equal(t, int64(len("onnx graph bytes")+len("external weights")), report.TotalSize)
}
