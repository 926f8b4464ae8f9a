package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/iopscan/iopscan/internal/logging"
	"github.com/iopscan/iopscan/pkg/types"
	"golang.org/x/time/rate"
)

// Tracker receives downloaded bytes for progress display
type Tracker interface {
	io.Writer
	Finish() error
}

// ProgressFunc creates a tracker for one file; total is -1 when the size is unknown
type ProgressFunc func(name string, total int64) Tracker

// Manager keeps a model's descriptor and weight shards available in a local directory
type Manager struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	progress   ProgressFunc
	pingFirst  bool
	log        *logging.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithTimeout bounds how long to wait for response headers
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: d,
			},
		}
	}
}

// WithRateLimit throttles downloads; 0 means unlimited
func WithRateLimit(bytesPerSecond int64) Option {
	return func(m *Manager) {
		if bytesPerSecond > 0 {
			m.limiter = NewRateLimiter(bytesPerSecond)
		}
	}
}

// WithProgress reports per-file download progress
func WithProgress(fn ProgressFunc) Option {
	return func(m *Manager) { m.progress = fn }
}

// WithPing issues a HEAD diagnostic before a cold-cache download
func WithPing(enabled bool) Option {
	return func(m *Manager) { m.pingFirst = enabled }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a cache manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	WithTimeout(60 * time.Second)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure makes sure the descriptor at baseURL and all its shards are present in dir.
// A warm cache is only validated; a cold cache is downloaded in full, and any failure
// during download clears dir and is reported as a *DownloadError.
func (m *Manager) Ensure(ctx context.Context, baseURL, dir string) (*types.ModelDescriptor, error) {
	descriptorPath := filepath.Join(dir, types.DescriptorFileName)

	if _, err := os.Stat(descriptorPath); err == nil {
		m.log.Debugf("Descriptor found in cache, validating %s", descriptorPath)
		return m.ValidateCache(descriptorPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat descriptor: %w", err)
	}

	m.log.Infof("Model not cached, downloading from %s", baseURL)
	if m.pingFirst {
		if status, err := m.Ping(ctx, baseURL); err != nil {
			m.log.Warnf("Model origin reachability check failed (status %d): %v", status, err)
		}
	}

	descriptor, err := m.fetch(ctx, baseURL, dir)
	if err != nil {
		if clearErr := m.Clear(dir); clearErr != nil {
			m.log.Errorf("Failed to clear cache after download error: %v", clearErr)
		}

		var dl *DownloadError
		if errors.As(err, &dl) {
			return nil, err
		}
		return nil, &DownloadError{URL: baseURL, Err: err}
	}

	m.log.Infof("All model files downloaded (%d shards)", len(descriptor.Shards()))
	return descriptor, nil
}

// fetch downloads the descriptor, then every shard in listed order
func (m *Manager) fetch(ctx context.Context, baseURL, dir string) (*types.ModelDescriptor, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	descriptorURL, err := resolveURL(baseURL, types.DescriptorFileName)
	if err != nil {
		return nil, err
	}

	descriptorPath := filepath.Join(dir, types.DescriptorFileName)
	if err := m.EnsureFile(ctx, descriptorURL, descriptorPath); err != nil {
		return nil, err
	}

	descriptor, err := readDescriptor(descriptorPath)
	if err != nil {
		return nil, err
	}

	shards := descriptor.Shards()
	m.log.Infof("Downloading %d weight file(s)...", len(shards))
	for _, shard := range shards {
		shardURL, err := resolveURL(baseURL, shard)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureFile(ctx, shardURL, filepath.Join(dir, filepath.FromSlash(shard))); err != nil {
			return nil, err
		}
	}

	return m.ValidateCache(descriptorPath)
}

// EnsureFile downloads remoteURL to localPath unless localPath already exists.
// The body is written to a temporary sibling and renamed into place, so a failed
// download never leaves a file at localPath.
func (m *Manager) EnsureFile(ctx context.Context, remoteURL, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		m.log.Debugf("File already exists locally: %s", localPath)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", localPath, err)
	}

	m.log.Debugf("Downloading %s to %s", remoteURL, localPath)
	if err := m.download(ctx, remoteURL, localPath); err != nil {
		return err
	}
	m.log.Debugf("Downloaded %s", remoteURL)
	return nil
}

func (m *Manager) download(ctx context.Context, remoteURL, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return &DownloadError{URL: remoteURL, Err: err}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &DownloadError{URL: remoteURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DownloadError{URL: remoteURL, StatusCode: resp.StatusCode}
	}

	tmpPath := localPath + ".part-" + uuid.NewString()
	file, err := os.Create(tmpPath)
	if err != nil {
		return &DownloadError{URL: remoteURL, Err: fmt.Errorf("failed to create temporary file: %w", err)}
	}

	var body io.Reader = resp.Body
	if m.limiter != nil {
		body = &limitedReader{ctx: ctx, r: body, limiter: m.limiter}
	}

	var tracker Tracker
	if m.progress != nil {
		tracker = m.progress(filepath.Base(localPath), resp.ContentLength)
		body = io.TeeReader(body, tracker)
	}

	written, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	if tracker != nil {
		tracker.Finish()
	}

	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && resp.ContentLength >= 0 && written != resp.ContentLength {
		copyErr = fmt.Errorf("truncated body: got %d of %d bytes", written, resp.ContentLength)
	}
	if copyErr != nil {
		os.Remove(tmpPath)
		return &DownloadError{URL: remoteURL, Err: copyErr}
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return &DownloadError{URL: remoteURL, Err: fmt.Errorf("failed to move download into place: %w", err)}
	}

	return nil
}

// ValidateCache parses the descriptor and checks that every listed shard exists and is non-empty
func (m *Manager) ValidateCache(descriptorPath string) (*types.ModelDescriptor, error) {
	descriptor, err := readDescriptor(descriptorPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(descriptorPath)
	for _, shard := range descriptor.Shards() {
		shardPath := filepath.Join(dir, filepath.FromSlash(shard))
		info, err := os.Stat(shardPath)
		if err != nil || info.IsDir() {
			m.log.Warnf("Cache missing weight file: %s", shard)
			return nil, &MissingShardError{Shard: shard, Path: shardPath}
		}
		if info.Size() == 0 {
			m.log.Warnf("Cache has empty weight file: %s", shard)
			return nil, &MissingShardError{Shard: shard, Path: shardPath, Empty: true}
		}
	}

	return descriptor, nil
}

// Clear removes the cache directory and everything in it; a missing directory is not an error
func (m *Manager) Clear(dir string) error {
	if dir == "" || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to clear %q", dir)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear cache %s: %w", dir, err)
	}
	m.log.Debugf("Cleared model cache %s", dir)
	return nil
}

// Ping checks that the descriptor URL under baseURL answers a HEAD request with 2xx
func (m *Manager) Ping(ctx context.Context, baseURL string) (int, error) {
	descriptorURL, err := resolveURL(baseURL, types.DescriptorFileName)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, descriptorURL, nil)
	if err != nil {
		return 0, &DownloadError{URL: descriptorURL, Err: err}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, &DownloadError{URL: descriptorURL, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &DownloadError{URL: descriptorURL, StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// readDescriptor reads and structurally checks a descriptor file
func readDescriptor(path string) (*types.ModelDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CorruptDescriptorError{Path: path, Reason: "unreadable", Err: err}
	}
	return ParseDescriptor(path, data)
}

// ParseDescriptor decodes descriptor bytes; path is only used for error reporting
func ParseDescriptor(path string, data []byte) (*types.ModelDescriptor, error) {
	var descriptor types.ModelDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil, &CorruptDescriptorError{Path: path, Reason: "invalid JSON", Err: err}
	}

	if descriptor.WeightsManifest == nil {
		return nil, &CorruptDescriptorError{Path: path, Reason: "missing weightsManifest"}
	}
	for i, group := range descriptor.WeightsManifest {
		if group.Paths == nil {
			return nil, &CorruptDescriptorError{Path: path, Reason: fmt.Sprintf("weightsManifest[%d] has no paths", i)}
		}
	}

	shards := descriptor.Shards()
	if len(shards) == 0 {
		return nil, &CorruptDescriptorError{Path: path, Reason: "no weight shards listed"}
	}
	for _, shard := range shards {
		if !filepath.IsLocal(filepath.FromSlash(shard)) {
			return nil, &CorruptDescriptorError{Path: path, Reason: fmt.Sprintf("shard name %q escapes the cache directory", shard)}
		}
	}

	return &descriptor, nil
}

func resolveURL(baseURL, name string) (string, error) {
	if baseURL == "" {
		return "", &DownloadError{URL: name, Err: errors.New("model base URL is not configured")}
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", &DownloadError{URL: baseURL, Err: err}
	}
	return base.JoinPath(name).String(), nil
}
