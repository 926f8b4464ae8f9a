package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/iopscan/iopscan/pkg/types"
)

// Inspect validates the cache in dir and reports size and SHA256 of every shard
func (m *Manager) Inspect(dir string) (*types.CacheReport, error) {
	descriptor, err := m.ValidateCache(filepath.Join(dir, types.DescriptorFileName))
	if err != nil {
		return nil, err
	}

	report := &types.CacheReport{
		Dir:    dir,
		Format: descriptor.Format,
	}
	if hash, err := descriptor.ComputeHash(); err == nil {
		report.DescriptorHash = hash
	}

	for _, shard := range descriptor.Shards() {
		path := filepath.Join(dir, filepath.FromSlash(shard))
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat shard %s: %w", shard, err)
		}

		hash, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash shard %s: %w", shard, err)
		}

		report.Shards = append(report.Shards, types.ShardInfo{
			Name:   shard,
			Size:   info.Size(),
			SHA256: hash,
		})
		report.TotalSize += info.Size()
	}

	return report, nil
}

// hashFile calculates SHA256 hash of a file
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
