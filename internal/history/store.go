// Package history keeps a local JSON log of scan outcomes.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iopscan/iopscan/pkg/types"
)

// DefaultMaxRecords bounds the history file; the oldest records are dropped first
const DefaultMaxRecords = 1000

// ErrNotFound is returned by Get for an unknown ID
var ErrNotFound = errors.New("scan record not found")

// Store is a JSON file of scan records, rewritten atomically on every change
type Store struct {
	mu         sync.RWMutex
	filePath   string
	maxRecords int

	Records  []types.ScanRecord `json:"records"`
	LastSave time.Time          `json:"last_save"`
}

// Open loads the store at filePath; a missing file starts an empty history
func Open(filePath string) (*Store, error) {
	s := &Store{
		filePath:   filePath,
		maxRecords: DefaultMaxRecords,
		Records:    make([]types.ScanRecord, 0),
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var loaded Store
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	if loaded.Records != nil {
		s.Records = loaded.Records
	}
	s.LastSave = loaded.LastSave
	return s, nil
}

// Record stores rec, assigning an ID and timestamp when missing, and returns the stored copy.
// Nothing changes in memory when the write fails.
func (s *Store) Record(rec types.ScanRecord) (types.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	prev, prevSave := s.Records, s.LastSave
	s.Records = append(s.Records, rec)
	if len(s.Records) > s.maxRecords {
		s.Records = append([]types.ScanRecord(nil), s.Records[len(s.Records)-s.maxRecords:]...)
	}

	if err := s.save(); err != nil {
		s.Records, s.LastSave = prev, prevSave
		return types.ScanRecord{}, err
	}
	return rec, nil
}

// List returns up to limit records, newest first; limit <= 0 returns all
func (s *Store) List(limit int) []types.ScanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.Records)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]types.ScanRecord, 0, n)
	for i := len(s.Records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.Records[i])
	}
	return out
}

// Get returns the record with the given ID
func (s *Store) Get(id string) (types.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.Records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return types.ScanRecord{}, ErrNotFound
}

// Count returns the number of stored records
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Records)
}

// Clear removes every record
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, prevSave := s.Records, s.LastSave
	s.Records = make([]types.ScanRecord, 0)
	if err := s.save(); err != nil {
		s.Records, s.LastSave = prev, prevSave
		return err
	}
	return nil
}

// save must be called with the lock held
func (s *Store) save() error {
	s.LastSave = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	// Write to temporary file first
	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}

	// Rename to final location (atomic operation)
	if err := os.Rename(tempFile, s.filePath); err != nil {
		return fmt.Errorf("failed to rename history file: %w", err)
	}

	return nil
}
