package cache

import (
	"errors"
	"fmt"
)

// DownloadError is returned when a remote artifact could not be fetched
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("download %s failed: HTTP %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("download %s failed: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("download %s failed", e.URL)
	}
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// CorruptDescriptorError is returned when a descriptor cannot be parsed or lacks its shard list
type CorruptDescriptorError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptDescriptorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt descriptor %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt descriptor %s: %s", e.Path, e.Reason)
}

func (e *CorruptDescriptorError) Unwrap() error {
	return e.Err
}

// MissingShardError names the first shard that is absent or empty in the cache
type MissingShardError struct {
	Shard string
	Path  string
	Empty bool
}

func (e *MissingShardError) Error() string {
	if e.Empty {
		return fmt.Sprintf("weight shard %s is empty (%s)", e.Shard, e.Path)
	}
	return fmt.Sprintf("weight shard %s is missing (%s)", e.Shard, e.Path)
}

// IsValidationError reports whether err is a cache validation failure
func IsValidationError(err error) bool {
	var corrupt *CorruptDescriptorError
	var missing *MissingShardError
	return errors.As(err, &corrupt) || errors.As(err, &missing)
}
