package models

import (
	"errors"
	"fmt"
)

// ErrHandleDisposed is returned when a disposed handle is used
var ErrHandleDisposed = errors.New("model handle has been disposed")

// CacheIntegrityError is returned when the cache is still invalid after one clear-and-redownload
type CacheIntegrityError struct {
	Dir string
	Err error
}

func (e *CacheIntegrityError) Error() string {
	return fmt.Sprintf("model cache %s failed validation after re-download: %v", e.Dir, e.Err)
}

func (e *CacheIntegrityError) Unwrap() error {
	return e.Err
}

// ModelStructureError is returned when the runtime rejects the model itself.
// The cache is left on disk for inspection.
type ModelStructureError struct {
	Dir string
	Err error
}

func (e *ModelStructureError) Error() string {
	return fmt.Sprintf("model in %s is structurally invalid: %v", e.Dir, e.Err)
}

func (e *ModelStructureError) Unwrap() error {
	return e.Err
}

// ModelLoadError is returned when building the model fails after the recovery attempt
type ModelLoadError struct {
	Dir string
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model from %s: %v", e.Dir, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
