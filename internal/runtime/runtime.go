// Package runtime defines the contract between the model loader and the engines that
// execute a model.
package runtime

import (
	"context"
	"fmt"

	"github.com/iopscan/iopscan/pkg/types"
)

// Backend builds runnable sessions from a validated model cache directory
type Backend interface {
	// Name identifies the backend in configuration and logs
	Name() string

	// Build constructs a session from the files in dir
	Build(ctx context.Context, dir string, descriptor *types.ModelDescriptor, spec types.InputSpec) (Session, error)
}

// Session is a constructed model ready to run
type Session interface {
	// Run executes the model on one interleaved float32 input of the given shape
	Run(input []float32, shape []int64) (*Output, error)

	// Destroy frees the native resources; the session is unusable afterwards
	Destroy() error
}

// StructureError reports that a backend rejected the model itself.
// Retrying with a fresh download cannot fix it.
type StructureError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *StructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s backend rejected model: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s backend rejected model: %s", e.Backend, e.Reason)
}

func (e *StructureError) Unwrap() error {
	return e.Err
}

// EnvironmentError reports that the backend's native runtime could not be started,
// for example because its shared library is missing. The model files are not at fault.
type EnvironmentError struct {
	Backend string
	Err     error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s runtime environment unavailable: %v", e.Backend, e.Err)
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}
