// Package inference executes a loaded model on one image tensor.
package inference

import (
	"errors"

	"github.com/iopscan/iopscan/internal/models"
	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/pkg/types"
)

// Output is the raw result of a run
type Output = runtime.Output

type result struct {
	out *Output
	err error
}

// Run executes handle on tensor and blocks until the model finishes.
// The tensor is released on every path.
func Run(handle *models.Handle, tensor *types.ImageTensor) (*Output, error) {
	if tensor == nil || tensor.Released() {
		return nil, ErrTensorConsumed
	}
	defer tensor.Release()

	if handle == nil || handle.Disposed() {
		return nil, ErrModelNotReady
	}

	shape := tensor.Shape(handle.Spec().Batched)
	done := make(chan result, 1)
	go func() {
		out, err := handle.Run(tensor.Data(), shape)
		done <- result{out: out, err: err}
	}()

	res := <-done
	if res.err != nil {
		if errors.Is(res.err, models.ErrHandleDisposed) {
			return nil, ErrModelNotReady
		}
		return nil, &InferenceError{Err: res.err}
	}
	return res.out, nil
}
