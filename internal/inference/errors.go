package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrModelNotReady is returned when inference is attempted without a loaded model
	ErrModelNotReady = errors.New("model not ready: load the model before running inference")

	// ErrTensorConsumed is returned when a tensor that was already run or released is passed again
	ErrTensorConsumed = errors.New("image tensor has already been consumed")
)

// InferenceError carries the runtime's message when it rejects a run
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
