package preprocess

import (
	"errors"
	"fmt"
)

// ErrImageTooSmall is returned by Sharpness when there are no interior pixels to measure
var ErrImageTooSmall = errors.New("image too small for sharpness measurement")

// DecodeError is returned when an image file cannot be read or decoded
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DimensionMismatchError is returned when the resized image is not the expected size
type DimensionMismatchError struct {
	ExpectedWidth  int
	ExpectedHeight int
	Width          int
	Height         int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("resized image is %dx%d, expected %dx%d", e.Width, e.Height, e.ExpectedWidth, e.ExpectedHeight)
}

// ImageTooLargeError is wrapped in a DecodeError when the declared dimensions exceed MaxImagePixels
type ImageTooLargeError struct {
	Width  int
	Height int
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image dimensions %dx%d exceed the %d pixel limit", e.Width, e.Height, MaxImagePixels)
}
