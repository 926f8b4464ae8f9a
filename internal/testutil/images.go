package testutil

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// Gradient returns an RGBA image whose colour varies with position
func Gradient(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(width-1, 1)),
				G: uint8(y * 255 / max(height-1, 1)),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

// Solid returns a single-colour image
func Solid(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// WriteJPEG encodes img into dir/name and returns the path
func WriteJPEG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	return writeImage(t, dir, name, func(f *os.File) error {
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	})
}

// WritePNG encodes img into dir/name and returns the path
func WritePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	return writeImage(t, dir, name, func(f *os.File) error {
		return png.Encode(f, img)
	})
}

func writeImage(t *testing.T, dir, name string, encode func(*os.File) error) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	if err := encode(f); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
	return path
}
