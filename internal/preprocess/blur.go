package preprocess

import (
	"github.com/nfnt/resize"
)

const (
	// DefaultBlurThreshold is the Laplacian variance below which an image counts as blurry
	DefaultBlurThreshold = 35.0

	sharpnessWidth = 500
)

// Sharpness returns the variance of the Laplacian of a grayscale copy of the image,
// resized to a fixed width. Higher is sharper.
func (p *Preprocessor) Sharpness(imageURI string) (float64, error) {
	path, err := LocalPath(imageURI)
	if err != nil {
		return 0, &DecodeError{Path: imageURI, Err: err}
	}

	src, _, err := decodeFile(path)
	if err != nil {
		return 0, err
	}

	img := resize.Resize(sharpnessWidth, 0, src, resize.Bilinear)
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width < 3 || height < 3 {
		return 0, ErrImageTooSmall
	}

	gray := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			gray[y*width+x] = float64(uint8(lum))
		}
	}

	variance := laplacianVariance(gray, width, height)
	p.log.Debugf("Laplacian variance of %s: %.2f", path, variance)
	return variance, nil
}

// IsBlurry reports whether a sharpness score falls below threshold
func IsBlurry(sharpness, threshold float64) bool {
	return sharpness < threshold
}

// laplacianVariance applies the 4-neighbour Laplacian kernel to interior pixels
func laplacianVariance(gray []float64, width, height int) float64 {
	var sum, sumSq float64
	n := 0
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			v := gray[i-width] + gray[i+width] + gray[i-1] + gray[i+1] - 4*gray[i]
			sum += v
			sumSq += v * v
			n++
		}
	}
	if n == 0 {
		return 0
	}

	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
