// Package preprocess turns an image file into the normalized tensor a model expects.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/iopscan/iopscan/internal/logging"
	"github.com/iopscan/iopscan/pkg/types"
	"github.com/nfnt/resize"
)

// DefaultInputSize is the model resolution used when neither config nor descriptor sets one
const DefaultInputSize = 224

// MaxImagePixels bounds the declared width×height of a source image. Larger images are
// rejected before any pixel buffer is allocated.
const MaxImagePixels = 40 << 20

// channels is the number of colour channels fed to the model; alpha is dropped
const channels = 3

// Preprocessor decodes, resizes and normalizes images. Intermediate files go to scratchDir.
type Preprocessor struct {
	scratchDir string
	log        *logging.Logger
}

// New creates a preprocessor
func New(scratchDir string, log *logging.Logger) *Preprocessor {
	return &Preprocessor{scratchDir: scratchDir, log: log}
}

// LocalPath accepts a plain path or a file:// URI and returns the filesystem path
func LocalPath(imageURI string) (string, error) {
	if !strings.HasPrefix(imageURI, "file://") {
		return imageURI, nil
	}
	u, err := url.Parse(imageURI)
	if err != nil {
		return "", fmt.Errorf("invalid file URI %q: %w", imageURI, err)
	}
	return filepath.FromSlash(u.Path), nil
}

// Preprocess produces a fresh size×size×3 tensor from the image at imageURI
func (p *Preprocessor) Preprocess(imageURI string, spec types.InputSpec) (*types.ImageTensor, error) {
	if spec.Size <= 0 {
		return nil, fmt.Errorf("invalid input size %d", spec.Size)
	}
	if _, err := types.ParseNormalization(string(spec.Normalization)); err != nil {
		return nil, err
	}

	path, err := LocalPath(imageURI)
	if err != nil {
		return nil, &DecodeError{Path: imageURI, Err: err}
	}

	src, format, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	p.log.Debugf("Decoded %s image %dx%d from %s", format, bounds.Dx(), bounds.Dy(), path)

	resized := resize.Resize(uint(spec.Size), uint(spec.Size), src, resize.Bilinear)

	img, err := p.roundTrip(resized)
	if err != nil {
		return nil, err
	}

	if b := img.Bounds(); b.Dx() != spec.Size || b.Dy() != spec.Size {
		return nil, &DimensionMismatchError{
			ExpectedWidth:  spec.Size,
			ExpectedHeight: spec.Size,
			Width:          b.Dx(),
			Height:         b.Dy(),
		}
	}

	tensor := types.NewImageTensor(spec.Size, spec.Size, channels)
	p.fill(tensor, img, spec.Normalization)
	return tensor, nil
}

// roundTrip writes img as PNG into the scratch directory and decodes it back,
// so the tensor is always built from a lossless RGB(A) buffer
func (p *Preprocessor) roundTrip(img image.Image) (image.Image, error) {
	if err := os.MkdirAll(p.scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	scratch := filepath.Join(p.scratchDir, "resized-"+uuid.NewString()+".png")
	defer os.Remove(scratch)

	f, err := os.Create(scratch)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write resized image: %w", err)
	}

	decoded, _, err := decodeFile(scratch)
	return decoded, err
}

// fill writes interleaved RGB values into tensor
func (p *Preprocessor) fill(tensor *types.ImageTensor, img image.Image, n types.Normalization) {
	data := tensor.Data()
	b := img.Bounds()

	switch src := img.(type) {
	case *image.NRGBA:
		fillFromPix(data, src.Pix, src.Stride, b.Dx(), b.Dy(), n)
		return
	case *image.RGBA:
		if src.Opaque() {
			fillFromPix(data, src.Pix, src.Stride, b.Dx(), b.Dy(), n)
			return
		}
	default:
		p.log.Warnf("Unexpected colour model %T after resize, converting to RGB", img)
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			data[i] = n.Apply(c.R)
			data[i+1] = n.Apply(c.G)
			data[i+2] = n.Apply(c.B)
			i += channels
		}
	}
}

// fillFromPix copies R, G and B from a 4-byte-per-pixel buffer, skipping alpha
func fillFromPix(data []float32, pix []uint8, stride, width, height int, n types.Normalization) {
	i := 0
	for y := 0; y < height; y++ {
		row := pix[y*stride : y*stride+width*4]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+4]
			data[i] = n.Apply(px[0])
			data[i+1] = n.Apply(px[1])
			data[i+2] = n.Apply(px[2])
			i += channels
		}
	}
}

func decodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, "", &DecodeError{Path: path, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", &DecodeError{Path: path, Err: fmt.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, "", &DecodeError{Path: path, Err: &ImageTooLargeError{Width: cfg.Width, Height: cfg.Height}}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", &DecodeError{Path: path, Err: err}
	}

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", &DecodeError{Path: path, Err: err}
	}
	return img, format, nil
}
