// Package pipeline runs one image through preprocessing, inference and interpretation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/iopscan/iopscan/internal/inference"
	"github.com/iopscan/iopscan/internal/interpret"
	"github.com/iopscan/iopscan/internal/logging"
	"github.com/iopscan/iopscan/internal/models"
	"github.com/iopscan/iopscan/internal/preprocess"
	"github.com/iopscan/iopscan/pkg/types"
)

// Sink receives every completed scan
type Sink interface {
	Record(rec types.ScanRecord) (types.ScanRecord, error)
}

// BlurryImageError is returned when the blur check rejects an image
type BlurryImageError struct {
	Path      string
	Sharpness float64
	Threshold float64
}

func (e *BlurryImageError) Error() string {
	return fmt.Sprintf("image %s is too blurry (sharpness %.1f below %.1f)", e.Path, e.Sharpness, e.Threshold)
}

// LoadFailure wraps a model load error. It blocks every scan until the load succeeds,
// unlike a per-image error which only fails one attempt.
type LoadFailure struct {
	Err error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("model unavailable: %v", e.Err)
}

func (e *LoadFailure) Unwrap() error {
	return e.Err
}

// IsLoadFailure reports whether err means the model could not be loaded
func IsLoadFailure(err error) bool {
	var lf *LoadFailure
	return errors.As(err, &lf)
}

// QualityOptions controls the blur check
type QualityOptions struct {
	BlurCheck     bool
	BlurThreshold float64
	RejectBlurry  bool
}

// Outcome is what a scan produced; Result is Error-labelled when the scan failed
type Outcome struct {
	Record   types.ScanRecord
	Blurry   bool
	Duration time.Duration
}

// Scanner wires the loader, preprocessor and interpreter together
type Scanner struct {
	loader       *models.Loader
	preprocessor *preprocess.Preprocessor
	quality      QualityOptions
	sink         Sink
	log          *logging.Logger
}

// NewScanner creates a scanner; sink may be nil
func NewScanner(loader *models.Loader, preprocessor *preprocess.Preprocessor, quality QualityOptions, sink Sink, log *logging.Logger) *Scanner {
	return &Scanner{
		loader:       loader,
		preprocessor: preprocessor,
		quality:      quality,
		sink:         sink,
		log:          log,
	}
}

// Scan classifies the image at imageURI. The returned Outcome is never nil; on failure it
// carries an Error result and the error is also returned.
func (s *Scanner) Scan(ctx context.Context, imageURI string) (*Outcome, error) {
	return s.ScanAs(ctx, imageURI, imageName(imageURI))
}

// ScanAs is Scan with the image recorded under name, for uploads stored under a temporary path
func (s *Scanner) ScanAs(ctx context.Context, imageURI, name string) (*Outcome, error) {
	start := time.Now()
	outcome := &Outcome{
		Record: types.ScanRecord{
			Image: name,
			Model: s.loader.Name(),
		},
	}

	result, err := s.classify(ctx, imageURI, outcome)
	if err != nil {
		s.log.Errorf("Scan of %s failed: %v", outcome.Record.Image, err)
		result = interpret.ErrorResult(err)
	}
	outcome.Record.Result = result
	outcome.Duration = time.Since(start)

	if s.sink != nil {
		rec, sinkErr := s.sink.Record(outcome.Record)
		if sinkErr != nil {
			s.log.Warnf("Failed to record scan: %v", sinkErr)
		} else {
			outcome.Record = rec
		}
	}

	return outcome, err
}

func (s *Scanner) classify(ctx context.Context, imageURI string, outcome *Outcome) (types.ClassificationResult, error) {
	handle, err := s.loader.Load(ctx, false)
	if err != nil {
		return types.ClassificationResult{}, &LoadFailure{Err: err}
	}

	if s.quality.BlurCheck {
		if score, err := s.preprocessor.Sharpness(imageURI); err != nil {
			s.log.Warnf("Sharpness check skipped: %v", err)
		} else {
			outcome.Record.Sharpness = score
			outcome.Blurry = preprocess.IsBlurry(score, s.quality.BlurThreshold)
		}
		if outcome.Blurry {
			s.log.Warnf("Image %s looks blurry (sharpness %.1f)", outcome.Record.Image, outcome.Record.Sharpness)
			if s.quality.RejectBlurry {
				return types.ClassificationResult{}, &BlurryImageError{Path: imageURI, Sharpness: outcome.Record.Sharpness, Threshold: s.quality.BlurThreshold}
			}
		}
	}

	tensor, err := s.preprocessor.Preprocess(imageURI, handle.Spec())
	if err != nil {
		return types.ClassificationResult{}, err
	}

	out, err := inference.Run(handle, tensor)
	if err != nil {
		return types.ClassificationResult{}, err
	}

	result, err := interpret.Interpret(out)
	if err != nil {
		return types.ClassificationResult{}, err
	}

	s.log.Infof("Scan of %s: %s (confidence %.4f)", outcome.Record.Image, result.Label, result.Confidence)
	return result, nil
}

func imageName(imageURI string) string {
	path, err := preprocess.LocalPath(imageURI)
	if err != nil {
		return imageURI
	}
	return filepath.Base(path)
}
