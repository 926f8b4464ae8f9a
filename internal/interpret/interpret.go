// Package interpret maps raw model output onto a screening decision.
package interpret

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/iopscan/iopscan/internal/inference"
	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/pkg/types"
)

// Threshold is the probability at or above which a scan is flagged
const Threshold = 0.5

// UnrecognizedOutputFormatError carries the raw output the interpreter could not read
type UnrecognizedOutputFormatError struct {
	Raw string
}

func (e *UnrecognizedOutputFormatError) Error() string {
	return fmt.Sprintf("unrecognized model output format: %s", e.Raw)
}

// Interpret reads the elevated-risk probability from out and classifies it.
// Confidence is that probability in [0,1]. The output is released on every path.
func Interpret(out *inference.Output) (types.ClassificationResult, error) {
	if out == nil {
		return types.ClassificationResult{}, &UnrecognizedOutputFormatError{Raw: "null"}
	}
	defer out.Release()

	p, ok := probability(out.Value)
	if !ok {
		return types.ClassificationResult{}, &UnrecognizedOutputFormatError{Raw: render(out.Value)}
	}

	label := types.LabelNormal
	if p >= Threshold {
		label = types.LabelElevatedRisk
	}
	return types.ClassificationResult{Label: label, Confidence: p}, nil
}

func probability(v runtime.Value) (float32, bool) {
	var p float32
	switch val := v.(type) {
	case runtime.Scalar:
		p = float32(val)
	case runtime.Vector:
		if len(val) != 1 {
			return 0, false
		}
		p = val[0]
	case runtime.Nested:
		if len(val) != 1 || len(val[0]) != 1 {
			return 0, false
		}
		p = val[0][0]
	case runtime.Keyed:
		v0, found := val["0"]
		if len(val) != 1 || !found {
			return 0, false
		}
		p = v0
	case runtime.Unknown:
		return 0, false
	default:
		return 0, false
	}

	if math.IsNaN(float64(p)) || p < 0 || p > 1 {
		return 0, false
	}
	return p, true
}

// render formats the raw value for diagnosis
func render(v runtime.Value) string {
	var raw any = v
	if u, ok := v.(runtime.Unknown); ok {
		raw = u.Raw
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%#v", raw)
	}
	return string(data)
}

// ErrorResult turns a failure into an Error-labelled result carrying its message
func ErrorResult(err error) types.ClassificationResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return types.ClassificationResult{Label: types.LabelError, Confidence: 0, Error: msg}
}
