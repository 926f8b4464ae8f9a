// Package onnx runs models with ONNX Runtime through github.com/yalue/onnxruntime_go.
package onnx

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iopscan/iopscan/internal/logging"
	"github.com/iopscan/iopscan/internal/runtime"
	"github.com/iopscan/iopscan/pkg/types"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// Name is the backend identifier used in configuration
	Name = "onnx"

	DefaultInputName  = "input"
	DefaultOutputName = "output"
)

// DefaultOutputShape is a single probability per batch entry
var DefaultOutputShape = []int64{1, 1}

// Backend creates ONNX Runtime sessions. The process-wide environment is
// initialized on first use and torn down by Close.
type Backend struct {
	libraryPath string
	log         *logging.Logger

	mu          sync.Mutex
	initialized bool
}

// New creates a backend; libraryPath points at the onnxruntime shared library and may be
// empty to use the platform default
func New(libraryPath string, log *logging.Logger) *Backend {
	return &Backend{libraryPath: libraryPath, log: log}
}

// Name implements runtime.Backend
func (b *Backend) Name() string {
	return Name
}

func (b *Backend) ensureEnvironment() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}
	if b.libraryPath != "" {
		ort.SetSharedLibraryPath(b.libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return &runtime.EnvironmentError{Backend: Name, Err: err}
	}
	b.initialized = true
	b.log.Debugf("ONNX Runtime environment initialized")
	return nil
}

// Build implements runtime.Backend. The first shard is the graph; any further shards are
// external data files that ONNX Runtime resolves relative to it.
func (b *Backend) Build(ctx context.Context, dir string, descriptor *types.ModelDescriptor, spec types.InputSpec) (runtime.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shards := descriptor.Shards()
	if len(shards) == 0 {
		return nil, &runtime.StructureError{Backend: Name, Reason: "descriptor lists no graph file"}
	}
	graphPath := filepath.Join(dir, filepath.FromSlash(shards[0]))

	if err := b.ensureEnvironment(); err != nil {
		return nil, err
	}

	inputName := spec.InputName
	if inputName == "" {
		inputName = DefaultInputName
	}
	outputName := spec.OutputName
	if outputName == "" {
		outputName = DefaultOutputName
	}
	outputShape := spec.OutputShape
	if outputShape == nil {
		outputShape = DefaultOutputShape
	}

	inShape := InputShape(spec)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(tensorShape(outputShape)...))
	if err != nil {
		inputTensor.Destroy()
		return nil, &runtime.StructureError{Backend: Name, Reason: fmt.Sprintf("invalid output shape %v", outputShape), Err: err}
	}

	session, err := ort.NewAdvancedSession(graphPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		if IsStructural(err) {
			return nil, &runtime.StructureError{Backend: Name, Reason: "session construction failed", Err: err}
		}
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	b.log.Infof("ONNX session ready: %s (input %s %v, output %s %v)", filepath.Base(graphPath), inputName, inShape, outputName, outputShape)

	return &Session{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   inShape,
		outputShape:  outputShape,
	}, nil
}

// Close releases the ONNX Runtime environment
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}
	b.initialized = false
	return ort.DestroyEnvironment()
}

// Session is a single ONNX Runtime session with preallocated tensors.
// Runs are serialized because the tensors are shared.
type Session struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   []int64
	outputShape  []int64
}

// Run implements runtime.Session
func (s *Session) Run(input []float32, shape []int64) (*runtime.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("session destroyed")
	}
	if !sameShape(shape, s.inputShape) {
		return nil, fmt.Errorf("input shape mismatch: model expects %v, got %v", s.inputShape, shape)
	}

	dst := s.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input size mismatch: model expects %d values, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// The output tensor is reused by the next run
	data := append([]float32(nil), s.outputTensor.GetData()...)
	return runtime.NewOutput(ConvertOutput(data, s.outputShape), nil), nil
}

// Destroy implements runtime.Session
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.session != nil {
		firstErr = s.session.Destroy()
		s.session = nil
	}
	if s.inputTensor != nil {
		if err := s.inputTensor.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		if err := s.outputTensor.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.outputTensor = nil
	}
	return firstErr
}

// InputShape is [H, W, 3], with a leading batch dimension when spec.Batched
func InputShape(spec types.InputSpec) []int64 {
	shape := []int64{int64(spec.Size), int64(spec.Size), 3}
	if spec.Batched {
		return append([]int64{1}, shape...)
	}
	return shape
}

// tensorShape maps a declared scalar output onto a one-element tensor
func tensorShape(declared []int64) []int64 {
	if len(declared) == 0 {
		return []int64{1}
	}
	return declared
}

// ConvertOutput shapes flat output data according to the declared output shape
func ConvertOutput(data []float32, declared []int64) runtime.Value {
	switch {
	case len(declared) == 0 && len(data) == 1:
		return runtime.Scalar(data[0])
	case len(declared) == 1:
		return runtime.Vector(data)
	case len(declared) == 2 && declared[0] == 1:
		return runtime.Nested{data}
	default:
		return runtime.Unknown{Raw: map[string]any{"shape": declared, "data": data}}
	}
}

var structuralMarkers = []string{
	"protobuf",
	"invalid_graph",
	"invalid graph",
	"not_implemented",
	"no_model",
	"shape",
	"type (",
	"invalid input name",
	"invalid output name",
	"opset",
}

// IsStructural reports whether an ONNX Runtime error describes the model itself rather
// than the files or the environment
func IsStructural(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range structuralMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
