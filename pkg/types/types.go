package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DescriptorFileName is the fixed name of the model descriptor inside a model cache directory
const DescriptorFileName = "model.json"

// ModelDescriptor represents a model.json descriptor served next to its weight shards
type ModelDescriptor struct {
	Format      string `json:"format,omitempty"`
	GeneratedBy string `json:"generatedBy,omitempty"`
	ConvertedBy string `json:"convertedBy,omitempty"`

	// Topology is kept verbatim; only the runtime interprets it
	ModelTopology json.RawMessage `json:"modelTopology,omitempty"`

	WeightsManifest []WeightsGroup `json:"weightsManifest"`

	// Inference overrides the configured input defaults for this model
	Inference *InferenceHints `json:"inference,omitempty"`
}

// WeightsGroup lists shard files belonging to one group of weights
type WeightsGroup struct {
	Paths   []string        `json:"paths"`
	Weights json.RawMessage `json:"weights,omitempty"`
}

// InferenceHints describes the tensor contract of a model
type InferenceHints struct {
	InputName     string        `json:"input_name,omitempty"`
	OutputName    string        `json:"output_name,omitempty"`
	InputSize     int           `json:"input_size,omitempty"`
	Normalization Normalization `json:"normalization,omitempty"`
	InputShape    []int64       `json:"input_shape,omitempty"`
	OutputShape   []int64       `json:"output_shape,omitempty"`
}

// Shards returns every shard name in listed order
func (d *ModelDescriptor) Shards() []string {
	var shards []string
	for _, group := range d.WeightsManifest {
		shards = append(shards, group.Paths...)
	}
	return shards
}

// ComputeHash returns the SHA256 hash of the canonical JSON encoding of the descriptor
func (d *ModelDescriptor) ComputeHash() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Normalization selects how 8-bit channel values are mapped to floats
type Normalization string

const (
	// ZeroCentered maps [0,255] to [-1,1]
	ZeroCentered Normalization = "zero_centered"
	// UnitScaled maps [0,255] to [0,1]
	UnitScaled Normalization = "unit_scaled"
)

// ParseNormalization validates a normalization name
func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(s); n {
	case ZeroCentered, UnitScaled:
		return n, nil
	default:
		return "", fmt.Errorf("unknown normalization %q (want %q or %q)", s, ZeroCentered, UnitScaled)
	}
}

// Apply normalizes a single channel value
func (n Normalization) Apply(v uint8) float32 {
	if n == UnitScaled {
		return float32(v) / 255.0
	}
	return (float32(v) - 127.5) / 127.5
}

// InputSpec is the resolved input contract of a loaded model
type InputSpec struct {
	Size          int           `json:"size"`
	Normalization Normalization `json:"normalization"`
	Batched       bool          `json:"batched"`
	InputName     string        `json:"input_name"`
	OutputName    string        `json:"output_name"`
	OutputShape   []int64       `json:"output_shape,omitempty"`
}

// ImageTensor is a normalized HWC float32 image, owned by one inference call
type ImageTensor struct {
	Height   int
	Width    int
	Channels int
	data     []float32
}

// NewImageTensor allocates a zeroed tensor of the given shape
func NewImageTensor(height, width, channels int) *ImageTensor {
	return &ImageTensor{
		Height:   height,
		Width:    width,
		Channels: channels,
		data:     make([]float32, height*width*channels),
	}
}

// Data returns the backing buffer, nil once released
func (t *ImageTensor) Data() []float32 {
	return t.data
}

// Len returns height × width × channels
func (t *ImageTensor) Len() int {
	return t.Height * t.Width * t.Channels
}

// Shape returns [H, W, C], or [1, H, W, C] when batched
func (t *ImageTensor) Shape(batched bool) []int64 {
	shape := []int64{int64(t.Height), int64(t.Width), int64(t.Channels)}
	if batched {
		return append([]int64{1}, shape...)
	}
	return shape
}

// Release drops the buffer; the tensor cannot be used afterwards
func (t *ImageTensor) Release() {
	t.data = nil
}

// Released reports whether Release was called
func (t *ImageTensor) Released() bool {
	return t.data == nil
}

// Label is the screening decision
type Label string

const (
	LabelElevatedRisk Label = "elevated_risk"
	LabelNormal       Label = "normal"
	LabelError        Label = "error"
)

// ClassificationResult is the sole output of a scan
type ClassificationResult struct {
	Label      Label   `json:"label"`
	Confidence float32 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// ScanRecord is a stored scan outcome
type ScanRecord struct {
	ID        string               `json:"id"`
	Image     string               `json:"image"`
	Model     string               `json:"model"`
	Result    ClassificationResult `json:"result"`
	Sharpness float64              `json:"sharpness,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// ScanResponse is the HTTP representation of a scan outcome
type ScanResponse struct {
	Scan       ScanRecord `json:"scan"`
	Blurry     bool       `json:"blurry"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// ShardInfo describes one cached shard on disk
type ShardInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// CacheReport summarizes a model cache directory
type CacheReport struct {
	Dir            string      `json:"dir"`
	DescriptorHash string      `json:"descriptor_hash,omitempty"`
	Format         string      `json:"format,omitempty"`
	Shards         []ShardInfo `json:"shards"`
	TotalSize      int64       `json:"total_size"`
}
