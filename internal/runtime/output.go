package runtime

import "sync"

// Value is one of the output shapes a model can produce:
// Scalar, Vector, Nested, Keyed or Unknown.
type Value interface {
	value()
}

// Scalar is a bare number
type Scalar float32

// Vector is a flat list of numbers
type Vector []float32

// Nested is a list of lists of numbers
type Nested [][]float32

// Keyed maps string keys to numbers
type Keyed map[string]float32

// Unknown carries anything else verbatim
type Unknown struct {
	Raw any
}

func (Scalar) value()  {}
func (Vector) value()  {}
func (Nested) value()  {}
func (Keyed) value()   {}
func (Unknown) value() {}

// Output is a model result plus the hook that frees runtime-owned buffers
type Output struct {
	Value Value

	once    sync.Once
	release func()
	done    bool
}

// NewOutput wraps v; release may be nil
func NewOutput(v Value, release func()) *Output {
	return &Output{Value: v, release: release}
}

// Release frees the output; calling it more than once is a no-op
func (o *Output) Release() {
	o.once.Do(func() {
		if o.release != nil {
			o.release()
		}
		o.done = true
	})
}

// Released reports whether Release was called
func (o *Output) Released() bool {
	return o.done
}
