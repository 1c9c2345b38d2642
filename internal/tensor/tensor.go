// Package tensor holds the flat float buffers exchanged with inference
// sessions. A buffer is not self-describing, so the axis order travels with it.
package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrShapeMismatch is returned when a buffer length does not match its shape.
var ErrShapeMismatch = errors.New("tensor: data length does not match shape")

// Layout is the axis order of a 4-D image tensor.
type Layout int

const (
	// NCHW is channel-major: [batch, channels, height, width].
	NCHW Layout = iota
	// NHWC is channel-minor: [batch, height, width, channels].
	NHWC
)

func (l Layout) String() string {
	switch l {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	default:
		return "Layout(" + strconv.Itoa(int(l)) + ")"
	}
}

// Shape lists tensor dimensions. Values <= 0 mark dynamic dimensions the
// model leaves open (ONNX Runtime reports them as -1).
type Shape []int64

// Size is the product of all dimensions. Unresolved shapes have size 0.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		if d <= 0 {
			return 0
		}
		n *= int(d)
	}
	return n
}

// Resolved reports whether every dimension is known.
func (s Shape) Resolved() bool {
	return len(s) > 0 && s.Size() > 0
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape{}, s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d <= 0 {
			parts[i] = "?"
			continue
		}
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// InferLayout guesses the axis order of a 4-D shape from the position of a
// plausible channel count.
func InferLayout(s Shape) Layout {
	if len(s) == 4 {
		switch s[1] {
		case 1, 3, 12:
			return NCHW
		}
	}
	return NHWC
}

// Tensor is a float32 buffer plus the shape and layout that give it meaning.
// len(Data) always equals Shape.Size().
type Tensor struct {
	Shape  Shape
	Layout Layout
	Data   []float32
}

// New wraps data, checking the length invariant.
func New(shape Shape, layout Layout, data []float32) (*Tensor, error) {
	if !shape.Resolved() {
		return nil, fmt.Errorf("%w: unresolved shape %s", ErrShapeMismatch, shape)
	}
	if len(data) != shape.Size() {
		return nil, fmt.Errorf("%w: shape %s wants %d values, got %d", ErrShapeMismatch, shape, shape.Size(), len(data))
	}
	return &Tensor{Shape: shape.Clone(), Layout: layout, Data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape Shape, layout Layout) (*Tensor, error) {
	return New(shape, layout, make([]float32, shape.Size()))
}

// Dims returns batch, channels, height and width of a 4-D tensor in that
// order regardless of layout. Non 4-D tensors return zeros.
func (t *Tensor) Dims() (n, c, h, w int) {
	if t == nil || len(t.Shape) != 4 {
		return 0, 0, 0, 0
	}
	s := t.Shape
	if t.Layout == NHWC {
		return int(s[0]), int(s[3]), int(s[1]), int(s[2])
	}
	return int(s[0]), int(s[1]), int(s[2]), int(s[3])
}
