package nn

import (
	"errors"
	"fmt"
)

var (
	// ErrInputShape is returned when an image tensor is not [1,224,224,3].
	ErrInputShape = errors.New("nn: input shape mismatch")

	// ErrUnknownLayer is returned when a layer name is not part of the topology.
	ErrUnknownLayer = errors.New("nn: unknown layer")

	// ErrShape is returned when two tensors that must agree in shape do not.
	ErrShape = errors.New("nn: tensor shape mismatch")
)

// Tensor is a dense float32 tensor. Image and activation tensors are NHWC.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor allocates a zero tensor with the given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Data: make([]float32, size), Shape: s}
}

// NewTensorFromSlice wraps data (without copying) in a tensor of the given shape.
// It panics if the shape does not match len(data).
func NewTensorFromSlice(data []float32, shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		panic(fmt.Sprintf("nn: shape %v holds %d elements, data has %d", shape, size, len(data)))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Data: data, Shape: s}
}

// Size returns the number of elements
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a view sharing Data with a new shape, or nil if the
// element count differs.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.Data) {
		return nil
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Data: t.Data, Shape: s}
}

// NHWC returns the four dimensions of a rank-4 tensor.
func (t *Tensor) NHWC() (n, h, w, c int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: expected rank 4, got shape %v", ErrShape, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// SameShape reports whether a and b have identical shapes
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// LayerType defines the type of layer in the extractor chain
type LayerType int

const (
	LayerConv2D    LayerType = 0 // 3x3 convolution + bias + ReLU
	LayerMaxPool2D LayerType = 1 // 2x2 stride-2 max pooling
)

func (lt LayerType) String() string {
	switch lt {
	case LayerConv2D:
		return "conv2d"
	case LayerMaxPool2D:
		return "maxpool2d"
	default:
		return "unknown"
	}
}

// LayerConfig holds the resolved configuration of one layer in the chain
type LayerConfig struct {
	Name       string
	Type       LayerType
	Activation ActivationType

	// Conv2D specific parameters
	KernelSize int       // Size of convolution kernel (3 for 3x3)
	Stride     int       // Stride (conv: 1, pool: 2)
	Padding    int       // Leading padding for SAME
	Filters    int       // Number of output channels
	Kernel     []float32 // Kernel weights [kH][kW][inChannels][filters]
	Bias       []float32 // Bias terms [filters]

	// Shape information (per image, NHWC without the batch axis)
	InputHeight   int
	InputWidth    int
	InputChannels int
	OutputHeight  int
	OutputWidth   int
}

// OutputChannels returns the channel count of the layer output
func (c *LayerConfig) OutputChannels() int {
	if c.Type == LayerConv2D {
		return c.Filters
	}
	return c.InputChannels
}

// Parameters returns the number of weights and biases held by the layer
func (c *LayerConfig) Parameters() int {
	if c.Type != LayerConv2D {
		return 0
	}
	return c.KernelSize*c.KernelSize*c.InputChannels*c.Filters + c.Filters
}

// samePadding returns output size and leading pad for SAME padding
func samePadding(in, kernel, stride int) (out, padBefore int) {
	out = (in + stride - 1) / stride
	padTotal := (out-1)*stride + kernel - in
	if padTotal < 0 {
		padTotal = 0
	}
	return out, padTotal / 2
}
