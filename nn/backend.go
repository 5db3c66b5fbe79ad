package nn

import (
	"fmt"
)

// ConvBackend executes the convolution kernels of the extractor.
// This abstraction allows swapping implementations (CPU, WebGPU)
// without changing the extractor.
type ConvBackend interface {
	// Conv2DForward returns convolution + bias (no activation)
	// input: [inH][inW][inC] -> output: [outH][outW][filters]
	Conv2DForward(input []float32, config *LayerConfig) ([]float32, error)

	// Conv2DBackwardInput returns the gradient w.r.t. the input given the
	// gradient w.r.t. the pre-activation output
	Conv2DBackwardInput(gradOutput []float32, config *LayerConfig) ([]float32, error)

	// Name returns a short backend identifier
	Name() string
}

// =============================================================================
// CPUBackend Implementation
// =============================================================================

// CPUBackend runs the convolution kernels on CPU, fanning rows out over
// GOMAXPROCS goroutines.
type CPUBackend struct{}

// NewCPUBackend creates a new CPU backend.
func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Conv2DForward(input []float32, config *LayerConfig) ([]float32, error) {
	if want := config.InputHeight * config.InputWidth * config.InputChannels; len(input) != want {
		return nil, fmt.Errorf("%w: %s input has %d values, expected %d", ErrShape, config.Name, len(input), want)
	}
	return conv2DForwardCPU(input, config), nil
}

func (b *CPUBackend) Conv2DBackwardInput(gradOutput []float32, config *LayerConfig) ([]float32, error) {
	if want := config.OutputHeight * config.OutputWidth * config.Filters; len(gradOutput) != want {
		return nil, fmt.Errorf("%w: %s gradient has %d values, expected %d", ErrShape, config.Name, len(gradOutput), want)
	}
	return conv2DBackwardInputCPU(gradOutput, config), nil
}

func (b *CPUBackend) Name() string {
	return "cpu"
}
