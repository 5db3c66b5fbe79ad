package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/neuralstyle/nn"
)

type layerKey struct {
	name   string
	kernel *float32
}

// ConvBackend implements nn.ConvBackend on WebGPU. Layers are compiled on
// first use and cached, so extractors sharing one weight source share
// device buffers.
type ConvBackend struct {
	ctx *Context

	mu     sync.Mutex
	layers map[layerKey]*Conv2DLayer
}

// NewConvBackend initializes the GPU context. It fails with ErrNoAdapter
// on machines without WebGPU.
func NewConvBackend() (*ConvBackend, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return &ConvBackend{ctx: c, layers: make(map[layerKey]*Conv2DLayer)}, nil
}

func (b *ConvBackend) layer(config *nn.LayerConfig) (*Conv2DLayer, error) {
	if len(config.Kernel) == 0 {
		return nil, fmt.Errorf("%w: %s has no kernel", nn.ErrShape, config.Name)
	}
	key := layerKey{name: config.Name, kernel: &config.Kernel[0]}

	if l, ok := b.layers[key]; ok {
		return l, nil
	}
	l, err := NewConv2DLayer(b.ctx, config)
	if err != nil {
		return nil, err
	}
	b.layers[key] = l
	return l, nil
}

func (b *ConvBackend) Conv2DForward(input []float32, config *nn.LayerConfig) ([]float32, error) {
	if want := config.InputHeight * config.InputWidth * config.InputChannels; len(input) != want {
		return nil, fmt.Errorf("%w: %s input has %d values, expected %d", nn.ErrShape, config.Name, len(input), want)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.layer(config)
	if err != nil {
		return nil, err
	}
	return l.Forward(b.ctx, input)
}

func (b *ConvBackend) Conv2DBackwardInput(gradOutput []float32, config *nn.LayerConfig) ([]float32, error) {
	if want := config.OutputHeight * config.OutputWidth * config.Filters; len(gradOutput) != want {
		return nil, fmt.Errorf("%w: %s gradient has %d values, expected %d", nn.ErrShape, config.Name, len(gradOutput), want)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.layer(config)
	if err != nil {
		return nil, err
	}
	return l.BackwardInput(b.ctx, gradOutput)
}

func (b *ConvBackend) Name() string {
	return "webgpu"
}

// Layers returns the number of compiled layers
func (b *ConvBackend) Layers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.layers)
}

// Release frees every cached layer
func (b *ConvBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, l := range b.layers {
		l.Cleanup()
		delete(b.layers, k)
	}
}
