package nn

import (
	"fmt"
	"sort"
)

const (
	// InputSize is the required height and width of an input image
	InputSize = 224
	// InputChannels is the required channel count of an input image
	InputChannels = 3
)

// vgg16Stages lists (conv layers, channels) per stage; each stage ends in a pool
var vgg16Stages = [...]struct{ convs, channels int }{
	{2, 64},
	{2, 128},
	{3, 256},
	{3, 512},
	{3, 512},
}

// ConvWeights is one pretrained convolution layer
type ConvWeights struct {
	Kernel []float32 // [kH][kW][in][out]
	Bias   []float32 // [out]
	Shape  [4]int    // kH, kW, in, out
}

// WeightSource supplies frozen convolution weights by layer name
type WeightSource interface {
	ConvWeights(name string) (ConvWeights, error)
}

// vgg16Topology returns the layer chain with shapes resolved but no weights
func vgg16Topology() []LayerConfig {
	var layers []LayerConfig
	h, w, c := InputSize, InputSize, InputChannels

	for s, stage := range vgg16Stages {
		for i := 0; i < stage.convs; i++ {
			name := fmt.Sprintf("conv%d_%d", s+1, i+1)
			outH, pad := samePadding(h, 3, 1)
			outW, _ := samePadding(w, 3, 1)
			layers = append(layers, LayerConfig{
				Name:          name,
				Type:          LayerConv2D,
				Activation:    ActivationReLU,
				KernelSize:    3,
				Stride:        1,
				Padding:       pad,
				Filters:       stage.channels,
				InputHeight:   h,
				InputWidth:    w,
				InputChannels: c,
				OutputHeight:  outH,
				OutputWidth:   outW,
			})
			h, w, c = outH, outW, stage.channels
		}
		pool := NewMaxPool2DConfig(fmt.Sprintf("pool%d", s+1), h, w, c)
		layers = append(layers, pool)
		h, w = pool.OutputHeight, pool.OutputWidth
	}

	return layers
}

// VGG16Layers returns every layer name in execution order
func VGG16Layers() []string {
	topo := vgg16Topology()
	names := make([]string, len(topo))
	for i, l := range topo {
		names[i] = l.Name
	}
	return names
}

// VGG16ConvShapes returns the expected HWIO kernel shape of every conv layer
func VGG16ConvShapes() map[string][4]int {
	shapes := make(map[string][4]int)
	for _, l := range vgg16Topology() {
		if l.Type == LayerConv2D {
			shapes[l.Name] = [4]int{l.KernelSize, l.KernelSize, l.InputChannels, l.Filters}
		}
	}
	return shapes
}

// VGG16ConvLayers returns the conv layer names (the ones that need weights)
// in execution order
func VGG16ConvLayers() []string {
	var names []string
	for _, l := range vgg16Topology() {
		if l.Type == LayerConv2D {
			names = append(names, l.Name)
		}
	}
	return names
}

// CheckImageShape verifies t is a [1,224,224,3] image tensor
func CheckImageShape(t *Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrInputShape)
	}
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[1] != InputSize ||
		t.Shape[2] != InputSize || t.Shape[3] != InputChannels {
		return fmt.Errorf("%w: got %v, expected [1 %d %d %d]", ErrInputShape, t.Shape, InputSize, InputSize, InputChannels)
	}
	if len(t.Data) != InputSize*InputSize*InputChannels {
		return fmt.Errorf("%w: %d values for shape %v", ErrInputShape, len(t.Data), t.Shape)
	}
	return nil
}

// =============================================================================
// Extractor
// =============================================================================

// Extractor runs the VGG16 convolutional stack and keeps every layer output
type Extractor struct {
	layers   []LayerConfig
	index    map[string]int
	means    [3]float32
	backend  ConvBackend
	observer LayerObserver
}

// ExtractorOption customises an Extractor
type ExtractorOption func(*Extractor)

// WithBackend selects the convolution backend (default CPU)
func WithBackend(b ConvBackend) ExtractorOption {
	return func(e *Extractor) {
		if b != nil {
			e.backend = b
		}
	}
}

// WithObserver attaches a per-layer observer
func WithObserver(o LayerObserver) ExtractorOption {
	return func(e *Extractor) {
		e.observer = o
	}
}

// NewExtractor binds the fixed topology to weights from src. Every conv layer
// must be present in src with the expected shape.
func NewExtractor(src WeightSource, means [3]float32, opts ...ExtractorOption) (*Extractor, error) {
	if src == nil {
		return nil, fmt.Errorf("extractor: nil weight source")
	}

	layers := vgg16Topology()
	index := make(map[string]int, len(layers))

	for i := range layers {
		cfg := &layers[i]
		index[cfg.Name] = i
		if cfg.Type != LayerConv2D {
			continue
		}

		w, err := src.ConvWeights(cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("extractor: layer %s: %w", cfg.Name, err)
		}
		want := [4]int{cfg.KernelSize, cfg.KernelSize, cfg.InputChannels, cfg.Filters}
		if w.Shape != want {
			return nil, fmt.Errorf("%w: %s kernel shape %v, expected %v", ErrShape, cfg.Name, w.Shape, want)
		}

		resolved, err := NewConv2DConfig(cfg.Name, cfg.InputHeight, cfg.InputWidth, cfg.InputChannels,
			cfg.KernelSize, cfg.Filters, w.Kernel, w.Bias)
		if err != nil {
			return nil, err
		}
		*cfg = resolved
	}

	e := &Extractor{
		layers:  layers,
		index:   index,
		means:   means,
		backend: NewCPUBackend(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Backend returns the convolution backend in use
func (e *Extractor) Backend() ConvBackend {
	return e.backend
}

// Layer returns the configuration of a named layer
func (e *Extractor) Layer(name string) (*LayerConfig, bool) {
	i, ok := e.index[name]
	if !ok {
		return nil, false
	}
	return &e.layers[i], true
}

// Deepest returns whichever of names runs last in the chain
func (e *Extractor) Deepest(names ...string) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("extractor: no layers given")
	}
	best := -1
	for _, n := range names {
		i, ok := e.index[n]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownLayer, n)
		}
		if i > best {
			best = i
		}
	}
	return e.layers[best].Name, nil
}

// Extract runs the full chain and returns every layer output
func (e *Extractor) Extract(input *Tensor) (*Activations, error) {
	return e.ExtractUntil(input, e.layers[len(e.layers)-1].Name)
}

// ExtractUntil runs the chain up to and including layer last.
// The input tensor is not modified.
func (e *Extractor) ExtractUntil(input *Tensor, last string) (*Activations, error) {
	stop, ok := e.index[last]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, last)
	}
	if err := CheckImageShape(input); err != nil {
		return nil, err
	}

	acts := &Activations{
		extractor: e,
		input:     preprocess(input, e.means),
		outputs:   make([]*Tensor, 0, stop+1),
		argmax:    make([][]int32, 0, stop+1),
	}

	x := acts.input.Data
	for i := 0; i <= stop; i++ {
		cfg := &e.layers[i]

		var out []float32
		var idx []int32
		switch cfg.Type {
		case LayerConv2D:
			pre, err := e.backend.Conv2DForward(x, cfg)
			if err != nil {
				return nil, fmt.Errorf("extractor: %s forward: %w", cfg.Name, err)
			}
			for j, v := range pre {
				pre[j] = activateCPU(v, cfg.Activation)
			}
			out = pre
		case LayerMaxPool2D:
			out, idx = maxPool2DForwardCPU(x, cfg)
		}

		acts.outputs = append(acts.outputs, NewTensorFromSlice(out, 1, cfg.OutputHeight, cfg.OutputWidth, cfg.OutputChannels()))
		acts.argmax = append(acts.argmax, idx)
		notifyObserver(e.observer, cfg, "forward", i, out)
		x = out
	}

	return acts, nil
}

// Backward back-propagates seed gradients (d loss / d activation, keyed by
// layer name) through the chain and returns d loss / d input image in RGB
// order. Seeds are not modified.
func (e *Extractor) Backward(acts *Activations, seeds map[string]*Tensor) (*Tensor, error) {
	if acts == nil || acts.extractor != e {
		return nil, fmt.Errorf("extractor: activations were produced by a different extractor")
	}

	deepest := -1
	for _, name := range sortedKeys(seeds) {
		g := seeds[name]
		i, ok := e.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
		}
		if i >= len(acts.outputs) {
			return nil, fmt.Errorf("extractor: layer %s was not computed in this pass", name)
		}
		if !SameShape(g, acts.outputs[i]) {
			return nil, fmt.Errorf("%w: seed for %s has shape %v, activation %v", ErrShape, name, g.Shape, acts.outputs[i].Shape)
		}
		if i > deepest {
			deepest = i
		}
	}

	if deepest < 0 {
		return NewTensor(acts.input.Shape...), nil
	}

	var grad []float32
	for i := deepest; i >= 0; i-- {
		cfg := &e.layers[i]

		if seed, ok := seeds[cfg.Name]; ok {
			if grad == nil {
				grad = append([]float32(nil), seed.Data...)
			} else {
				for j, v := range seed.Data {
					grad[j] += v
				}
			}
		}

		switch cfg.Type {
		case LayerConv2D:
			out := acts.outputs[i].Data
			for j := range grad {
				grad[j] *= activateDerivativeCPU(out[j], cfg.Activation)
			}
			gin, err := e.backend.Conv2DBackwardInput(grad, cfg)
			if err != nil {
				return nil, fmt.Errorf("extractor: %s backward: %w", cfg.Name, err)
			}
			grad = gin
		case LayerMaxPool2D:
			grad = maxPool2DBackwardCPU(grad, acts.argmax[i], cfg)
		}
		notifyObserver(e.observer, cfg, "backward", i, grad)
	}

	return NewTensorFromSlice(preprocessBackward(grad), acts.input.Shape...), nil
}

// =============================================================================
// Activations
// =============================================================================

// Activations holds the outputs of one forward pass, addressable by name
type Activations struct {
	extractor *Extractor
	input     *Tensor // preprocessed BGR input
	outputs   []*Tensor
	argmax    [][]int32 // pool layers only
}

// Get returns the output of a named layer, if it was computed
func (a *Activations) Get(name string) (*Tensor, bool) {
	i, ok := a.extractor.index[name]
	if !ok || i >= len(a.outputs) {
		return nil, false
	}
	return a.outputs[i], true
}

// Names returns the computed layer names in execution order
func (a *Activations) Names() []string {
	names := make([]string, len(a.outputs))
	for i := range a.outputs {
		names[i] = a.extractor.layers[i].Name
	}
	return names
}

// Preprocessed returns the mean-centred BGR tensor fed to conv1_1
func (a *Activations) Preprocessed() *Tensor {
	return a.input
}

// sortedKeys returns map keys in a stable order for error messages and logs
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
