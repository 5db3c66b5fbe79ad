package weights

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfluke/neuralstyle/nn"
)

// rawTensor is a decoded tensor before it is matched to a layer
type rawTensor struct {
	Data  []float32
	Shape []int
}

// Kernel layouts found in checkpoints
const (
	LayoutHWIO = "HWIO" // TensorFlow / Keras
	LayoutOIHW = "OIHW" // PyTorch / ONNX
)

// torchFeatureIndex maps conv layers to their index in torchvision's
// vgg16().features sequential
var torchFeatureIndex = map[string]int{
	"conv1_1": 0, "conv1_2": 2,
	"conv2_1": 5, "conv2_2": 7,
	"conv3_1": 10, "conv3_2": 12, "conv3_3": 14,
	"conv4_1": 17, "conv4_2": 19, "conv4_3": 21,
	"conv5_1": 24, "conv5_2": 26, "conv5_3": 28,
}

// candidateNames lists the tensor names a conv layer may be stored under
func candidateNames(layer string, ordinal int) (kernel, bias []string) {
	kernel = []string{
		layer + ".weight",
		layer + "/weights",
		layer + "/kernel",
		layer + "_W",
		fmt.Sprintf("features.%d.weight", torchFeatureIndex[layer]),
		fmt.Sprintf("vgg0_conv%d_weight", ordinal),
	}
	bias = []string{
		layer + ".bias",
		layer + "/biases",
		layer + "/bias",
		layer + "_b",
		fmt.Sprintf("features.%d.bias", torchFeatureIndex[layer]),
		fmt.Sprintf("vgg0_conv%d_bias", ordinal),
	}
	return kernel, bias
}

// lookup finds the first candidate present in raw, either exactly or as a
// suffix after a '/' or '.' scope separator
func lookup(raw map[string]rawTensor, keys []string, candidates []string) (string, bool) {
	for _, c := range candidates {
		if _, ok := raw[c]; ok {
			return c, true
		}
	}
	for _, c := range candidates {
		for _, k := range keys {
			if strings.HasSuffix(k, "/"+c) || strings.HasSuffix(k, "."+c) {
				return k, true
			}
		}
	}
	return "", false
}

// resolve matches decoded tensors to the VGG16 conv layers. layout forces
// the kernel layout; empty means infer it from the shape.
func resolve(source string, raw map[string]rawTensor, layout string) (*Store, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	shapes := nn.VGG16ConvShapes()
	var entries []Entry

	for ordinal, layer := range nn.VGG16ConvLayers() {
		kNames, bNames := candidateNames(layer, ordinal)
		kName, ok := lookup(raw, keys, kNames)
		if !ok {
			return nil, fmt.Errorf("%w: %s (no kernel tensor in %s)", ErrMissingLayer, layer, source)
		}
		bName, ok := lookup(raw, keys, bNames)
		if !ok {
			return nil, fmt.Errorf("%w: %s (no bias tensor in %s)", ErrMissingLayer, layer, source)
		}

		want := shapes[layer]
		kernel, err := toHWIO(layer, raw[kName], want, layout)
		if err != nil {
			return nil, err
		}

		bias := raw[bName]
		if len(bias.Data) != want[3] {
			return nil, fmt.Errorf("%w: %s bias %v, expected [%d]", ErrShapeMismatch, layer, bias.Shape, want[3])
		}

		entries = append(entries, Entry{Name: layer, Kernel: kernel, Bias: bias.Data, Shape: want})
	}

	return NewStore(source, entries...), nil
}

// toHWIO returns the kernel in HWIO order, transposing from OIHW if needed
func toHWIO(layer string, t rawTensor, want [4]int, layout string) ([]float32, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("%w: %s kernel has rank %d", ErrShapeMismatch, layer, len(t.Shape))
	}
	shape := [4]int{t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]}
	oihw := [4]int{want[3], want[2], want[0], want[1]}

	if layout == "" {
		switch shape {
		case want:
			layout = LayoutHWIO
		case oihw:
			layout = LayoutOIHW
		}
	}

	switch {
	case layout == LayoutHWIO && shape == want:
		return t.Data, nil
	case layout == LayoutOIHW && shape == oihw:
		return transposeOIHWToHWIO(t.Data, shape), nil
	default:
		return nil, fmt.Errorf("%w: %s kernel %v (layout %q), expected HWIO %v or OIHW %v",
			ErrShapeMismatch, layer, shape, layout, want, oihw)
	}
}

// transposeOIHWToHWIO reorders a [O][I][H][W] kernel to [H][W][I][O]
func transposeOIHWToHWIO(data []float32, shape [4]int) []float32 {
	o, i, h, w := shape[0], shape[1], shape[2], shape[3]
	out := make([]float32, len(data))
	for oc := 0; oc < o; oc++ {
		for ic := 0; ic < i; ic++ {
			for kh := 0; kh < h; kh++ {
				for kw := 0; kw < w; kw++ {
					src := ((oc*i+ic)*h+kh)*w + kw
					dst := ((kh*w+kw)*i+ic)*o + oc
					out[dst] = data[src]
				}
			}
		}
	}
	return out
}
