package weights

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/openfluke/neuralstyle/nn"
)

// Zero returns a store whose kernels and biases are all zero
func Zero() *Store {
	return Constant(0, 0)
}

// Constant returns a store with every kernel value set to k and every bias to b
func Constant(k, b float32) *Store {
	return synthetic(fmt.Sprintf("constant(%g,%g)", k, b), func(int, [4]int) (float32, float32) {
		return k, b
	}, nil)
}

// Random returns a store with He-scaled normal kernels and zero biases,
// reproducible from seed
func Random(seed int64) *Store {
	rng := rand.New(rand.NewSource(seed))
	return synthetic(fmt.Sprintf("random(%d)", seed), nil, func(shape [4]int) float32 {
		scale := math.Sqrt(2.0 / float64(shape[0]*shape[1]*shape[2]))
		return float32(rng.NormFloat64() * scale)
	})
}

// synthetic fills every conv layer. fill gives constant (kernel, bias)
// values; sample, when set, draws each kernel value instead.
func synthetic(source string, fill func(layer int, shape [4]int) (float32, float32), sample func(shape [4]int) float32) *Store {
	shapes := nn.VGG16ConvShapes()
	var entries []Entry

	for i, name := range nn.VGG16ConvLayers() {
		shape := shapes[name]
		kernel := make([]float32, shape[0]*shape[1]*shape[2]*shape[3])
		bias := make([]float32, shape[3])

		if sample != nil {
			for j := range kernel {
				kernel[j] = sample(shape)
			}
		} else {
			k, b := fill(i, shape)
			for j := range kernel {
				kernel[j] = k
			}
			for j := range bias {
				bias[j] = b
			}
		}

		entries = append(entries, Entry{Name: name, Kernel: kernel, Bias: bias, Shape: shape})
	}

	return NewStore(source, entries...)
}
