package style

import (
	"math/rand"

	"github.com/openfluke/neuralstyle/nn"
)

// TruncatedNormal returns a tensor drawn from N(mean, stddev²) where draws
// more than two standard deviations from the mean are redrawn
func TruncatedNormal(rng *rand.Rand, mean, stddev float64, shape ...int) *nn.Tensor {
	t := nn.NewTensor(shape...)
	for i := range t.Data {
		z := rng.NormFloat64()
		for z < -2 || z > 2 {
			z = rng.NormFloat64()
		}
		t.Data[i] = float32(mean + z*stddev)
	}
	return t
}
