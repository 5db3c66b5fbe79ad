package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// randomSource is a WeightSource filled with seeded He-scaled weights
type randomSource struct {
	seed   int64
	shapes map[string][4]int
}

func newRandomSource(seed int64) *randomSource {
	return &randomSource{seed: seed, shapes: VGG16ConvShapes()}
}

func (s *randomSource) ConvWeights(name string) (ConvWeights, error) {
	shape, ok := s.shapes[name]
	if !ok {
		return ConvWeights{}, fmt.Errorf("no layer %s", name)
	}

	var h int64
	for _, c := range name {
		h = h*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(s.seed + h))
	scale := math.Sqrt(2.0 / float64(shape[0]*shape[1]*shape[2]))

	kernel := make([]float32, shape[0]*shape[1]*shape[2]*shape[3])
	for i := range kernel {
		kernel[i] = float32(rng.NormFloat64() * scale)
	}
	bias := make([]float32, shape[3])
	for i := range bias {
		bias[i] = float32(rng.NormFloat64() * 0.01)
	}
	return ConvWeights{Kernel: kernel, Bias: bias, Shape: shape}, nil
}

// randomTensor returns a tensor with values uniform in [lo, hi)
func randomTensor(rng *rand.Rand, lo, hi float32, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float32()
	}
	return t
}

// randomImage returns a [1,224,224,3] tensor with pixel values in [0,255)
func randomImage(seed int64) *Tensor {
	return randomTensor(rand.New(rand.NewSource(seed)), 0, 255, 1, InputSize, InputSize, InputChannels)
}

// dot64 computes Σ a·b in float64
func dot64(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// closeRel reports whether got is within tol of want, relative to max(|want|, 1)
func closeRel(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol*math.Max(math.Abs(want), 1)
}
