package nn

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// TestConv2DBackwardMatchesFiniteDifference checks d(Σ R·conv(x))/dx
func TestConv2DBackwardMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const inH, inW, inC, filters = 5, 6, 2, 4

	kernel := randomTensor(rng, -1, 1, 3, 3, inC, filters).Data
	bias := randomTensor(rng, -1, 1, filters).Data
	cfg, err := NewConv2DConfig("check", inH, inW, inC, 3, filters, kernel, bias)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputHeight != inH || cfg.OutputWidth != inW || cfg.Padding != 1 {
		t.Fatalf("SAME conv resolved to %dx%d pad %d", cfg.OutputHeight, cfg.OutputWidth, cfg.Padding)
	}

	x := randomTensor(rng, -1, 1, inH*inW*inC).Data
	r := randomTensor(rng, -1, 1, inH*inW*filters).Data

	grad := conv2DBackwardInputCPU(r, &cfg)

	const eps = 1e-2
	for i := range x {
		orig := x[i]
		x[i] = orig + eps
		plus := dot64(conv2DForwardCPU(x, &cfg), r)
		x[i] = orig - eps
		minus := dot64(conv2DForwardCPU(x, &cfg), r)
		x[i] = orig

		numeric := (plus - minus) / (2 * eps)
		if !closeRel(float64(grad[i]), numeric, 1e-3) {
			t.Errorf("input %d: analytic %v, numeric %v", i, grad[i], numeric)
		}
	}
}

func TestConv2DForwardKnownValue(t *testing.T) {
	// 3x3 single-channel input, all-ones kernel: each output is the sum of
	// its in-bounds neighbourhood plus bias
	kernel := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}
	cfg, err := NewConv2DConfig("box", 3, 3, 1, 3, 1, kernel, []float32{0.5})
	if err != nil {
		t.Fatal(err)
	}
	x := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	out := conv2DForwardCPU(x, &cfg)

	want := []float32{12.5, 21.5, 16.5, 27.5, 45.5, 33.5, 24.5, 39.5, 28.5}
	if MaxAbsDiff(out, want) > 1e-5 {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestMaxPoolForwardAndBackward(t *testing.T) {
	const h, w, c = 4, 4, 2
	cfg := NewMaxPool2DConfig("pool", h, w, c)
	if cfg.OutputHeight != 2 || cfg.OutputWidth != 2 {
		t.Fatalf("pool output %dx%d", cfg.OutputHeight, cfg.OutputWidth)
	}

	// Distinct values so argmax is stable under small perturbations
	rng := rand.New(rand.NewSource(2))
	x := make([]float32, h*w*c)
	for i, p := range rng.Perm(len(x)) {
		x[i] = float32(p) * 0.1
	}
	r := randomTensor(rng, -1, 1, cfg.OutputHeight*cfg.OutputWidth*c).Data

	out, argmax := maxPool2DForwardCPU(x, &cfg)
	for i, idx := range argmax {
		if out[i] != x[idx] {
			t.Errorf("output %d = %v but argmax points at %v", i, out[i], x[idx])
		}
	}

	grad := maxPool2DBackwardCPU(r, argmax, &cfg)

	const eps = 1e-3
	for i := range x {
		orig := x[i]
		x[i] = orig + eps
		plus, _ := maxPool2DForwardCPU(x, &cfg)
		x[i] = orig - eps
		minus, _ := maxPool2DForwardCPU(x, &cfg)
		x[i] = orig

		numeric := (dot64(plus, r) - dot64(minus, r)) / (2 * eps)
		if !closeRel(float64(grad[i]), numeric, 1e-2) {
			t.Errorf("input %d: analytic %v, numeric %v", i, grad[i], numeric)
		}
	}
}

func TestMaxPoolOddSizeAndTies(t *testing.T) {
	cfg := NewMaxPool2DConfig("pool", 5, 5, 1)
	if cfg.OutputHeight != 3 || cfg.OutputWidth != 3 {
		t.Fatalf("SAME pool of 5 should give 3, got %dx%d", cfg.OutputHeight, cfg.OutputWidth)
	}

	x := make([]float32, 25) // all ties
	_, argmax := maxPool2DForwardCPU(x, &cfg)
	// First scanned element of each window wins
	want := []int32{0, 2, 4, 10, 12, 14, 20, 22, 24}
	for i := range want {
		if argmax[i] != want[i] {
			t.Errorf("argmax[%d] = %d, want %d", i, argmax[i], want[i])
		}
	}
}

func TestGramBackwardMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomTensor(rng, -1, 1, 1, 3, 4, 5)

	// Non-symmetric seed exercises the dG + dGᵀ term
	seed := mat.NewDense(5, 5, nil)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			seed.Set(i, j, rng.Float64()*2-1)
		}
	}

	objective := func() float64 {
		g, err := Gram(x)
		if err != nil {
			t.Fatal(err)
		}
		var s float64
		for i := 0; i < 5; i++ {
			for j := 0; j < 5; j++ {
				s += g.At(i, j) * seed.At(i, j)
			}
		}
		return s
	}

	grad, err := GramBackward(x, seed)
	if err != nil {
		t.Fatal(err)
	}

	const eps = 1e-2
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus := objective()
		x.Data[i] = orig - eps
		minus := objective()
		x.Data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		if !closeRel(float64(grad.Data[i]), numeric, 1e-3) {
			t.Errorf("element %d: analytic %v, numeric %v", i, grad.Data[i], numeric)
		}
	}
}

func TestPreprocessChannelOrder(t *testing.T) {
	rgb := NewTensorFromSlice([]float32{200, 150, 100}, 1, 1, 1, 3)
	bgr := preprocess(rgb, VGGMean)

	want := []float32{100 - 103.939, 150 - 116.779, 200 - 123.68}
	if MaxAbsDiff(bgr.Data, want) > 1e-4 {
		t.Errorf("got %v, want %v", bgr.Data, want)
	}
	if rgb.Data[0] != 200 {
		t.Error("preprocess modified its input")
	}

	back := preprocessBackward([]float32{1, 2, 3})
	if back[0] != 3 || back[1] != 2 || back[2] != 1 {
		t.Errorf("backward swap got %v", back)
	}
}
