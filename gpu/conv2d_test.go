package gpu

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/neuralstyle/nn"
)

func newBackendOrSkip(t *testing.T) *ConvBackend {
	t.Helper()
	if testing.Short() {
		t.Skip("needs a WebGPU adapter")
	}
	b, err := NewConvBackend()
	if err != nil {
		t.Skipf("no GPU: %v", err)
	}
	t.Cleanup(b.Release)
	return b
}

func testConfig(rng *rand.Rand, name string, h, w, in, filters int) *nn.LayerConfig {
	cfg := &nn.LayerConfig{
		Name:          name,
		Type:          nn.LayerConv2D,
		Activation:    nn.ActivationReLU,
		KernelSize:    3,
		Stride:        1,
		Padding:       1,
		Filters:       filters,
		InputHeight:   h,
		InputWidth:    w,
		InputChannels: in,
		OutputHeight:  h,
		OutputWidth:   w,
		Kernel:        make([]float32, 9*in*filters),
		Bias:          make([]float32, filters),
	}
	for i := range cfg.Kernel {
		cfg.Kernel[i] = float32(rng.NormFloat64() * 0.2)
	}
	for i := range cfg.Bias {
		cfg.Bias[i] = float32(rng.NormFloat64() * 0.1)
	}
	return cfg
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, math.Abs(float64(a[i]-b[i])))
	}
	return m
}

func TestShadersUseLayerShape(t *testing.T) {
	l := &Conv2DLayer{Config: testConfig(rand.New(rand.NewSource(1)), "conv1_1", 10, 12, 3, 8)}
	for _, code := range []string{l.GenerateShader(), l.GenerateBackwardShader()} {
		for _, want := range []string{"IN_H: i32 = 10", "IN_W: i32 = 12", "IN_CH: u32 = 3u", "OUT_CH: u32 = 8u", "PADDING: i32 = 1"} {
			if !strings.Contains(code, want) {
				t.Errorf("shader missing %q", want)
			}
		}
	}
}

func TestConvBackendMatchesCPU(t *testing.T) {
	b := newBackendOrSkip(t)
	cpu := nn.NewCPUBackend()
	rng := rand.New(rand.NewSource(7))

	tests := []struct {
		name          string
		h, w, in, out int
	}{
		{"rgb", 9, 7, 3, 4},
		{"wide", 6, 6, 16, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(rng, tt.name, tt.h, tt.w, tt.in, tt.out)
			input := make([]float32, tt.h*tt.w*tt.in)
			for i := range input {
				input[i] = float32(rng.NormFloat64())
			}

			want, _ := cpu.Conv2DForward(input, cfg)
			got, err := b.Conv2DForward(input, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if d := maxAbsDiff(want, got); d > 1e-4 {
				t.Errorf("forward differs by %v", d)
			}

			grad := make([]float32, tt.h*tt.w*tt.out)
			for i := range grad {
				grad[i] = float32(rng.NormFloat64())
			}
			wantG, _ := cpu.Conv2DBackwardInput(grad, cfg)
			gotG, err := b.Conv2DBackwardInput(grad, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if d := maxAbsDiff(wantG, gotG); d > 1e-4 {
				t.Errorf("backward differs by %v", d)
			}
		})
	}

	if b.Layers() != len(tests) {
		t.Errorf("expected %d cached layers, got %d", len(tests), b.Layers())
	}
}

func TestConvBackendRejectsBadLength(t *testing.T) {
	b := newBackendOrSkip(t)
	cfg := testConfig(rand.New(rand.NewSource(3)), "bad", 4, 4, 3, 2)
	if _, err := b.Conv2DForward(make([]float32, 5), cfg); err == nil {
		t.Error("expected shape error")
	}
}

func TestVGGRequirementsAgainstLimits(t *testing.T) {
	bytes, groups := vggRequirements()
	if bytes != 224*224*64*4 {
		t.Errorf("largest buffer %d bytes, want conv1 activations", bytes)
	}
	if groups != 224*224*64/256 {
		t.Errorf("largest dispatch %d workgroups", groups)
	}

	defaults := Limits{
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxComputeWorkgroupSizeX:          256,
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxStorageBufferBindingSize:       128 << 20,
		MaxBufferSize:                     256 << 20,
	}
	if p := defaults.check(bytes, groups); len(p) != 0 {
		t.Errorf("default WebGPU limits should fit: %v", p)
	}

	small := defaults
	small.MaxStorageBufferBindingSize = 8 << 20
	small.MaxComputeWorkgroupsPerDimension = 4096
	if p := small.check(bytes, groups); len(p) != 2 {
		t.Errorf("expected 2 problems, got %v", p)
	}
}

func TestFeatureNamesKeepsOrder(t *testing.T) {
	if got := featureNames(nil); got == nil || len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
	features := []wgpu.FeatureName{wgpu.FeatureName(1), wgpu.FeatureName(3)}
	got := featureNames(features)
	if len(got) != 2 || got[0] != features[0].String() || got[1] != features[1].String() {
		t.Errorf("names %v", got)
	}
}
