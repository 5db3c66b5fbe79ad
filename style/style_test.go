package style

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/openfluke/neuralstyle/imageio"
	"github.com/openfluke/neuralstyle/nn"
	"github.com/openfluke/neuralstyle/weights"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"zero steps", func(c *Config) { c.Steps = 0 }, true},
		{"negative steps", func(c *Config) { c.Steps = -1 }, false},
		{"zero lr", func(c *Config) { c.LearningRate = 0 }, false},
		{"zero content weight", func(c *Config) { c.ContentWeight = 0 }, false},
		{"negative style weight", func(c *Config) { c.StyleWeight = -1 }, false},
		{"nan style weight", func(c *Config) { c.StyleWeight = math.NaN() }, false},
		{"unused zero style weight", func(c *Config) { c.StyleLayers, c.StyleWeight = nil, 0 }, true},
		{"overlap", func(c *Config) { c.StyleLayers = []string{"conv2_2"} }, false},
		{"unknown", func(c *Config) { c.ContentLayers = []string{"fc7"} }, false},
		{"duplicate", func(c *Config) { c.StyleLayers = []string{"conv4_3", "conv4_3"} }, false},
		{"no layers", func(c *Config) { c.ContentLayers, c.StyleLayers = nil, nil }, false},
		{"pool layer", func(c *Config) { c.StyleLayers = []string{"pool3"} }, true},
		{"bad optimizer", func(c *Config) { c.Optimizer = "newton" }, false},
		{"bad schedule", func(c *Config) { c.Schedule.Kind = "zigzag" }, false},
		{"no output dir", func(c *Config) { c.OutputDir = "" }, false},
		{"no output dir without frames", func(c *Config) { c.OutputDir, c.SaveEvery = "", 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(`{"steps": 7, "style_weight": 1000}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Steps != 7 || cfg.StyleWeight != 1000 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.ContentWeight != 0.1 || cfg.LearningRate != 10 || cfg.ChannelMeans != nn.VGGMean {
		t.Errorf("defaults lost: %+v", cfg)
	}

	round := filepath.Join(t.TempDir(), "saved.json")
	if err := SaveConfig(round, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := LoadConfig(round)
	if err != nil {
		t.Fatal(err)
	}
	if again.Steps != 7 || strings.Join(again.ContentLayers, ",") != "conv1_2,conv2_2" {
		t.Errorf("round trip changed config: %+v", again)
	}
}

func TestTruncatedNormal(t *testing.T) {
	a := TruncatedNormal(rand.New(rand.NewSource(9)), 127.5, 20, 1, 32, 32, 3)
	b := TruncatedNormal(rand.New(rand.NewSource(9)), 127.5, 20, 1, 32, 32, 3)

	if nn.MaxAbsDiff(a.Data, b.Data) != 0 {
		t.Error("same seed gave different tensors")
	}
	if nn.Min(a.Data) < 87.5 || nn.Max(a.Data) > 167.5 {
		t.Errorf("values outside two stddevs: [%v, %v]", nn.Min(a.Data), nn.Max(a.Data))
	}
	if m := nn.Mean(a.Data); math.Abs(float64(m)-127.5) > 2 {
		t.Errorf("mean %v far from 127.5", m)
	}
}

// countingWriter records frames without touching disk
type countingWriter struct {
	steps     []int
	nonFinite int
}

func (c *countingWriter) SaveFrame(t *nn.Tensor, dir string, step int) (string, error) {
	c.steps = append(c.steps, step)
	if !nn.AllFinite(t.Data) {
		c.nonFinite++
	}
	return imageio.FramePath(dir, step), nil
}

func solidPair(t *testing.T) (*nn.Tensor, *nn.Tensor) {
	t.Helper()
	content, err := imageio.Solid("#c04020", nn.InputSize)
	if err != nil {
		t.Fatal(err)
	}
	style, err := imageio.Gradient("#1030a0", "#f0e060", nn.InputSize)
	if err != nil {
		t.Fatal(err)
	}
	return content, style
}

// shallowConfig keeps the forward pass to conv1_1 so tests stay fast
func shallowConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.ContentLayers = []string{"conv1_1"}
	cfg.StyleLayers = nil
	cfg.OutputDir = dir
	return cfg
}

func TestRunZeroStepsDoesNothing(t *testing.T) {
	cfg := shallowConfig(t.TempDir())
	cfg.Steps = 0
	content, style := solidPair(t)

	s, err := NewSession(cfg, weights.Random(1), content, style)
	if err != nil {
		t.Fatal(err)
	}
	before := s.Result()

	w := &countingWriter{}
	var lines int
	if err := s.Run(w, ReporterFunc(func(Progress) { lines++ })); err != nil {
		t.Fatal(err)
	}

	if len(w.steps) != 0 || lines != 0 {
		t.Errorf("zero steps wrote %d frames and %d reports", len(w.steps), lines)
	}
	if nn.MaxAbsDiff(before.Data, s.Result().Data) != 0 {
		t.Error("result changed with zero steps")
	}
	if s.State() != StateTerminated {
		t.Errorf("state %s after run", s.State())
	}
	if _, err := s.Step(); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
}

func TestRunReportsAndSavesOnCadence(t *testing.T) {
	cfg := shallowConfig(t.TempDir())
	cfg.Steps = 3
	cfg.SaveEvery = 2
	content, style := solidPair(t)

	s, err := NewSession(cfg, weights.Random(2), content, style)
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateInitialized {
		t.Errorf("new session state %s", s.State())
	}

	var out bytes.Buffer
	w := &countingWriter{}
	if err := s.Run(w, &ConsoleReporter{Out: &out}); err != nil {
		t.Fatal(err)
	}

	if len(w.steps) != 1 || w.steps[0] != 2 {
		t.Errorf("frames written at %v, want [2]", w.steps)
	}

	line := regexp.MustCompile(`^step: \d+, loss_value: +[0-9.]+, content_value: +[0-9.]+, style_value: +[0-9.]+$`)
	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(got) != 3 {
		t.Fatalf("expected 3 progress lines, got %q", out.String())
	}
	for i, l := range got {
		if !line.MatchString(l) {
			t.Errorf("line %d malformed: %q", i, l)
		}
		if !strings.HasPrefix(l, fmt.Sprintf("step: %d,", i+1)) {
			t.Errorf("line %d has wrong step: %q", i, l)
		}
	}
	if s.StepCount() != 3 || s.State() != StateTerminated {
		t.Errorf("after run: %d steps, state %s", s.StepCount(), s.State())
	}
}

func TestRunAbortsOnDivergence(t *testing.T) {
	cfg := shallowConfig(t.TempDir())
	cfg.Steps = 10
	cfg.SaveEvery = 1
	cfg.Optimizer = "sgd"
	cfg.LearningRate = 1e38
	content, style := solidPair(t)

	s, err := NewSession(cfg, weights.Random(2), content, style)
	if err != nil {
		t.Fatal(err)
	}

	w := &countingWriter{}
	var reported []int
	err = s.Run(w, ReporterFunc(func(p Progress) { reported = append(reported, p.Step) }))
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("state %s after divergence", s.State())
	}
	if s.StepCount() >= cfg.Steps {
		t.Errorf("run completed all %d steps", s.StepCount())
	}

	// Only steps that finished with a finite result reach the writer
	if len(w.steps) != s.StepCount() || len(reported) != s.StepCount() {
		t.Errorf("%d completed steps but %d frames and %d reports", s.StepCount(), len(w.steps), len(reported))
	}
	if w.nonFinite != 0 {
		t.Errorf("%d frames held non-finite pixels", w.nonFinite)
	}
	for _, step := range w.steps {
		if step > s.StepCount() {
			t.Errorf("frame written for step %d after divergence at %d", step, s.StepCount()+1)
		}
	}
	if _, err := s.Step(); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated after divergence, got %v", err)
	}
}

func TestEvaluateDoesNotMutate(t *testing.T) {
	cfg := shallowConfig("")
	cfg.SaveEvery = 0
	content, style := solidPair(t)

	s, err := NewSession(cfg, weights.Random(3), content, style, WithInitialResult(content))
	if err != nil {
		t.Fatal(err)
	}
	l, err := s.Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if l.Content != 0 || l.Total != 0 {
		t.Errorf("result equal to content should have zero loss, got %+v", l)
	}
	if nn.MaxAbsDiff(s.Result().Data, content.Data) != 0 {
		t.Error("Evaluate changed the result")
	}
	if s.State() != StateInitialized {
		t.Errorf("Evaluate moved state to %s", s.State())
	}
}

func TestZeroWeightsGiveZeroLossAndNoUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the default layer selection")
	}

	cfg := DefaultConfig()
	cfg.Steps = 1
	cfg.SaveEvery = 0
	content, style := solidPair(t)

	s, err := NewSession(cfg, weights.Zero(), content, style)
	if err != nil {
		t.Fatal(err)
	}
	before := s.Result()

	p, err := s.Step()
	if err != nil {
		t.Fatal(err)
	}
	if p.Losses.Total != 0 || p.Losses.Content != 0 || p.Losses.Style != 0 {
		t.Errorf("zero weights gave losses %+v", p.Losses)
	}
	// Every activation is 0, so the gradient is 0 and Adam leaves pixels alone
	if nn.MaxAbsDiff(before.Data, s.Result().Data) != 0 {
		t.Error("result moved with an all-zero gradient")
	}
}

func TestOneStepChangesResult(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the default layer selection")
	}

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Steps = 1
	cfg.OutputDir = dir
	content, style := solidPair(t)

	s, err := NewSession(cfg, weights.Random(4), content, style)
	if err != nil {
		t.Fatal(err)
	}
	before := s.Result()

	var progress []Progress
	if err := s.Run(imageio.NewWriter(), ReporterFunc(func(p Progress) { progress = append(progress, p) })); err != nil {
		t.Fatal(err)
	}

	if len(progress) != 1 {
		t.Fatalf("got %d reports", len(progress))
	}
	l := progress[0].Losses
	if math.IsNaN(l.Total) || math.IsInf(l.Total, 0) || l.Total < 0 || l.Content < 0 || l.Style < 0 {
		t.Errorf("bad losses %+v", l)
	}
	if l.Total != l.Content*cfg.ContentWeight+l.Style*cfg.StyleWeight {
		t.Errorf("total %v does not combine %+v", l.Total, l)
	}
	if nn.MaxAbsDiff(before.Data, s.Result().Data) == 0 {
		t.Error("result did not change after one step")
	}

	frame, err := imageio.Load(filepath.Join(dir, "result-00001.jpeg"), imageio.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if nn.Min(frame.Data) < 0 || nn.Max(frame.Data) > 255 {
		t.Errorf("frame pixels in [%v, %v]", nn.Min(frame.Data), nn.Max(frame.Data))
	}
}

func TestNewSessionRejectsBadInputs(t *testing.T) {
	cfg := shallowConfig(t.TempDir())
	content, style := solidPair(t)

	if _, err := NewSession(cfg, weights.Random(5), nn.NewTensor(1, 100, 100, 3), style); !errors.Is(err, nn.ErrInputShape) {
		t.Errorf("expected ErrInputShape, got %v", err)
	}

	if _, err := NewSession(cfg, weights.NewStore("empty"), content, style); !errors.Is(err, weights.ErrMissingLayer) {
		t.Errorf("expected ErrMissingLayer, got %v", err)
	}

	bad := cfg
	bad.Steps = -3
	if _, err := NewSession(bad, weights.Random(5), content, style); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}
