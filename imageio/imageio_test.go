package imageio

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfluke/neuralstyle/nn"
)

func TestQuantizeClipsAndTruncates(t *testing.T) {
	tests := []struct {
		in   float32
		want uint8
	}{
		{-40, 0},
		{0, 0},
		{0.99, 0},
		{127.9, 127},
		{254.999, 254},
		{255, 255},
		{1e6, 255},
		{float32(math.NaN()), 0},
		{float32(math.Inf(1)), 255},
		{float32(math.Inf(-1)), 0},
	}
	for _, tt := range tests {
		if got := quantize(tt.in); got != tt.want {
			t.Errorf("quantize(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSaveAndLoadPNG(t *testing.T) {
	src := nn.NewTensor(1, 8, 8, 3)
	for i := range src.Data {
		src.Data[i] = float32(i*7%300) - 20 // includes out-of-range values
	}
	before := src.Clone()

	path := filepath.Join(t.TempDir(), "out.png")
	if err := NewWriter().Save(src, path); err != nil {
		t.Fatal(err)
	}
	if nn.MaxAbsDiff(src.Data, before.Data) != 0 {
		t.Error("Save modified the tensor")
	}

	got, err := Load(path, LoadOptions{Size: 8})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.Data {
		if v < 0 || v > 255 {
			t.Fatalf("pixel %d = %v outside [0,255]", i, v)
		}
		if want := float32(quantize(src.Data[i])); v != want {
			t.Fatalf("pixel %d = %v, want %v", i, v, want)
		}
	}
}

func TestJPEGFramesStayInRange(t *testing.T) {
	dir := t.TempDir()
	src := nn.NewTensor(1, 16, 16, 3)
	for i := range src.Data {
		src.Data[i] = float32(i%2)*600 - 300
	}

	path, err := NewWriter().SaveFrame(src, dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "result-00003.jpeg" {
		t.Errorf("frame path %s", path)
	}

	got, err := Load(path, LoadOptions{Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	if nn.Min(got.Data) < 0 || nn.Max(got.Data) > 255 {
		t.Errorf("decoded range [%v, %v]", nn.Min(got.Data), nn.Max(got.Data))
	}
}

func TestLoadSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.png")
	img := image.NewRGBA(image.Rect(0, 0, 10, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := Load(path, LoadOptions{}); !errors.Is(err, ErrImageSize) {
		t.Errorf("expected ErrImageSize, got %v", err)
	}

	resized, err := Load(path, LoadOptions{Resize: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := nn.CheckImageShape(resized); err != nil {
		t.Fatal(err)
	}
	// A uniform image stays uniform under resampling
	if resized.Data[0] != 200 || resized.Data[1] != 100 || resized.Data[2] != 50 {
		t.Errorf("resized pixel %v", resized.Data[:3])
	}
}

func TestSolidAndGradient(t *testing.T) {
	s, err := Solid("#ff8000", 4)
	if err != nil {
		t.Fatal(err)
	}
	if s.Data[0] != 255 || s.Data[1] != 128 || s.Data[2] != 0 {
		t.Errorf("solid pixel %v", s.Data[:3])
	}

	g, err := Gradient("#000000", "#ffffff", 5)
	if err != nil {
		t.Fatal(err)
	}
	top, bottom := g.Data[0], g.Data[len(g.Data)-1]
	if top != 0 || bottom != 255 {
		t.Errorf("gradient runs %v -> %v", top, bottom)
	}

	if _, err := Solid("orange", 4); err == nil {
		t.Error("expected error for non-hex colour")
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temporary file left behind: %v", entries)
	}
}
