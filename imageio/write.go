package imageio

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfluke/neuralstyle/nn"
)

// DefaultJPEGQuality matches the quality the reference frames were encoded at
const DefaultJPEGQuality = 75

// FramePattern names the frame written after a step
const FramePattern = "result-%05d.jpeg"

// FramePath returns the frame file for a step inside dir
func FramePath(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf(FramePattern, step))
}

// Writer encodes result tensors to disk
type Writer struct {
	Quality int // JPEG quality, 1..100
}

// NewWriter returns a writer using DefaultJPEGQuality
func NewWriter() *Writer {
	return &Writer{Quality: DefaultJPEGQuality}
}

// ToImage clips t to [0,255] and truncates each value to an 8-bit channel
func ToImage(t *nn.Tensor) (*image.RGBA, error) {
	n, h, w, c, err := t.NHWC()
	if err != nil {
		return nil, err
	}
	if n != 1 || c != 3 {
		return nil, fmt.Errorf("%w: cannot write tensor of shape %v as an image", nn.ErrShape, t.Shape)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := (y*w + x) * 3
			img.SetRGBA(x, y, color.RGBA{
				R: quantize(t.Data[idx+0]),
				G: quantize(t.Data[idx+1]),
				B: quantize(t.Data[idx+2]),
				A: 255,
			})
		}
	}
	return img, nil
}

// quantize clips to [0,255] then truncates toward zero; NaN maps to 0
func quantize(v float32) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// Save writes t to path as JPEG or PNG depending on the extension.
// The tensor is not modified.
func (wr *Writer) Save(t *nn.Tensor, path string) error {
	img, err := ToImage(t)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(bw, img)
	case ".jpg", ".jpeg":
		quality := wr.Quality
		if quality <= 0 {
			quality = DefaultJPEGQuality
		}
		err = jpeg.Encode(bw, img, &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("unsupported image extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// SaveFrame writes the frame for step into dir and returns its path
func (wr *Writer) SaveFrame(t *nn.Tensor, dir string, step int) (string, error) {
	path := FramePath(dir, step)
	return path, wr.Save(t, path)
}

// EnsureDir creates dir if needed and checks that it is writable
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}
