// Package imageio converts between image files and the [1,H,W,3] float32
// RGB tensors the engine works on.
package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/openfluke/neuralstyle/nn"
)

// ErrImageSize is returned when an image does not match the required size
// and resizing is disabled
var ErrImageSize = errors.New("imageio: image size mismatch")

// LoadOptions controls how images are turned into tensors
type LoadOptions struct {
	// Size is the required width and height; 0 means nn.InputSize
	Size int
	// Resize scales images of any other size to Size x Size
	Resize bool
}

// Load decodes an image file into a [1,Size,Size,3] RGB tensor with integer
// pixel values in [0,255]
func Load(path string, opts LoadOptions) (*nn.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	t, err := FromImage(img, opts)
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", path, format, err)
	}
	return t, nil
}

// FromImage converts a decoded image into a [1,Size,Size,3] tensor
func FromImage(img image.Image, opts LoadOptions) (*nn.Tensor, error) {
	size := opts.Size
	if size == 0 {
		size = nn.InputSize
	}

	bounds := img.Bounds()
	if bounds.Dx() != size || bounds.Dy() != size {
		if !opts.Resize {
			return nil, fmt.Errorf("%w: got %dx%d, expected %dx%d", ErrImageSize, bounds.Dx(), bounds.Dy(), size, size)
		}
		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
		img = dst
		bounds = dst.Bounds()
	}

	t := nn.NewTensor(1, size, size, 3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := (y*size + x) * 3
			t.Data[idx+0] = float32(r >> 8)
			t.Data[idx+1] = float32(g >> 8)
			t.Data[idx+2] = float32(b >> 8)
		}
	}
	return t, nil
}
