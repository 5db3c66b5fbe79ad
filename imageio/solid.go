package imageio

import (
	"fmt"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/openfluke/neuralstyle/nn"
)

// Solid returns a size x size tensor filled with one colour given as
// "#rrggbb"
func Solid(hex string, size int) (*nn.Tensor, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return nil, fmt.Errorf("bad colour %q: %w", hex, err)
	}
	r, g, b := c.RGB255()

	t := nn.NewTensor(1, size, size, 3)
	for p := 0; p < size*size; p++ {
		t.Data[p*3+0] = float32(r)
		t.Data[p*3+1] = float32(g)
		t.Data[p*3+2] = float32(b)
	}
	return t, nil
}

// Gradient returns a size x size tensor blending from one colour at the top
// to another at the bottom, interpolated in CIE L*a*b*
func Gradient(fromHex, toHex string, size int) (*nn.Tensor, error) {
	from, err := colorful.Hex(fromHex)
	if err != nil {
		return nil, fmt.Errorf("bad colour %q: %w", fromHex, err)
	}
	to, err := colorful.Hex(toHex)
	if err != nil {
		return nil, fmt.Errorf("bad colour %q: %w", toHex, err)
	}

	t := nn.NewTensor(1, size, size, 3)
	for y := 0; y < size; y++ {
		frac := 0.0
		if size > 1 {
			frac = float64(y) / float64(size-1)
		}
		r, g, b := from.BlendLab(to, frac).Clamped().RGB255()
		for x := 0; x < size; x++ {
			idx := (y*size + x) * 3
			t.Data[idx+0] = float32(r)
			t.Data[idx+1] = float32(g)
			t.Data[idx+2] = float32(b)
		}
	}
	return t, nil
}
