package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// featureMatrix views a [1,h,w,c] map as an (h*w) x c matrix.
// Returns the matrix and the normaliser h*w*c.
func featureMatrix(t *Tensor) (*mat.Dense, float64, error) {
	n, h, w, c, err := t.NHWC()
	if err != nil {
		return nil, 0, err
	}
	if n != 1 {
		return nil, 0, fmt.Errorf("%w: gram expects batch size 1, got %d", ErrShape, n)
	}
	return mat.NewDense(h*w, c, toFloat64(t.Data)), float64(h * w * c), nil
}

// Gram computes the channel-by-channel second moment of an activation map:
//
//	G = Fᵀ·F / (h·w·c)
//
// where F is the map reshaped to (h·w) x c. The result is symmetric.
func Gram(t *Tensor) (*mat.SymDense, error) {
	f, norm, err := featureMatrix(t)
	if err != nil {
		return nil, err
	}

	var g mat.SymDense
	g.SymOuterK(1/norm, f.T())
	return &g, nil
}

// GramBackward returns d loss / d map given dG = d loss / d Gram(map):
//
//	dF = F·(dG + dGᵀ) / (h·w·c)
func GramBackward(t *Tensor, dG mat.Matrix) (*Tensor, error) {
	f, norm, err := featureMatrix(t)
	if err != nil {
		return nil, err
	}
	_, c := f.Dims()
	if r, cc := dG.Dims(); r != c || cc != c {
		return nil, fmt.Errorf("%w: gram gradient is %dx%d, map has %d channels", ErrShape, r, cc, c)
	}

	var sym mat.Dense
	sym.Add(dG, dG.T())

	var df mat.Dense
	df.Mul(f, &sym)
	df.Scale(1/norm, &df)

	return NewTensorFromSlice(toFloat32(df.RawMatrix().Data), t.Shape...), nil
}
