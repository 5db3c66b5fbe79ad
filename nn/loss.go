package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LossWeights scales the two loss terms
type LossWeights struct {
	Content float64 `json:"content"`
	Style   float64 `json:"style"`
}

// Losses holds the scalar loss values of one evaluation
type Losses struct {
	Content float64 `json:"content"`
	Style   float64 `json:"style"`
	Total   float64 `json:"total"`
}

// ContentTerm pairs the content image's map with the result's map at one layer
type ContentTerm struct {
	Layer  string
	Target *Tensor
	Result *Tensor
}

// StyleTerm pairs the style image's Gram matrix with the result's map at one layer
type StyleTerm struct {
	Layer  string
	Target *mat.SymDense
	Result *Tensor
}

// ContentLoss is the mean over (h, w, c) of (target - result)²
func ContentLoss(target, result *Tensor) (float64, error) {
	if !SameShape(target, result) {
		return 0, fmt.Errorf("%w: content target %v vs result %v", ErrShape, target.Shape, result.Shape)
	}
	if len(result.Data) == 0 {
		return 0, nil
	}
	diff := toFloat64(result.Data)
	floats.Sub(diff, toFloat64(target.Data))
	return floats.Dot(diff, diff) / float64(len(diff)), nil
}

// StyleLoss is the mean over (c, c) of (target - Gram(result))².
// The result's Gram matrix is returned so callers can reuse it.
func StyleLoss(target *mat.SymDense, result *Tensor) (float64, *mat.SymDense, error) {
	g, err := Gram(result)
	if err != nil {
		return 0, nil, err
	}
	c := g.SymmetricDim()
	if target.SymmetricDim() != c {
		return 0, nil, fmt.Errorf("%w: style target is %dx%d, result gram %dx%d", ErrShape,
			target.SymmetricDim(), target.SymmetricDim(), c, c)
	}

	var sum float64
	for i := 0; i < c; i++ {
		for j := 0; j < c; j++ {
			d := g.At(i, j) - target.At(i, j)
			sum += d * d
		}
	}
	return sum / float64(c*c), g, nil
}

// TotalLoss combines the two terms: content·λc + style·λs
func TotalLoss(content, style float64, w LossWeights) float64 {
	return content*w.Content + style*w.Style
}

// ComposeLoss sums content and style losses over their layers and combines them
func ComposeLoss(content []ContentTerm, style []StyleTerm, w LossWeights) (Losses, error) {
	var l Losses
	for _, t := range content {
		v, err := ContentLoss(t.Target, t.Result)
		if err != nil {
			return Losses{}, fmt.Errorf("content loss at %s: %w", t.Layer, err)
		}
		l.Content += v
	}
	for _, t := range style {
		v, _, err := StyleLoss(t.Target, t.Result)
		if err != nil {
			return Losses{}, fmt.Errorf("style loss at %s: %w", t.Layer, err)
		}
		l.Style += v
	}
	l.Total = TotalLoss(l.Content, l.Style, w)
	return l, nil
}

// LossGradients returns d total_loss / d result activation for every layer
// referenced by the terms. A layer used by both terms receives the sum.
func LossGradients(content []ContentTerm, style []StyleTerm, w LossWeights) (map[string]*Tensor, error) {
	grads := make(map[string]*Tensor)
	accumulate := func(layer string, g *Tensor) {
		if prev, ok := grads[layer]; ok {
			for i, v := range g.Data {
				prev.Data[i] += v
			}
			return
		}
		grads[layer] = g
	}

	for _, t := range content {
		if !SameShape(t.Target, t.Result) {
			return nil, fmt.Errorf("%w: content target %v vs result %v at %s", ErrShape, t.Target.Shape, t.Result.Shape, t.Layer)
		}
		// d/dr mean((r - c)²) = 2(r - c)/N
		scale := float32(2 * w.Content / float64(t.Result.Size()))
		g := NewTensor(t.Result.Shape...)
		for i, r := range t.Result.Data {
			g.Data[i] = scale * (r - t.Target.Data[i])
		}
		accumulate(t.Layer, g)
	}

	for _, t := range style {
		gr, err := Gram(t.Result)
		if err != nil {
			return nil, fmt.Errorf("style gradient at %s: %w", t.Layer, err)
		}
		c := gr.SymmetricDim()
		if t.Target.SymmetricDim() != c {
			return nil, fmt.Errorf("%w: style target is %dx%d at %s, result has %d channels", ErrShape,
				t.Target.SymmetricDim(), t.Target.SymmetricDim(), t.Layer, c)
		}

		// d/dG mean((G - S)²) = 2(G - S)/c²
		scale := 2 * w.Style / float64(c*c)
		dG := mat.NewDense(c, c, nil)
		for i := 0; i < c; i++ {
			for j := 0; j < c; j++ {
				dG.Set(i, j, scale*(gr.At(i, j)-t.Target.At(i, j)))
			}
		}

		g, err := GramBackward(t.Result, dG)
		if err != nil {
			return nil, fmt.Errorf("style gradient at %s: %w", t.Layer, err)
		}
		accumulate(t.Layer, g)
	}

	return grads, nil
}
