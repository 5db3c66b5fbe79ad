package nn

import (
	"fmt"
)

// NewConv2DConfig resolves a 3x3 SAME convolution layer for the given input
// shape. kernel is HWIO [kernelSize][kernelSize][inputChannels][filters].
func NewConv2DConfig(
	name string,
	inputHeight, inputWidth, inputChannels int,
	kernelSize, filters int,
	kernel, bias []float32,
) (LayerConfig, error) {
	if want := kernelSize * kernelSize * inputChannels * filters; len(kernel) != want {
		return LayerConfig{}, fmt.Errorf("%w: %s kernel has %d values, expected %d", ErrShape, name, len(kernel), want)
	}
	if len(bias) != filters {
		return LayerConfig{}, fmt.Errorf("%w: %s bias has %d values, expected %d", ErrShape, name, len(bias), filters)
	}

	outputHeight, padding := samePadding(inputHeight, kernelSize, 1)
	outputWidth, _ := samePadding(inputWidth, kernelSize, 1)

	return LayerConfig{
		Name:          name,
		Type:          LayerConv2D,
		Activation:    ActivationReLU,
		KernelSize:    kernelSize,
		Stride:        1,
		Padding:       padding,
		Filters:       filters,
		Kernel:        kernel,
		Bias:          bias,
		InputHeight:   inputHeight,
		InputWidth:    inputWidth,
		InputChannels: inputChannels,
		OutputHeight:  outputHeight,
		OutputWidth:   outputWidth,
	}, nil
}

// conv2DForwardCPU performs 2D convolution on CPU
// input shape: [inHeight][inWidth][inChannels] (flattened)
// output shape: [outHeight][outWidth][filters] (flattened)
// Returns the pre-activation output (convolution + bias).
func conv2DForwardCPU(input []float32, config *LayerConfig) []float32 {
	inH := config.InputHeight
	inW := config.InputWidth
	inC := config.InputChannels
	kSize := config.KernelSize
	stride := config.Stride
	padding := config.Padding
	filters := config.Filters
	outH := config.OutputHeight
	outW := config.OutputWidth

	output := make([]float32, outH*outW*filters)

	parallelRows(outH, func(start, end int) {
		for oh := start; oh < end; oh++ {
			for ow := 0; ow < outW; ow++ {
				acc := output[(oh*outW+ow)*filters : (oh*outW+ow+1)*filters]
				copy(acc, config.Bias)

				for kh := 0; kh < kSize; kh++ {
					ih := oh*stride + kh - padding
					if ih < 0 || ih >= inH {
						continue
					}
					for kw := 0; kw < kSize; kw++ {
						iw := ow*stride + kw - padding
						if iw < 0 || iw >= inW {
							continue
						}

						inBase := (ih*inW + iw) * inC
						wBase := (kh*kSize + kw) * inC * filters
						for ic := 0; ic < inC; ic++ {
							x := input[inBase+ic]
							if x == 0 {
								continue
							}
							w := config.Kernel[wBase+ic*filters : wBase+(ic+1)*filters]
							for f, wv := range w {
								acc[f] += x * wv
							}
						}
					}
				}
			}
		}
	})

	return output
}

// conv2DBackwardInputCPU computes the gradient w.r.t. the convolution input.
// gradOutput is the gradient w.r.t. the PRE-activation output. Kernel
// gradients are never needed since weights are constants.
//
// Each input position gathers from the output positions it contributed to,
// so rows can be processed independently.
func conv2DBackwardInputCPU(gradOutput []float32, config *LayerConfig) []float32 {
	inH := config.InputHeight
	inW := config.InputWidth
	inC := config.InputChannels
	kSize := config.KernelSize
	stride := config.Stride
	padding := config.Padding
	filters := config.Filters
	outH := config.OutputHeight
	outW := config.OutputWidth

	gradInput := make([]float32, inH*inW*inC)

	parallelRows(inH, func(start, end int) {
		for ih := start; ih < end; ih++ {
			for iw := 0; iw < inW; iw++ {
				gi := gradInput[(ih*inW+iw)*inC : (ih*inW+iw+1)*inC]

				for kh := 0; kh < kSize; kh++ {
					numH := ih + padding - kh
					if numH < 0 || numH%stride != 0 {
						continue
					}
					oh := numH / stride
					if oh >= outH {
						continue
					}
					for kw := 0; kw < kSize; kw++ {
						numW := iw + padding - kw
						if numW < 0 || numW%stride != 0 {
							continue
						}
						ow := numW / stride
						if ow >= outW {
							continue
						}

						g := gradOutput[(oh*outW+ow)*filters : (oh*outW+ow+1)*filters]
						wBase := (kh*kSize + kw) * inC * filters
						for ic := 0; ic < inC; ic++ {
							w := config.Kernel[wBase+ic*filters : wBase+(ic+1)*filters]
							var sum float32
							for f, gv := range g {
								sum += gv * w[f]
							}
							gi[ic] += sum
						}
					}
				}
			}
		}
	})

	return gradInput
}
