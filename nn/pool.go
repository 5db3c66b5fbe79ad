package nn

// NewMaxPool2DConfig resolves a 2x2 stride-2 SAME max pooling layer
func NewMaxPool2DConfig(name string, inputHeight, inputWidth, channels int) LayerConfig {
	outputHeight, padding := samePadding(inputHeight, 2, 2)
	outputWidth, _ := samePadding(inputWidth, 2, 2)

	return LayerConfig{
		Name:          name,
		Type:          LayerMaxPool2D,
		Activation:    ActivationLinear,
		KernelSize:    2,
		Stride:        2,
		Padding:       padding,
		InputHeight:   inputHeight,
		InputWidth:    inputWidth,
		InputChannels: channels,
		OutputHeight:  outputHeight,
		OutputWidth:   outputWidth,
	}
}

// maxPool2DForwardCPU downsamples [inH][inW][C] by taking the window maximum.
// Returns the output and, per output element, the flat input index that won
// (the first one scanned on ties), which the backward pass routes to.
func maxPool2DForwardCPU(input []float32, config *LayerConfig) ([]float32, []int32) {
	inH := config.InputHeight
	inW := config.InputWidth
	channels := config.InputChannels
	kSize := config.KernelSize
	stride := config.Stride
	padding := config.Padding
	outH := config.OutputHeight
	outW := config.OutputWidth

	output := make([]float32, outH*outW*channels)
	argmax := make([]int32, outH*outW*channels)

	parallelRows(outH, func(start, end int) {
		for oh := start; oh < end; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < channels; c++ {
					best := -1
					var maxVal float32

					for ph := 0; ph < kSize; ph++ {
						ih := oh*stride + ph - padding
						if ih < 0 || ih >= inH {
							continue
						}
						for pw := 0; pw < kSize; pw++ {
							iw := ow*stride + pw - padding
							if iw < 0 || iw >= inW {
								continue
							}
							idx := (ih*inW+iw)*channels + c
							if best < 0 || input[idx] > maxVal {
								maxVal = input[idx]
								best = idx
							}
						}
					}

					outIdx := (oh*outW+ow)*channels + c
					output[outIdx] = maxVal
					argmax[outIdx] = int32(best)
				}
			}
		}
	})

	return output, argmax
}

// maxPool2DBackwardCPU routes each output gradient to the input element that
// produced the maximum
func maxPool2DBackwardCPU(gradOutput []float32, argmax []int32, config *LayerConfig) []float32 {
	gradInput := make([]float32, config.InputHeight*config.InputWidth*config.InputChannels)
	for i, g := range gradOutput {
		gradInput[argmax[i]] += g
	}
	return gradInput
}
