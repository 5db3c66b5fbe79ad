package nn

// VGGMean holds the per-channel means subtracted before the first conv.
// Index 0 is applied to blue, 1 to green and 2 to red, in the BGR order the
// pretrained weights expect.
var VGGMean = [3]float32{103.939, 116.779, 123.68}

// preprocess converts an RGB [1,H,W,3] image into mean-centred BGR:
// [B - means[0], G - means[1], R - means[2]].
func preprocess(rgb *Tensor, means [3]float32) *Tensor {
	out := NewTensor(rgb.Shape...)
	pixels := len(rgb.Data) / 3
	for p := 0; p < pixels; p++ {
		r := rgb.Data[p*3+0]
		g := rgb.Data[p*3+1]
		b := rgb.Data[p*3+2]
		out.Data[p*3+0] = b - means[0]
		out.Data[p*3+1] = g - means[1]
		out.Data[p*3+2] = r - means[2]
	}
	return out
}

// preprocessBackward maps a gradient w.r.t. the BGR tensor back to RGB.
// Mean subtraction has unit derivative, so this is only a channel swap.
func preprocessBackward(gradBGR []float32) []float32 {
	out := make([]float32, len(gradBGR))
	pixels := len(gradBGR) / 3
	for p := 0; p < pixels; p++ {
		out[p*3+0] = gradBGR[p*3+2]
		out[p*3+1] = gradBGR[p*3+1]
		out[p*3+2] = gradBGR[p*3+0]
	}
	return out
}
