// Package nn provides the numerical engine for neural style transfer.
//
// A fixed VGG16 convolutional stack (no fully-connected head) turns an RGB
// image into named activation maps. The style of an image is captured by the
// Gram matrices of those maps and the content by the maps themselves. The
// package computes both loss terms and back-propagates the combined loss to
// the input image. Network weights are constants: no gradient is ever taken
// with respect to them.
//
// Tensors are dense float32 in NHWC order with batch size 1. Convolution
// kernels are HWIO ([3][3][in][out]).
//
// Layers:
//   - conv: 3x3, stride 1, SAME padding, bias, ReLU
//   - pool: 2x2 max, stride 2, SAME padding
//
// Example usage:
//
//	ex, err := nn.NewExtractor(store, nn.VGGMean)
//	acts, err := ex.Extract(image)
//	conv43, _ := acts.Get("conv4_3")
//	gram, err := nn.Gram(conv43)
//
//	// Back-propagate a seed gradient at conv4_3 to the image
//	dImage, err := ex.Backward(acts, map[string]*nn.Tensor{"conv4_3": seed})
package nn
