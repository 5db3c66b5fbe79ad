package weights

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/openfluke/neuralstyle/nn"
)

func TestSyntheticStoresValidate(t *testing.T) {
	for _, s := range []*Store{Zero(), Constant(0.01, 0.1), Random(1)} {
		if err := s.Validate(); err != nil {
			t.Errorf("%s: %v", s.Source, err)
		}
		if s.Len() != 13 {
			t.Errorf("%s: %d layers", s.Source, s.Len())
		}
		if s.Params() != 14714688 {
			t.Errorf("%s: %d params", s.Source, s.Params())
		}
	}

	a, _ := Random(7).Get("conv2_1")
	b, _ := Random(7).Get("conv2_1")
	for i := range a.Kernel {
		if a.Kernel[i] != b.Kernel[i] {
			t.Fatal("Random is not reproducible for a fixed seed")
		}
	}
}

func TestStoreErrors(t *testing.T) {
	full := Constant(1, 0)
	var entries []Entry
	for _, n := range full.Names() {
		if n != "conv4_2" {
			e, _ := full.Get(n)
			entries = append(entries, e)
		}
	}

	missing := NewStore("partial", entries...)
	if err := missing.Validate(); !errors.Is(err, ErrMissingLayer) {
		t.Errorf("expected ErrMissingLayer, got %v", err)
	}
	if _, err := missing.ConvWeights("conv4_2"); !errors.Is(err, ErrMissingLayer) {
		t.Errorf("expected ErrMissingLayer, got %v", err)
	}

	bad := NewStore("bad", append(entries, Entry{
		Name:   "conv4_2",
		Kernel: make([]float32, 9),
		Bias:   make([]float32, 1),
		Shape:  [4]int{3, 3, 1, 1},
	})...)
	if err := bad.Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	// The extractor surfaces store errors unchanged
	if _, err := nn.NewExtractor(missing, nn.VGGMean); !errors.Is(err, ErrMissingLayer) {
		t.Errorf("extractor: expected ErrMissingLayer, got %v", err)
	}
}

func TestTransposeOIHWToHWIO(t *testing.T) {
	// O=2 I=1 H=1 W=2: [o][i][h][w]
	oihw := []float32{1, 2, 3, 4}
	got := transposeOIHWToHWIO(oihw, [4]int{2, 1, 1, 2})
	// [h][w][i][o]: (w0: o0=1 o1=3) (w1: o0=2 o1=4)
	want := []float32{1, 3, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSafetensorsRoundTrip(t *testing.T) {
	src := Random(3)
	path := filepath.Join(t.TempDir(), "vgg16.safetensors")
	if err := SaveSafetensors(path, src); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	assertSameStore(t, src, loaded)
}

// TestSafetensorsTorchNames encodes every layer the way torchvision names it
// (features.N, OIHW kernels)
func TestSafetensorsTorchNames(t *testing.T) {
	src := Random(4)
	tensors := map[string]rawTensor{}
	for _, name := range src.Names() {
		e, _ := src.Get(name)
		idx := torchFeatureIndex[name]
		oihw := toOIHW(e)
		tensors[featureKey(idx, "weight")] = rawTensor{Data: oihw, Shape: []int{e.Shape[3], e.Shape[2], e.Shape[0], e.Shape[1]}}
		tensors[featureKey(idx, "bias")] = rawTensor{Data: e.Bias, Shape: []int{len(e.Bias)}}
	}

	loaded, err := LoadSafetensorsFromBytes("torch", encodeSafetensors(t, tensors))
	if err != nil {
		t.Fatal(err)
	}
	assertSameStore(t, src, loaded)
}

func TestSafetensorsBadHeader(t *testing.T) {
	if _, err := LoadSafetensorsFromBytes("short", []byte{1, 2}); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 1000)
	if _, err := LoadSafetensorsFromBytes("truncated", data); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}

func TestSafetensorsBadOffsets(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"negative dim reversed offsets", `{"conv1_1.weight":{"dtype":"F32","shape":[-1,4],"data_offsets":[16,0]}}`},
		{"reversed offsets", `{"conv1_1.weight":{"dtype":"F32","shape":[0],"data_offsets":[16,0]}}`},
		{"past end", `{"conv1_1.weight":{"dtype":"F32","shape":[16],"data_offsets":[0,64]}}`},
		{"size mismatch", `{"conv1_1.weight":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`},
		{"one offset", `{"conv1_1.weight":{"dtype":"F32","shape":[1],"data_offsets":[4]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, 8, 8+len(tt.header)+32)
			binary.LittleEndian.PutUint64(data, uint64(len(tt.header)))
			data = append(data, tt.header...)
			data = append(data, make([]byte, 32)...)

			if _, err := LoadSafetensorsFromBytes(tt.name, data); !errors.Is(err, ErrFormat) {
				t.Errorf("expected ErrFormat, got %v", err)
			}
		})
	}
}

func TestONNXInitializers(t *testing.T) {
	src := Random(5)

	var graph []byte
	for i, name := range nn.VGG16ConvLayers() {
		e, _ := src.Get(name)
		oihw := toOIHW(e)
		dims := []int64{int64(e.Shape[3]), int64(e.Shape[2]), int64(e.Shape[0]), int64(e.Shape[1])}

		// Alternate raw_data and float_data encodings
		graph = protowire.AppendTag(graph, graphInitializerField, protowire.BytesType)
		graph = protowire.AppendBytes(graph, tensorProto(gluonName(i, "weight"), dims, oihw, i%2 == 0))
		graph = protowire.AppendTag(graph, graphInitializerField, protowire.BytesType)
		graph = protowire.AppendBytes(graph, tensorProto(gluonName(i, "bias"), []int64{int64(len(e.Bias))}, e.Bias, i%2 == 1))
	}

	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType) // ir_version
	model = protowire.AppendVarint(model, 7)
	model = protowire.AppendTag(model, modelGraphField, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	path := filepath.Join(t.TempDir(), "vgg16.onnx")
	if err := os.WriteFile(path, model, 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	assertSameStore(t, src, loaded)
}

func TestLoadUnknownExtension(t *testing.T) {
	if _, err := Load("weights.npz"); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}

func TestFloat16(t *testing.T) {
	tests := map[uint16]float32{
		0x0000: 0,
		0x3C00: 1,
		0xC000: -2,
		0x3800: 0.5,
		0x0001: float32(math.Pow(2, -24)),
	}
	for bits, want := range tests {
		if got := float16ToFloat32(bits); got != want {
			t.Errorf("0x%04x: got %v, want %v", bits, got, want)
		}
	}
}

// =============================================================================
// helpers
// =============================================================================

func assertSameStore(t *testing.T, want, got *Store) {
	t.Helper()
	if err := got.Validate(); err != nil {
		t.Fatal(err)
	}
	for _, name := range want.Names() {
		a, _ := want.Get(name)
		b, ok := got.Get(name)
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if nn.MaxAbsDiff(a.Kernel, b.Kernel) != 0 || nn.MaxAbsDiff(a.Bias, b.Bias) != 0 {
			t.Fatalf("%s differs after round trip", name)
		}
	}
}

func toOIHW(e Entry) []float32 {
	h, w, in, out := e.Shape[0], e.Shape[1], e.Shape[2], e.Shape[3]
	oihw := make([]float32, len(e.Kernel))
	for kh := 0; kh < h; kh++ {
		for kw := 0; kw < w; kw++ {
			for ic := 0; ic < in; ic++ {
				for oc := 0; oc < out; oc++ {
					oihw[((oc*in+ic)*h+kh)*w+kw] = e.Kernel[((kh*w+kw)*in+ic)*out+oc]
				}
			}
		}
	}
	return oihw
}

func featureKey(idx int, kind string) string {
	return fmt.Sprintf("features.%d.%s", idx, kind)
}

func gluonName(ordinal int, kind string) string {
	return fmt.Sprintf("vgg0_conv%d_%s", ordinal, kind)
}

func tensorProto(name string, dims []int64, values []float32, raw bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, tensorDimsField, protowire.BytesType)
	var packed []byte
	for _, d := range dims {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendBytes(b, packed)

	b = protowire.AppendTag(b, tensorDataTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, tensorDataTypeFloat)

	b = protowire.AppendTag(b, tensorNameField, protowire.BytesType)
	b = protowire.AppendString(b, name)

	if raw {
		data := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
		b = protowire.AppendTag(b, tensorRawDataField, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	} else {
		var data []byte
		for _, v := range values {
			data = protowire.AppendFixed32(data, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, tensorFloatDataField, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b
}

// encodeSafetensors writes F32 tensors with no __metadata__, so the loader
// has to infer each kernel's layout from its shape
func encodeSafetensors(t *testing.T, tensors map[string]rawTensor) []byte {
	t.Helper()
	header := map[string]tensorInfo{}
	var body []byte
	for name, tensor := range tensors {
		start := len(body)
		for _, v := range tensor.Data {
			body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
		}
		header[name] = tensorInfo{DType: "F32", Shape: tensor.Shape, Offset: []int{start, len(body)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	return append(out, body...)
}
