package weights

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX protobuf field numbers used to reach graph initializers
const (
	modelGraphField       = 7 // ModelProto.graph
	graphInitializerField = 5 // GraphProto.initializer
	tensorDimsField       = 1 // TensorProto.dims
	tensorDataTypeField   = 2 // TensorProto.data_type
	tensorFloatDataField  = 4 // TensorProto.float_data
	tensorNameField       = 8 // TensorProto.name
	tensorRawDataField    = 9 // TensorProto.raw_data
	tensorDataTypeFloat   = 1
	tensorDataTypeFloat16 = 10
)

// LoadONNX reads the initializers of an ONNX model and resolves them to conv
// layers. Only the weights are used; the graph itself is ignored since the
// topology is fixed. ONNX kernels are OIHW.
func LoadONNX(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	return LoadONNXFromBytes(path, data)
}

// LoadONNXFromBytes decodes a serialized ModelProto
func LoadONNXFromBytes(source string, data []byte) (*Store, error) {
	raw, err := decodeONNXInitializers(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return resolve(source, raw, LayoutOIHW)
}

func decodeONNXInitializers(model []byte) (map[string]rawTensor, error) {
	tensors := make(map[string]rawTensor)

	err := walkFields(model, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != modelGraphField || typ != protowire.BytesType {
			return nil
		}
		return walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
			if num != graphInitializerField || typ != protowire.BytesType {
				return nil
			}
			name, t, ok, err := decodeTensorProto(v)
			if err != nil {
				return err
			}
			if ok {
				tensors[name] = t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: no float initializers found", ErrFormat)
	}
	return tensors, nil
}

// decodeTensorProto returns ok=false for tensors that are not float32/float16
func decodeTensorProto(b []byte) (string, rawTensor, bool, error) {
	var (
		name     string
		dims     []int
		dataType uint64
		floats   []float32
		raw      []byte
	)

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case tensorDimsField:
			vals, err := varints(typ, v)
			if err != nil {
				return err
			}
			for _, d := range vals {
				dims = append(dims, int(d))
			}
		case tensorDataTypeField:
			vals, err := varints(typ, v)
			if err != nil {
				return err
			}
			if len(vals) > 0 {
				dataType = vals[len(vals)-1]
			}
		case tensorFloatDataField:
			vals, err := fixed32s(typ, v)
			if err != nil {
				return err
			}
			for _, bits := range vals {
				floats = append(floats, math.Float32frombits(bits))
			}
		case tensorNameField:
			name = string(v)
		case tensorRawDataField:
			raw = v
		}
		return nil
	})
	if err != nil {
		return "", rawTensor{}, false, err
	}

	numElements := 1
	for _, d := range dims {
		numElements *= d
	}

	var values []float32
	switch dataType {
	case tensorDataTypeFloat:
		if raw != nil {
			if len(raw) != numElements*4 {
				return "", rawTensor{}, false, fmt.Errorf("%w: initializer %s has %d raw bytes for %d floats", ErrFormat, name, len(raw), numElements)
			}
			values = make([]float32, numElements)
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
		} else {
			values = floats
		}
	case tensorDataTypeFloat16:
		if len(raw) != numElements*2 {
			return "", rawTensor{}, false, fmt.Errorf("%w: initializer %s has %d raw bytes for %d halfs", ErrFormat, name, len(raw), numElements)
		}
		values = make([]float32, numElements)
		for i := range values {
			values[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return name, rawTensor{}, false, nil
	}

	if len(values) != numElements {
		return "", rawTensor{}, false, fmt.Errorf("%w: initializer %s has %d values for dims %v", ErrFormat, name, len(values), dims)
	}
	return name, rawTensor{Data: values, Shape: dims}, true, nil
}

// walkFields calls fn for every top-level field of a protobuf message.
// v holds the payload for bytes fields and the raw encoding otherwise.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		if typ == protowire.BytesType {
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(m))
			}
			v, n = payload, m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
			}
			v = b[:n]
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

// varints decodes a repeated varint field in either packed or unpacked form
func varints(typ protowire.Type, v []byte) ([]uint64, error) {
	if typ != protowire.BytesType && typ != protowire.VarintType {
		return nil, fmt.Errorf("%w: expected varint, got wire type %d", ErrFormat, typ)
	}
	var out []uint64
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
		}
		out = append(out, x)
		v = v[n:]
	}
	return out, nil
}

// fixed32s decodes a repeated fixed32 field in either packed or unpacked form
func fixed32s(typ protowire.Type, v []byte) ([]uint32, error) {
	if typ != protowire.BytesType && typ != protowire.Fixed32Type {
		return nil, fmt.Errorf("%w: expected fixed32, got wire type %d", ErrFormat, typ)
	}
	var out []uint32
	for len(v) > 0 {
		x, n := protowire.ConsumeFixed32(v)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
		}
		out = append(out, x)
		v = v[n:]
	}
	return out, nil
}
