package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// tensorInfo describes one tensor in a safetensors header
type tensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and resolves its tensors to conv layers
func LoadSafetensors(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	return LoadSafetensorsFromBytes(path, data)
}

// LoadSafetensorsFromBytes decodes safetensors data. A "layout" entry in
// __metadata__ (HWIO or OIHW) overrides shape-based layout detection.
func LoadSafetensorsFromBytes(source string, data []byte) (*Store, error) {
	raw, meta, err := decodeSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return resolve(source, raw, meta["layout"])
}

func decodeSafetensors(data []byte) (map[string]rawTensor, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("%w: need at least 8 bytes for header size", ErrFormat)
	}

	// Header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("%w: header size %d but only %d bytes available", ErrFormat, headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to parse header: %v", ErrFormat, err)
	}
	body := data[8+headerSize:]

	meta := map[string]string{}
	tensors := make(map[string]rawTensor)
	for name, value := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(value, &meta); err != nil {
				return nil, nil, fmt.Errorf("%w: bad __metadata__: %v", ErrFormat, err)
			}
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %v", ErrFormat, name, err)
		}

		var width int
		switch info.DType {
		case "F32":
			width = 4
		case "F16", "BF16":
			width = 2
		default:
			// Non-float tensors (e.g. num_batches_tracked) cannot be conv weights
			continue
		}

		numElements := 1
		for _, dim := range info.Shape {
			if dim < 0 {
				return nil, nil, fmt.Errorf("%w: tensor %s has negative dimension in %v", ErrFormat, name, info.Shape)
			}
			numElements *= dim
		}
		if len(info.Offset) != 2 || info.Offset[0] < 0 || info.Offset[0] > info.Offset[1] ||
			info.Offset[1] > len(body) || info.Offset[1]-info.Offset[0] != numElements*width {
			return nil, nil, fmt.Errorf("%w: tensor %s offsets %v do not fit %d x %s", ErrFormat, name, info.Offset, numElements, info.DType)
		}
		buf := body[info.Offset[0]:info.Offset[1]]

		values := make([]float32, numElements)
		for i := range values {
			switch info.DType {
			case "F32":
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			case "F16":
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			case "BF16":
				// bfloat16 is the top 16 bits of float32
				values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
			}
		}

		tensors[name] = rawTensor{Data: values, Shape: info.Shape}
	}

	return tensors, meta, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// SaveSafetensors writes the store as F32 HWIO tensors named
// "<layer>.weight" and "<layer>.bias"
func SaveSafetensors(path string, s *Store) error {
	data, err := SerializeSafetensors(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SerializeSafetensors converts the store to safetensors bytes
func SerializeSafetensors(s *Store) ([]byte, error) {
	type item struct {
		name   string
		values []float32
		shape  []int
	}

	var items []item
	for _, name := range s.Names() {
		e := s.entries[name]
		items = append(items,
			item{name + ".weight", e.Kernel, e.Shape[:]},
			item{name + ".bias", e.Bias, []int{len(e.Bias)}},
		)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].name < items[j].name })

	header := map[string]interface{}{
		"__metadata__": map[string]string{"layout": LayoutHWIO, "format": "pt"},
	}
	offset := 0
	for _, it := range items {
		size := len(it.values) * 4
		header[it.name] = tensorInfo{DType: "F32", Shape: it.shape, Offset: []int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := len(headerJSON)
	out := make([]byte, 8+headerSize+offset)
	binary.LittleEndian.PutUint64(out[0:8], uint64(headerSize))
	copy(out[8:], headerJSON)

	pos := 8 + headerSize
	for _, it := range items {
		for _, v := range it.values {
			binary.LittleEndian.PutUint32(out[pos:], math.Float32bits(v))
			pos += 4
		}
	}

	return out, nil
}
