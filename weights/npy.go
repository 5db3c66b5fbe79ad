package weights

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
)

// npyMagic starts every NumPy .npy file
const npyMagic = "\x93NUMPY"

var npyDescrRe = regexp.MustCompile(`'descr':\s*'([^']*)'`)

// LoadNPY reads a pickled {layer: [W, b]} dictionary saved with numpy.save,
// the format of the widely used vgg16.npy. Kernels are HWIO.
func LoadNPY(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	return LoadNPYFromBytes(path, data)
}

// LoadNPYFromBytes decodes .npy data holding a layer dictionary
func LoadNPYFromBytes(source string, data []byte) (*Store, error) {
	raw, err := decodeNPY(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return resolve(source, raw, LayoutHWIO)
}

func decodeNPY(data []byte) (map[string]rawTensor, error) {
	if len(data) < 10 || string(data[:6]) != npyMagic {
		return nil, fmt.Errorf("%w: not a .npy file", ErrFormat)
	}

	var headerLen, start int
	switch major := data[6]; major {
	case 1:
		headerLen, start = int(binary.LittleEndian.Uint16(data[8:10])), 10
	case 2, 3:
		if len(data) < 12 {
			return nil, fmt.Errorf("%w: truncated .npy header", ErrFormat)
		}
		headerLen, start = int(binary.LittleEndian.Uint32(data[8:12])), 12
	default:
		return nil, fmt.Errorf("%w: unsupported .npy version %d", ErrFormat, major)
	}
	if start+headerLen > len(data) {
		return nil, fmt.Errorf("%w: .npy header length %d exceeds file", ErrFormat, headerLen)
	}
	header := string(data[start : start+headerLen])

	m := npyDescrRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("%w: .npy header has no descr", ErrFormat)
	}
	if m[1] != "|O" {
		return nil, fmt.Errorf("%w: .npy holds a single %s array, expected a pickled layer dictionary", ErrFormat, m[1])
	}

	u := pickle.NewUnpickler(bytes.NewReader(data[start+headerLen:]))
	u.FindClass = findNumpyClass
	root, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unpickle: %v", ErrFormat, err)
	}

	// numpy.save wraps a dict in a 0-d object array
	if arr, ok := root.(*npArray); ok {
		if len(arr.Objects) != 1 {
			return nil, fmt.Errorf("%w: object array holds %d items, expected one dictionary", ErrFormat, len(arr.Objects))
		}
		root = arr.Objects[0]
	}

	entries, ok := dictEntries(root)
	if !ok {
		return nil, fmt.Errorf("%w: pickled value is %T, expected a dictionary", ErrFormat, root)
	}

	tensors := make(map[string]rawTensor)
	for _, e := range entries {
		layer, ok := e[0].(string)
		if !ok {
			continue
		}
		if err := collectLayer(tensors, layer, e[1]); err != nil {
			return nil, err
		}
	}
	return tensors, nil
}

// collectLayer stores [W, b] lists as "<layer>/weights" and "<layer>/biases";
// nested dictionaries keep their own keys
func collectLayer(out map[string]rawTensor, layer string, v interface{}) error {
	if items, ok := seqItems(v); ok {
		names := []string{"weights", "biases"}
		for i, item := range items {
			arr, ok := item.(*npArray)
			if !ok || i >= len(names) {
				continue
			}
			t, err := arr.tensor()
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", layer, i, err)
			}
			out[layer+"/"+names[i]] = t
		}
		return nil
	}
	if entries, ok := dictEntries(v); ok {
		for _, e := range entries {
			key, ok := e[0].(string)
			arr, isArr := e[1].(*npArray)
			if !ok || !isArr {
				continue
			}
			t, err := arr.tensor()
			if err != nil {
				return fmt.Errorf("%s/%s: %w", layer, key, err)
			}
			out[layer+"/"+key] = t
		}
	}
	return nil
}

// npArray is an ndarray rebuilt from numpy's pickle protocol
type npArray struct {
	Shape   []int
	DType   *npDType
	Fortran bool
	Data    []byte
	Objects []interface{}
}

// PySetState receives (version, shape, dtype, is_fortran, data)
func (a *npArray) PySetState(state interface{}) error {
	items, ok := seqItems(state)
	if !ok {
		return fmt.Errorf("ndarray state is %T", state)
	}
	if len(items) == 5 {
		items = items[1:]
	}
	if len(items) != 4 {
		return fmt.Errorf("ndarray state has %d items", len(items))
	}

	dims, ok := seqItems(items[0])
	if !ok {
		return fmt.Errorf("ndarray shape is %T", items[0])
	}
	a.Shape = make([]int, len(dims))
	for i, d := range dims {
		n, ok := toInt(d)
		if !ok || n < 0 {
			return fmt.Errorf("bad ndarray dimension %v", d)
		}
		a.Shape[i] = n
	}

	if a.DType, ok = items[1].(*npDType); !ok {
		return fmt.Errorf("ndarray dtype is %T", items[1])
	}
	a.Fortran, _ = items[2].(bool)

	switch data := items[3].(type) {
	case string:
		a.Data = []byte(data)
	case []byte:
		a.Data = data
	default:
		if objs, ok := seqItems(data); ok {
			a.Objects = objs
		} else if b, ok := byteSlice(data); ok {
			a.Data = b
		} else {
			return fmt.Errorf("ndarray data is %T", data)
		}
	}
	return nil
}

// tensor decodes a float array into a rawTensor
func (a *npArray) tensor() (rawTensor, error) {
	if a.DType == nil {
		return rawTensor{}, fmt.Errorf("%w: array without dtype", ErrFormat)
	}
	if a.Fortran && len(a.Shape) > 1 {
		return rawTensor{}, fmt.Errorf("%w: Fortran-ordered arrays are not supported", ErrFormat)
	}

	n := 1
	for _, d := range a.Shape {
		n *= d
	}

	var order binary.ByteOrder = binary.LittleEndian
	if a.DType.Order == ">" {
		order = binary.BigEndian
	}

	width := map[string]int{"f2": 2, "f4": 4, "f8": 8}[a.DType.Kind]
	if width == 0 {
		return rawTensor{}, fmt.Errorf("%w: unsupported dtype %s%s", ErrFormat, a.DType.Order, a.DType.Kind)
	}
	if len(a.Data) != n*width {
		return rawTensor{}, fmt.Errorf("%w: array %v needs %d bytes, has %d", ErrFormat, a.Shape, n*width, len(a.Data))
	}

	values := make([]float32, n)
	for i := range values {
		b := a.Data[i*width:]
		switch width {
		case 2:
			values[i] = float16ToFloat32(order.Uint16(b))
		case 4:
			values[i] = math.Float32frombits(order.Uint32(b))
		case 8:
			values[i] = float32(math.Float64frombits(order.Uint64(b)))
		}
	}
	shape := append([]int(nil), a.Shape...)
	return rawTensor{Data: values, Shape: shape}, nil
}

// npDType is numpy.dtype as pickled: dtype(kind, align, copy) then
// __setstate__((version, byteorder, ...))
type npDType struct {
	Kind  string // "f4", "O8", ...
	Order string // "<", ">", "|" or "="
}

func (d *npDType) PySetState(state interface{}) error {
	items, ok := seqItems(state)
	if !ok || len(items) < 2 {
		return fmt.Errorf("dtype state is %T", state)
	}
	if s, ok := items[1].(string); ok {
		d.Order = s
	}
	return nil
}

// pyFunc adapts a Go function to a picklable callable
type pyFunc func(args ...interface{}) (interface{}, error)

func (f pyFunc) Call(args ...interface{}) (interface{}, error) { return f(args...) }

var (
	_ types.Callable        = pyFunc(nil)
	_ types.PyStateSettable = (*npArray)(nil)
	_ types.PyStateSettable = (*npDType)(nil)
)

// ndarrayClass marks numpy.ndarray in _reconstruct arguments
type ndarrayClass struct{}

func findNumpyClass(module, name string) (interface{}, error) {
	switch {
	case (module == "numpy.core.multiarray" || module == "numpy._core.multiarray") && name == "_reconstruct":
		return pyFunc(func(args ...interface{}) (interface{}, error) {
			return &npArray{}, nil
		}), nil
	case module == "numpy" && name == "ndarray":
		return ndarrayClass{}, nil
	case module == "numpy" && name == "dtype":
		return pyFunc(func(args ...interface{}) (interface{}, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("dtype without arguments")
			}
			kind, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("dtype kind is %T", args[0])
			}
			return &npDType{Kind: kind, Order: "<"}, nil
		}), nil
	}
	return nil, fmt.Errorf("unsupported pickled class %s.%s", module, name)
}

// seqItems returns the elements of a pickled tuple or list
func seqItems(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() != reflect.Interface {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// byteSlice unwraps a pickled bytearray
func byteSlice(v interface{}) ([]byte, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return rv.Bytes(), true
	}
	return nil, false
}

// dictEntries returns the (key, value) pairs of a pickled dict
func dictEntries(v interface{}) ([][2]interface{}, bool) {
	if d, ok := v.(interface {
		Keys() []interface{}
		Get(key interface{}) (interface{}, bool)
	}); ok {
		var out [][2]interface{}
		for _, k := range d.Keys() {
			val, _ := d.Get(k)
			out = append(out, [2]interface{}{k, val})
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		var out [][2]interface{}
		iter := rv.MapRange()
		for iter.Next() {
			out = append(out, [2]interface{}{iter.Key().Interface(), iter.Value().Interface()})
		}
		return out, true
	case reflect.Slice:
		// Ordered dicts stored as a slice of {Key, Value} entries
		var out [][2]interface{}
		for i := 0; i < rv.Len(); i++ {
			e := rv.Index(i)
			if e.Kind() == reflect.Ptr {
				e = e.Elem()
			}
			if e.Kind() != reflect.Struct {
				return nil, false
			}
			k, val := e.FieldByName("Key"), e.FieldByName("Value")
			if !k.IsValid() || !val.IsValid() {
				return nil, false
			}
			out = append(out, [2]interface{}{k.Interface(), val.Interface()})
		}
		return out, true
	}
	return nil, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSuffix(n, "L"))
		return i, err == nil
	}
	return 0, false
}
