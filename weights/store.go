// Package weights loads the frozen VGG16 convolution weights the extractor
// runs on. Every kernel is held in HWIO layout [kH][kW][in][out].
package weights

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfluke/neuralstyle/nn"
)

var (
	// ErrMissingLayer is returned when a conv layer has no weights
	ErrMissingLayer = errors.New("weights: missing layer")

	// ErrShapeMismatch is returned when a layer's kernel or bias has the wrong shape
	ErrShapeMismatch = errors.New("weights: shape mismatch")

	// ErrFormat is returned for unreadable or unsupported weight files
	ErrFormat = errors.New("weights: bad format")
)

// Entry is one conv layer's frozen parameters
type Entry struct {
	Name   string
	Kernel []float32 // HWIO
	Bias   []float32
	Shape  [4]int // kH, kW, in, out
}

// Store holds the weight entries by layer name. It is read-only once built
// and safe to share between extractors.
type Store struct {
	Source  string
	entries map[string]Entry
}

// NewStore builds a store from entries. Later entries replace earlier ones.
func NewStore(source string, entries ...Entry) *Store {
	s := &Store{Source: source, entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		s.entries[e.Name] = e
	}
	return s
}

// Get returns the entry for a layer
func (s *Store) Get(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Names returns the stored layer names, sorted
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of stored layers
func (s *Store) Len() int {
	return len(s.entries)
}

// ConvWeights implements nn.WeightSource
func (s *Store) ConvWeights(name string) (nn.ConvWeights, error) {
	e, ok := s.entries[name]
	if !ok {
		return nn.ConvWeights{}, fmt.Errorf("%w: %s", ErrMissingLayer, name)
	}
	if err := e.check(nn.VGG16ConvShapes()[name]); err != nil {
		return nn.ConvWeights{}, err
	}
	return nn.ConvWeights{Kernel: e.Kernel, Bias: e.Bias, Shape: e.Shape}, nil
}

// Validate checks that every VGG16 conv layer is present with the expected shape
func (s *Store) Validate() error {
	shapes := nn.VGG16ConvShapes()
	for _, name := range nn.VGG16ConvLayers() {
		e, ok := s.entries[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingLayer, name)
		}
		if err := e.check(shapes[name]); err != nil {
			return err
		}
	}
	return nil
}

func (e Entry) check(want [4]int) error {
	if e.Shape != want {
		return fmt.Errorf("%w: %s kernel %v, expected %v", ErrShapeMismatch, e.Name, e.Shape, want)
	}
	if n := want[0] * want[1] * want[2] * want[3]; len(e.Kernel) != n {
		return fmt.Errorf("%w: %s kernel has %d values, expected %d", ErrShapeMismatch, e.Name, len(e.Kernel), n)
	}
	if len(e.Bias) != want[3] {
		return fmt.Errorf("%w: %s bias has %d values, expected %d", ErrShapeMismatch, e.Name, len(e.Bias), want[3])
	}
	return nil
}

// Params returns the total number of stored parameters
func (s *Store) Params() int {
	total := 0
	for _, e := range s.entries {
		total += len(e.Kernel) + len(e.Bias)
	}
	return total
}

// Load reads a weight file, choosing the decoder by extension, and
// validates it against the VGG16 topology.
func Load(path string) (*Store, error) {
	var (
		s   *Store
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		s, err = LoadSafetensors(path)
	case ".onnx":
		s, err = LoadONNX(path)
	case ".npy":
		s, err = LoadNPY(path)
	default:
		return nil, fmt.Errorf("%w: unsupported weight file extension %q", ErrFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
