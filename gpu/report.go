package gpu

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/neuralstyle/nn"
)

// Report is a portable summary of the adapter and whether the VGG16
// convolutions fit within its limits.
type Report struct {
	WhenISO     string   `json:"when_iso"`
	Runtime     string   `json:"runtime"` // "native" or "wasm"
	Backend     string   `json:"backend"`
	AdapterType string   `json:"adapter_type"`
	VendorID    string   `json:"vendor_id_hex"`
	DeviceID    string   `json:"device_id_hex"`
	Name        string   `json:"name"`
	Driver      string   `json:"driver"`
	Limits      Limits   `json:"limits"`
	Features    []string `json:"features"`

	// Largest buffer and dispatch the extractor needs
	NeededBufferBytes uint64   `json:"needed_buffer_bytes"`
	NeededWorkgroups  uint32   `json:"needed_workgroups"`
	Fits              bool     `json:"fits"`
	Problems          []string `json:"problems,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Inspect reports on the shared context's adapter
func Inspect() (*Report, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	info := c.Adapter.GetInfo()
	supported := c.Adapter.GetLimits()

	rep := &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: supported.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          supported.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  supported.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       supported.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     supported.Limits.MaxBufferSize,
		},
		Features: featureNames(c.Adapter.EnumerateFeatures()),
	}
	rep.NeededBufferBytes, rep.NeededWorkgroups = vggRequirements()
	rep.Problems = rep.Limits.check(rep.NeededBufferBytes, rep.NeededWorkgroups)
	rep.Fits = len(rep.Problems) == 0
	return rep, nil
}

// vggRequirements returns the largest buffer in bytes and the largest
// 1D dispatch any VGG16 convolution issues
func vggRequirements() (uint64, uint32) {
	var maxBytes uint64
	var maxGroups uint32
	for _, l := range nn.DescribeVGG16("vgg16").Layers {
		if l.Type != nn.LayerConv2D.String() {
			continue
		}
		in := product(l.InputShape)
		out := product(l.OutputShape)
		kernel := product(l.KernelShape)
		for _, n := range []int{in, out, kernel} {
			if b := uint64(n * 4); b > maxBytes {
				maxBytes = b
			}
		}
		for _, n := range []int{in, out} {
			if g := uint32((n + 255) / 256); g > maxGroups {
				maxGroups = g
			}
		}
	}
	return maxBytes, maxGroups
}

func (l Limits) check(bufBytes uint64, groups uint32) []string {
	var problems []string
	if l.MaxComputeWorkgroupSizeX < 256 || l.MaxComputeInvocationsPerWorkgroup < 256 {
		problems = append(problems, fmt.Sprintf("workgroup size 256 exceeds limit %d", l.MaxComputeWorkgroupSizeX))
	}
	if bufBytes > l.MaxStorageBufferBindingSize {
		problems = append(problems, fmt.Sprintf("buffer of %d bytes exceeds binding limit %d", bufBytes, l.MaxStorageBufferBindingSize))
	}
	if bufBytes > l.MaxBufferSize {
		problems = append(problems, fmt.Sprintf("buffer of %d bytes exceeds buffer limit %d", bufBytes, l.MaxBufferSize))
	}
	if groups > l.MaxComputeWorkgroupsPerDimension {
		problems = append(problems, fmt.Sprintf("%d workgroups exceed dispatch limit %d", groups, l.MaxComputeWorkgroupsPerDimension))
	}
	return problems
}

func featureNames(features []wgpu.FeatureName) []string {
	names := make([]string, 0, len(features))
	for _, f := range features {
		names = append(names, f.String())
	}
	return names
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}
