// Package gpu runs the extractor's convolutions on WebGPU.
package gpu

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrNoAdapter is returned when no usable WebGPU adapter exists
var ErrNoAdapter = errors.New("no WebGPU adapter available")

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	once     sync.Once
	err      error
}

var ctx Context

// Verbose enables adapter selection logging
var Verbose = false

// GetContext returns the singleton GPU context, initializing it if necessary
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = ctx.init()
	})
	if ctx.err != nil {
		return nil, ctx.err
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("%w: device or queue not initialized", ErrNoAdapter)
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("%w: failed to create instance", ErrNoAdapter)
	}

	// Prefer a discrete NVIDIA card when one is enumerated
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		if Verbose {
			log.Printf("gpu: found adapter %s (vendor %s, type %d)", info.Name, info.VendorName, info.AdapterType)
		}
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, lastErr = c.Instance.RequestAdapter(opts)
		if lastErr != nil && Verbose {
			log.Printf("gpu: adapter request failed: %v", lastErr)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("%w: %v", ErrNoAdapter, lastErr)
	}

	info := c.Adapter.GetInfo()
	if Verbose {
		log.Printf("gpu: using adapter %s (vendor %s)", info.Name, info.VendorName)
	}

	var err error
	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("failed to request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	return nil
}

// AdapterName returns the name of the selected adapter
func (c *Context) AdapterName() string {
	if c.Adapter == nil {
		return ""
	}
	return c.Adapter.GetInfo().Name
}
