package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/neuralstyle/nn"
)

// Conv2DLayer holds the GPU resources of one convolution: weights stay
// resident, input and gradient buffers are rewritten per call.
type Conv2DLayer struct {
	Config *nn.LayerConfig

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	BiasBuffer   *wgpu.Buffer

	GradOutputBuffer    *wgpu.Buffer
	InputGradientBuffer *wgpu.Buffer

	bwPipeline  *wgpu.ComputePipeline
	bwBindGroup *wgpu.BindGroup
}

// NewConv2DLayer uploads the layer's kernel and compiles both passes
func NewConv2DLayer(c *Context, config *nn.LayerConfig) (*Conv2DLayer, error) {
	if config.Type != nn.LayerConv2D {
		return nil, fmt.Errorf("%s is not a convolution", config.Name)
	}
	l := &Conv2DLayer{Config: config}
	if err := l.allocate(c); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.compile(c); err != nil {
		l.Cleanup()
		return nil, err
	}
	return l, nil
}

func (l *Conv2DLayer) inputSize() int {
	return l.Config.InputHeight * l.Config.InputWidth * l.Config.InputChannels
}

func (l *Conv2DLayer) outputSize() int {
	return l.Config.OutputHeight * l.Config.OutputWidth * l.Config.Filters
}

func (l *Conv2DLayer) allocate(c *Context) error {
	name := l.Config.Name
	var err error
	if l.InputBuffer, err = NewStorageBuffer(c, name+"_In", l.inputSize()); err != nil {
		return err
	}
	if l.OutputBuffer, err = NewStorageBuffer(c, name+"_Out", l.outputSize()); err != nil {
		return err
	}
	if l.GradOutputBuffer, err = NewStorageBuffer(c, name+"_OutGrad", l.outputSize()); err != nil {
		return err
	}
	if l.InputGradientBuffer, err = NewStorageBuffer(c, name+"_InGrad", l.inputSize()); err != nil {
		return err
	}

	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	if l.WeightBuffer, err = NewFloatBuffer(c, name+"_W", l.Config.Kernel, usage); err != nil {
		return err
	}
	bias := l.Config.Bias
	if len(bias) == 0 {
		bias = make([]float32, l.Config.Filters)
	}
	l.BiasBuffer, err = NewFloatBuffer(c, name+"_B", bias, usage)
	return err
}

// shaderConstants is the WGSL header shared by both passes
func (l *Conv2DLayer) shaderConstants() string {
	cfg := l.Config
	return fmt.Sprintf(`
		const IN_H: i32 = %d;
		const IN_W: i32 = %d;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: i32 = %d;
		const STRIDE: i32 = %d;
		const PADDING: i32 = %d;
		const OUT_H: i32 = %d;
		const OUT_W: i32 = %d;
	`, cfg.InputHeight, cfg.InputWidth, cfg.InputChannels, cfg.Filters,
		cfg.KernelSize, cfg.Stride, cfg.Padding, cfg.OutputHeight, cfg.OutputWidth)
}

// GenerateShader returns the forward kernel. Layouts are NHWC for
// activations and [K][K][IN_CH][OUT_CH] for weights.
func (l *Conv2DLayer) GenerateShader() string {
	return `
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read> bias : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;
	` + l.shaderConstants() + `
		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let total = u32(OUT_H * OUT_W) * OUT_CH;
			if (idx >= total) { return; }

			let out_c = idx % OUT_CH;
			let out_w = i32((idx / OUT_CH) % u32(OUT_W));
			let out_h = i32(idx / (OUT_CH * u32(OUT_W)));

			var sum: f32 = bias[out_c];
			for (var kh: i32 = 0; kh < K; kh++) {
				let in_h = out_h * STRIDE + kh - PADDING;
				if (in_h < 0 || in_h >= IN_H) { continue; }
				for (var kw: i32 = 0; kw < K; kw++) {
					let in_w = out_w * STRIDE + kw - PADDING;
					if (in_w < 0 || in_w >= IN_W) { continue; }

					let i_base = u32(in_h * IN_W + in_w) * IN_CH;
					let w_base = u32(kh * K + kw) * IN_CH * OUT_CH;
					for (var in_c: u32 = 0u; in_c < IN_CH; in_c++) {
						sum += input[i_base + in_c] * weights[w_base + in_c * OUT_CH + out_c];
					}
				}
			}
			output[idx] = sum;
		}
	`
}

// GenerateBackwardShader returns the input-gradient kernel. Each thread
// gathers from the output positions its input pixel fed.
func (l *Conv2DLayer) GenerateBackwardShader() string {
	return `
		@group(0) @binding(0) var<storage, read> d_output : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read_write> d_input : array<f32>;
	` + l.shaderConstants() + `
		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let total = u32(IN_H * IN_W) * IN_CH;
			if (idx >= total) { return; }

			let in_c = idx % IN_CH;
			let in_w = i32((idx / IN_CH) % u32(IN_W));
			let in_h = i32(idx / (IN_CH * u32(IN_W)));

			var grad: f32 = 0.0;
			for (var kh: i32 = 0; kh < K; kh++) {
				let num_h = in_h + PADDING - kh;
				if (num_h < 0 || num_h % STRIDE != 0) { continue; }
				let out_h = num_h / STRIDE;
				if (out_h >= OUT_H) { continue; }
				for (var kw: i32 = 0; kw < K; kw++) {
					let num_w = in_w + PADDING - kw;
					if (num_w < 0 || num_w % STRIDE != 0) { continue; }
					let out_w = num_w / STRIDE;
					if (out_w >= OUT_W) { continue; }

					let g_base = u32(out_h * OUT_W + out_w) * OUT_CH;
					let w_base = (u32(kh * K + kw) * IN_CH + in_c) * OUT_CH;
					for (var out_c: u32 = 0u; out_c < OUT_CH; out_c++) {
						grad += d_output[g_base + out_c] * weights[w_base + out_c];
					}
				}
			}
			d_input[idx] = grad;
		}
	`
}

func (l *Conv2DLayer) compile(c *Context) error {
	name := l.Config.Name
	var err error
	if l.pipeline, err = compilePipeline(c, name, l.GenerateShader()); err != nil {
		return err
	}
	if l.bwPipeline, err = compilePipeline(c, name+"_Bwd", l.GenerateBackwardShader()); err != nil {
		return err
	}

	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  name + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	if err != nil {
		return err
	}
	l.bwBindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  name + "_BwdBind",
		Layout: l.bwPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.GradOutputBuffer, Size: l.GradOutputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.InputGradientBuffer, Size: l.InputGradientBuffer.GetSize()},
		},
	})
	return err
}

func compilePipeline(c *Context, label, code string) (*wgpu.ComputePipeline, error) {
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s shader: %w", label, err)
	}
	defer mod.Release()

	pipe, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s pipeline: %w", label, err)
	}
	return pipe, nil
}

func (l *Conv2DLayer) run(c *Context, pipe *wgpu.ComputePipeline, bind *wgpu.BindGroup, threads int) error {
	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, bind, nil)
	pass.DispatchWorkgroups(uint32((threads+255)/256), 1, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command: %w", err)
	}
	c.Queue.Submit(cmd)
	return nil
}

// Forward returns convolution + bias for one NHWC image
func (l *Conv2DLayer) Forward(c *Context, input []float32) ([]float32, error) {
	c.Queue.WriteBuffer(l.InputBuffer, 0, wgpu.ToBytes(input))
	if err := l.run(c, l.pipeline, l.bindGroup, l.outputSize()); err != nil {
		return nil, err
	}
	return ReadBuffer(c, l.OutputBuffer, l.outputSize())
}

// BackwardInput returns the input gradient for a pre-activation gradient
func (l *Conv2DLayer) BackwardInput(c *Context, gradOutput []float32) ([]float32, error) {
	c.Queue.WriteBuffer(l.GradOutputBuffer, 0, wgpu.ToBytes(gradOutput))
	if err := l.run(c, l.bwPipeline, l.bwBindGroup, l.inputSize()); err != nil {
		return nil, err
	}
	return ReadBuffer(c, l.InputGradientBuffer, l.inputSize())
}

// Cleanup releases every GPU resource held by the layer
func (l *Conv2DLayer) Cleanup() {
	bufs := []*wgpu.Buffer{l.InputBuffer, l.OutputBuffer, l.WeightBuffer, l.BiasBuffer, l.GradOutputBuffer, l.InputGradientBuffer}
	for _, b := range bufs {
		if b != nil {
			b.Destroy()
		}
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.bwBindGroup != nil {
		l.bwBindGroup.Release()
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.bwPipeline != nil {
		l.bwPipeline.Release()
	}
}
