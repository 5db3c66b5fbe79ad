package nn

// ModelTelemetry describes the extractor's structure for dashboards and the
// describe command
type ModelTelemetry struct {
	ID          string           `json:"id"`
	TotalLayers int              `json:"total_layers"`
	TotalParams int              `json:"total_parameters"`
	Layers      []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific layer
type LayerTelemetry struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`
	Parameters int    `json:"parameters"`

	// NHWC, batch 1
	InputShape  []int `json:"input_shape"`
	OutputShape []int `json:"output_shape"`

	KernelShape []int `json:"kernel_shape,omitempty"` // HWIO
}

// Describe returns the blueprint of this extractor's layer chain
func (e *Extractor) Describe(modelID string) ModelTelemetry {
	return describeLayers(e.layers, modelID)
}

// DescribeVGG16 returns the blueprint of the fixed topology without weights
func DescribeVGG16(modelID string) ModelTelemetry {
	return describeLayers(vgg16Topology(), modelID)
}

func describeLayers(layers []LayerConfig, modelID string) ModelTelemetry {
	telemetry := ModelTelemetry{
		ID:          modelID,
		TotalLayers: len(layers),
		Layers:      make([]LayerTelemetry, 0, len(layers)),
	}

	for i, cfg := range layers {
		tel := LayerTelemetry{
			Index:       i,
			Name:        cfg.Name,
			Type:        cfg.Type.String(),
			Parameters:  cfg.Parameters(),
			InputShape:  []int{1, cfg.InputHeight, cfg.InputWidth, cfg.InputChannels},
			OutputShape: []int{1, cfg.OutputHeight, cfg.OutputWidth, cfg.OutputChannels()},
		}
		if cfg.Type == LayerConv2D {
			tel.Activation = cfg.Activation.String()
			tel.KernelShape = []int{cfg.KernelSize, cfg.KernelSize, cfg.InputChannels, cfg.Filters}
		}
		telemetry.Layers = append(telemetry.Layers, tel)
		telemetry.TotalParams += tel.Parameters
	}

	return telemetry
}
