package nn

import (
	"fmt"
)

// LayerStats summarises one activation (or gradient) map
type LayerStats struct {
	AvgActivation float32 `json:"avg"`
	MaxActivation float32 `json:"max"`
	MinActivation float32 `json:"min"`
	ActiveNeurons int     `json:"active"`
	TotalNeurons  int     `json:"total"`
	LayerType     string  `json:"layer_type"`
}

// LayerEvent is delivered to a LayerObserver after each layer runs
type LayerEvent struct {
	Type      string     `json:"type"` // "forward" or "backward"
	LayerIdx  int        `json:"layer_idx"`
	LayerName string     `json:"layer_name"`
	LayerType LayerType  `json:"-"`
	Stats     LayerStats `json:"stats"`
	Output    []float32  `json:"-"`
}

// LayerObserver receives per-layer events from an Extractor
type LayerObserver interface {
	OnForward(event LayerEvent)
	OnBackward(event LayerEvent)
}

// computeLayerStats calculates summary statistics for an activation slice
func computeLayerStats(data []float32, layerType string, threshold float32) LayerStats {
	if len(data) == 0 {
		return LayerStats{LayerType: layerType}
	}

	var sum float64
	max := data[0]
	min := data[0]
	activeCount := 0

	for _, v := range data {
		sum += float64(v)
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		if v > threshold {
			activeCount++
		}
	}

	return LayerStats{
		AvgActivation: float32(sum / float64(len(data))),
		MaxActivation: max,
		MinActivation: min,
		ActiveNeurons: activeCount,
		TotalNeurons:  len(data),
		LayerType:     layerType,
	}
}

// notifyObserver sends an event to the observer if one exists
func notifyObserver(observer LayerObserver, config *LayerConfig, eventType string, layerIdx int, output []float32) {
	if observer == nil {
		return
	}

	event := LayerEvent{
		Type:      eventType,
		LayerIdx:  layerIdx,
		LayerName: config.Name,
		LayerType: config.Type,
		Stats:     computeLayerStats(output, config.Type.String(), 0.0),
		Output:    output,
	}

	if eventType == "forward" {
		observer.OnForward(event)
	} else {
		observer.OnBackward(event)
	}
}

// =============================================================================
// Observer Implementations
// =============================================================================

// ConsoleObserver prints layer events to stdout
type ConsoleObserver struct {
	Verbose bool // If true, print output data for small maps
}

func (o *ConsoleObserver) OnForward(event LayerEvent) {
	fmt.Printf("[FWD] %-8s (%s): avg=%.4f max=%.4f active=%d/%d\n",
		event.LayerName, event.Stats.LayerType,
		event.Stats.AvgActivation, event.Stats.MaxActivation,
		event.Stats.ActiveNeurons, event.Stats.TotalNeurons)

	if o.Verbose && event.Output != nil && len(event.Output) <= 20 {
		fmt.Printf("       Output: %v\n", event.Output)
	}
}

func (o *ConsoleObserver) OnBackward(event LayerEvent) {
	fmt.Printf("[BWD] %-8s (%s): grad_avg=%.6f grad_max=%.6f\n",
		event.LayerName, event.Stats.LayerType,
		event.Stats.AvgActivation, event.Stats.MaxActivation)
}

// ChannelObserver sends events to a Go channel (for internal processing)
type ChannelObserver struct {
	Events chan LayerEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{
		Events: make(chan LayerEvent, bufferSize),
	}
}

func (o *ChannelObserver) OnForward(event LayerEvent) {
	select {
	case o.Events <- event:
	default:
		// Channel full, drop event to avoid blocking
	}
}

func (o *ChannelObserver) OnBackward(event LayerEvent) {
	select {
	case o.Events <- event:
	default:
	}
}

// MultiObserver forwards every event to each observer in order
type MultiObserver []LayerObserver

func (m MultiObserver) OnForward(event LayerEvent) {
	for _, o := range m {
		o.OnForward(event)
	}
}

func (m MultiObserver) OnBackward(event LayerEvent) {
	for _, o := range m {
		o.OnBackward(event)
	}
}
