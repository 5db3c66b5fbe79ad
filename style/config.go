// Package style runs the optimisation loop that repaints a result image so
// its deep features match one image's content and another's style.
package style

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/openfluke/neuralstyle/nn"
)

var (
	// ErrConfig is returned for invalid run configuration
	ErrConfig = errors.New("style: invalid config")

	// ErrDiverged is returned when the loss or gradient stops being finite
	ErrDiverged = errors.New("style: optimisation diverged")

	// ErrTerminated is returned when stepping a session that has finished
	ErrTerminated = errors.New("style: session terminated")
)

// Config holds the settings of one style transfer run
type Config struct {
	Steps        int     `json:"steps"`
	LearningRate float32 `json:"learning_rate"`

	ContentWeight float64  `json:"content_weight"`
	StyleWeight   float64  `json:"style_weight"`
	ContentLayers []string `json:"content_layers"`
	StyleLayers   []string `json:"style_layers"`

	// Result initialisation: truncated normal around InitMean
	InitMean   float64 `json:"init_mean"`
	InitStdDev float64 `json:"init_stddev"`
	Seed       int64   `json:"seed"`

	// SaveEvery writes a frame every N steps; 0 disables frames
	SaveEvery int    `json:"save_every"`
	OutputDir string `json:"output_dir"`

	// ChannelMeans are subtracted from B, G, R before the first conv
	ChannelMeans [3]float32 `json:"channel_means"`

	Optimizer string            `json:"optimizer"`
	Schedule  nn.ScheduleConfig `json:"schedule"`
}

// DefaultConfig returns the reference settings: 100 Adam steps at a fixed
// learning rate of 10, content on conv1_2+conv2_2, style on conv4_3
func DefaultConfig() Config {
	return Config{
		Steps:         100,
		LearningRate:  10,
		ContentWeight: 0.1,
		StyleWeight:   500,
		ContentLayers: []string{"conv1_2", "conv2_2"},
		StyleLayers:   []string{"conv4_3"},
		InitMean:      127.5,
		InitStdDev:    20,
		Seed:          1,
		SaveEvery:     1,
		OutputDir:     "./run_style_transfer",
		ChannelMeans:  nn.VGGMean,
		Optimizer:     "adam",
		Schedule:      nn.ScheduleConfig{Kind: "constant"},
	}
}

// Weights returns the loss weights of the config
func (c Config) Weights() nn.LossWeights {
	return nn.LossWeights{Content: c.ContentWeight, Style: c.StyleWeight}
}

// Validate checks every field. Layer names must belong to the topology and
// no layer may be used for both content and style.
func (c Config) Validate() error {
	if c.Steps < 0 {
		return fmt.Errorf("%w: steps must be >= 0, got %d", ErrConfig, c.Steps)
	}
	if !(c.LearningRate > 0) {
		return fmt.Errorf("%w: learning rate must be > 0, got %v", ErrConfig, c.LearningRate)
	}
	// A weight only matters when its term has layers
	if len(c.ContentLayers) > 0 && !(c.ContentWeight > 0) {
		return fmt.Errorf("%w: content weight must be > 0, got %v", ErrConfig, c.ContentWeight)
	}
	if len(c.StyleLayers) > 0 && !(c.StyleWeight > 0) {
		return fmt.Errorf("%w: style weight must be > 0, got %v", ErrConfig, c.StyleWeight)
	}
	if c.InitStdDev < 0 {
		return fmt.Errorf("%w: init stddev must be >= 0", ErrConfig)
	}
	if c.SaveEvery < 0 {
		return fmt.Errorf("%w: save_every must be >= 0", ErrConfig)
	}
	if c.SaveEvery > 0 && c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required when saving frames", ErrConfig)
	}
	if len(c.ContentLayers)+len(c.StyleLayers) == 0 {
		return fmt.Errorf("%w: no content or style layers selected", ErrConfig)
	}

	known := make(map[string]bool)
	for _, n := range nn.VGG16Layers() {
		known[n] = true
	}
	content := make(map[string]bool)
	for _, n := range c.ContentLayers {
		if !known[n] {
			return fmt.Errorf("%w: content layer: %w %q", ErrConfig, nn.ErrUnknownLayer, n)
		}
		if content[n] {
			return fmt.Errorf("%w: content layer %q listed twice", ErrConfig, n)
		}
		content[n] = true
	}
	styleSeen := make(map[string]bool)
	for _, n := range c.StyleLayers {
		if !known[n] {
			return fmt.Errorf("%w: style layer: %w %q", ErrConfig, nn.ErrUnknownLayer, n)
		}
		if content[n] {
			return fmt.Errorf("%w: layer %q is used for both content and style", ErrConfig, n)
		}
		if styleSeen[n] {
			return fmt.Errorf("%w: style layer %q listed twice", ErrConfig, n)
		}
		styleSeen[n] = true
	}

	if _, err := nn.NewOptimizer(c.Optimizer); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := nn.NewScheduler(c.Schedule, c.LearningRate, c.Steps); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// LoadConfig reads a JSON config file. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// SaveConfig writes cfg as indented JSON
func SaveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
