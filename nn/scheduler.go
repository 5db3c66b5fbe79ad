package nn

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps a 1-based optimisation step to a learning rate
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int) float32

	// Name returns the scheduler name
	Name() string
}

// ScheduleConfig selects and parameterises a learning-rate schedule.
// Zero values fall back to sensible defaults for the chosen kind.
type ScheduleConfig struct {
	Kind       string  `json:"kind"`        // constant, exponential, step, cosine
	DecayRate  float32 `json:"decay_rate"`  // exponential and step
	DecaySteps int     `json:"decay_steps"` // exponential and step
	MinLR      float32 `json:"min_lr"`      // cosine
}

// NewScheduler builds the schedule described by cfg around baseLR.
// totalSteps is the horizon used by cosine annealing.
func NewScheduler(cfg ScheduleConfig, baseLR float32, totalSteps int) (LRScheduler, error) {
	decayRate := cfg.DecayRate
	if decayRate == 0 {
		decayRate = 0.5
	}
	decaySteps := cfg.DecaySteps
	if decaySteps <= 0 {
		decaySteps = 100
	}

	switch strings.ToLower(cfg.Kind) {
	case "", "constant":
		return NewConstantScheduler(baseLR), nil
	case "exponential":
		return NewExponentialDecayScheduler(baseLR, decayRate, decaySteps), nil
	case "step":
		return NewStepDecayScheduler(baseLR, decayRate, decaySteps), nil
	case "cosine":
		return NewCosineAnnealingScheduler(baseLR, cfg.MinLR, totalSteps), nil
	default:
		return nil, fmt.Errorf("unknown schedule %q", cfg.Kind)
	}
}

// ============================================================================
// Constant Scheduler
// ============================================================================

type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(step int) float32 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// ============================================================================
// Exponential Decay Scheduler
// ============================================================================

type ExponentialDecayScheduler struct {
	initialLR  float32
	decayRate  float32
	decaySteps int
}

func NewExponentialDecayScheduler(initialLR, decayRate float32, decaySteps int) *ExponentialDecayScheduler {
	return &ExponentialDecayScheduler{
		initialLR:  initialLR,
		decayRate:  decayRate,
		decaySteps: decaySteps,
	}
}

// GetLR: lr = initialLR * decayRate^((step-1) / decaySteps)
func (s *ExponentialDecayScheduler) GetLR(step int) float32 {
	exponent := float64(step-1) / float64(s.decaySteps)
	return s.initialLR * float32(math.Pow(float64(s.decayRate), exponent))
}

func (s *ExponentialDecayScheduler) Name() string {
	return "ExponentialDecay"
}

// ============================================================================
// Step Decay Scheduler
// ============================================================================

type StepDecayScheduler struct {
	initialLR   float32
	decayFactor float32
	stepSize    int
}

func NewStepDecayScheduler(initialLR, decayFactor float32, stepSize int) *StepDecayScheduler {
	return &StepDecayScheduler{
		initialLR:   initialLR,
		decayFactor: decayFactor,
		stepSize:    stepSize,
	}
}

// GetLR drops the rate by decayFactor after every stepSize steps
func (s *StepDecayScheduler) GetLR(step int) float32 {
	numDecays := (step - 1) / s.stepSize
	return s.initialLR * float32(math.Pow(float64(s.decayFactor), float64(numDecays)))
}

func (s *StepDecayScheduler) Name() string {
	return "StepDecay"
}

// ============================================================================
// Cosine Annealing Scheduler
// ============================================================================

type CosineAnnealingScheduler struct {
	initialLR  float32
	minLR      float32
	totalSteps int
}

func NewCosineAnnealingScheduler(initialLR, minLR float32, totalSteps int) *CosineAnnealingScheduler {
	return &CosineAnnealingScheduler{
		initialLR:  initialLR,
		minLR:      minLR,
		totalSteps: totalSteps,
	}
}

// GetLR: lr = minLR + (initialLR - minLR) * (1 + cos(π * progress)) / 2
func (s *CosineAnnealingScheduler) GetLR(step int) float32 {
	if s.totalSteps <= 1 {
		return s.initialLR
	}
	if step >= s.totalSteps {
		return s.minLR
	}
	progress := float64(step-1) / float64(s.totalSteps-1)
	cosineDecay := float32((1 + math.Cos(math.Pi*progress)) / 2)
	return s.minLR + (s.initialLR-s.minLR)*cosineDecay
}

func (s *CosineAnnealingScheduler) Name() string {
	return "CosineAnnealing"
}
