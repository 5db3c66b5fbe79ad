package nn

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer updates a parameter slice in place from its gradient.
// Buffers are sized on the first Step; later calls must pass the same length.
type Optimizer interface {
	// Step applies grads to params
	Step(params, grads []float32, learningRate float32) error

	// Reset clears optimizer state (moments, step count)
	Reset()

	// GetState returns optimizer hyperparameters and step count for logging
	GetState() map[string]interface{}

	// LoadState restores hyperparameters and step count
	LoadState(state map[string]interface{}) error

	// Name returns the optimizer name
	Name() string
}

// NewOptimizer builds an optimizer with default hyperparameters by name
func NewOptimizer(name string) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		return NewAdamOptimizerDefault(), nil
	case "sgd":
		return NewSGDOptimizer(), nil
	case "momentum":
		return NewSGDOptimizerWithMomentum(0.9, 0, false), nil
	case "rmsprop":
		return NewRMSpropOptimizerDefault(), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func checkLengths(name string, buf, params, grads []float32) error {
	if len(params) != len(grads) {
		return fmt.Errorf("%s: %d params but %d grads", name, len(params), len(grads))
	}
	if buf != nil && len(buf) != len(params) {
		return fmt.Errorf("%s: state sized for %d params, got %d", name, len(buf), len(params))
	}
	return nil
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum  float32
	dampening float32
	nesterov  bool
	velocity  []float32
}

func NewSGDOptimizer() *SGDOptimizer {
	return &SGDOptimizer{}
}

func NewSGDOptimizerWithMomentum(momentum, dampening float32, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:  momentum,
		dampening: dampening,
		nesterov:  nesterov,
	}
}

func (opt *SGDOptimizer) Step(params, grads []float32, learningRate float32) error {
	if err := checkLengths("sgd", opt.velocity, params, grads); err != nil {
		return err
	}

	// w = w - lr * grad
	if opt.momentum == 0 {
		for i, g := range grads {
			params[i] -= learningRate * g
		}
		return nil
	}

	first := opt.velocity == nil
	if first {
		opt.velocity = make([]float32, len(params))
	}
	for i, g := range grads {
		v := opt.velocity[i]
		if first {
			v = g
		} else {
			v = opt.momentum*v + (1-opt.dampening)*g
		}
		opt.velocity[i] = v

		if opt.nesterov {
			params[i] -= learningRate * (g + opt.momentum*v)
		} else {
			params[i] -= learningRate * v
		}
	}
	return nil
}

func (opt *SGDOptimizer) Reset() {
	opt.velocity = nil
}

func (opt *SGDOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":      "sgd",
		"momentum":  opt.momentum,
		"dampening": opt.dampening,
		"nesterov":  opt.nesterov,
	}
}

func (opt *SGDOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "sgd" {
		return fmt.Errorf("invalid optimizer type: expected sgd, got %v", state["type"])
	}
	if m, ok := stateFloat(state, "momentum"); ok {
		opt.momentum = m
	}
	if d, ok := stateFloat(state, "dampening"); ok {
		opt.dampening = d
	}
	if n, ok := state["nesterov"].(bool); ok {
		opt.nesterov = n
	}
	return nil
}

func (opt *SGDOptimizer) Name() string {
	return "SGD"
}

// ============================================================================
// Adam Optimizer
// ============================================================================

// AdamOptimizer folds bias correction into the step size:
//
//	lr_t = lr * sqrt(1 - β2^t) / (1 - β1^t)
//	w   -= lr_t * m / (sqrt(v) + ε)
type AdamOptimizer struct {
	beta1   float32
	beta2   float32
	epsilon float32

	step int
	m    []float32 // first moment
	v    []float32 // second moment
}

func NewAdamOptimizer(beta1, beta2, epsilon float32) *AdamOptimizer {
	return &AdamOptimizer{
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
	}
}

func NewAdamOptimizerDefault() *AdamOptimizer {
	return NewAdamOptimizer(0.9, 0.999, 1e-8)
}

func (opt *AdamOptimizer) Step(params, grads []float32, learningRate float32) error {
	if err := checkLengths("adam", opt.m, params, grads); err != nil {
		return err
	}
	if opt.m == nil {
		opt.m = make([]float32, len(params))
		opt.v = make([]float32, len(params))
	}

	opt.step++
	t := float64(opt.step)
	b1, b2 := float64(opt.beta1), float64(opt.beta2)
	lrT := float32(float64(learningRate) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))

	for i, g := range grads {
		opt.m[i] = opt.beta1*opt.m[i] + (1-opt.beta1)*g
		opt.v[i] = opt.beta2*opt.v[i] + (1-opt.beta2)*g*g
		params[i] -= lrT * opt.m[i] / (float32(math.Sqrt(float64(opt.v[i]))) + opt.epsilon)
	}
	return nil
}

func (opt *AdamOptimizer) Reset() {
	opt.step = 0
	opt.m = nil
	opt.v = nil
}

func (opt *AdamOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":    "adam",
		"beta1":   opt.beta1,
		"beta2":   opt.beta2,
		"epsilon": opt.epsilon,
		"step":    opt.step,
	}
}

func (opt *AdamOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "adam" {
		return fmt.Errorf("invalid optimizer type: expected adam, got %v", state["type"])
	}
	if b1, ok := stateFloat(state, "beta1"); ok {
		opt.beta1 = b1
	}
	if b2, ok := stateFloat(state, "beta2"); ok {
		opt.beta2 = b2
	}
	if eps, ok := stateFloat(state, "epsilon"); ok {
		opt.epsilon = eps
	}
	if s, ok := stateFloat(state, "step"); ok {
		opt.step = int(s)
	}
	return nil
}

func (opt *AdamOptimizer) Name() string {
	return "Adam"
}

// ============================================================================
// RMSprop Optimizer
// ============================================================================

type RMSpropOptimizer struct {
	alpha    float32
	epsilon  float32
	momentum float32

	sqAvg     []float32
	momentBuf []float32
}

func NewRMSpropOptimizer(alpha, epsilon, momentum float32) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		alpha:    alpha,
		epsilon:  epsilon,
		momentum: momentum,
	}
}

func NewRMSpropOptimizerDefault() *RMSpropOptimizer {
	return NewRMSpropOptimizer(0.99, 1e-8, 0)
}

func (opt *RMSpropOptimizer) Step(params, grads []float32, learningRate float32) error {
	if err := checkLengths("rmsprop", opt.sqAvg, params, grads); err != nil {
		return err
	}
	if opt.sqAvg == nil {
		opt.sqAvg = make([]float32, len(params))
		opt.momentBuf = make([]float32, len(params))
	}

	for i, g := range grads {
		opt.sqAvg[i] = opt.alpha*opt.sqAvg[i] + (1-opt.alpha)*g*g
		update := g / (float32(math.Sqrt(float64(opt.sqAvg[i]))) + opt.epsilon)
		if opt.momentum > 0 {
			opt.momentBuf[i] = opt.momentum*opt.momentBuf[i] + update
			update = opt.momentBuf[i]
		}
		params[i] -= learningRate * update
	}
	return nil
}

func (opt *RMSpropOptimizer) Reset() {
	opt.sqAvg = nil
	opt.momentBuf = nil
}

func (opt *RMSpropOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":     "rmsprop",
		"alpha":    opt.alpha,
		"epsilon":  opt.epsilon,
		"momentum": opt.momentum,
	}
}

func (opt *RMSpropOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "rmsprop" {
		return fmt.Errorf("invalid optimizer type: expected rmsprop, got %v", state["type"])
	}
	if a, ok := stateFloat(state, "alpha"); ok {
		opt.alpha = a
	}
	if eps, ok := stateFloat(state, "epsilon"); ok {
		opt.epsilon = eps
	}
	if m, ok := stateFloat(state, "momentum"); ok {
		opt.momentum = m
	}
	return nil
}

func (opt *RMSpropOptimizer) Name() string {
	return "RMSprop"
}

// stateFloat reads a number that may have come from JSON (float64) or from
// GetState directly (float32 / int)
func stateFloat(state map[string]interface{}, key string) (float32, bool) {
	switch v := state[key].(type) {
	case float64:
		return float32(v), true
	case float32:
		return v, true
	case int:
		return float32(v), true
	}
	return 0, false
}
