package style

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/neuralstyle/nn"
)

// State is the lifecycle of a Session
type State int

const (
	StateInitialized State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Progress describes one completed optimisation step. Losses are those of
// the result before the step's update was applied.
type Progress struct {
	Step         int           `json:"step"`
	Losses       nn.Losses     `json:"losses"`
	LearningRate float32       `json:"learning_rate"`
	Frame        string        `json:"frame,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// FrameWriter persists intermediate results
type FrameWriter interface {
	SaveFrame(t *nn.Tensor, dir string, step int) (string, error)
}

// Option customises a Session
type Option func(*options)

type options struct {
	backend  nn.ConvBackend
	observer nn.LayerObserver
	initial  *nn.Tensor
}

// WithBackend runs all three extractors on the given convolution backend
func WithBackend(b nn.ConvBackend) Option {
	return func(o *options) { o.backend = b }
}

// WithObserver attaches a layer observer to the result extractor
func WithObserver(obs nn.LayerObserver) Option {
	return func(o *options) { o.observer = obs }
}

// WithInitialResult starts from a copy of t instead of random noise
func WithInitialResult(t *nn.Tensor) Option {
	return func(o *options) { o.initial = t }
}

// Session owns the result image and mutates it one optimisation step at a
// time. The content and style images are only read while the session is
// built. A Session is not safe for concurrent use.
type Session struct {
	cfg Config

	contentNet *nn.Extractor
	styleNet   *nn.Extractor
	resultNet  *nn.Extractor

	contentTargets map[string]*nn.Tensor
	styleTargets   map[string]*mat.SymDense
	deepest        string

	result    *nn.Tensor
	optimizer nn.Optimizer
	schedule  nn.LRScheduler

	state State
	step  int
	start time.Time
}

// NewSession validates cfg, builds the three extractors over one weight
// source and precomputes the content activations and style Gram matrices.
func NewSession(cfg Config, src nn.WeightSource, content, style *nn.Tensor, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := nn.CheckImageShape(content); err != nil {
		return nil, fmt.Errorf("content image: %w", err)
	}
	if err := nn.CheckImageShape(style); err != nil {
		return nil, fmt.Errorf("style image: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	build := func(obs nn.LayerObserver) (*nn.Extractor, error) {
		return nn.NewExtractor(src, cfg.ChannelMeans, nn.WithBackend(o.backend), nn.WithObserver(obs))
	}

	s := &Session{
		cfg:            cfg,
		contentTargets: make(map[string]*nn.Tensor),
		styleTargets:   make(map[string]*mat.SymDense),
	}

	var err error
	if s.contentNet, err = build(nil); err != nil {
		return nil, err
	}
	if s.styleNet, err = build(nil); err != nil {
		return nil, err
	}
	if s.resultNet, err = build(o.observer); err != nil {
		return nil, err
	}

	if err := s.computeTargets(content, style); err != nil {
		return nil, err
	}

	all := append(append([]string(nil), cfg.ContentLayers...), cfg.StyleLayers...)
	if s.deepest, err = s.resultNet.Deepest(all...); err != nil {
		return nil, err
	}

	if o.initial != nil {
		if err := nn.CheckImageShape(o.initial); err != nil {
			return nil, fmt.Errorf("initial result: %w", err)
		}
		s.result = o.initial.Clone()
	} else {
		rng := rand.New(rand.NewSource(cfg.Seed))
		s.result = TruncatedNormal(rng, cfg.InitMean, cfg.InitStdDev, 1, nn.InputSize, nn.InputSize, nn.InputChannels)
	}

	if s.optimizer, err = nn.NewOptimizer(cfg.Optimizer); err != nil {
		return nil, err
	}
	if s.schedule, err = nn.NewScheduler(cfg.Schedule, cfg.LearningRate, cfg.Steps); err != nil {
		return nil, err
	}

	return s, nil
}

// computeTargets runs the content and style images once
func (s *Session) computeTargets(content, style *nn.Tensor) error {
	if len(s.cfg.ContentLayers) > 0 {
		last, err := s.contentNet.Deepest(s.cfg.ContentLayers...)
		if err != nil {
			return err
		}
		acts, err := s.contentNet.ExtractUntil(content, last)
		if err != nil {
			return fmt.Errorf("content features: %w", err)
		}
		for _, name := range s.cfg.ContentLayers {
			t, _ := acts.Get(name)
			s.contentTargets[name] = t
		}
	}

	if len(s.cfg.StyleLayers) > 0 {
		last, err := s.styleNet.Deepest(s.cfg.StyleLayers...)
		if err != nil {
			return err
		}
		acts, err := s.styleNet.ExtractUntil(style, last)
		if err != nil {
			return fmt.Errorf("style features: %w", err)
		}
		for _, name := range s.cfg.StyleLayers {
			t, _ := acts.Get(name)
			g, err := nn.Gram(t)
			if err != nil {
				return fmt.Errorf("style gram at %s: %w", name, err)
			}
			s.styleTargets[name] = g
		}
	}
	return nil
}

// Config returns the session configuration
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the lifecycle state
func (s *Session) State() State {
	return s.state
}

// StepCount returns the number of completed steps
func (s *Session) StepCount() int {
	return s.step
}

// Result returns a copy of the current result image
func (s *Session) Result() *nn.Tensor {
	return s.result.Clone()
}

// ResultNet exposes the result extractor (for telemetry)
func (s *Session) ResultNet() *nn.Extractor {
	return s.resultNet
}

// forward runs the result image and pairs its activations with the targets
func (s *Session) forward() (*nn.Activations, []nn.ContentTerm, []nn.StyleTerm, error) {
	acts, err := s.resultNet.ExtractUntil(s.result, s.deepest)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("result features: %w", err)
	}

	content := make([]nn.ContentTerm, 0, len(s.cfg.ContentLayers))
	for _, name := range s.cfg.ContentLayers {
		r, _ := acts.Get(name)
		content = append(content, nn.ContentTerm{Layer: name, Target: s.contentTargets[name], Result: r})
	}
	style := make([]nn.StyleTerm, 0, len(s.cfg.StyleLayers))
	for _, name := range s.cfg.StyleLayers {
		r, _ := acts.Get(name)
		style = append(style, nn.StyleTerm{Layer: name, Target: s.styleTargets[name], Result: r})
	}
	return acts, content, style, nil
}

// Evaluate computes the losses of the current result without changing it
func (s *Session) Evaluate() (nn.Losses, error) {
	_, content, style, err := s.forward()
	if err != nil {
		return nn.Losses{}, err
	}
	return nn.ComposeLoss(content, style, s.cfg.Weights())
}

// Step performs one forward, backward and optimizer update of the result
// image and returns the losses measured before the update. A non-finite
// loss, gradient or updated result ends the session with ErrDiverged.
func (s *Session) Step() (Progress, error) {
	if s.state == StateTerminated {
		return Progress{}, ErrTerminated
	}
	if s.state == StateInitialized {
		s.state = StateRunning
		s.start = time.Now()
	}

	acts, content, style, err := s.forward()
	if err != nil {
		return Progress{}, s.fail(err)
	}

	w := s.cfg.Weights()
	losses, err := nn.ComposeLoss(content, style, w)
	if err != nil {
		return Progress{}, s.fail(err)
	}
	if math.IsNaN(losses.Total) || math.IsInf(losses.Total, 0) {
		return Progress{}, s.fail(fmt.Errorf("%w: loss %v at step %d", ErrDiverged, losses.Total, s.step+1))
	}

	seeds, err := nn.LossGradients(content, style, w)
	if err != nil {
		return Progress{}, s.fail(err)
	}
	grad, err := s.resultNet.Backward(acts, seeds)
	if err != nil {
		return Progress{}, s.fail(err)
	}
	if !nn.AllFinite(grad.Data) {
		return Progress{}, s.fail(fmt.Errorf("%w: non-finite gradient at step %d", ErrDiverged, s.step+1))
	}

	lr := s.schedule.GetLR(s.step + 1)
	if err := s.optimizer.Step(s.result.Data, grad.Data, lr); err != nil {
		return Progress{}, s.fail(err)
	}
	if !nn.AllFinite(s.result.Data) {
		return Progress{}, s.fail(fmt.Errorf("%w: non-finite result at step %d", ErrDiverged, s.step+1))
	}
	s.step++

	return Progress{
		Step:         s.step,
		Losses:       losses,
		LearningRate: lr,
		Elapsed:      time.Since(s.start),
	}, nil
}

func (s *Session) fail(err error) error {
	s.state = StateTerminated
	return err
}

// Run performs the remaining configured steps. After each step the
// progress goes to every reporter, and every SaveEvery steps the clipped
// result is handed to w (which may be nil). Run always leaves the session
// terminated; with zero steps it does nothing else.
func (s *Session) Run(w FrameWriter, reporters ...Reporter) error {
	defer func() { s.state = StateTerminated }()

	for s.step < s.cfg.Steps {
		p, err := s.Step()
		if err != nil {
			return err
		}

		if w != nil && s.cfg.SaveEvery > 0 && p.Step%s.cfg.SaveEvery == 0 {
			path, err := w.SaveFrame(s.result, s.cfg.OutputDir, p.Step)
			if err != nil {
				return s.fail(fmt.Errorf("step %d: %w", p.Step, err))
			}
			p.Frame = path
		}

		for _, r := range reporters {
			r.Report(p)
		}
	}
	return nil
}
