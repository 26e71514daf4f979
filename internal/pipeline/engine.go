// Package pipeline runs conditioning, delay estimation and angle mapping as one step
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/dsp"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// ErrSampleRateMismatch is returned when the two channels were sampled at different rates
var ErrSampleRateMismatch = errors.New("sampling rates do not match")

// Channel is one microphone's samples
type Channel struct {
	Samples    []float64
	SampleRate int
}

// Config holds the read-only settings of an Engine
type Config struct {
	Geometry  doa.Geometry
	Estimator tdoa.Config
	Condition dsp.Options
}

// DefaultConfig returns GCC-PHAT with refinement on a 20cm rig
func DefaultConfig() Config {
	return Config{
		Geometry:  doa.DefaultGeometry(),
		Estimator: tdoa.DefaultConfig(),
		Condition: dsp.DefaultOptions(),
	}
}

// Observer receives every finished estimate
type Observer interface {
	ObserveEstimate(est doa.Estimate, elapsed time.Duration)
}

// Option configures an Engine
type Option func(*Engine)

// WithObserver reports estimates to o
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine turns a pair of channels into a direction estimate.
// It holds only configuration and is safe for concurrent use.
type Engine struct {
	cfg       Config
	estimator *tdoa.Estimator
	observer  Observer
	logger    *slog.Logger
}

// New validates cfg and creates an Engine.
// A zero MaxTDOA is derived from the geometry so GCC-PHAT only searches physical lags.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Estimator.MaxTDOA == 0 {
		cfg.Estimator.MaxTDOA = cfg.Geometry.MaxTDOA()
	}

	est, err := tdoa.NewEstimator(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	cfg.Estimator = est.Config()

	e := &Engine{
		cfg:       cfg,
		estimator: est,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// With returns an engine sharing this one's observer and logger but using cfg
func (e *Engine) With(cfg Config) (*Engine, error) {
	return New(cfg, WithObserver(e.observer), WithLogger(e.logger))
}

// Estimate conditions both channels, estimates the delay of b relative to a and
// maps it to an angle. The returned Estimate always carries a Status; when the
// delay is outside the geometric limit it also carries the delay itself, together
// with an error matching doa.ErrOutOfRange.
func (e *Engine) Estimate(a, b Channel) (doa.Estimate, error) {
	start := time.Now()
	est, err := e.estimate(a, b)
	est = Classify(est, err)

	if e.observer != nil {
		e.observer.ObserveEstimate(est, time.Since(start))
	}
	if err != nil {
		e.logger.Debug("no direction estimate", "status", est.Status, "error", err)
	}
	return est, err
}

// EstimateBlock implements doa.Estimator for streaming sources
func (e *Engine) EstimateBlock(b doa.Block) (doa.Estimate, error) {
	return e.Estimate(
		Channel{Samples: b.Left, SampleRate: b.SampleRate},
		Channel{Samples: b.Right, SampleRate: b.SampleRate},
	)
}

func (e *Engine) estimate(a, b Channel) (doa.Estimate, error) {
	est := doa.Estimate{
		Method:     string(e.cfg.Estimator.Method),
		SampleRate: a.SampleRate,
	}

	if a.SampleRate != b.SampleRate {
		return est, fmt.Errorf("%w: %d Hz vs %d Hz", ErrSampleRateMismatch, a.SampleRate, b.SampleRate)
	}

	ra, rb := dsp.Equalize(a.Samples, b.Samples)
	est.Samples = len(ra)
	if len(ra) > 0 && (!dsp.HasSignal(ra, e.cfg.Condition) || !dsp.HasSignal(rb, e.cfg.Condition)) {
		return est, tdoa.ErrSilentInput
	}

	ca, cb := dsp.Condition(ra, rb, e.cfg.Condition)

	res, err := e.estimator.Estimate(ca, cb, a.SampleRate)
	if err != nil {
		return est, err
	}

	est.TDOA = res.TDOA
	est.TDOAMicros = res.TDOA * 1e6
	est.LagSamples = res.LagSamples
	est.Peak = res.Peak
	est.Refined = res.Refined

	angle, err := e.cfg.Geometry.Angle(res.TDOA)
	if err != nil {
		return est, err
	}

	est.Angle = angle.Degrees
	est.Side = angle.Side()
	return est, nil
}

// Classify sets Status and Message on est from the error that came with it
func Classify(est doa.Estimate, err error) doa.Estimate {
	switch {
	case err == nil:
		est.Status = doa.StatusOK
		est.Message = ""
	case errors.Is(err, doa.ErrOutOfRange):
		est.Status = doa.StatusOutOfRange
		est.Message = "TDOA too large; sound source likely beyond ±90°"
	case errors.Is(err, tdoa.ErrSilentInput):
		est.Status = doa.StatusSilent
		est.Message = "input has no signal; no estimate"
	default:
		est.Status = doa.StatusError
		est.Message = err.Error()
	}

	if est.Status != doa.StatusOK {
		est.Angle = 0
		est.Side = ""
	}
	return est
}
