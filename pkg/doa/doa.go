// Package doa estimates the direction of a sound source from a two-microphone recording.
//
// The far-field model maps the time difference of arrival between microphone A
// and microphone B to an angle: asin(tdoa * speedOfSound / micDistance). A
// positive delay means B heard the sound after A, so the source lies on A's
// side (positive angle).
//
//	tdoa, err := doa.EstimateTDOA(left, right, 44100, doa.GCCPHAT, true)
//	angle, err := doa.EstimateAngle(tdoa, doa.DefaultGeometry())
package doa

import (
	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/dsp"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// Method selects the delay estimator
type Method = tdoa.Method

// Supported methods
const (
	CrossCorrelation = tdoa.CrossCorrelation
	GCCPHAT          = tdoa.GCCPHAT
)

// Geometry describes the microphone pair
type Geometry = doa.Geometry

// Result is the full outcome of one estimation
type Result = doa.Estimate

// Status classifies a Result
type Status = doa.Status

// Side names the half-plane a source lies in
type Side = doa.Side

// Errors returned by this package. Match them with errors.Is.
var (
	ErrOutOfRange         = doa.ErrOutOfRange
	ErrInvalidGeometry    = doa.ErrInvalidGeometry
	ErrSilentInput        = tdoa.ErrSilentInput
	ErrEmptySignal        = tdoa.ErrEmptySignal
	ErrInvalidSampleRate  = tdoa.ErrInvalidSampleRate
	ErrSampleRateMismatch = pipeline.ErrSampleRateMismatch
)

// DefaultGeometry returns a 20cm pair in air at 343 m/s
func DefaultGeometry() Geometry {
	return doa.DefaultGeometry()
}

// ParseMethod parses a method name such as "gcc_phat" or "cross_correlation"
func ParseMethod(s string) (Method, error) {
	return tdoa.ParseMethod(s)
}

type options struct {
	geometry    Geometry
	hasGeometry bool
	method      Method
	refine      bool
	interp      int
	condition   dsp.Options
}

// Option customizes an estimation
type Option func(*options)

// WithGeometry sets the microphone geometry. For EstimateTDOA it also bounds
// the GCC-PHAT search to physically possible delays.
func WithGeometry(g Geometry) Option {
	return func(o *options) {
		o.geometry = g
		o.hasGeometry = true
	}
}

// WithWindow toggles the Hann window applied before correlation
func WithWindow(enabled bool) Option {
	return func(o *options) { o.condition.Window = enabled }
}

// WithInterpolation sets the GCC-PHAT interpolation factor
func WithInterpolation(factor int) Option {
	return func(o *options) { o.interp = factor }
}

// WithConditioning toggles DC removal and peak normalization
func WithConditioning(removeDC, normalize bool) Option {
	return func(o *options) {
		o.condition.RemoveDC = removeDC
		o.condition.Normalize = normalize
	}
}

// WithMethod selects the estimator for Estimate
func WithMethod(m Method) Option {
	return func(o *options) { o.method = m }
}

// WithRefine toggles sub-sample refinement for Estimate
func WithRefine(refine bool) Option {
	return func(o *options) { o.refine = refine }
}

func buildOptions(opts []Option) options {
	o := options{
		geometry:  doa.DefaultGeometry(),
		method:    tdoa.GCCPHAT,
		refine:    true,
		interp:    tdoa.DefaultInterpolationFactor,
		condition: dsp.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) estimatorConfig() tdoa.Config {
	return tdoa.Config{
		Method:              o.method,
		Refine:              o.refine,
		InterpolationFactor: o.interp,
		Epsilon:             tdoa.DefaultEpsilon,
	}
}

// EstimateTDOA returns the delay of b relative to a in seconds.
// Both signals share sampleRate; the longer one is truncated.
func EstimateTDOA(a, b []float64, sampleRate int, method Method, refine bool, opts ...Option) (float64, error) {
	o := buildOptions(opts)
	o.method = method
	o.refine = refine

	cfg := o.estimatorConfig()
	if o.hasGeometry {
		if err := o.geometry.Validate(); err != nil {
			return 0, err
		}
		cfg.MaxTDOA = o.geometry.MaxTDOA()
	}

	est, err := tdoa.NewEstimator(cfg)
	if err != nil {
		return 0, err
	}

	ra, rb := dsp.Equalize(a, b)
	if len(ra) > 0 && (!dsp.HasSignal(ra, o.condition) || !dsp.HasSignal(rb, o.condition)) {
		return 0, ErrSilentInput
	}
	ca, cb := dsp.Condition(ra, rb, o.condition)

	res, err := est.Estimate(ca, cb, sampleRate)
	if err != nil {
		return 0, err
	}
	return res.TDOA, nil
}

// EstimateAngle maps a delay in seconds to an angle in degrees.
// Delays beyond the geometric limit return an error matching ErrOutOfRange.
func EstimateAngle(tdoaSeconds float64, g Geometry) (float64, error) {
	if err := g.Validate(); err != nil {
		return 0, err
	}
	angle, err := g.Angle(tdoaSeconds)
	if err != nil {
		return 0, err
	}
	return angle.Degrees, nil
}

// Estimate runs conditioning, delay estimation and angle mapping in one call.
// The returned Result always carries a Status, even alongside an error.
func Estimate(a, b []float64, sampleRate int, opts ...Option) (Result, error) {
	o := buildOptions(opts)

	engine, err := pipeline.New(pipeline.Config{
		Geometry:  o.geometry,
		Estimator: o.estimatorConfig(),
		Condition: o.condition,
	})
	if err != nil {
		return Result{}, err
	}

	return engine.Estimate(
		pipeline.Channel{Samples: a, SampleRate: sampleRate},
		pipeline.Channel{Samples: b, SampleRate: sampleRate},
	)
}
