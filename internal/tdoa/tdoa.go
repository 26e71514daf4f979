// Package tdoa estimates the time difference of arrival between two microphone signals.
//
// Sign convention: a positive delay means the sound reached the second signal (B)
// after the first (A).
package tdoa

import (
	"errors"
	"fmt"
	"strings"

	"github.com/teslashibe/go-tdoa/internal/dsp"
)

// Method selects the correlation algorithm
type Method string

const (
	CrossCorrelation Method = "cross_correlation"
	GCCPHAT          Method = "gcc_phat"
)

// DefaultInterpolationFactor is the GCC-PHAT upsampling factor
const DefaultInterpolationFactor = 16

// DefaultEpsilon keeps the phase transform finite in empty frequency bins
const DefaultEpsilon = 1e-15

var (
	ErrSilentInput       = errors.New("signal has no dynamic range")
	ErrEmptySignal       = errors.New("signal is empty")
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
)

// ParseMethod parses a method name. Empty selects GCC-PHAT.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gcc_phat", "gcc-phat", "gccphat", "phat":
		return GCCPHAT, nil
	case "cross_correlation", "xcorr", "cc", "correlation":
		return CrossCorrelation, nil
	}
	return "", fmt.Errorf("unknown delay estimation method %q", s)
}

// Config configures an Estimator
type Config struct {
	Method              Method
	Refine              bool    // Parabolic sub-sample refinement
	InterpolationFactor int     // GCC-PHAT only
	MaxTDOA             float64 // Seconds; bounds the GCC-PHAT search, 0 searches everything
	Epsilon             float64 // GCC-PHAT whitening guard
	SilenceFloor        float64 // Peak amplitude treated as silence
}

// DefaultConfig returns GCC-PHAT with refinement
func DefaultConfig() Config {
	return Config{
		Method:              GCCPHAT,
		Refine:              true,
		InterpolationFactor: DefaultInterpolationFactor,
		Epsilon:             DefaultEpsilon,
	}
}

// Result is a single delay estimate
type Result struct {
	Method     Method  `json:"method"`
	LagSamples float64 `json:"lag_samples"` // In input sample periods, fractional when refined
	TDOA       float64 `json:"tdoa"`        // Seconds
	Peak       float64 `json:"peak"`        // Correlation peak, a confidence proxy
	Refined    bool    `json:"refined"`
	Samples    int     `json:"samples"`
}

// Estimator computes delays between signal pairs.
// It holds no per-call state and is safe for concurrent use.
type Estimator struct {
	cfg Config
}

// NewEstimator validates cfg and fills defaults
func NewEstimator(cfg Config) (*Estimator, error) {
	if cfg.Method == "" {
		cfg.Method = GCCPHAT
	}
	if cfg.Method != CrossCorrelation && cfg.Method != GCCPHAT {
		return nil, fmt.Errorf("unknown delay estimation method %q", cfg.Method)
	}
	if cfg.InterpolationFactor == 0 {
		cfg.InterpolationFactor = DefaultInterpolationFactor
	}
	if cfg.InterpolationFactor < 1 {
		return nil, fmt.Errorf("interpolation factor must be >= 1, got %d", cfg.InterpolationFactor)
	}
	if cfg.MaxTDOA < 0 {
		return nil, fmt.Errorf("max tdoa must not be negative, got %g", cfg.MaxTDOA)
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	return &Estimator{cfg: cfg}, nil
}

// Config returns the effective configuration
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate returns the delay of b relative to a.
// Signals of different length are truncated to the shorter one.
func (e *Estimator) Estimate(a, b []float64, sampleRate int) (Result, error) {
	if sampleRate <= 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidSampleRate, sampleRate)
	}

	a, b = dsp.Equalize(a, b)
	if len(a) == 0 {
		return Result{}, ErrEmptySignal
	}
	if dsp.IsSilent(a, e.cfg.SilenceFloor) || dsp.IsSilent(b, e.cfg.SilenceFloor) {
		return Result{}, ErrSilentInput
	}

	var (
		lag  float64
		peak float64
		ok   bool
	)

	switch e.cfg.Method {
	case CrossCorrelation:
		lag, peak, ok = e.crossCorrelationLag(a, b)
	default:
		lag, peak, ok = e.gccPHATLag(a, b, sampleRate)
	}

	return Result{
		Method:     e.cfg.Method,
		LagSamples: lag,
		TDOA:       lag / float64(sampleRate),
		Peak:       peak,
		Refined:    ok,
		Samples:    len(a),
	}, nil
}

func (e *Estimator) crossCorrelationLag(a, b []float64) (lag, peak float64, refined bool) {
	corr := CrossCorrelate(a, b)
	idx := ArgMax(corr)

	k := idx - (len(a) - 1)
	lag = float64(k)
	if e.cfg.Refine {
		if offset, ok := RefinePeak(corr, idx); ok {
			lag += offset
			refined = true
		}
	}

	return lag, NormalizedCorrelation(a, b, k), refined
}

func (e *Estimator) gccPHATLag(a, b []float64, sampleRate int) (lag, peak float64, refined bool) {
	interp := e.cfg.InterpolationFactor
	cc := GCCPHATCorrelate(a, b, interp, e.cfg.Epsilon)

	maxShift := MaxShift(e.cfg.MaxTDOA, sampleRate, interp, len(cc))
	win := LagWindow(cc, maxShift)
	idx := ArgMax(win)

	shift := float64(idx - maxShift)
	if e.cfg.Refine {
		if offset, ok := RefinePeak(win, idx); ok {
			shift += offset
			refined = true
		}
	}

	// Each whitened bin of the n-point transform contributes at most one unit
	peak = win[idx] / float64(len(cc)/interp)
	return shift / float64(interp), peak, refined
}
