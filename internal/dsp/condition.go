// Package dsp prepares raw microphone samples for correlation
package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Options selects the conditioning steps applied before delay estimation
type Options struct {
	RemoveDC  bool    // Subtract the mean
	Normalize bool    // Scale to unit peak amplitude
	Window    bool    // Apply a Hann window
	Floor     float64 // Peak amplitude at or below which a channel counts as silent
}

// DefaultOptions returns the conditioning used by the daemon
func DefaultOptions() Options {
	return Options{
		RemoveDC:  true,
		Normalize: true,
		Window:    true,
	}
}

// RemoveDC returns a zero-mean copy of x.
// A constant input yields all zeros.
func RemoveDC(x []float64) []float64 {
	out := clone(x)
	if len(out) == 0 {
		return out
	}
	floats.AddConst(-stat.Mean(out, nil), out)
	return out
}

// Normalize returns a copy of x scaled so the largest absolute sample is 1.
// Silent input (peak 0) is returned unchanged.
func Normalize(x []float64) []float64 {
	out := clone(x)
	peak := PeakAbs(out)
	if peak == 0 {
		return out
	}
	floats.Scale(1/peak, out)
	return out
}

// ApplyWindow returns a copy of x tapered by a symmetric Hann window of the same length
func ApplyWindow(x []float64) []float64 {
	out := clone(x)
	// Hann is undefined for a single point
	if len(out) < 2 {
		return out
	}
	return window.Hann(out)
}

// Equalize truncates both signals to the shorter length.
// Trailing samples of the longer signal are discarded.
func Equalize(a, b []float64) ([]float64, []float64) {
	n := min(len(a), len(b))
	return a[:n], b[:n]
}

// PeakAbs returns the maximum absolute sample value
func PeakAbs(x []float64) float64 {
	var peak float64
	for _, v := range x {
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
	}
	return peak
}

// IsSilent reports whether x has no dynamic range above floor
func IsSilent(x []float64, floor float64) bool {
	return PeakAbs(x) <= floor
}

// Range returns max(x) - min(x), 0 for an empty signal
func Range(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Max(x) - floats.Min(x)
}

// HasSignal reports whether x still carries signal above opts.Floor once conditioned.
// With DC removal enabled a constant offset counts as silence.
func HasSignal(x []float64, opts Options) bool {
	if opts.RemoveDC {
		return Range(x)/2 > opts.Floor
	}
	return !IsSilent(x, opts.Floor)
}

// Energy returns the sum of squared samples
func Energy(x []float64) float64 {
	return floats.Dot(x, x)
}

// Condition equalizes the pair and applies the selected steps to both channels.
// Inputs are never modified.
func Condition(a, b []float64, opts Options) ([]float64, []float64) {
	a, b = Equalize(a, b)
	return conditionOne(a, opts), conditionOne(b, opts)
}

func conditionOne(x []float64, opts Options) []float64 {
	out := clone(x)
	if opts.RemoveDC {
		out = RemoveDC(out)
	}
	if opts.Normalize {
		out = Normalize(out)
	}
	if opts.Window {
		out = ApplyWindow(out)
	}
	return out
}

func clone(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	return out
}
