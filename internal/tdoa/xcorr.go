package tdoa

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// CrossCorrelate returns the full linear cross-correlation r[k] = Σ a[n]·b[n+k].
// The output has len(a)+len(b)-1 entries; index i holds lag k = i-(len(a)-1),
// so for equal lengths N the lags run from -(N-1) to N-1.
func CrossCorrelate(a, b []float64) []float64 {
	if len(a) == 0 || len(b) == 0 {
		return []float64{}
	}

	size := len(a) + len(b) - 1
	m := nextPow2(size)

	fft := fourier.NewFFT(m)
	fa := fft.Coefficients(nil, zeroPad(a, m))
	fb := fft.Coefficients(nil, zeroPad(b, m))
	for i := range fa {
		fa[i] = cmplx.Conj(fa[i]) * fb[i]
	}
	circ := fft.Sequence(nil, fa)

	out := make([]float64, size)
	offset := len(a) - 1
	for i := range out {
		k := i - offset
		if k < 0 {
			k += m
		}
		out[i] = circ[k] / float64(m)
	}
	return out
}

// NormalizedCorrelation returns the correlation coefficient of a and b at lag k,
// in [-1, 1]. It is 0 when either signal has no energy.
func NormalizedCorrelation(a, b []float64, k int) float64 {
	norm := math.Sqrt(floats.Dot(a, a) * floats.Dot(b, b))
	if norm == 0 {
		return 0
	}

	var sum float64
	for n := range a {
		j := n + k
		if j < 0 || j >= len(b) {
			continue
		}
		sum += a[n] * b[j]
	}
	return sum / norm
}

// ArgMax returns the index of the first maximum, or -1 for an empty slice.
// Ties resolve to the lowest index, which is the most negative lag.
func ArgMax(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	idx := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[idx] {
			idx = i
		}
	}
	return idx
}

func zeroPad(x []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, x)
	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
