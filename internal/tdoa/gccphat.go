package tdoa

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// GCCPHATCorrelate returns the phase-transform weighted cross-correlation of a and b.
//
// Both signals are zero-padded to the next power of two n >= len(a)+len(b),
// so the circular correlation equals the linear one. The whitened cross-power
// spectrum is inverted at length n*interp, which samples the correlation at
// interp times the input rate. The result is circular: index j
// holds lag j/interp samples for j < len/2 and (j-len)/interp otherwise.
func GCCPHATCorrelate(a, b []float64, interp int, eps float64) []float64 {
	if len(a)+len(b) == 0 {
		return []float64{}
	}
	n := nextPow2(len(a) + len(b))
	if interp < 1 {
		interp = 1
	}

	fft := fourier.NewFFT(n)
	fa := fft.Coefficients(nil, zeroPad(a, n))
	fb := fft.Coefficients(nil, zeroPad(b, n))

	m := n * interp
	spec := make([]complex128, m/2+1)
	for i := range fa {
		r := fb[i] * cmplx.Conj(fa[i])
		spec[i] = r / complex(cmplx.Abs(r+complex(eps, 0)), 0)
	}

	// The Nyquist bin of the short transform splits into two bins of the long one
	if interp > 1 && n > 1 {
		spec[n/2] /= 2
	}

	return fourier.NewFFT(m).Sequence(nil, spec)
}

// MaxShift returns the largest lag, in interpolated samples, that the
// geometry allows. A non-positive maxTDOA searches the whole correlation.
func MaxShift(maxTDOA float64, sampleRate, interp, length int) int {
	limit := (length - 1) / 2
	if maxTDOA <= 0 {
		return limit
	}
	shift := int(float64(interp) * maxTDOA * float64(sampleRate))
	if shift > limit {
		return limit
	}
	return shift
}

// LagWindow unwraps a circular correlation into lags -maxShift..maxShift.
// Index i of the result holds lag i-maxShift.
func LagWindow(cc []float64, maxShift int) []float64 {
	m := len(cc)
	out := make([]float64, 2*maxShift+1)
	for i := range out {
		j := i - maxShift
		if j < 0 {
			j += m
		}
		out[i] = cc[j]
	}
	return out
}
