// Package synth generates test signals and a simulated two-microphone capture device
package synth

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// NewRand returns a deterministic generator for seed
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// WhiteNoise returns n samples of unit-variance Gaussian noise
func WhiteNoise(r *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = r.NormFloat64()
	}
	return out
}

// ColoredNoise returns AR(1) noise x[i] = rho*x[i-1] + w[i], scaled to unit power.
// rho close to 1 concentrates the energy at low frequencies.
func ColoredNoise(r *rand.Rand, n int, rho float64) []float64 {
	out := make([]float64, n)
	var prev float64
	for i := range out {
		prev = rho*prev + r.NormFloat64()
		out[i] = prev
	}
	return ScaleToPower(out, 1)
}

// Tone returns a sine of freq Hz sampled at sampleRate
func Tone(n int, freq float64, sampleRate int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
	}
	return out
}

// GaussianPulse returns a unit-height pulse centered at center (fractional samples allowed)
func GaussianPulse(n int, center, width float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		d := (float64(i) - center) / width
		out[i] = math.Exp(-0.5 * d * d)
	}
	return out
}

// Delay shifts x by k samples, keeping its length.
// Positive k delays the signal; vacated samples are zero.
func Delay(x []float64, k int) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		j := i - k
		if j >= 0 && j < len(x) {
			out[i] = x[j]
		}
	}
	return out
}

// Power returns the mean square of x
func Power(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Dot(x, x) / float64(len(x))
}

// ScaleToPower returns a copy of x with mean square p. Silent input is returned unchanged.
func ScaleToPower(x []float64, p float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	cur := Power(x)
	if cur == 0 {
		return out
	}
	floats.Scale(math.Sqrt(p/cur), out)
	return out
}

// AddNoise adds noise to x so that the result has the given SNR in dB.
// noise must be at least as long as x.
func AddNoise(x, noise []float64, snrDB float64) []float64 {
	target := Power(x) / math.Pow(10, snrDB/10)
	scaled := ScaleToPower(noise[:len(x)], target)

	out := make([]float64, len(x))
	floats.AddTo(out, x, scaled)
	return out
}

// DelayedPair returns a white-noise burst as channel A and a copy delayed by lag samples as B
func DelayedPair(r *rand.Rand, n, lag int) (a, b []float64) {
	// Generate extra samples so both channels carry signal over the whole block
	pad := lag
	if pad < 0 {
		pad = -pad
	}
	src := WhiteNoise(r, n+pad)

	if lag >= 0 {
		return src[pad : pad+n], src[pad-lag : pad-lag+n]
	}
	return src[:n], src[pad : pad+n]
}
