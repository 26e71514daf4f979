package doa

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange marks a delay the microphone spacing cannot produce
var ErrOutOfRange = errors.New("tdoa exceeds the geometric limit; source likely beyond ±90°")

// ErrInvalidGeometry is returned for non-positive spacing or speed of sound
var ErrInvalidGeometry = errors.New("invalid microphone geometry")

// arcsin arguments this close past ±1 are float rounding at the endfire limit
const rangeTolerance = 1e-9

// aheadThreshold is the angle, in degrees, reported as straight ahead
const aheadThreshold = 0.5

// Geometry describes a two-microphone rig under the far-field model
type Geometry struct {
	MicDistance  float64 `json:"mic_distance"`   // Meters between microphones
	SpeedOfSound float64 `json:"speed_of_sound"` // Meters per second
}

// DefaultGeometry returns a 20 cm rig in air at room temperature
func DefaultGeometry() Geometry {
	return Geometry{
		MicDistance:  0.2,
		SpeedOfSound: 343,
	}
}

// Validate checks that both parameters are positive and finite
func (g Geometry) Validate() error {
	if !(g.MicDistance > 0) || math.IsInf(g.MicDistance, 0) {
		return fmt.Errorf("%w: mic_distance must be positive, got %g", ErrInvalidGeometry, g.MicDistance)
	}
	if !(g.SpeedOfSound > 0) || math.IsInf(g.SpeedOfSound, 0) {
		return fmt.Errorf("%w: speed_of_sound must be positive, got %g", ErrInvalidGeometry, g.SpeedOfSound)
	}
	return nil
}

// MaxTDOA returns the largest physically possible delay in seconds
func (g Geometry) MaxTDOA() float64 {
	return g.MicDistance / g.SpeedOfSound
}

// Angle maps a delay to an arrival angle: asin(tdoa·c/d).
// Delays beyond MaxTDOA return an *OutOfRangeError; the angle is never clamped.
func (g Geometry) Angle(tdoa float64) (Angle, error) {
	if err := g.Validate(); err != nil {
		return Angle{}, err
	}

	ratio := tdoa * g.SpeedOfSound / g.MicDistance
	if math.IsNaN(ratio) || math.Abs(ratio) > 1+rangeTolerance {
		return Angle{}, &OutOfRangeError{TDOA: tdoa, Ratio: ratio, MaxTDOA: g.MaxTDOA()}
	}
	ratio = Clamp(ratio, -1, 1)

	rad := math.Asin(ratio)
	return Angle{
		Radians: rad,
		Degrees: rad * 180 / math.Pi,
	}, nil
}

// TDOA returns the delay produced by a source at angleDeg
func (g Geometry) TDOA(angleDeg float64) float64 {
	return math.Sin(angleDeg*math.Pi/180) * g.MicDistance / g.SpeedOfSound
}

// OutOfRangeError reports a delay longer than the rig allows
type OutOfRangeError struct {
	TDOA    float64
	Ratio   float64
	MaxTDOA float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("tdoa %.2fµs exceeds ±%.2fµs (asin argument %.3f); source likely beyond ±90°",
		e.TDOA*1e6, e.MaxTDOA*1e6, e.Ratio)
}

// Is matches ErrOutOfRange
func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// Side names the half-plane a source lies in
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
	SideAhead Side = "ahead"
)

// Angle is a direction of arrival.
// 0 = straight ahead, positive = toward microphone A (left), negative = toward B (right).
type Angle struct {
	Degrees float64 `json:"degrees"`
	Radians float64 `json:"radians"`
}

// Side classifies the angle
func (a Angle) Side() Side {
	switch {
	case a.Degrees > aheadThreshold:
		return SideLeft
	case a.Degrees < -aheadThreshold:
		return SideRight
	default:
		return SideAhead
	}
}

// Clamp clamps a value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
