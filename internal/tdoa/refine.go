package tdoa

// RefinePeak fits a parabola through y[i-1], y[i], y[i+1] and returns the
// fractional offset of its vertex from i. It reports false when i has no
// neighbor on either side or the three points are collinear.
func RefinePeak(y []float64, i int) (float64, bool) {
	if i <= 0 || i >= len(y)-1 {
		return 0, false
	}
	return ParabolicOffset(y[i-1], y[i], y[i+1])
}

// ParabolicOffset returns 0.5·(y0-y2)/(y0-2·y1+y2)
func ParabolicOffset(y0, y1, y2 float64) (float64, bool) {
	den := y0 - 2*y1 + y2
	if den == 0 {
		return 0, false
	}
	return 0.5 * (y0 - y2) / den, true
}
