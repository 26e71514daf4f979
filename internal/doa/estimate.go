package doa

// Status classifies an estimate for presentation
type Status string

const (
	StatusOK         Status = "ok"
	StatusOutOfRange Status = "out_of_range"
	StatusSilent     Status = "silent"
	StatusError      Status = "error"
)

// Estimate is the outcome of one conditioning, delay and angle pass.
// Angle and Side are meaningful only when Status is StatusOK.
type Estimate struct {
	Status     Status  `json:"status"`
	TDOA       float64 `json:"tdoa"`         // Seconds, positive when B heard the sound after A
	TDOAMicros float64 `json:"tdoa_us"`      // Same delay in microseconds
	LagSamples float64 `json:"lag_samples"`  // Delay in sample periods
	Peak       float64 `json:"peak"`         // Correlation peak
	Method     string  `json:"method"`       // cross_correlation or gcc_phat
	Refined    bool    `json:"refined"`      // Sub-sample refinement applied
	Angle      float64 `json:"angle"`        // Degrees
	Side       Side    `json:"side,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Samples    int     `json:"samples"`
	Message    string  `json:"message,omitempty"`
}

// Valid reports whether the estimate carries a usable angle
func (e Estimate) Valid() bool {
	return e.Status == StatusOK
}
