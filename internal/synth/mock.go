package synth

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/teslashibe/go-tdoa/internal/doa"
)

// MockConfig configures the simulated microphone pair
type MockConfig struct {
	Geometry   doa.Geometry
	SampleRate int
	BlockSize  int
	Angle      float64 // Degrees, + = left
	Sweep      bool    // Move the source ±45° around the front
	SNR        float64 // dB; 0 disables added noise
	Seed       uint64
}

// DefaultMockConfig returns a source 20° to the left at 16kHz
func DefaultMockConfig() MockConfig {
	return MockConfig{
		Geometry:   doa.DefaultGeometry(),
		SampleRate: 16000,
		BlockSize:  2048,
		Angle:      20,
		SNR:        20,
		Seed:       1,
	}
}

// MockSource synthesizes stereo blocks as if a noise source sat at a given angle
type MockSource struct {
	mu        sync.Mutex
	cfg       MockConfig
	rng       *rand.Rand
	angle     float64
	silent    bool
	healthy   bool
	startTime time.Time
}

// NewMockSource creates a new mock capture device
func NewMockSource(cfg MockConfig) *MockSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 2048
	}
	return &MockSource{
		cfg:       cfg,
		rng:       NewRand(cfg.Seed),
		angle:     cfg.Angle,
		healthy:   true,
		startTime: time.Now(),
	}
}

// ReadBlock returns the next synthetic block
func (m *MockSource) ReadBlock(ctx context.Context) (doa.Block, error) {
	if err := ctx.Err(); err != nil {
		return doa.Block{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.cfg.BlockSize
	if m.silent {
		return doa.Block{
			Left:       make([]float64, n),
			Right:      make([]float64, n),
			SampleRate: m.cfg.SampleRate,
			Timestamp:  time.Now(),
		}, nil
	}

	lag := m.lagLocked()
	a, b := DelayedPair(m.rng, n, lag)
	if m.cfg.SNR != 0 {
		a = AddNoise(a, WhiteNoise(m.rng, n), m.cfg.SNR)
		b = AddNoise(b, WhiteNoise(m.rng, n), m.cfg.SNR)
	}

	return doa.Block{
		Left:       a,
		Right:      b,
		SampleRate: m.cfg.SampleRate,
		Timestamp:  time.Now(),
	}, nil
}

func (m *MockSource) lagLocked() int {
	angle := m.angle
	if m.cfg.Sweep {
		elapsed := time.Since(m.startTime).Seconds()
		angle = math.Sin(elapsed) * 45
	}
	return int(math.Round(m.cfg.Geometry.TDOA(angle) * float64(m.cfg.SampleRate)))
}

// Lag returns the integer sample delay of the right channel for the current angle
func (m *MockSource) Lag() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lagLocked()
}

// Close releases resources
func (m *MockSource) Close() error {
	return nil
}

// Healthy returns true if the source is operational
func (m *MockSource) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Name returns the source type name
func (m *MockSource) Name() string {
	return "mock"
}

// SetAngle sets the simulated source angle in degrees
func (m *MockSource) SetAngle(angle float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.angle = angle
}

// SetSilent switches the source to all-zero blocks
func (m *MockSource) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

// SetHealthy sets the mock health state
func (m *MockSource) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}
