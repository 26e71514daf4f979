// Package doa maps time delays to arrival angles and tracks them over a stream of audio blocks
package doa

import (
	"context"
	"time"
)

// Block is one stereo capture frame.
// Each block owns its buffers; sources must not reuse them after returning.
type Block struct {
	Left       []float64 // Microphone A
	Right      []float64 // Microphone B
	SampleRate int
	Timestamp  time.Time
}

// Source provides stereo blocks from a capture device
type Source interface {
	// ReadBlock returns the next block, blocking until it is available
	ReadBlock(ctx context.Context) (Block, error)

	// Close releases device resources
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}

// Estimator turns a block into a direction estimate
type Estimator interface {
	EstimateBlock(b Block) (Estimate, error)
}
