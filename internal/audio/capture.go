package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-tdoa/internal/doa"
)

// CaptureConfig holds stereo capture configuration
type CaptureConfig struct {
	Device        string        // ALSA device, empty for the default
	SampleRate    int           // Sample rate in Hz (default: 16000)
	BlockDuration time.Duration // Duration of each block (default: 128ms)
	CaptureCmd    string        // Command for audio capture (default: "arecord")
}

// DefaultCaptureConfig returns sensible defaults for a USB stereo interface
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:    16000,
		BlockDuration: 128 * time.Millisecond,
		CaptureCmd:    "arecord",
	}
}

// maxCaptureFailures marks the source unhealthy after this many failures in a row
const maxCaptureFailures = 3

// CaptureSource records stereo blocks with arecord. The left input is
// microphone A and the right input is microphone B.
type CaptureSource struct {
	cfg    CaptureConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	failures atomic.Int32

	// Stats
	blocksCaptured atomic.Uint64
	captureErrors  atomic.Uint64
}

// NewCaptureSource creates a new arecord-backed source
func NewCaptureSource(cfg CaptureConfig, logger *slog.Logger) *CaptureSource {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.CaptureCmd == "" {
		cfg.CaptureCmd = def.CaptureCmd
	}

	return &CaptureSource{
		cfg:    cfg,
		logger: logger,
	}
}

// ReadBlock captures one block from both inputs
func (c *CaptureSource) ReadBlock(ctx context.Context) (doa.Block, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return doa.Block{}, fmt.Errorf("capture source closed")
	}

	start := time.Now()
	data, err := c.captureChunk(ctx)
	if err != nil {
		c.captureErrors.Add(1)
		if c.failures.Add(1) == maxCaptureFailures {
			c.logger.Warn("capture failing repeatedly", "device", c.cfg.Device, "error", err)
		}
		return doa.Block{}, err
	}

	channels, err := Deinterleave(data, 2)
	if err != nil {
		return doa.Block{}, err
	}

	c.failures.Store(0)
	c.blocksCaptured.Add(1)

	return doa.Block{
		Left:       channels[0],
		Right:      channels[1],
		SampleRate: c.cfg.SampleRate,
		Timestamp:  start,
	}, nil
}

// captureChunk records a single block of interleaved PCM16
func (c *CaptureSource) captureChunk(ctx context.Context) ([]byte, error) {
	// arecord [-D dev] -f S16_LE -r 16000 -c 2 -s <frames> -t raw -q
	frames := int(int64(c.cfg.SampleRate) * c.cfg.BlockDuration.Milliseconds() / 1000)

	args := []string{
		"-f", "S16_LE",
		"-r", fmt.Sprintf("%d", c.cfg.SampleRate),
		"-c", "2",
		"-s", fmt.Sprintf("%d", frames),
		"-t", "raw",
		"-q",
	}
	if c.cfg.Device != "" {
		args = append([]string{"-D", c.cfg.Device}, args...)
	}

	cmd := exec.CommandContext(ctx, c.cfg.CaptureCmd, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("capture command failed: %w", err)
	}

	if stdout.Len() < frames*4 {
		return nil, fmt.Errorf("short capture: %d of %d bytes", stdout.Len(), frames*4)
	}
	return stdout.Bytes(), nil
}

// Close stops further capture
func (c *CaptureSource) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Healthy returns false after repeated capture failures
func (c *CaptureSource) Healthy() bool {
	return c.failures.Load() < maxCaptureFailures
}

// Name returns the source type name
func (c *CaptureSource) Name() string {
	return "arecord"
}

// CaptureStats contains capture statistics
type CaptureStats struct {
	BlocksCaptured uint64 `json:"blocks_captured"`
	CaptureErrors  uint64 `json:"capture_errors"`
}

// GetStats returns capture statistics
func (c *CaptureSource) GetStats() CaptureStats {
	return CaptureStats{
		BlocksCaptured: c.blocksCaptured.Load(),
		CaptureErrors:  c.captureErrors.Load(),
	}
}

// IsAvailable checks if the capture command is installed
func (c *CaptureSource) IsAvailable() bool {
	_, err := exec.LookPath(c.cfg.CaptureCmd)
	return err == nil
}
