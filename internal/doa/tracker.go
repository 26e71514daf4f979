package doa

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TrackerConfig configures the DOA tracker
type TrackerConfig struct {
	PollInterval time.Duration
	EMAAlpha     float64
	HistorySize  int

	Confidence ConfidenceConfig
}

// ConfidenceConfig configures confidence scoring
type ConfidenceConfig struct {
	Base           float64
	PeakWeight     float64
	StabilityBonus float64
}

// DefaultTrackerConfig returns sensible defaults
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PollInterval: 100 * time.Millisecond, // 10Hz
		EMAAlpha:     0.3,
		HistorySize:  100,
		Confidence: ConfidenceConfig{
			Base:           0.2,
			PeakWeight:     0.5,
			StabilityBonus: 0.2,
		},
	}
}

// stableVariance is the angle variance (deg²) below which readings count as stable
const stableVariance = 4.0

// Result is one processed block
type Result struct {
	Estimate

	SmoothedAngle float64   `json:"smoothed_angle"` // Degrees, EMA over valid estimates
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
	LatencyMs     int64     `json:"latency_ms"`
	Sequence      uint64    `json:"seq"`
}

// Tracker reads blocks from a source, estimates each one independently and
// publishes the latest result. Estimation carries no state between blocks;
// only the smoothed angle and history live here.
type Tracker struct {
	source    Source
	estimator Estimator
	cfg       TrackerConfig
	logger    *slog.Logger

	mu       sync.RWMutex
	latest   Result
	history  []Result
	hasValid bool

	// Metrics
	blockCount      uint64
	validCount      int64
	silentCount     int64
	outOfRangeCount int64
	errorCount      int64
	totalLatencyMs  int64

	// Lifecycle
	cancel context.CancelFunc
	done   chan struct{}

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan Result]struct{}
}

// NewTracker creates a new DOA tracker
func NewTracker(source Source, estimator Estimator, cfg TrackerConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 1
	}

	return &Tracker{
		source:    source,
		estimator: estimator,
		cfg:       cfg,
		logger:    logger,
		history:   make([]Result, 0, cfg.HistorySize),
		done:      make(chan struct{}),
		subs:      make(map[chan Result]struct{}),
	}
}

// Run starts the polling loop (blocking, use goroutine)
func (t *Tracker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.Info("tracker started",
		"poll_interval", t.cfg.PollInterval,
		"ema_alpha", t.cfg.EMAAlpha,
		"source", t.source.Name(),
	)

	for {
		select {
		case <-ctx.Done():
			stats := t.Stats()
			t.logger.Info("tracker stopped",
				"blocks", stats.BlockCount,
				"errors", stats.ErrorCount,
			)
			return ctx.Err()
		case <-ticker.C:
			if err := t.poll(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

func (t *Tracker) poll(ctx context.Context) error {
	block, err := t.source.ReadBlock(ctx)
	if err != nil {
		t.mu.Lock()
		t.errorCount++
		t.mu.Unlock()
		return err
	}

	t.mu.RLock()
	estimator := t.estimator
	t.mu.RUnlock()

	start := time.Now()
	est, err := estimator.EstimateBlock(block)
	if err != nil {
		t.logger.Debug("block estimate", "status", est.Status, "error", err)
	}
	latencyMs := time.Since(start).Milliseconds()

	result := t.record(est, latencyMs)

	// Notify subscribers (non-blocking)
	t.notifySubscribers(result)

	if result.Valid() && result.Sequence%10 == 0 {
		t.logger.Debug("doa block",
			"angle", result.Angle,
			"smoothed", result.SmoothedAngle,
			"tdoa_us", result.TDOAMicros,
			"confidence", result.Confidence,
			"latency_ms", latencyMs,
		)
	}

	return nil
}

func (t *Tracker) record(est Estimate, latencyMs int64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.blockCount++
	t.totalLatencyMs += latencyMs

	switch est.Status {
	case StatusOK:
		t.validCount++
	case StatusSilent:
		t.silentCount++
	case StatusOutOfRange:
		t.outOfRangeCount++
	default:
		t.errorCount++
	}

	result := Result{
		Estimate:      est,
		SmoothedAngle: t.latest.SmoothedAngle,
		Timestamp:     time.Now(),
		LatencyMs:     latencyMs,
		Sequence:      t.blockCount,
	}

	// Only valid angles move the smoothed value
	if est.Valid() {
		if t.hasValid {
			result.SmoothedAngle = t.cfg.EMAAlpha*est.Angle + (1-t.cfg.EMAAlpha)*t.latest.SmoothedAngle
		} else {
			result.SmoothedAngle = est.Angle
		}
		t.hasValid = true
		result.Confidence = t.calculateConfidence(est.Peak, result.SmoothedAngle)
	}

	t.latest = result
	t.appendHistory(result)
	return result
}

func (t *Tracker) calculateConfidence(peak, angle float64) float64 {
	conf := t.cfg.Confidence.Base + t.cfg.Confidence.PeakWeight*Clamp(peak, 0, 1)

	// Check angle stability over last 5 valid readings
	var (
		variance float64
		n        int
	)
	for i := len(t.history) - 1; i >= 0 && n < 5; i-- {
		if !t.history[i].Valid() {
			continue
		}
		diff := t.history[i].SmoothedAngle - angle
		variance += diff * diff
		n++
	}
	if n == 5 && variance/5 < stableVariance {
		conf += t.cfg.Confidence.StabilityBonus
	}

	return Clamp(conf, 0, 1)
}

func (t *Tracker) appendHistory(result Result) {
	t.history = append(t.history, result)

	// Trim history
	if len(t.history) > t.cfg.HistorySize {
		// Shift instead of slice to avoid memory leak
		copy(t.history, t.history[1:])
		t.history = t.history[:t.cfg.HistorySize]
	}
}

func (t *Tracker) notifySubscribers(result Result) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for ch := range t.subs {
		select {
		case ch <- result:
		default:
			// Drop if subscriber is slow
		}
	}
}

// SetEstimator swaps the estimator used for subsequent blocks
func (t *Tracker) SetEstimator(e Estimator) {
	t.mu.Lock()
	t.estimator = e
	t.mu.Unlock()
}

// Subscribe returns a channel that receives every result
func (t *Tracker) Subscribe() chan Result {
	ch := make(chan Result, 10) // Buffer to avoid blocking

	t.subsMu.Lock()
	t.subs[ch] = struct{}{}
	t.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (t *Tracker) Unsubscribe(ch chan Result) {
	t.subsMu.Lock()
	if _, exists := t.subs[ch]; exists {
		delete(t.subs, ch)
		close(ch)
	}
	t.subsMu.Unlock()
}

// GetLatest returns the most recent result
func (t *Tracker) GetLatest() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// GetTarget returns the smoothed angle if the latest block was valid and confident enough
func (t *Tracker) GetTarget() (angle float64, confidence float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.latest.Valid() || t.latest.Confidence < t.cfg.Confidence.Base {
		return 0, 0, false
	}

	return t.latest.SmoothedAngle, t.latest.Confidence, true
}

// History returns a copy of the retained results, oldest first
func (t *Tracker) History() []Result {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Result, len(t.history))
	copy(out, t.history)
	return out
}

// Stats returns tracker statistics
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	avgLatency := float64(0)
	if t.blockCount > 0 {
		avgLatency = float64(t.totalLatencyMs) / float64(t.blockCount)
	}

	t.subsMu.RLock()
	subscribers := len(t.subs)
	t.subsMu.RUnlock()

	return TrackerStats{
		BlockCount:        t.blockCount,
		ValidCount:        t.validCount,
		SilentCount:       t.silentCount,
		OutOfRangeCount:   t.outOfRangeCount,
		ErrorCount:        t.errorCount,
		AvgLatencyMs:      avgLatency,
		HistorySize:       len(t.history),
		SubscriberCount:   subscribers,
		SourceName:        t.source.Name(),
		SourceHealthy:     t.source.Healthy(),
		CurrentStatus:     t.latest.Status,
		CurrentAngle:      t.latest.SmoothedAngle,
		CurrentConfidence: t.latest.Confidence,
	}
}

// TrackerStats contains tracker statistics
type TrackerStats struct {
	BlockCount        uint64  `json:"block_count"`
	ValidCount        int64   `json:"valid_count"`
	SilentCount       int64   `json:"silent_count"`
	OutOfRangeCount   int64   `json:"out_of_range_count"`
	ErrorCount        int64   `json:"error_count"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	HistorySize       int     `json:"history_size"`
	SubscriberCount   int     `json:"subscriber_count"`
	SourceName        string  `json:"source_name"`
	SourceHealthy     bool    `json:"source_healthy"`
	CurrentStatus     Status  `json:"current_status"`
	CurrentAngle      float64 `json:"current_angle"`
	CurrentConfidence float64 `json:"current_confidence"`
}

// Stop stops the tracker gracefully
func (t *Tracker) Stop() {
	t.mu.RLock()
	cancel := t.cancel
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-t.done
	}

	// Close all subscriber channels
	t.subsMu.Lock()
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
	t.subsMu.Unlock()
}
