// Package config provides configuration management for go-tdoa
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-tdoa/internal/audio"
	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/dsp"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
	"github.com/teslashibe/go-tdoa/internal/synth"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// EnvPrefix prefixes environment overrides, e.g. GOTDOA_GEOMETRY_MIC_DISTANCE
const EnvPrefix = "GOTDOA"

// Source names for capture.source
const (
	SourceMock    = "mock"
	SourceArecord = "arecord"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Geometry  GeometryConfig  `mapstructure:"geometry"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Uplink    UplinkConfig    `mapstructure:"uplink"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	BroadcastHz     int           `mapstructure:"broadcast_hz"`
	MaxUploadMB     int           `mapstructure:"max_upload_mb"`
}

// GeometryConfig describes the microphone pair
type GeometryConfig struct {
	MicDistance  float64 `mapstructure:"mic_distance"`   // meters
	SpeedOfSound float64 `mapstructure:"speed_of_sound"` // m/s
}

// EstimatorConfig selects the delay estimator and conditioning
type EstimatorConfig struct {
	Method              string  `mapstructure:"method"` // gcc_phat, cross_correlation
	Refine              bool    `mapstructure:"refine"`
	InterpolationFactor int     `mapstructure:"interpolation_factor"`
	RemoveDC            bool    `mapstructure:"remove_dc"`
	Normalize           bool    `mapstructure:"normalize"`
	Window              bool    `mapstructure:"window"`
	SilenceFloor        float64 `mapstructure:"silence_floor"`
}

// CaptureConfig configures the live audio source
type CaptureConfig struct {
	Source     string        `mapstructure:"source"` // mock, arecord
	Device     string        `mapstructure:"device"`
	Command    string        `mapstructure:"command"`
	SampleRate int           `mapstructure:"sample_rate"`
	Block      time.Duration `mapstructure:"block"`

	Mock MockConfig `mapstructure:"mock"`
}

// MockConfig configures the simulated source
type MockConfig struct {
	Angle float64 `mapstructure:"angle"`
	Sweep bool    `mapstructure:"sweep"`
	SNR   float64 `mapstructure:"snr"`
	Seed  uint64  `mapstructure:"seed"`
}

// TrackerConfig configures streaming estimation
type TrackerConfig struct {
	PollHz      int     `mapstructure:"poll_hz"`
	EMAAlpha    float64 `mapstructure:"ema_alpha"`
	HistorySize int     `mapstructure:"history_size"`

	Confidence ConfidenceConfig `mapstructure:"confidence"`
}

// ConfidenceConfig configures confidence scoring
type ConfidenceConfig struct {
	Base           float64 `mapstructure:"base"`
	PeakWeight     float64 `mapstructure:"peak_weight"`
	StabilityBonus float64 `mapstructure:"stability_bonus"`
}

// UplinkConfig configures the outbound result publisher
type UplinkConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			BroadcastHz:     10,
			MaxUploadMB:     32,
		},
		Geometry: GeometryConfig{
			MicDistance:  0.2,
			SpeedOfSound: 343,
		},
		Estimator: EstimatorConfig{
			Method:              string(tdoa.GCCPHAT),
			Refine:              true,
			InterpolationFactor: tdoa.DefaultInterpolationFactor,
			RemoveDC:            true,
			Normalize:           true,
			Window:              true,
		},
		Capture: CaptureConfig{
			Source:     SourceArecord,
			Command:    "arecord",
			SampleRate: 16000,
			Block:      128 * time.Millisecond,
			Mock: MockConfig{
				Angle: 20,
				SNR:   20,
				Seed:  1,
			},
		},
		Tracker: TrackerConfig{
			PollHz:      10,
			EMAAlpha:    0.3,
			HistorySize: 100,
			Confidence: ConfidenceConfig{
				Base:           0.2,
				PeakWeight:     0.5,
				StabilityBonus: 0.2,
			},
		},
		Uplink: UplinkConfig{
			URL:              "ws://localhost:8080/ws/doa",
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment.
// A missing file is not an error; defaults and environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout)
	v.SetDefault("server.broadcast_hz", d.Server.BroadcastHz)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)

	// Geometry defaults
	v.SetDefault("geometry.mic_distance", d.Geometry.MicDistance)
	v.SetDefault("geometry.speed_of_sound", d.Geometry.SpeedOfSound)

	// Estimator defaults
	v.SetDefault("estimator.method", d.Estimator.Method)
	v.SetDefault("estimator.refine", d.Estimator.Refine)
	v.SetDefault("estimator.interpolation_factor", d.Estimator.InterpolationFactor)
	v.SetDefault("estimator.remove_dc", d.Estimator.RemoveDC)
	v.SetDefault("estimator.normalize", d.Estimator.Normalize)
	v.SetDefault("estimator.window", d.Estimator.Window)
	v.SetDefault("estimator.silence_floor", d.Estimator.SilenceFloor)

	// Capture defaults
	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.device", d.Capture.Device)
	v.SetDefault("capture.command", d.Capture.Command)
	v.SetDefault("capture.sample_rate", d.Capture.SampleRate)
	v.SetDefault("capture.block", d.Capture.Block)
	v.SetDefault("capture.mock.angle", d.Capture.Mock.Angle)
	v.SetDefault("capture.mock.sweep", d.Capture.Mock.Sweep)
	v.SetDefault("capture.mock.snr", d.Capture.Mock.SNR)
	v.SetDefault("capture.mock.seed", d.Capture.Mock.Seed)

	// Tracker defaults
	v.SetDefault("tracker.poll_hz", d.Tracker.PollHz)
	v.SetDefault("tracker.ema_alpha", d.Tracker.EMAAlpha)
	v.SetDefault("tracker.history_size", d.Tracker.HistorySize)
	v.SetDefault("tracker.confidence.base", d.Tracker.Confidence.Base)
	v.SetDefault("tracker.confidence.peak_weight", d.Tracker.Confidence.PeakWeight)
	v.SetDefault("tracker.confidence.stability_bonus", d.Tracker.Confidence.StabilityBonus)

	// Uplink defaults
	v.SetDefault("uplink.enabled", d.Uplink.Enabled)
	v.SetDefault("uplink.url", d.Uplink.URL)
	v.SetDefault("uplink.reconnect_backoff", d.Uplink.ReconnectBackoff)
	v.SetDefault("uplink.max_backoff", d.Uplink.MaxBackoff)
	v.SetDefault("uplink.ping_interval", d.Uplink.PingInterval)
	v.SetDefault("uplink.write_timeout", d.Uplink.WriteTimeout)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.BroadcastHz < 1 || c.Server.BroadcastHz > 100 {
		return fmt.Errorf("broadcast_hz must be between 1 and 100, got %d", c.Server.BroadcastHz)
	}

	if err := c.Geometry.Geometry().Validate(); err != nil {
		return err
	}

	if _, err := tdoa.ParseMethod(c.Estimator.Method); err != nil {
		return err
	}

	if c.Estimator.InterpolationFactor < 1 {
		return fmt.Errorf("interpolation_factor must be >= 1, got %d", c.Estimator.InterpolationFactor)
	}

	if c.Estimator.SilenceFloor < 0 {
		return fmt.Errorf("silence_floor must not be negative, got %f", c.Estimator.SilenceFloor)
	}

	switch c.Capture.Source {
	case SourceMock, SourceArecord:
	default:
		return fmt.Errorf("capture source must be %q or %q, got %q", SourceMock, SourceArecord, c.Capture.Source)
	}

	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.Capture.SampleRate)
	}

	if c.Capture.Block <= 0 {
		return fmt.Errorf("capture block must be positive, got %s", c.Capture.Block)
	}

	if c.Tracker.PollHz < 1 || c.Tracker.PollHz > 100 {
		return fmt.Errorf("poll_hz must be between 1 and 100, got %d", c.Tracker.PollHz)
	}

	if c.Tracker.EMAAlpha < 0 || c.Tracker.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be between 0 and 1, got %f", c.Tracker.EMAAlpha)
	}

	if c.Uplink.Enabled && c.Uplink.URL == "" {
		return fmt.Errorf("uplink enabled without url")
	}

	return nil
}

// Geometry converts to the angle mapper's geometry
func (g GeometryConfig) Geometry() doa.Geometry {
	return doa.Geometry{
		MicDistance:  g.MicDistance,
		SpeedOfSound: g.SpeedOfSound,
	}
}

// Pipeline builds the engine configuration
func (c *Config) Pipeline() (pipeline.Config, error) {
	method, err := tdoa.ParseMethod(c.Estimator.Method)
	if err != nil {
		return pipeline.Config{}, err
	}

	return pipeline.Config{
		Geometry: c.Geometry.Geometry(),
		Estimator: tdoa.Config{
			Method:              method,
			Refine:              c.Estimator.Refine,
			InterpolationFactor: c.Estimator.InterpolationFactor,
			Epsilon:             tdoa.DefaultEpsilon,
		},
		Condition: dsp.Options{
			RemoveDC:  c.Estimator.RemoveDC,
			Normalize: c.Estimator.Normalize,
			Window:    c.Estimator.Window,
			Floor:     c.Estimator.SilenceFloor,
		},
	}, nil
}

// TrackerSettings builds the tracker configuration
func (c *Config) TrackerSettings() doa.TrackerConfig {
	return doa.TrackerConfig{
		PollInterval: time.Second / time.Duration(c.Tracker.PollHz),
		EMAAlpha:     c.Tracker.EMAAlpha,
		HistorySize:  c.Tracker.HistorySize,
		Confidence: doa.ConfidenceConfig{
			Base:           c.Tracker.Confidence.Base,
			PeakWeight:     c.Tracker.Confidence.PeakWeight,
			StabilityBonus: c.Tracker.Confidence.StabilityBonus,
		},
	}
}

// CaptureSettings builds the arecord source configuration
func (c *Config) CaptureSettings() audio.CaptureConfig {
	return audio.CaptureConfig{
		Device:        c.Capture.Device,
		SampleRate:    c.Capture.SampleRate,
		BlockDuration: c.Capture.Block,
		CaptureCmd:    c.Capture.Command,
	}
}

// MockSettings builds the simulated source configuration
func (c *Config) MockSettings() synth.MockConfig {
	return synth.MockConfig{
		Geometry:   c.Geometry.Geometry(),
		SampleRate: c.Capture.SampleRate,
		BlockSize:  int(c.Capture.Block.Seconds() * float64(c.Capture.SampleRate)),
		Angle:      c.Capture.Mock.Angle,
		Sweep:      c.Capture.Mock.Sweep,
		SNR:        c.Capture.Mock.SNR,
		Seed:       c.Capture.Mock.Seed,
	}
}
