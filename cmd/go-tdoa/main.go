// go-tdoa: two-microphone direction-of-arrival daemon
// Estimates the time difference of arrival between a microphone pair and maps it to an angle
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-tdoa/internal/audio"
	"github.com/teslashibe/go-tdoa/internal/config"
	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/health"
	"github.com/teslashibe/go-tdoa/internal/metrics"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
	"github.com/teslashibe/go-tdoa/internal/protocol"
	"github.com/teslashibe/go-tdoa/internal/server"
	"github.com/teslashibe/go-tdoa/internal/synth"
	"github.com/teslashibe/go-tdoa/internal/uplink"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-tdoa/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use the synthetic microphone pair (for testing)")
	estimate    = flag.Bool("estimate", false, "estimate once from two audio files and exit: -estimate first.wav second.wav")
	method      = flag.String("method", "", "override estimator method (gcc_phat, cross_correlation)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-tdoa %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	// Override from flags
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *useMock {
		cfg.Capture.Source = config.SourceMock
	}
	if *method != "" {
		cfg.Estimator.Method = *method
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *estimate {
		os.Exit(runEstimate(cfg, flag.Args()))
	}

	// Setup logging
	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-tdoa",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
		"method", cfg.Estimator.Method,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("go-tdoa failed", "error", err)
		os.Exit(1)
	}

	logger.Info("go-tdoa stopped")
}

// run starts every background loop and blocks until a shutdown signal or a fatal error
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	pcfg, err := cfg.Pipeline()
	if err != nil {
		return err
	}
	engine, err := pipeline.New(pcfg, pipeline.WithObserver(m), pipeline.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	source := newSource(cfg, logger)
	defer source.Close()

	logger.Info("audio source ready",
		"type", source.Name(),
		"healthy", source.Healthy(),
	)

	tracker := doa.NewTracker(source, engine, cfg.TrackerSettings(), logger)

	checker := health.NewChecker(version)
	checker.Register(health.ComponentSource, true, func() (bool, string) {
		if source.Healthy() {
			return true, source.Name()
		}
		return false, source.Name() + " capture failing"
	})
	checker.Register(health.ComponentTracker, false, func() (bool, string) {
		stats := tracker.Stats()
		if stats.BlockCount > 0 && stats.ErrorCount == int64(stats.BlockCount) {
			return false, "no block estimated successfully"
		}
		return true, string(stats.CurrentStatus)
	})

	srv := server.New(cfg.Server, server.Deps{
		Engine:  engine,
		Tracker: tracker,
		Metrics: m,
		Health:  checker,
	}, logger, version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := tracker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tracker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		srv.WSHub().Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Tracker results feed the gauges
	results := tracker.Subscribe()
	g.Go(func() error {
		return observeResults(gctx, results, m)
	})

	if cfg.Uplink.Enabled {
		client := uplink.NewClient(uplink.Config{
			URL:              cfg.Uplink.URL,
			ReconnectBackoff: cfg.Uplink.ReconnectBackoff,
			MaxBackoff:       cfg.Uplink.MaxBackoff,
			PingInterval:     cfg.Uplink.PingInterval,
			WriteTimeout:     cfg.Uplink.WriteTimeout,
		}, m, logger)

		client.OnConfigUpdate(func(u protocol.ConfigUpdate) {
			if _, err := srv.ApplyConfig(u); err != nil {
				logger.Warn("rejected uplink config update", "error", err)
			}
		})
		client.OnGetStats(func() any { return tracker.Stats() })

		checker.Register(health.ComponentUplink, false, func() (bool, string) {
			if client.IsConnected() {
				return true, "connected"
			}
			return false, "disconnected"
		})

		forward := tracker.Subscribe()
		g.Go(func() error { return client.Run(gctx) })
		g.Go(func() error { return client.Forward(gctx, forward) })
		defer client.Close()
	}

	// Graceful shutdown once any loop fails or a signal arrives
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		// Stop in order: server -> tracker -> source
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		tracker.Stop()
		return nil
	})

	printStartupBanner(cfg, source.Name(), version)

	return g.Wait()
}

// newSource picks the configured capture source, falling back to the synthetic
// pair when arecord is not installed
func newSource(cfg *config.Config, logger *slog.Logger) doa.Source {
	if cfg.Capture.Source == config.SourceMock {
		logger.Info("using synthetic microphone pair", "angle", cfg.Capture.Mock.Angle, "sweep", cfg.Capture.Mock.Sweep)
		return synth.NewMockSource(cfg.MockSettings())
	}

	capture := audio.NewCaptureSource(cfg.CaptureSettings(), logger)
	if !capture.IsAvailable() {
		logger.Warn("capture command not found, using synthetic microphone pair", "command", cfg.Capture.Command)
		return synth.NewMockSource(cfg.MockSettings())
	}
	return capture
}

func observeResults(ctx context.Context, results <-chan doa.Result, m *metrics.Metrics) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-results:
			if !ok {
				return nil
			}
			m.ObserveResult(r)
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, source, version string) {
	fmt.Println()
	fmt.Println("🎙️  go-tdoa v" + version)
	fmt.Printf("   %s, %.2fm baseline, source %s\n", cfg.Estimator.Method, cfg.Geometry.MicDistance, source)
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health             - Health check")
	fmt.Println("   GET  /api/doa            - Current DOA reading")
	fmt.Println("   WS   /api/doa/stream     - Real-time DOA stream")
	fmt.Println("   POST /api/estimate       - Estimate from raw samples")
	fmt.Println("   POST /api/estimate/wav   - Estimate from two WAV files")
	fmt.Println("   GET  /api/stats          - Tracker statistics")
	fmt.Println("   GET  /api/config         - Estimator settings")
	fmt.Println("   PUT  /api/config         - Switch method, refine or window")
	fmt.Println("   GET  /metrics            - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
