// Package server provides the HTTP server for go-tdoa
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-tdoa/internal/config"
	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/health"
	"github.com/teslashibe/go-tdoa/internal/metrics"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
	"github.com/teslashibe/go-tdoa/internal/protocol"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// Deps are the components the server exposes. Only Engine is required.
type Deps struct {
	Engine  *pipeline.Engine
	Tracker *doa.Tracker
	Metrics *metrics.Metrics
	Health  *health.Checker
}

// Server is the HTTP server for go-tdoa
type Server struct {
	app       *fiber.App
	cfg       config.ServerConfig
	tracker   *doa.Tracker
	metrics   *metrics.Metrics
	health    *health.Checker
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string

	engineMu sync.RWMutex
	engine   *pipeline.Engine
}

// New creates a new HTTP server
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(version)
	}

	bodyLimit := cfg.MaxUploadMB * 1024 * 1024
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-tdoa",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             bodyLimit,
		ErrorHandler:          errorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger, deps.Metrics))

	s := &Server{
		app:       app,
		cfg:       cfg,
		tracker:   deps.Tracker,
		metrics:   deps.Metrics,
		health:    deps.Health,
		logger:    logger,
		engine:    deps.Engine,
		startTime: time.Now(),
		version:   version,
	}
	s.wsHub = NewWSHub(deps.Tracker, s.ApplyConfig, cfg.BroadcastHz, logger)

	if deps.Metrics != nil {
		deps.Metrics.GaugeFunc("websocket_clients", "Connected stream clients", func() float64 {
			return float64(s.wsHub.ClientCount())
		})
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api")

	// Streaming direction
	api.Get("/doa", s.doaHandler)
	api.Get("/doa/stream", s.wsHub.UpgradeHandler())

	// One-shot estimation
	api.Post("/estimate", s.estimateHandler)
	api.Post("/estimate/wav", s.estimateWAVHandler)

	// Config endpoints
	api.Get("/config", s.configHandler)
	api.Put("/config", s.updateConfigHandler)

	// Stats endpoint
	api.Get("/stats", s.statsHandler)
}

// errorHandler renders fiber errors as JSON
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// Engine returns the current estimation engine
func (s *Server) Engine() *pipeline.Engine {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.engine
}

// ApplyConfig changes estimator settings for the API and the streaming tracker.
// Unset fields keep their current values.
func (s *Server) ApplyConfig(u protocol.ConfigUpdate) (pipeline.Config, error) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	cfg := s.engine.Config()
	if u.Method != nil {
		method, err := tdoa.ParseMethod(*u.Method)
		if err != nil {
			return cfg, err
		}
		cfg.Estimator.Method = method
	}
	if u.Refine != nil {
		cfg.Estimator.Refine = *u.Refine
	}
	if u.Window != nil {
		cfg.Condition.Window = *u.Window
	}

	engine, err := s.engine.With(cfg)
	if err != nil {
		return s.engine.Config(), err
	}
	s.engine = engine

	if s.tracker != nil {
		s.tracker.SetEstimator(engine)
	}

	s.logger.Info("estimator reconfigured",
		"method", cfg.Estimator.Method,
		"refine", cfg.Estimator.Refine,
		"window", cfg.Condition.Window,
	)
	return engine.Config(), nil
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.health.GetStatus()
	if status.Status == health.StatusUnhealthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}

// doaHandler returns the current DOA reading
func (s *Server) doaHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "DOA tracker not available",
		})
	}

	return c.JSON(protocol.NewDOAData(s.tracker.GetLatest()))
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Port,
			"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
			"broadcast_hz":     s.cfg.BroadcastHz,
		},
		"estimator": estimatorView(s.Engine().Config()),
	})
}

// updateConfigHandler applies a partial estimator update
func (s *Server) updateConfigHandler(c *fiber.Ctx) error {
	var u protocol.ConfigUpdate
	if err := c.BodyParser(&u); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid config body: " + err.Error()})
	}

	cfg, err := s.ApplyConfig(u)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"estimator": estimatorView(cfg)})
}

func estimatorView(cfg pipeline.Config) fiber.Map {
	return fiber.Map{
		"method":               cfg.Estimator.Method,
		"refine":               cfg.Estimator.Refine,
		"interpolation_factor": cfg.Estimator.InterpolationFactor,
		"max_tdoa_us":          cfg.Estimator.MaxTDOA * 1e6,
		"remove_dc":            cfg.Condition.RemoveDC,
		"normalize":            cfg.Condition.Normalize,
		"window":               cfg.Condition.Window,
		"mic_distance":         cfg.Geometry.MicDistance,
		"speed_of_sound":       cfg.Geometry.SpeedOfSound,
	}
}

// statsHandler returns tracker statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	if s.tracker == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "tracker not available",
		})
	}

	return c.JSON(s.tracker.Stats())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
