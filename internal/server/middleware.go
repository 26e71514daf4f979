package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-tdoa/internal/metrics"
)

// LoggingMiddleware logs HTTP requests and records them in m when it is non-nil
func LoggingMiddleware(logger *slog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		latency := time.Since(start)

		// Route pattern, not the raw path, keeps label cardinality bounded
		if m != nil {
			m.RecordHTTPRequest(c.Method(), c.Route().Path, status, latency)
		}

		// Skip logging for high-frequency endpoints
		path := c.Path()
		if path == "/metrics" || path == "/health" {
			return err
		}

		logger.Info("http request",
			"method", c.Method(),
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"ip", c.IP(),
		)

		return err
	}
}
