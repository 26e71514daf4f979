package server

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-tdoa/internal/audio"
	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// estimateRequest carries two raw channels. SampleRateB defaults to SampleRate.
type estimateRequest struct {
	A           []float64 `json:"a"`
	B           []float64 `json:"b"`
	SampleRate  int       `json:"sample_rate"`
	SampleRateB int       `json:"sample_rate_b,omitempty"`
	Method      *string   `json:"method,omitempty"`
	Refine      *bool     `json:"refine,omitempty"`
	Window      *bool     `json:"window,omitempty"`
}

// estimateResponse is an estimate plus its error, if any
type estimateResponse struct {
	doa.Estimate
	Angle *float64 `json:"angle"` // nil unless status is ok
	Error string   `json:"error,omitempty"`
}

func (s *Server) estimateHandler(c *fiber.Ctx) error {
	var req estimateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body: " + err.Error()})
	}

	if len(req.A) == 0 || len(req.B) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "both a and b must contain samples"})
	}
	if req.SampleRate <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sample_rate must be positive"})
	}
	rateB := req.SampleRateB
	if rateB == 0 {
		rateB = req.SampleRate
	}

	engine, err := s.engineFor(req.Method, req.Refine, req.Window)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	est, err := engine.Estimate(
		pipeline.Channel{Samples: req.A, SampleRate: req.SampleRate},
		pipeline.Channel{Samples: req.B, SampleRate: rateB},
	)
	return respondEstimate(c, est, err)
}

func (s *Server) estimateWAVHandler(c *fiber.Ctx) error {
	first, err := formClip(c, "file1")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	second, err := formClip(c, "file2")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	a, b, err := audio.PairFromClips(first, second)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	engine, err := s.engineFor(optionalForm(c, "method"), optionalBool(c, "refine"), optionalBool(c, "window"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	est, err := engine.Estimate(a, b)
	return respondEstimate(c, est, err)
}

// respondEstimate maps the pipeline outcome to an HTTP status.
// Out of range is a valid answer; silence and rate mismatches are unprocessable.
func respondEstimate(c *fiber.Ctx, est doa.Estimate, err error) error {
	resp := estimateResponse{Estimate: est}
	if est.Valid() {
		angle := est.Angle
		resp.Angle = &angle
	}
	if err != nil {
		resp.Error = err.Error()
	}

	switch {
	case err == nil, errors.Is(err, doa.ErrOutOfRange):
		return c.JSON(resp)
	case errors.Is(err, tdoa.ErrSilentInput), errors.Is(err, pipeline.ErrSampleRateMismatch):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(resp)
	case errors.Is(err, tdoa.ErrEmptySignal), errors.Is(err, tdoa.ErrInvalidSampleRate):
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(resp)
	}
}

// engineFor returns the current engine, or a copy with per-request overrides
func (s *Server) engineFor(method *string, refine, window *bool) (*pipeline.Engine, error) {
	base := s.Engine()
	if method == nil && refine == nil && window == nil {
		return base, nil
	}

	cfg := base.Config()
	if method != nil {
		m, err := tdoa.ParseMethod(*method)
		if err != nil {
			return nil, err
		}
		cfg.Estimator.Method = m
	}
	if refine != nil {
		cfg.Estimator.Refine = *refine
	}
	if window != nil {
		cfg.Condition.Window = *window
	}
	return base.With(cfg)
}

func formClip(c *fiber.Ctx, field string) (audio.Clip, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("missing %s: %w", field, err)
	}
	return openClip(c.UserContext(), fh)
}

func openClip(ctx context.Context, fh *multipart.FileHeader) (audio.Clip, error) {
	f, err := fh.Open()
	if err != nil {
		return audio.Clip{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	clip, err := audio.DecodeReader(ctx, f)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("decode %s: %w", fh.Filename, err)
	}
	return clip, nil
}

func optionalForm(c *fiber.Ctx, key string) *string {
	v := c.FormValue(key)
	if v == "" {
		return nil
	}
	return &v
}

func optionalBool(c *fiber.Ctx, key string) *bool {
	switch c.FormValue(key) {
	case "true", "1", "yes":
		b := true
		return &b
	case "false", "0", "no":
		b := false
		return &b
	}
	return nil
}
