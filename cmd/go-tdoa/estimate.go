package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/teslashibe/go-tdoa/internal/audio"
	"github.com/teslashibe/go-tdoa/internal/config"
	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
)

// Exit codes for one-shot estimation
const (
	exitOK         = 0
	exitFailure    = 1
	exitNoEstimate = 2
)

// runEstimate decodes two files, estimates once and prints the outcome
func runEstimate(cfg *config.Config, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: go-tdoa -estimate first.wav second.wav")
		return exitFailure
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	first, second, err := audio.LoadPair(ctx, args[0], args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
		return exitFailure
	}

	a, b, err := audio.PairFromClips(first, second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
		return exitFailure
	}

	pcfg, err := cfg.Pipeline()
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
		return exitFailure
	}
	engine, err := pipeline.New(pcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
		return exitFailure
	}

	est, err := engine.Estimate(a, b)
	return printEstimate(os.Stdout, est, err)
}

// printEstimate writes a human-readable report and returns the exit code
func printEstimate(w io.Writer, est doa.Estimate, err error) int {
	switch {
	case err == nil:
	case errors.Is(err, doa.ErrOutOfRange):
		fmt.Fprintf(w, "🕒 TDOA (%s): %.2f microseconds\n", est.Method, est.TDOAMicros)
		fmt.Fprintln(w, "🚫 TDOA too large; sound source likely beyond ±90°.")
		return exitNoEstimate
	case errors.Is(err, pipeline.ErrSampleRateMismatch):
		fmt.Fprintln(w, "⚠️  Sampling rates do not match.")
		return exitNoEstimate
	default:
		fmt.Fprintf(w, "⚠️  No estimate: %s\n", est.Message)
		return exitNoEstimate
	}

	fmt.Fprintf(w, "🕒 TDOA (%s): %.2f microseconds\n", est.Method, est.TDOAMicros)
	fmt.Fprintf(w, "📐 Direction of arrival: %.2f°\n", est.Angle)

	switch est.Side {
	case doa.SideLeft:
		fmt.Fprintln(w, "🔊 Source is to the left")
	case doa.SideRight:
		fmt.Fprintln(w, "🔊 Source is to the right")
	default:
		fmt.Fprintln(w, "🔊 Source is straight ahead")
	}
	return exitOK
}
