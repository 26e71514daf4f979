package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// DecodeRate is the rate ffmpeg resamples non-WAV recordings to
const DecodeRate = 48000

// DecodeFile runs ffmpeg to decode any container it understands into stereo PCM at rate Hz
func DecodeFile(ctx context.Context, path string, rate int) (Clip, error) {
	if rate <= 0 {
		rate = DecodeRate
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)

	out, err := cmd.Output()
	if err != nil {
		return Clip{}, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}

	channels, err := Deinterleave(out, 2)
	if err != nil {
		return Clip{}, err
	}
	return Clip{Channels: channels, SampleRate: rate}, nil
}

// LoadFile decodes a recording from disk. WAV files are read natively at their own
// rate; anything else, and WAV encodings the native reader rejects, go through ffmpeg.
func LoadFile(ctx context.Context, path string) (Clip, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		f, err := os.Open(path)
		if err != nil {
			return Clip{}, err
		}
		clip, err := DecodeWAV(f)
		f.Close()
		if err == nil {
			return clip, nil
		}
		if !errors.Is(err, ErrNotWAV) {
			return Clip{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return DecodeFile(ctx, path, DecodeRate)
}

// DecodeReader decodes an uploaded recording. Input the WAV reader rejects is
// spooled to a temporary file and decoded by ffmpeg at DecodeRate.
func DecodeReader(ctx context.Context, r io.ReadSeeker) (Clip, error) {
	clip, err := DecodeWAV(r)
	if err == nil || !errors.Is(err, ErrNotWAV) {
		return clip, err
	}
	if _, lookErr := exec.LookPath("ffmpeg"); lookErr != nil {
		return Clip{}, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Clip{}, err
	}

	tmp, err := os.CreateTemp("", "go-tdoa-upload-*")
	if err != nil {
		return Clip{}, err
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Clip{}, fmt.Errorf("spool upload: %w", err)
	}

	return DecodeFile(ctx, tmp.Name(), DecodeRate)
}

// LoadPair loads both recordings of a two-file session; see PairFromClips
func LoadPair(ctx context.Context, first, second string) (Clip, Clip, error) {
	c1, err := LoadFile(ctx, first)
	if err != nil {
		return Clip{}, Clip{}, err
	}
	c2, err := LoadFile(ctx, second)
	if err != nil {
		return Clip{}, Clip{}, err
	}
	return c1, c2, nil
}
