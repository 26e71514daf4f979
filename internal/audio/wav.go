package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
)

// ErrNotWAV is returned when the input is not a RIFF/WAVE file with integer samples
var ErrNotWAV = errors.New("not a PCM WAV file")

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// integerPCM reports whether the header describes integer samples.
// Extensible headers at 32 bits may carry float samples and are rejected.
func integerPCM(format, depth uint16) bool {
	switch format {
	case wavFormatPCM:
		return true
	case wavFormatExtensible:
		return depth == 8 || depth == 16 || depth == 24
	}
	return false
}

// DecodeWAV reads an integer PCM WAV file into per-channel float samples in [-1, 1).
// Plain and extensible headers are accepted; float and compressed encodings
// return ErrNotWAV so callers can hand them to ffmpeg.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrNotWAV
	}
	if !integerPCM(dec.WavAudioFormat, dec.BitDepth) {
		return Clip{}, fmt.Errorf("%w: format tag %#x, %d bits", ErrNotWAV, dec.WavAudioFormat, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return Clip{}, ErrNoChannels
	}

	numChans := buf.Format.NumChannels
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}

	// 8-bit WAV is unsigned; wider depths are signed
	var offset float64
	scale := float64(int64(1) << (depth - 1))
	if depth == 8 {
		offset = 128
		scale = 128
	}

	frames := len(buf.Data) / numChans
	channels := make([][]float64, numChans)
	for ch := range channels {
		channels[ch] = make([]float64, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < numChans; ch++ {
			channels[ch][i] = (float64(buf.Data[i*numChans+ch]) - offset) / scale
		}
	}

	return Clip{Channels: channels, SampleRate: buf.Format.SampleRate}, nil
}
