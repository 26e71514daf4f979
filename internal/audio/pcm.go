// Package audio decodes recordings and captures live stereo blocks for direction estimation
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/teslashibe/go-tdoa/internal/pipeline"
)

// ErrNoChannels is returned for a clip without audio data
var ErrNoChannels = errors.New("audio has no channels")

const pcm16Scale = 1 << 15

// Clip is decoded audio, one slice per channel
type Clip struct {
	Channels   [][]float64
	SampleRate int
}

// Len returns the number of frames
func (c Clip) Len() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// Left returns the first channel
func (c Clip) Left() []float64 {
	if len(c.Channels) == 0 {
		return nil
	}
	return c.Channels[0]
}

// Right returns the second channel, or the only one for mono clips
func (c Clip) Right() []float64 {
	switch len(c.Channels) {
	case 0:
		return nil
	case 1:
		return c.Channels[0]
	default:
		return c.Channels[1]
	}
}

// EnsureStereo promotes a mono clip to two identical channels.
// A duplicated channel correlates with itself, so the estimate lands at 0°.
func EnsureStereo(c Clip) (Clip, error) {
	switch len(c.Channels) {
	case 0:
		return c, ErrNoChannels
	case 1:
		return Clip{Channels: [][]float64{c.Channels[0], c.Channels[0]}, SampleRate: c.SampleRate}, nil
	default:
		return c, nil
	}
}

// PairFromClips takes the left channel of first and the right channel of second.
// Sample rates are carried through unchanged; the engine rejects a mismatch.
func PairFromClips(first, second Clip) (a, b pipeline.Channel, err error) {
	if first, err = EnsureStereo(first); err != nil {
		return a, b, fmt.Errorf("first clip: %w", err)
	}
	if second, err = EnsureStereo(second); err != nil {
		return a, b, fmt.Errorf("second clip: %w", err)
	}

	a = pipeline.Channel{Samples: first.Left(), SampleRate: first.SampleRate}
	b = pipeline.Channel{Samples: second.Right(), SampleRate: second.SampleRate}
	return a, b, nil
}

// Deinterleave splits signed 16-bit little-endian PCM into per-channel samples in [-1, 1).
// A trailing partial frame is dropped.
func Deinterleave(data []byte, channels int) ([][]float64, error) {
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	frameBytes := 2 * channels
	frames := len(data) / frameBytes

	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
	}

	for i := 0; i < frames; i++ {
		base := i * frameBytes
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(data[base+2*ch:]))
			out[ch][i] = float64(s) / pcm16Scale
		}
	}
	return out, nil
}

// Interleave packs per-channel samples into signed 16-bit little-endian PCM.
// Samples are clipped to [-1, 1].
func Interleave(channels [][]float64) []byte {
	if len(channels) == 0 {
		return nil
	}
	frames := len(channels[0])
	for _, ch := range channels[1:] {
		frames = min(frames, len(ch))
	}

	buf := make([]byte, frames*len(channels)*2)
	for i := 0; i < frames; i++ {
		for ch := range channels {
			v := max(-1, min(1, channels[ch][i]))
			s := int16(max(-pcm16Scale, min(pcm16Scale-1, v*pcm16Scale)))
			binary.LittleEndian.PutUint16(buf[(i*len(channels)+ch)*2:], uint16(s))
		}
	}
	return buf
}
