// Package audio converts between normalized float samples and the 16-bit
// little-endian PCM frames exchanged with the live endpoint.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrOddLength is returned when PCM16 data does not hold a whole number of samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// Buffer is a decoded, playable block of audio. Samples are interleaved when
// Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// PCM16 re-encodes the buffer as little-endian 16-bit PCM.
func (b *Buffer) PCM16() []byte {
	if b == nil {
		return nil
	}
	return EncodePCM16(b.Samples)
}

// EncodePCM16 clamps every sample to [-1, 1], scales it by 32767, rounds it and
// packs it as little-endian int16, preserving sample order.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// RMS returns sqrt(mean(s^2)) over samples. An empty buffer has RMS 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DecodePCM16 turns little-endian PCM16 bytes into a playable Buffer at the
// given rate and channel count. Samples are normalized by 32768.
func DecodePCM16(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}
	n := len(data) / 2
	if n%channels != 0 {
		return nil, fmt.Errorf("audio: %d samples do not divide into %d channels", n, channels)
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// DecodeFloat32 parses little-endian IEEE-754 float32 samples, the format
// browsers post their capture buffers in. Trailing partial samples are an error.
func DecodeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("audio: %d bytes is not a whole number of float32 samples", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// EncodeFloat32 packs samples as little-endian float32.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
