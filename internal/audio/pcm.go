package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/satriahrh/cress/domain"
)

const pcmScale = 32767

// Encode converts float samples to base64 16-bit little-endian PCM
func Encode(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// EncodePCM16 converts float samples to 16-bit little-endian PCM. Samples are
// clamped to [-1, 1]; NaN is treated as silence.
func EncodePCM16(samples []float32) []byte {
	b := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		v := int16(math.Round(float64(clamp(s)) * pcmScale))
		binary.LittleEndian.PutUint16(b[i*bytesPerSample:], uint16(v))
	}
	return b
}

// DecodeBytes reverses the base64 transport encoding
func DecodeBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &domain.DecodeError{Reason: "invalid base64 payload", Err: err}
	}
	return b, nil
}

// DecodeAudioBuffer reinterprets 16-bit little-endian PCM as a playable
// buffer tagged with the given rate and channel count
func DecodeAudioBuffer(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, &domain.DecodeError{Reason: fmt.Sprintf("invalid format %d Hz x %d channels", sampleRate, channels)}
	}
	frameBytes := bytesPerSample * channels
	if len(data)%frameBytes != 0 {
		return nil, &domain.DecodeError{Reason: fmt.Sprintf("payload of %d bytes is not a multiple of %d", len(data), frameBytes)}
	}

	samples := make([]float32, len(data)/bytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
		samples[i] = clamp(float32(v) / pcmScale)
	}

	return &Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

func clamp(f float32) float32 {
	switch {
	case f != f:
		return 0
	case f > 1:
		return 1
	case f < -1:
		return -1
	default:
		return f
	}
}
