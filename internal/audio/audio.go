// Package audio holds the device-independent half of the voice call: the
// PCM codec, the capture pipeline that turns microphone samples into encoded
// frames, and the playback scheduler that lines decoded buffers up on a
// single output clock.
package audio

import (
	"context"
	"time"
)

const (
	// InputSampleRate is the capture rate the live service expects
	InputSampleRate = 16000
	// OutputSampleRate is the rate of the audio the live service returns
	OutputSampleRate = 24000
	// InputMIMEType tags every outbound frame
	InputMIMEType = "audio/pcm;rate=16000"
	// DefaultBlockSize is the number of samples per outbound frame
	DefaultBlockSize = 4096

	bytesPerSample = 2
)

// Buffer is decoded PCM ready for playback. Samples are interleaved when
// Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames in the buffer
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Microphone opens capture streams
type Microphone interface {
	// Open returns a *domain.PermissionError when the device is denied or missing
	Open(ctx context.Context, sampleRate, channels int) (InputStream, error)
}

// InputStream yields captured float samples in [-1, 1]. Read blocks until
// samples are available and returns io.EOF once the stream is closed.
type InputStream interface {
	Read(p []float32) (int, error)
	Close() error
}

// Speaker opens output contexts
type Speaker interface {
	Open(sampleRate, channels int) (Output, error)
}

// Output is one playback context with its own clock
type Output interface {
	// Now reports the output clock
	Now() time.Duration
	// Play schedules buf to start at the given clock time. onEnded is invoked,
	// possibly from another goroutine, when playback finishes or is stopped.
	Play(buf *Buffer, at time.Duration, onEnded func()) (Source, error)
	Close() error
}

// Source is a scheduled buffer
type Source interface {
	// Stop halts playback. Stopping a finished source is not an error.
	Stop() error
}
