package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/internal/audio"
)

const (
	float32Bytes       = 4
	portAudioFrames    = 512
	portAudioBuffering = 2 * time.Second
)

var _ audio.Microphone = (*PortAudioMicrophone)(nil)

// PortAudioMicrophone captures from the default input device. The PortAudio
// callback copies samples into a ring buffer; Read drains it on the capture
// goroutine.
type PortAudioMicrophone struct {
	logger *zap.Logger
}

// NewPortAudioMicrophone creates a microphone backed by the default device.
// portaudio.Initialize must have been called.
func NewPortAudioMicrophone(logger *zap.Logger) *PortAudioMicrophone {
	return &PortAudioMicrophone{logger: logger}
}

// Open implements audio.Microphone
func (m *PortAudioMicrophone) Open(ctx context.Context, sampleRate, channels int) (audio.InputStream, error) {
	size := int(portAudioBuffering.Seconds()*float64(sampleRate)) * channels * float32Bytes
	in := &portAudioInput{
		rb:     ringbuffer.New(size).SetBlocking(true),
		logger: m.logger,
	}

	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), portAudioFrames, in.callback)
	if err != nil {
		return nil, &domain.PermissionError{Device: "microphone", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, &domain.PermissionError{Device: "microphone", Err: err}
	}
	in.stream = stream

	m.logger.Info("PortAudio input opened",
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels))

	return in, nil
}

type portAudioInput struct {
	stream *portaudio.Stream
	rb     *ringbuffer.RingBuffer
	logger *zap.Logger

	scratch   []byte
	closeOnce sync.Once
	dropped   int
}

// callback runs on the PortAudio thread and must not block
func (in *portAudioInput) callback(samples []float32) {
	need := len(samples) * float32Bytes
	if cap(in.scratch) < need {
		in.scratch = make([]byte, need)
	}
	b := in.scratch[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*float32Bytes:], math.Float32bits(s))
	}
	if in.rb.Free() < need {
		in.dropped += len(samples)
		return
	}
	if _, err := in.rb.TryWrite(b); err != nil {
		in.dropped += len(samples)
	}
}

func (in *portAudioInput) Read(p []float32) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := make([]byte, len(p)*float32Bytes)
	n, err := in.rb.Read(b)
	if n%float32Bytes != 0 && err == nil {
		var m int
		m, err = io.ReadFull(in.rb, b[n:n+float32Bytes-n%float32Bytes])
		n += m
	}
	samples := n / float32Bytes
	for i := 0; i < samples; i++ {
		p[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*float32Bytes:]))
	}
	if err != nil {
		if errors.Is(err, ringbuffer.ErrWriteOnClosed) || errors.Is(err, io.EOF) {
			return samples, io.EOF
		}
		return samples, fmt.Errorf("failed to read microphone buffer: %w", err)
	}
	return samples, nil
}

func (in *portAudioInput) Close() error {
	var err error
	in.closeOnce.Do(func() {
		if stopErr := in.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop input stream: %w", stopErr)
		}
		if closeErr := in.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close input stream: %w", closeErr)
		}
		in.rb.CloseWriter()
		if in.dropped > 0 {
			in.logger.Warn("Microphone samples dropped on overflow", zap.Int("samples", in.dropped))
		}
	})
	return err
}
