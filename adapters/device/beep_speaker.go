package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/internal/audio"
)

const (
	// DefaultDeviceRate is the rate the shared speaker is initialised at
	DefaultDeviceRate = 48000
	speakerLatency    = 100 * time.Millisecond
	resampleQuality   = 4
)

var _ audio.Speaker = (*BeepSpeaker)(nil)

// BeepSpeaker plays through the process-wide beep speaker. Each Open returns
// a timeline: a streamer that mixes scheduled buffers against its own frame
// counter, resampled to the device rate.
type BeepSpeaker struct {
	deviceRate beep.SampleRate
	logger     *zap.Logger

	initOnce sync.Once
	initErr  error
}

// NewBeepSpeaker creates a speaker; the device is initialised on first Open
func NewBeepSpeaker(deviceRate int, logger *zap.Logger) *BeepSpeaker {
	if deviceRate <= 0 {
		deviceRate = DefaultDeviceRate
	}
	return &BeepSpeaker{
		deviceRate: beep.SampleRate(deviceRate),
		logger:     logger,
	}
}

// Open implements audio.Speaker
func (s *BeepSpeaker) Open(sampleRate, channels int) (audio.Output, error) {
	s.initOnce.Do(func() {
		s.initErr = speaker.Init(s.deviceRate, s.deviceRate.N(speakerLatency))
	})
	if s.initErr != nil {
		return nil, fmt.Errorf("failed to initialise speaker: %w", s.initErr)
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid output format %d Hz x %d channels", sampleRate, channels)
	}

	t := newTimeline(beep.SampleRate(sampleRate), channels)
	speaker.Play(beep.Resample(resampleQuality, t.rate, s.deviceRate, t))

	s.logger.Info("Speaker output opened",
		zap.Int("sampleRate", sampleRate),
		zap.Int("deviceRate", int(s.deviceRate)))

	return t, nil
}

// timeline is an audio.Output whose clock is the number of frames it has
// handed to the device
type timeline struct {
	rate     beep.SampleRate
	channels int

	mu      sync.Mutex
	pos     int
	closed  bool
	sources []*timelineSource
}

func newTimeline(rate beep.SampleRate, channels int) *timeline {
	return &timeline{rate: rate, channels: channels}
}

func (t *timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate.D(t.pos)
}

func (t *timeline) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	if buf.Channels != t.channels && buf.Channels != 1 {
		return nil, fmt.Errorf("buffer has %d channels, output has %d", buf.Channels, t.channels)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.New("output is closed")
	}
	src := &timelineSource{
		owner:   t,
		buf:     buf,
		start:   t.rate.N(at),
		onEnded: onEnded,
	}
	t.sources = append(t.sources, src)
	return src, nil
}

// Stream implements beep.Streamer. It runs on the speaker goroutine.
func (t *timeline) Stream(samples [][2]float64) (int, bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, false
	}

	clear(samples)
	for _, src := range t.sources {
		src.mix(samples, t.pos)
	}
	t.pos += len(samples)

	var ended []*timelineSource
	live := t.sources[:0]
	for _, src := range t.sources {
		if src.end() <= t.pos {
			ended = append(ended, src)
			continue
		}
		live = append(live, src)
	}
	clear(t.sources[len(live):])
	t.sources = live
	t.mu.Unlock()

	for _, src := range ended {
		src.finish()
	}
	return len(samples), true
}

func (t *timeline) Err() error { return nil }

func (t *timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.sources = nil
	return nil
}

func (t *timeline) remove(src *timelineSource) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.sources {
		if s == src {
			t.sources = append(t.sources[:i], t.sources[i+1:]...)
			return true
		}
	}
	return false
}

type timelineSource struct {
	owner   *timeline
	buf     *audio.Buffer
	start   int
	onEnded func()
	once    sync.Once
}

func (s *timelineSource) end() int {
	return s.start + s.buf.Frames()
}

// mix adds the part of the buffer that overlaps [pos, pos+len(out)) into out
func (s *timelineSource) mix(out [][2]float64, pos int) {
	ch := s.buf.Channels
	for i := range out {
		frame := pos + i - s.start
		if frame < 0 {
			continue
		}
		if frame >= s.buf.Frames() {
			return
		}
		left := float64(s.buf.Samples[frame*ch])
		right := left
		if ch > 1 {
			right = float64(s.buf.Samples[frame*ch+1])
		}
		out[i][0] += left
		out[i][1] += right
	}
}

func (s *timelineSource) finish() {
	s.once.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

func (s *timelineSource) Stop() error {
	s.owner.remove(s)
	s.finish()
	return nil
}
