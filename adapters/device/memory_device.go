package device

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/internal/audio"
)

// ErrDenied is the cause reported when a memory microphone refuses access
var ErrDenied = errors.New("access denied")

var (
	_ audio.Microphone = (*MemoryMicrophone)(nil)
	_ audio.Speaker    = (*MemorySpeaker)(nil)
)

// MemoryMicrophone is an in-memory capture device. Samples pushed with Feed
// are delivered to the open stream; with Silence set the stream produces
// real-time silence when nothing was fed, so headless servers keep a live
// capture graph.
type MemoryMicrophone struct {
	mu      sync.Mutex
	Denied  bool
	Silence bool
	opened  int
	stream  *memoryInput
}

// NewMemoryMicrophone creates a microphone that only yields fed samples
func NewMemoryMicrophone() *MemoryMicrophone {
	return &MemoryMicrophone{}
}

// Open implements audio.Microphone
func (m *MemoryMicrophone) Open(ctx context.Context, sampleRate, channels int) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Denied {
		return nil, &domain.PermissionError{Device: "microphone", Err: ErrDenied}
	}

	m.opened++
	m.stream = &memoryInput{
		feed:       make(chan []float32, 64),
		closed:     make(chan struct{}),
		sampleRate: sampleRate,
		silence:    m.Silence,
	}
	return m.stream, nil
}

// Feed delivers samples to the open stream; it reports false when no stream
// is open
func (m *MemoryMicrophone) Feed(samples []float32) bool {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if stream == nil || stream.isClosed() {
		return false
	}
	select {
	case stream.feed <- append([]float32(nil), samples...):
		return true
	case <-stream.closed:
		return false
	}
}

// Opened returns how many times the microphone was opened
func (m *MemoryMicrophone) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// IsOpen reports whether a stream is currently open
func (m *MemoryMicrophone) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil && !m.stream.isClosed()
}

type memoryInput struct {
	feed       chan []float32
	closed     chan struct{}
	closeOnce  sync.Once
	pending    []float32
	sampleRate int
	silence    bool
}

func (s *memoryInput) Read(p []float32) (int, error) {
	if len(s.pending) == 0 {
		var idle <-chan time.Time
		if s.silence && s.sampleRate > 0 {
			idle = time.After(time.Duration(len(p)) * time.Second / time.Duration(s.sampleRate))
		}
		select {
		case chunk := <-s.feed:
			s.pending = chunk
		case <-idle:
			clear(p)
			return len(p), nil
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *memoryInput) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *memoryInput) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// MemorySpeaker is an in-memory playback device. Its outputs either follow
// the wall clock (completions fire from timers) or a manual clock advanced
// with MemoryOutput.Advance.
type MemorySpeaker struct {
	mu      sync.Mutex
	manual  bool
	outputs []*MemoryOutput

	// OpenErr, when set, is returned by Open
	OpenErr error
}

// NewMemorySpeaker creates a wall-clock speaker
func NewMemorySpeaker() *MemorySpeaker {
	return &MemorySpeaker{}
}

// NewManualSpeaker creates a speaker whose clock only moves on Advance
func NewManualSpeaker() *MemorySpeaker {
	return &MemorySpeaker{manual: true}
}

// Open implements audio.Speaker
func (s *MemorySpeaker) Open(sampleRate, channels int) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	out := &MemoryOutput{
		manual:     s.manual,
		started:    time.Now(),
		SampleRate: sampleRate,
		Channels:   channels,
	}
	s.outputs = append(s.outputs, out)
	return out, nil
}

// Last returns the most recently opened output
func (s *MemorySpeaker) Last() *MemoryOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return nil
	}
	return s.outputs[len(s.outputs)-1]
}

// Opened returns how many outputs were opened
func (s *MemorySpeaker) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outputs)
}

// MemoryOutput records scheduled sources against its clock
type MemoryOutput struct {
	mu      sync.Mutex
	manual  bool
	started time.Time
	now     time.Duration
	closed  bool
	sources []*MemorySource

	SampleRate int
	Channels   int
}

// Now implements audio.Output
func (o *MemoryOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nowLocked()
}

func (o *MemoryOutput) nowLocked() time.Duration {
	if o.manual {
		return o.now
	}
	return time.Since(o.started)
}

// Play implements audio.Output
func (o *MemoryOutput) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, errors.New("output is closed")
	}

	src := &MemorySource{
		Start:   at,
		End:     at + buf.Duration(),
		Buffer:  buf,
		onEnded: onEnded,
	}
	o.sources = append(o.sources, src)

	if !o.manual {
		src.timer = time.AfterFunc(src.End-o.nowLocked(), src.finish)
	}
	return src, nil
}

// Advance moves a manual clock forward and completes every source that ends
// by the new time, in end order
func (o *MemoryOutput) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var due []*MemorySource
	for _, src := range o.sources {
		if src.End <= o.now && src.markDone() {
			due = append(due, src)
		}
	}
	o.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].End < due[j].End })
	for _, src := range due {
		if src.onEnded != nil {
			src.onEnded()
		}
	}
}

// Sources returns every source scheduled so far
func (o *MemoryOutput) Sources() []*MemorySource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*MemorySource(nil), o.sources...)
}

// Closed reports whether Close was called
func (o *MemoryOutput) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close implements audio.Output
func (o *MemoryOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	for _, src := range o.sources {
		if src.timer != nil {
			src.timer.Stop()
		}
	}
	return nil
}

// MemorySource is one scheduled buffer
type MemorySource struct {
	Start  time.Duration
	End    time.Duration
	Buffer *audio.Buffer

	mu      sync.Mutex
	done    bool
	stopped bool
	timer   *time.Timer
	onEnded func()
}

func (s *MemorySource) markDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	return true
}

func (s *MemorySource) finish() {
	if s.markDone() && s.onEnded != nil {
		s.onEnded()
	}
}

// Stop implements audio.Source; like a browser source node it still reports
// the end to its listener
func (s *MemorySource) Stop() error {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.finish()
	return nil
}

// Stopped reports whether Stop was called
func (s *MemorySource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
