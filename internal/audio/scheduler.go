package audio

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrSchedulerClosed is returned by Enqueue after Shutdown
var ErrSchedulerClosed = errors.New("playback scheduler is shut down")

// Scheduler lines decoded buffers up back to back on one output clock. It is
// not safe for concurrent use: the owner calls Enqueue, Interrupt and
// Shutdown from a single goroutine and completion callbacks are routed back
// to that goroutine through the dispatch function.
type Scheduler struct {
	out        Output
	logger     *zap.Logger
	dispatch   func(func())
	onFinished func()

	nextStart time.Duration
	active    map[uint64]Source
	seq       uint64
	closed    bool
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithDispatch routes completion callbacks through fn, which must eventually
// run the given function on the scheduler's owning goroutine
func WithDispatch(fn func(func())) SchedulerOption {
	return func(s *Scheduler) {
		s.dispatch = fn
	}
}

// WithOnFinished registers a callback fired when the last active buffer
// finishes naturally
func WithOnFinished(fn func()) SchedulerOption {
	return func(s *Scheduler) {
		s.onFinished = fn
	}
}

// NewScheduler creates a scheduler over an open output
func NewScheduler(out Output, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:      out,
		logger:   logger,
		dispatch: func(fn func()) { fn() },
		active:   make(map[uint64]Source),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue schedules buf right after everything already queued, or at the
// current output time if the queue has drained. It returns the start time.
func (s *Scheduler) Enqueue(buf *Buffer) (time.Duration, error) {
	if s.closed {
		return 0, ErrSchedulerClosed
	}

	start := max(s.nextStart, s.out.Now())

	s.seq++
	id := s.seq
	// Registered before Play so a synchronous completion is not lost.
	s.active[id] = nil

	src, err := s.out.Play(buf, start, func() {
		s.dispatch(func() { s.ended(id) })
	})
	if err != nil {
		delete(s.active, id)
		return 0, fmt.Errorf("failed to schedule buffer: %w", err)
	}
	if _, ok := s.active[id]; ok {
		s.active[id] = src
	}

	s.nextStart = start + buf.Duration()

	s.logger.Debug("Buffer scheduled",
		zap.Duration("start", start),
		zap.Duration("duration", buf.Duration()),
		zap.Int("active", len(s.active)))

	return start, nil
}

func (s *Scheduler) ended(id uint64) {
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	if len(s.active) == 0 && s.onFinished != nil {
		s.onFinished()
	}
}

// Interrupt stops every active buffer and re-anchors the next Enqueue to the
// output clock. It is safe to call when nothing is playing.
func (s *Scheduler) Interrupt() {
	stopping := s.active
	s.active = make(map[uint64]Source)
	s.nextStart = 0

	for _, src := range stopping {
		if src == nil {
			continue
		}
		if err := src.Stop(); err != nil {
			s.logger.Debug("Ignoring stop error", zap.Error(err))
		}
	}

	if len(stopping) > 0 {
		s.logger.Debug("Playback interrupted", zap.Int("stopped", len(stopping)))
	}
}

// Shutdown interrupts playback and releases the output. Teardown errors are
// logged, never returned; repeated calls are no-ops.
func (s *Scheduler) Shutdown() {
	if s.closed {
		return
	}
	s.Interrupt()
	s.closed = true

	if err := s.out.Close(); err != nil {
		s.logger.Warn("Failed to close output", zap.Error(err))
	}
}

// Active returns the number of buffers scheduled or playing
func (s *Scheduler) Active() int {
	return len(s.active)
}

// NextStart returns the time the next buffer would start if the clock had
// not caught up with it
func (s *Scheduler) NextStart() time.Duration {
	return s.nextStart
}
