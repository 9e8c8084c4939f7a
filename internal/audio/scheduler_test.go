package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/adapters/device"
	"github.com/satriahrh/cress/internal/audio"
)

func silence(d time.Duration) *audio.Buffer {
	frames := int(d * audio.OutputSampleRate / time.Second)
	return &audio.Buffer{
		Samples:    make([]float32, frames),
		SampleRate: audio.OutputSampleRate,
		Channels:   1,
	}
}

func newManualScheduler(t *testing.T, opts ...audio.SchedulerOption) (*audio.Scheduler, *device.MemoryOutput) {
	t.Helper()
	out, err := device.NewManualSpeaker().Open(audio.OutputSampleRate, 1)
	require.NoError(t, err)
	mem := out.(*device.MemoryOutput)
	return audio.NewScheduler(mem, zap.NewNop(), opts...), mem
}

func TestScheduler_BackToBack(t *testing.T) {
	s, out := newManualScheduler(t)
	out.Advance(2 * time.Second)

	d1, d2, d3 := 500*time.Millisecond, 250*time.Millisecond, time.Second
	starts := make([]time.Duration, 0, 3)
	for _, d := range []time.Duration{d1, d2, d3} {
		start, err := s.Enqueue(silence(d))
		require.NoError(t, err)
		starts = append(starts, start)
	}

	now := 2 * time.Second
	assert.Equal(t, []time.Duration{now, now + d1, now + d1 + d2}, starts)
	assert.Equal(t, 3, s.Active())
	assert.Equal(t, now+d1+d2+d3, s.NextStart())
}

func TestScheduler_CatchesUpWithClock(t *testing.T) {
	s, out := newManualScheduler(t)

	_, err := s.Enqueue(silence(100 * time.Millisecond))
	require.NoError(t, err)

	out.Advance(time.Second)
	start, err := s.Enqueue(silence(100 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, time.Second, start)
}

func TestScheduler_NaturalCompletion(t *testing.T) {
	finished := 0
	s, out := newManualScheduler(t, audio.WithOnFinished(func() { finished++ }))

	_, err := s.Enqueue(silence(100 * time.Millisecond))
	require.NoError(t, err)
	_, err = s.Enqueue(silence(100 * time.Millisecond))
	require.NoError(t, err)

	out.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, s.Active())
	assert.Equal(t, 0, finished)

	out.Advance(100 * time.Millisecond)
	assert.Equal(t, 0, s.Active())
	assert.Equal(t, 1, finished)
}

func TestScheduler_Interrupt(t *testing.T) {
	finished := 0
	s, out := newManualScheduler(t, audio.WithOnFinished(func() { finished++ }))

	for range 2 {
		_, err := s.Enqueue(silence(time.Second))
		require.NoError(t, err)
	}
	out.Advance(300 * time.Millisecond)

	s.Interrupt()

	assert.Equal(t, 0, s.Active())
	assert.Equal(t, time.Duration(0), s.NextStart())
	assert.Equal(t, 0, finished, "stopped sources do not count as finished")
	for _, src := range out.Sources() {
		assert.True(t, src.Stopped())
	}

	start, err := s.Enqueue(silence(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, start, "next buffer starts at the clock, not after the stopped ones")
}

func TestScheduler_InterruptIdle(t *testing.T) {
	s, _ := newManualScheduler(t)
	s.Interrupt()
	s.Interrupt()
	assert.Equal(t, 0, s.Active())
}

func TestScheduler_ShutdownTwice(t *testing.T) {
	s, out := newManualScheduler(t)
	_, err := s.Enqueue(silence(time.Second))
	require.NoError(t, err)

	s.Shutdown()
	s.Shutdown()

	assert.True(t, out.Closed())
	assert.Equal(t, 0, s.Active())

	_, err = s.Enqueue(silence(time.Second))
	assert.ErrorIs(t, err, audio.ErrSchedulerClosed)
}

func TestScheduler_Dispatch(t *testing.T) {
	var queued []func()
	s, out := newManualScheduler(t, audio.WithDispatch(func(fn func()) {
		queued = append(queued, fn)
	}))

	_, err := s.Enqueue(silence(100 * time.Millisecond))
	require.NoError(t, err)
	out.Advance(time.Second)

	assert.Equal(t, 1, s.Active(), "completion waits for the owner")
	require.Len(t, queued, 1)
	queued[0]()
	assert.Equal(t, 0, s.Active())
}

func TestScheduler_WallClock(t *testing.T) {
	out, err := device.NewMemorySpeaker().Open(audio.OutputSampleRate, 1)
	require.NoError(t, err)

	var mu sync.Mutex
	done := make(chan struct{})
	s := audio.NewScheduler(out, zap.NewNop(),
		audio.WithOnFinished(func() { close(done) }),
		audio.WithDispatch(func(fn func()) {
			mu.Lock()
			defer mu.Unlock()
			fn()
		}))

	mu.Lock()
	_, err = s.Enqueue(silence(20 * time.Millisecond))
	mu.Unlock()
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("buffer never finished")
	}
}
