package voice_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/adapters/device"
	"github.com/satriahrh/cress/adapters/llm"
	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/domain/repositories"
	"github.com/satriahrh/cress/internal/audio"
	"github.com/satriahrh/cress/internal/metrics"
	"github.com/satriahrh/cress/internal/voice"
)

const waitTimeout = 2 * time.Second

type harness struct {
	ctrl    *voice.Controller
	mic     *device.MemoryMicrophone
	speaker *device.MemorySpeaker
	live    *llm.MockLiveConnector
	metrics *metrics.Metrics
	cfg     voice.Config
}

func newHarness(t *testing.T, setup ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		mic:     device.NewMemoryMicrophone(),
		speaker: device.NewManualSpeaker(),
		live:    llm.NewMockLiveConnector(),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
		cfg: voice.Config{
			Live: repositories.LiveConfig{
				Model:             llm.DefaultLiveModel,
				SystemInstruction: llm.VoicePersona,
				Voice:             llm.DefaultVoice,
			},
			BlockSize:      4,
			VolumeInterval: time.Hour,
		},
	}
	for _, fn := range setup {
		fn(h)
	}
	h.ctrl = voice.NewController(h.mic, h.speaker, h.live, h.cfg, zap.NewNop(), h.metrics)
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func (h *harness) connect(t *testing.T) *llm.MockLiveSession {
	t.Helper()
	require.NoError(t, h.ctrl.Connect(context.Background()))
	session := h.live.Last()
	require.NotNil(t, session)
	return session
}

func (h *harness) waitSnapshot(t *testing.T, cond func(entities.VoiceSnapshot) bool) entities.VoiceSnapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.ctrl.Snapshot()) }, waitTimeout, 2*time.Millisecond)
	return h.ctrl.Snapshot()
}

func chunk(d time.Duration) string {
	frames := int(d * audio.OutputSampleRate / time.Second)
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.Encode(samples)
}

func TestConnect_MissingCredential(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.live.MissingKey = true })

	err := h.ctrl.Connect(context.Background())

	var configErr *domain.ConfigError
	require.True(t, errors.As(err, &configErr))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, entities.VoiceDisconnected, snap.State)
	assert.False(t, snap.IsConnected)
	require.NotNil(t, snap.Error)
	assert.Equal(t, voice.MessageMissingKey, *snap.Error)
	assert.Equal(t, 0, h.mic.Opened(), "no microphone opened")
	assert.Equal(t, 0, h.speaker.Opened(), "no speaker opened")
	assert.Empty(t, h.live.Sessions())
}

func TestConnect_OpensCall(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, entities.VoiceConnected, snap.State)
	assert.True(t, snap.IsConnected)
	assert.Nil(t, snap.Error)
	assert.True(t, h.mic.IsOpen())
	assert.Equal(t, 1, h.speaker.Opened())
	assert.Equal(t, audio.OutputSampleRate, h.speaker.Last().SampleRate)

	assert.Equal(t, repositories.ModalityAudio, session.Config.Modality)
	assert.Equal(t, "Kore", session.Config.Voice)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VoiceConnects.WithLabelValues("connected")))
}

func TestConnect_ForwardsCaptureFrames(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)

	require.True(t, h.mic.Feed([]float32{0.5, 0.5, 0.5, 0.5}))
	require.True(t, h.mic.Feed([]float32{-0.5, -0.5, -0.5, -0.5}))

	require.Eventually(t, func() bool { return len(session.Frames()) == 2 }, waitTimeout, 2*time.Millisecond)
	frames := session.Frames()
	assert.Equal(t, audio.Encode([]float32{0.5, 0.5, 0.5, 0.5}), frames[0].Data)
	assert.Equal(t, audio.Encode([]float32{-0.5, -0.5, -0.5, -0.5}), frames[1].Data)
	assert.Equal(t, audio.InputMIMEType, frames[0].MIMEType)
}

func TestConnect_RejectsOverlap(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.live.AutoOpen = false })

	first := make(chan error, 1)
	go func() { first <- h.ctrl.Connect(context.Background()) }()
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.State == entities.VoiceConnecting })

	assert.ErrorIs(t, h.ctrl.Connect(context.Background()), voice.ErrConnectInProgress)

	require.Eventually(t, func() bool { return h.live.Last() != nil }, waitTimeout, 2*time.Millisecond)
	h.live.Last().Open()
	require.NoError(t, <-first)

	assert.ErrorIs(t, h.ctrl.Connect(context.Background()), voice.ErrAlreadyConnected)
	assert.Len(t, h.live.Sessions(), 1)
}

func TestPlayback_SpeakingFollowsActiveSet(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)
	out := h.speaker.Last()

	session.Message(repositories.LiveMessage{AudioChunk: chunk(100 * time.Millisecond)})
	session.Message(repositories.LiveMessage{AudioChunk: chunk(100 * time.Millisecond)})
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.IsSpeaking })
	require.Eventually(t, func() bool { return len(out.Sources()) == 2 }, waitTimeout, 2*time.Millisecond)

	sources := out.Sources()
	assert.Equal(t, time.Duration(0), sources[0].Start)
	assert.Equal(t, 100*time.Millisecond, sources[1].Start, "buffers play back to back")

	out.Advance(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.ctrl.Snapshot().IsSpeaking, "second buffer still playing")

	out.Advance(100 * time.Millisecond)
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return !s.IsSpeaking })
}

func TestPlayback_InterruptedWhileTwoBuffersPlay(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)
	out := h.speaker.Last()

	session.Message(repositories.LiveMessage{AudioChunk: chunk(time.Second)})
	session.Message(repositories.LiveMessage{AudioChunk: chunk(time.Second)})
	require.Eventually(t, func() bool { return len(out.Sources()) == 2 }, waitTimeout, 2*time.Millisecond)
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.IsSpeaking })

	out.Advance(250 * time.Millisecond)
	session.Message(repositories.LiveMessage{Interrupted: true})
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return !s.IsSpeaking })

	for _, src := range out.Sources() {
		assert.True(t, src.Stopped())
	}

	session.Message(repositories.LiveMessage{AudioChunk: chunk(time.Second)})
	require.Eventually(t, func() bool { return len(out.Sources()) == 3 }, waitTimeout, 2*time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, out.Sources()[2].Start, "next buffer anchors to the output clock")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Interruptions))
}

func TestPlayback_DecodeErrorDropsChunk(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)
	out := h.speaker.Last()

	session.Message(repositories.LiveMessage{AudioChunk: "!!not base64!!"})
	session.Message(repositories.LiveMessage{AudioChunk: "AAA="})
	session.Message(repositories.LiveMessage{AudioChunk: "AAE="})
	// One byte is not a whole sample.
	session.Message(repositories.LiveMessage{AudioChunk: "AQ=="})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ChunksDropped) == 2
	}, waitTimeout, 2*time.Millisecond)

	assert.Len(t, out.Sources(), 2)
	assert.Equal(t, entities.VoiceConnected, h.ctrl.Snapshot().State, "session survives bad chunks")
}

func TestDisconnect_Twice(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)
	out := h.speaker.Last()
	session.Message(repositories.LiveMessage{AudioChunk: chunk(time.Second)})
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.IsSpeaking })

	require.NoError(t, h.ctrl.Disconnect(context.Background()))
	first := h.ctrl.Snapshot()
	require.NoError(t, h.ctrl.Disconnect(context.Background()))
	second := h.ctrl.Snapshot()

	assert.Equal(t, first, second)
	assert.Equal(t, entities.VoiceDisconnected, second.State)
	assert.False(t, second.IsConnected)
	assert.False(t, second.IsSpeaking)
	assert.Equal(t, uint8(0), second.Volume)

	assert.Equal(t, 1, session.Closed())
	assert.False(t, h.mic.IsOpen())
	assert.True(t, out.Closed())
	assert.True(t, out.Sources()[0].Stopped())
}

func TestDisconnect_WhenIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Disconnect(context.Background()))
	assert.Equal(t, entities.VoiceDisconnected, h.ctrl.Snapshot().State)
}

func TestDisconnect_DuringDial(t *testing.T) {
	hold := make(chan struct{})
	h := newHarness(t, func(h *harness) { h.live.Hold = hold })

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Connect(context.Background()) }()
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.State == entities.VoiceConnecting })

	require.NoError(t, h.ctrl.Disconnect(context.Background()))
	assert.ErrorIs(t, <-result, voice.ErrDisconnected)
	close(hold)

	time.Sleep(20 * time.Millisecond)
	for _, s := range h.live.Sessions() {
		require.Eventually(t, func() bool { return s.Closed() > 0 }, waitTimeout, 2*time.Millisecond, "late session is closed")
	}
	assert.Equal(t, entities.VoiceDisconnected, h.ctrl.Snapshot().State)
	assert.False(t, h.mic.IsOpen())
}

func TestRemoteError_TearsDown(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)
	out := h.speaker.Last()

	session.Fail(errors.New("socket reset"))

	snap := h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.State == entities.VoiceError })
	require.NotNil(t, snap.Error)
	assert.Equal(t, voice.MessageConnectionError, *snap.Error)
	assert.False(t, snap.IsConnected)
	assert.Equal(t, 1, session.Closed())
	assert.False(t, h.mic.IsOpen())
	assert.True(t, out.Closed())

	// Late events from the dead session are ignored.
	session.Message(repositories.LiveMessage{AudioChunk: chunk(time.Second)})
	session.CloseRemote()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, entities.VoiceError, h.ctrl.Snapshot().State)

	// A new call can be placed from the error state.
	next := h.connect(t)
	assert.NotSame(t, session, next)
	assert.Nil(t, h.ctrl.Snapshot().Error)
}

func TestRemoteClose_Disconnects(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)

	session.CloseRemote()

	snap := h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.State == entities.VoiceDisconnected })
	assert.Nil(t, snap.Error)
	assert.False(t, h.mic.IsOpen())
	assert.True(t, h.speaker.Last().Closed())
}

func TestSendFailure_TearsDown(t *testing.T) {
	h := newHarness(t)
	session := h.connect(t)
	session.FailSends(errors.New("broken pipe"))

	require.True(t, h.mic.Feed([]float32{0.1, 0.1, 0.1, 0.1}))

	snap := h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.State == entities.VoiceError })
	assert.Equal(t, voice.MessageConnectionError, *snap.Error)
	assert.False(t, h.mic.IsOpen())
}

func TestConnect_SetupTimeout(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.live.AutoOpen = false
		h.cfg.ConnectTimeout = 200 * time.Millisecond
	})

	err := h.ctrl.Connect(context.Background())
	var streamErr *domain.StreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, "setup", streamErr.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, entities.VoiceError, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, voice.MessageConnectionError, *snap.Error)
	assert.False(t, h.mic.IsOpen())
	require.Len(t, h.live.Sessions(), 1)
	assert.Equal(t, 1, h.live.Sessions()[0].Closed())

	// A late acknowledgement belongs to the abandoned attempt.
	h.live.Sessions()[0].Open()

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.live.Sessions()) == 2 }, waitTimeout, 2*time.Millisecond)
	h.live.Sessions()[1].Open()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("second connect did not finish")
	}
	assert.Equal(t, entities.VoiceConnected, h.ctrl.Snapshot().State)
}

func TestConnect_PermissionDenied(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.mic.Denied = true })

	err := h.ctrl.Connect(context.Background())

	var permErr *domain.PermissionError
	require.True(t, errors.As(err, &permErr))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, entities.VoiceError, snap.State)
	assert.Equal(t, voice.MessageMicrophone, *snap.Error)
	assert.True(t, h.speaker.Last().Closed(), "speaker released by compensation")
	assert.Empty(t, h.live.Sessions())
}

func TestConnect_DialFailure(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.live.DialErr = &domain.StreamError{Op: "dial", Err: errors.New("handshake refused")}
	})

	err := h.ctrl.Connect(context.Background())

	var streamErr *domain.StreamError
	require.True(t, errors.As(err, &streamErr))
	snap := h.ctrl.Snapshot()
	assert.Equal(t, entities.VoiceError, snap.State)
	assert.Equal(t, voice.MessageConnectionError, *snap.Error)
	assert.False(t, h.mic.IsOpen())
	assert.True(t, h.speaker.Last().Closed())
}

func TestSubscribe_ReceivesLatest(t *testing.T) {
	h := newHarness(t)
	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	assert.Equal(t, entities.VoiceDisconnected, (<-updates).State)

	h.connect(t)

	deadline := time.After(waitTimeout)
	for {
		select {
		case snap := <-updates:
			if snap.State == entities.VoiceConnected {
				return
			}
		case <-deadline:
			t.Fatal("never saw the connected snapshot")
		}
	}
}

func TestVolume_ReportedWhileConnected(t *testing.T) {
	h := &harness{
		mic:     device.NewMemoryMicrophone(),
		speaker: device.NewManualSpeaker(),
		live:    llm.NewMockLiveConnector(),
	}
	h.ctrl = voice.NewController(h.mic, h.speaker, h.live, voice.Config{
		BlockSize:      256,
		VolumeInterval: 5 * time.Millisecond,
	}, zap.NewNop(), nil)
	defer h.ctrl.Close()
	h.connect(t)

	loud := make([]float32, 256)
	for i := range loud {
		loud[i] = 0.8
	}
	for range 20 {
		h.mic.Feed(loud)
	}
	h.waitSnapshot(t, func(s entities.VoiceSnapshot) bool { return s.Volume > 0 })

	require.NoError(t, h.ctrl.Disconnect(context.Background()))
	assert.Equal(t, uint8(0), h.ctrl.Snapshot().Volume)
}

func TestClose_StopsController(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.ctrl.Close())
	require.NoError(t, h.ctrl.Close())
	assert.False(t, h.mic.IsOpen())
	assert.ErrorIs(t, h.ctrl.Connect(context.Background()), voice.ErrClosed)
}
