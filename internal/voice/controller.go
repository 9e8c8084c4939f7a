// Package voice runs the live voice call. A Controller is an actor: one
// goroutine owns the call state, and every command, device callback and
// network callback is posted to it as a closure.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/domain/repositories"
	"github.com/satriahrh/cress/internal/audio"
	"github.com/satriahrh/cress/internal/metrics"
	"github.com/satriahrh/cress/internal/saga"
)

// User-facing error messages carried in the snapshot
const (
	MessageMissingKey      = "API Key missing"
	MessageConnectionError = "Connection error occurred."
	MessageMicrophone      = "Microphone access denied or unavailable."
	MessageStartFailed     = "Failed to start audio session"
)

const defaultConnectTimeout = 30 * time.Second

var (
	ErrConnectInProgress = errors.New("voice connect already in progress")
	ErrAlreadyConnected  = errors.New("voice call already connected")
	ErrDisconnected      = errors.New("voice call disconnected before it opened")
	ErrClosed            = errors.New("voice controller is closed")
)

var allStates = []string{
	string(entities.VoiceDisconnected),
	string(entities.VoiceConnecting),
	string(entities.VoiceConnected),
	string(entities.VoiceError),
}

// Config holds the voice call settings
type Config struct {
	Live           repositories.LiveConfig
	BlockSize      int
	VolumeInterval time.Duration
	ConnectTimeout time.Duration
}

// Controller is the voice session lifecycle controller
type Controller struct {
	mic     audio.Microphone
	speaker audio.Speaker
	live    repositories.LiveConnector
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	sagas   *saga.Manager

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox *mailbox
	quit    chan struct{}
	done    chan struct{}
	stop    sync.Once

	// Owned by the actor goroutine.
	state       entities.VoiceState
	speaking    bool
	volume      uint8
	errMsg      *string
	gen         uint64
	session     repositories.LiveSession
	opened      bool
	cancelDial  context.CancelFunc
	setupTimer  *time.Timer
	scheduler   *audio.Scheduler
	capture     *audio.Capture
	connectedAt time.Time
	waiters     []chan<- error

	snapMu  sync.RWMutex
	snap    entities.VoiceSnapshot
	subs    map[int]chan entities.VoiceSnapshot
	nextSub int
}

// NewController creates a controller and starts its actor goroutine
func NewController(
	mic audio.Microphone,
	speaker audio.Speaker,
	live repositories.LiveConnector,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Controller {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Live.Modality == "" {
		cfg.Live.Modality = repositories.ModalityAudio
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		mic:     mic,
		speaker: speaker,
		live:    live,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		sagas:   saga.NewManager(logger),
		ctx:     ctx,
		cancel:  cancel,
		mailbox: newMailbox(),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   entities.VoiceDisconnected,
		subs:    make(map[int]chan entities.VoiceSnapshot),
	}
	c.snap = c.buildSnapshot()
	m.SetVoiceState(string(c.state), allStates)

	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.mailbox.signal:
			for _, fn := range c.mailbox.drain() {
				fn()
			}
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the actor and waits for it to finish
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !c.mailbox.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts a call. It returns nil once the live session is open, the
// attempt's error when it fails, or ctx.Err() if ctx ends first; in the last
// case the attempt carries on in the background.
func (c *Controller) Connect(ctx context.Context) error {
	result := make(chan error, 1)
	if err := c.do(ctx, func() { c.startConnect(ctx, result) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the call down. It is valid in every state and idempotent.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.do(ctx, func() {
		if c.state == entities.VoiceDisconnected && c.scheduler == nil && c.capture == nil && c.session == nil {
			return
		}
		c.logger.Info("Voice disconnect requested", zap.String("state", string(c.state)))
		c.teardown(ErrDisconnected)
		c.setState(entities.VoiceDisconnected)
		c.publish()
	})
}

// Close disconnects and stops the actor
func (c *Controller) Close() error {
	err := c.Disconnect(context.Background())
	c.stop.Do(func() {
		c.mailbox.close()
		c.cancel()
		close(c.quit)
		<-c.done
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Snapshot returns the current UI-facing state
func (c *Controller) Snapshot() entities.VoiceSnapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Subscribe returns a channel that always holds the latest snapshot after
// every change. Intermediate snapshots may be coalesced. The returned
// function unsubscribes.
func (c *Controller) Subscribe() (<-chan entities.VoiceSnapshot, func()) {
	ch := make(chan entities.VoiceSnapshot, 1)

	c.snapMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snap
	c.snapMu.Unlock()

	return ch, func() {
		c.snapMu.Lock()
		delete(c.subs, id)
		c.snapMu.Unlock()
	}
}

func (c *Controller) startConnect(ctx context.Context, result chan<- error) {
	switch c.state {
	case entities.VoiceConnecting:
		result <- ErrConnectInProgress
		return
	case entities.VoiceConnected:
		result <- ErrAlreadyConnected
		return
	}

	if err := c.live.CheckCredentials(); err != nil {
		c.logger.Warn("Voice connect refused", zap.Error(err))
		c.metrics.RecordVoiceConnect("config_error")
		c.setError(MessageMissingKey)
		c.setState(entities.VoiceDisconnected)
		c.publish()
		result <- err
		return
	}

	c.gen++
	gen := c.gen
	c.errMsg = nil
	c.opened = false
	c.setState(entities.VoiceConnecting)
	c.publish()

	if _, err := c.sagas.Run(ctx, &connectDefinition{c: c, gen: gen}, nil); err != nil {
		var permErr *domain.PermissionError
		if errors.As(err, &permErr) {
			c.setError(MessageMicrophone)
			c.metrics.RecordVoiceConnect("permission_error")
		} else {
			c.setError(MessageStartFailed)
			c.metrics.RecordVoiceConnect("device_error")
		}
		c.gen++
		c.setState(entities.VoiceError)
		c.publish()
		result <- err
		return
	}

	c.waiters = append(c.waiters, result)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	c.cancelDial = cancel
	callbacks := c.callbacks(gen)
	go func() {
		session, err := c.live.Connect(dialCtx, c.cfg.Live, callbacks)
		if !c.mailbox.post(func() { c.dialed(gen, session, err) }) && session != nil {
			session.Close()
		}
	}()

	// The dial deadline does not cover the wait for the setup acknowledgement.
	c.setupTimer = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.mailbox.post(func() { c.setupExpired(gen) })
	})

	c.logger.Info("Voice connect started",
		zap.Uint64("generation", gen),
		zap.String("model", c.cfg.Live.Model))
}

// callbacks binds the live session events to one connect generation
func (c *Controller) callbacks(gen uint64) repositories.LiveCallbacks {
	return repositories.LiveCallbacks{
		OnOpen: func() {
			c.mailbox.post(func() { c.sessionOpened(gen) })
		},
		OnMessage: func(msg repositories.LiveMessage) {
			c.mailbox.post(func() { c.sessionMessage(gen, msg) })
		},
		OnError: func(err error) {
			c.mailbox.post(func() { c.fail(gen, err) })
		},
		OnClose: func() {
			c.mailbox.post(func() { c.sessionClosed(gen) })
		},
	}
}

func (c *Controller) current(gen uint64) bool {
	return gen == c.gen && (c.state == entities.VoiceConnecting || c.state == entities.VoiceConnected)
}

func (c *Controller) dialed(gen uint64, session repositories.LiveSession, err error) {
	if !c.current(gen) {
		if session != nil {
			c.logger.Debug("Closing stale live session", zap.Uint64("generation", gen))
			if cerr := session.Close(); cerr != nil {
				c.logger.Debug("Failed to close stale live session", zap.Error(cerr))
			}
		}
		return
	}
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.session = session
	if c.opened {
		c.becomeConnected(gen)
	}
}

func (c *Controller) sessionOpened(gen uint64) {
	if !c.current(gen) {
		return
	}
	c.opened = true
	if c.session != nil {
		c.becomeConnected(gen)
	}
}

func (c *Controller) setupExpired(gen uint64) {
	if !c.current(gen) || c.state != entities.VoiceConnecting {
		return
	}
	c.logger.Warn("Live session setup timed out",
		zap.Uint64("generation", gen),
		zap.Duration("timeout", c.cfg.ConnectTimeout))
	c.fail(gen, &domain.StreamError{Op: "setup", Err: context.DeadlineExceeded})
}

// stopConnectAttempt releases the dial context and the setup deadline
func (c *Controller) stopConnectAttempt() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.setupTimer != nil {
		c.setupTimer.Stop()
		c.setupTimer = nil
	}
}

func (c *Controller) becomeConnected(gen uint64) {
	if c.state == entities.VoiceConnected {
		return
	}
	c.stopConnectAttempt()

	c.errMsg = nil
	c.connectedAt = time.Now()
	c.setState(entities.VoiceConnected)
	c.capture.Attach(func(frame repositories.AudioFrame) {
		c.mailbox.post(func() { c.sendFrame(gen, frame) })
	})
	c.resolve(nil)
	c.metrics.RecordVoiceConnect("connected")
	c.publish()

	c.logger.Info("Voice call connected", zap.Uint64("generation", gen))
}

func (c *Controller) sendFrame(gen uint64, frame repositories.AudioFrame) {
	if !c.current(gen) || c.session == nil {
		return
	}
	if err := c.session.SendRealtimeInput(frame); err != nil {
		var streamErr *domain.StreamError
		if !errors.As(err, &streamErr) {
			err = &domain.StreamError{Op: "send realtime input", Err: err}
		}
		c.fail(gen, err)
		return
	}
	c.metrics.RecordFrameSent()
}

func (c *Controller) sessionMessage(gen uint64, msg repositories.LiveMessage) {
	if !c.current(gen) || c.scheduler == nil {
		return
	}

	if msg.AudioChunk != "" {
		c.playChunk(msg.AudioChunk)
	}
	if msg.Interrupted {
		c.scheduler.Interrupt()
		c.metrics.RecordInterruption()
		c.logger.Debug("Playback interrupted by user speech")
		if c.speaking {
			c.speaking = false
			c.publish()
		}
	}
	if msg.TurnComplete {
		c.logger.Debug("Model turn complete")
	}
}

func (c *Controller) playChunk(chunk string) {
	data, err := audio.DecodeBytes(chunk)
	if err == nil {
		var buf *audio.Buffer
		buf, err = audio.DecodeAudioBuffer(data, audio.OutputSampleRate, 1)
		if err == nil {
			_, err = c.scheduler.Enqueue(buf)
		}
	}
	if err != nil {
		c.logger.Warn("Dropping audio chunk", zap.Error(err))
		c.metrics.RecordChunkDropped()
		return
	}

	c.metrics.RecordChunkReceived()
	if !c.speaking {
		c.speaking = true
		c.publish()
	}
}

func (c *Controller) playbackFinished(gen uint64) {
	if !c.current(gen) || !c.speaking {
		return
	}
	c.speaking = false
	c.publish()
}

func (c *Controller) volumeChanged(gen uint64, level uint8) {
	if !c.current(gen) || c.volume == level {
		return
	}
	c.volume = level
	c.publish()
}

// fail handles a remote error or a broken stream: full teardown, error state
func (c *Controller) fail(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	c.logger.Error("Voice session error", zap.Uint64("generation", gen), zap.Error(err))

	var configErr *domain.ConfigError
	if errors.As(err, &configErr) {
		c.setError(MessageMissingKey)
	} else {
		c.setError(MessageConnectionError)
	}
	if c.state == entities.VoiceConnecting {
		c.metrics.RecordVoiceConnect("stream_error")
	}
	c.teardown(err)
	c.setState(entities.VoiceError)
	c.publish()
}

func (c *Controller) sessionClosed(gen uint64) {
	if !c.current(gen) {
		return
	}
	c.logger.Info("Voice session closed by remote", zap.Uint64("generation", gen))
	if c.state == entities.VoiceConnecting {
		c.metrics.RecordVoiceConnect("closed")
	}
	c.teardown(ErrDisconnected)
	c.setState(entities.VoiceDisconnected)
	c.publish()
}

// teardown releases every resource of the current call and invalidates its
// callbacks. Cleanup errors are logged, never returned.
func (c *Controller) teardown(cause error) {
	c.gen++

	c.stopConnectAttempt()
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Warn("Failed to close live session", zap.Error(err))
		}
		c.session = nil
	}
	if c.capture != nil {
		c.capture.Stop()
		c.capture = nil
	}
	if c.scheduler != nil {
		c.scheduler.Shutdown()
		c.scheduler = nil
	}
	if c.state == entities.VoiceConnected {
		c.metrics.RecordVoiceCall(time.Since(c.connectedAt))
	}

	c.opened = false
	c.speaking = false
	c.volume = 0
	c.resolve(cause)
}

func (c *Controller) resolve(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func (c *Controller) setState(state entities.VoiceState) {
	if c.state == state {
		return
	}
	c.logger.Debug("Voice state changed",
		zap.String("from", string(c.state)),
		zap.String("to", string(state)))
	c.state = state
	c.metrics.SetVoiceState(string(state), allStates)
}

func (c *Controller) setError(msg string) {
	c.errMsg = &msg
}

func (c *Controller) buildSnapshot() entities.VoiceSnapshot {
	snap := entities.VoiceSnapshot{
		State:       c.state,
		IsConnected: c.state == entities.VoiceConnected,
		IsSpeaking:  c.speaking,
		Volume:      c.volume,
	}
	if c.errMsg != nil {
		msg := *c.errMsg
		snap.Error = &msg
	}
	return snap
}

// publish stores the new snapshot and hands it to every subscriber,
// replacing any snapshot the subscriber has not read yet
func (c *Controller) publish() {
	snap := c.buildSnapshot()

	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	if snap.Equal(c.snap) {
		return
	}
	c.snap = snap
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
