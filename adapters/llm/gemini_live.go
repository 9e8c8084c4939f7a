package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/repositories"
)

// Maximum number of capture frames waiting to be written to the service.
const liveSendQueue = 64

var (
	// ErrSessionClosed is returned when sending on a closed live session
	ErrSessionClosed = errors.New("live session is closed")

	// ErrSendQueueFull is returned when the service is not draining
	// capture frames fast enough
	ErrSendQueueFull = errors.New("live send queue is full")
)

// GeminiLiveConfig holds the live transport settings. BaseURL overrides the
// service host and is empty in production.
type GeminiLiveConfig struct {
	APIKey  string
	BaseURL string
}

// GeminiLive implements repositories.LiveConnector on the genai Live API
type GeminiLive struct {
	config GeminiLiveConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *genai.Client
}

var _ repositories.LiveConnector = (*GeminiLive)(nil)

// NewGeminiLive creates a live connector
func NewGeminiLive(config GeminiLiveConfig, logger *zap.Logger) *GeminiLive {
	return &GeminiLive{
		config: config,
		logger: logger,
	}
}

// CheckCredentials reports a missing API key
func (g *GeminiLive) CheckCredentials() error {
	if g.config.APIKey == "" {
		return &domain.ConfigError{Key: "GEMINI_API_KEY", Message: "API Key missing"}
	}
	return nil
}

func (g *GeminiLive) genaiClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      g.config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.config.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

// Connect dials the service and sends the setup message. OnOpen fires once
// the service acknowledges the setup.
func (g *GeminiLive) Connect(ctx context.Context, cfg repositories.LiveConfig, cb repositories.LiveCallbacks) (repositories.LiveSession, error) {
	if err := g.CheckCredentials(); err != nil {
		return nil, err
	}
	client, err := g.genaiClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.Live.Connect(ctx, cfg.Model, newLiveConnectConfig(cfg))
	if err != nil {
		return nil, &domain.StreamError{Op: "dial", Err: err}
	}

	logger := g.logger.With(zap.String("model", cfg.Model))
	logger.Info("Live session dialed", zap.String("voice", cfg.Voice))
	return newGeminiLiveSession(conn, cb, logger), nil
}

// liveConn is the part of *genai.Session the adapter drives
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type geminiLiveSession struct {
	conn   liveConn
	cb     repositories.LiveCallbacks
	logger *zap.Logger

	send       chan genai.LiveRealtimeInput
	closed     chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

func newGeminiLiveSession(conn liveConn, cb repositories.LiveCallbacks, logger *zap.Logger) *geminiLiveSession {
	s := &geminiLiveSession{
		conn:   conn,
		cb:     cb,
		logger: logger,
		send:   make(chan genai.LiveRealtimeInput, liveSendQueue),
		closed: make(chan struct{}),
	}
	go s.writePump()
	go s.readPump()
	return s
}

// SendRealtimeInput queues one microphone frame and never waits on the
// network. Write failures are reported through OnError.
func (s *geminiLiveSession) SendRealtimeInput(frame repositories.AudioFrame) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	input, err := newRealtimeInput(frame)
	if err != nil {
		return &domain.StreamError{Op: "send realtime input", Err: err}
	}

	select {
	case s.send <- input:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return &domain.StreamError{Op: "send realtime input", Err: ErrSendQueueFull}
	}
}

// Close ends the session. The read pump reports OnClose once the socket is
// down; repeated calls are no-ops.
func (s *geminiLiveSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *geminiLiveSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// writePump drains queued frames to the service
func (s *geminiLiveSession) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case input := <-s.send:
			if err := s.conn.SendRealtimeInput(input); err != nil {
				s.finish(&domain.StreamError{Op: "send realtime input", Err: err})
				return
			}
		}
	}
}

// readPump pumps messages from the service to the callbacks
func (s *geminiLiveSession) readPump() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			s.finish(err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *geminiLiveSession) dispatch(msg *genai.LiveServerMessage) {
	if msg.SetupComplete != nil {
		s.logger.Info("Live session open")
		if s.cb.OnOpen != nil {
			s.cb.OnOpen()
		}
	}
	if msg.GoAway != nil {
		s.logger.Warn("Live service is going away", zap.Duration("timeLeft", msg.GoAway.TimeLeft))
	}
	if s.cb.OnMessage == nil {
		return
	}
	for _, m := range liveMessages(msg) {
		s.cb.OnMessage(m)
	}
}

// finish reports the end of the session exactly once, whichever pump sees it
// first
func (s *geminiLiveSession) finish(err error) {
	s.finishOnce.Do(func() {
		if s.isClosed() || isNormalClose(err) {
			s.logger.Info("Live session closed")
			s.Close()
			if s.cb.OnClose != nil {
				s.cb.OnClose()
			}
			return
		}

		s.logger.Error("Live session failed", zap.Error(err))
		s.Close()
		if s.cb.OnError != nil {
			var streamErr *domain.StreamError
			if !errors.As(err, &streamErr) {
				err = &domain.StreamError{Op: "receive", Err: err}
			}
			s.cb.OnError(err)
		}
	})
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
}
