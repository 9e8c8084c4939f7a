package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/domain/repositories"
)

// MockChatModel is a scripted ChatModel for tests and offline runs
type MockChatModel struct {
	// Reply is streamed back word by word; empty echoes the prompt
	Reply string
	// Citations are attached from the last update on
	Citations []entities.Citation
	// FailAfter, when positive, breaks the stream after that many updates
	FailAfter int
	// SessionErr is returned from NewSession
	SessionErr error

	mu       sync.Mutex
	sessions int
}

var _ repositories.ChatModel = (*MockChatModel)(nil)

// NewMockChatModel creates a mock model with a persona style canned reply
func NewMockChatModel() *MockChatModel {
	return &MockChatModel{}
}

// NewSession implements repositories.ChatModel
func (m *MockChatModel) NewSession(ctx context.Context) (repositories.ChatSession, error) {
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
	return &MockChatSession{model: m}, nil
}

// Sessions returns how many sessions were opened
func (m *MockChatModel) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// MockChatSession implements repositories.ChatSession
type MockChatSession struct {
	model *MockChatModel

	mu      sync.Mutex
	history []string
}

// Send implements repositories.ChatSession
func (s *MockChatSession) Send(ctx context.Context, text string) iter.Seq2[repositories.ChatUpdate, error] {
	s.mu.Lock()
	s.history = append(s.history, text)
	s.mu.Unlock()

	reply := s.model.Reply
	if reply == "" {
		reply = fmt.Sprintf("Uploading your message to my databanks: %q. Signal optimized!", text)
	}
	words := strings.SplitAfter(reply, " ")

	return func(yield func(repositories.ChatUpdate, error) bool) {
		var full strings.Builder
		for i, w := range words {
			if err := ctx.Err(); err != nil {
				yield(repositories.ChatUpdate{}, &domain.StreamError{Op: "send message", Err: err})
				return
			}
			if s.model.FailAfter > 0 && i == s.model.FailAfter {
				yield(repositories.ChatUpdate{}, &domain.StreamError{Op: "send message", Err: errors.New("uplink lost")})
				return
			}
			full.WriteString(w)

			update := repositories.ChatUpdate{Text: full.String()}
			if i == len(words)-1 {
				update.Citations = s.model.Citations
			}
			if !yield(update, nil) {
				return
			}
		}
	}
}

// History returns every prompt sent on this session
func (s *MockChatSession) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// MockLiveConnector is a LiveConnector whose sessions are driven by the test
type MockLiveConnector struct {
	// MissingKey makes CheckCredentials fail
	MissingKey bool
	// DialErr is returned from Connect
	DialErr error
	// AutoOpen fires OnOpen as soon as Connect returns
	AutoOpen bool
	// Hold, when set, blocks Connect until it is closed or ctx ends
	Hold chan struct{}

	mu       sync.Mutex
	sessions []*MockLiveSession
}

var _ repositories.LiveConnector = (*MockLiveConnector)(nil)

// NewMockLiveConnector creates a connector that opens sessions immediately
func NewMockLiveConnector() *MockLiveConnector {
	return &MockLiveConnector{AutoOpen: true}
}

// CheckCredentials implements repositories.LiveConnector
func (m *MockLiveConnector) CheckCredentials() error {
	if m.MissingKey {
		return &domain.ConfigError{Key: "GEMINI_API_KEY", Message: "API Key missing"}
	}
	return nil
}

// Connect implements repositories.LiveConnector
func (m *MockLiveConnector) Connect(ctx context.Context, cfg repositories.LiveConfig, cb repositories.LiveCallbacks) (repositories.LiveSession, error) {
	if err := m.CheckCredentials(); err != nil {
		return nil, err
	}
	if m.Hold != nil {
		select {
		case <-m.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.DialErr != nil {
		return nil, m.DialErr
	}

	s := &MockLiveSession{Config: cfg, cb: cb}
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()

	if m.AutoOpen {
		go s.Open()
	}
	return s, nil
}

// Sessions returns every session opened so far
func (m *MockLiveConnector) Sessions() []*MockLiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockLiveSession(nil), m.sessions...)
}

// Last returns the most recent session, or nil
func (m *MockLiveConnector) Last() *MockLiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

// MockLiveSession records outbound frames and lets the test raise events
type MockLiveSession struct {
	Config repositories.LiveConfig
	cb     repositories.LiveCallbacks

	mu      sync.Mutex
	sendErr error
	frames  []repositories.AudioFrame
	closed  int
}

// FailSends makes every following SendRealtimeInput return err
func (s *MockLiveSession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SendRealtimeInput implements repositories.LiveSession
func (s *MockLiveSession) SendRealtimeInput(frame repositories.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.closed > 0 {
		return ErrSessionClosed
	}
	s.frames = append(s.frames, frame)
	return nil
}

// Close implements repositories.LiveSession
func (s *MockLiveSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Frames returns the frames sent so far
func (s *MockLiveSession) Frames() []repositories.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repositories.AudioFrame(nil), s.frames...)
}

// Closed reports how many times Close was called
func (s *MockLiveSession) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Open raises the open event
func (s *MockLiveSession) Open() {
	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}
}

// Message raises a message event
func (s *MockLiveSession) Message(msg repositories.LiveMessage) {
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(msg)
	}
}

// Fail raises an error event
func (s *MockLiveSession) Fail(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// CloseRemote raises a close event as if the service hung up
func (s *MockLiveSession) CloseRemote() {
	if s.cb.OnClose != nil {
		s.cb.OnClose()
	}
}
