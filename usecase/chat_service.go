package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/domain/repositories"
	"github.com/satriahrh/cress/internal/metrics"
)

// FallbackReplyText replaces the bot reply when the stream breaks
const FallbackReplyText = "*Connection interrupted. Uplink failed.* (Error generating response)"

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrTurnInProgress = errors.New("a reply is still streaming")
)

// MessageListener is told about every message mutation
type MessageListener func(msg entities.ChatMessage)

// ChatService handles the text conversation: one chat session, one ordered
// message list, one turn at a time
type ChatService struct {
	model   repositories.ChatModel
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	conversation *entities.Conversation
	session      repositories.ChatSession
	sessionErr   error
	busy         bool
	listeners    map[int]MessageListener
	nextListener int
}

// NewChatService creates a chat service and opens its session. A session
// error is kept and returned from Send.
func NewChatService(ctx context.Context, model repositories.ChatModel, logger *zap.Logger, m *metrics.Metrics) *ChatService {
	s := &ChatService{
		model:     model,
		logger:    logger,
		metrics:   m,
		listeners: make(map[int]MessageListener),
	}
	s.reset(ctx)
	return s
}

func (s *ChatService) reset(ctx context.Context) {
	session, err := s.model.NewSession(ctx)
	if err != nil {
		s.logger.Error("Failed to init chat", zap.Error(err))
	}

	s.mu.Lock()
	s.conversation = entities.NewConversation()
	s.session = session
	s.sessionErr = err
	s.mu.Unlock()
}

// Reset starts a fresh conversation with a new session, as when the text
// screen is opened again. Turns are refused until the swap is done.
func (s *ChatService) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	s.reset(ctx)
	s.logger.Info("Chat conversation reset")
	return nil
}

// Messages returns a copy of the ordered message list
func (s *ChatService) Messages() []entities.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation.Snapshot()
}

// Busy reports whether a reply is streaming
func (s *ChatService) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Subscribe registers a listener for every message mutation
func (s *ChatService) Subscribe(fn MessageListener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Send runs one turn. The user message and a thinking placeholder are
// appended first; the placeholder is then rewritten in place as the reply
// streams in. onUpdate, when set, sees every mutation of this turn. A broken
// stream is not an error: the placeholder becomes FallbackReplyText.
func (s *ChatService) Send(ctx context.Context, text string, onUpdate MessageListener) (entities.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return entities.ChatMessage{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return entities.ChatMessage{}, ErrTurnInProgress
	}
	if s.session == nil {
		err := s.sessionErr
		s.mu.Unlock()
		return entities.ChatMessage{}, err
	}
	s.busy = true
	session, conversation := s.session, s.conversation

	userMsg := entities.NewChatMessage(entities.SenderUser, text)
	conversation.Append(userMsg)
	placeholder := entities.NewChatMessage(entities.SenderBot, "")
	placeholder.IsThinking = true
	conversation.Append(placeholder)
	userCopy, placeholderCopy := userMsg.Clone(), placeholder.Clone()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	s.notify(onUpdate, userCopy)
	s.notify(onUpdate, placeholderCopy)

	start := time.Now()
	outcome := "ok"
	for update, err := range session.Send(ctx, text) {
		if err != nil {
			s.logger.Error("Chat error", zap.String("messageID", placeholder.ID), zap.Error(err))
			outcome = "stream_error"
			s.notify(onUpdate, s.mutate(conversation, placeholder.ID, func(m *entities.ChatMessage) {
				m.Text = FallbackReplyText
				m.IsThinking = false
			}))
			break
		}
		s.notify(onUpdate, s.mutate(conversation, placeholder.ID, func(m *entities.ChatMessage) {
			m.Text = update.Text
			m.IsThinking = false
			if len(update.Citations) > 0 {
				m.Citations = update.Citations
			}
		}))
	}

	final := s.mutate(conversation, placeholder.ID, func(m *entities.ChatMessage) {
		m.IsThinking = false
	})
	s.metrics.RecordChatTurn(outcome, time.Since(start))

	s.logger.Info("Chat turn finished",
		zap.String("messageID", final.ID),
		zap.String("outcome", outcome),
		zap.Int("length", len(final.Text)),
		zap.Int("citations", len(final.Citations)))

	return final, nil
}

func (s *ChatService) mutate(conversation *entities.Conversation, id string, fn func(*entities.ChatMessage)) entities.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := conversation.Update(id, fn)
	if err != nil {
		return entities.ChatMessage{}
	}
	return msg.Clone()
}

func (s *ChatService) notify(onUpdate MessageListener, msg entities.ChatMessage) {
	if msg.ID == "" {
		return
	}
	if onUpdate != nil {
		onUpdate(msg)
	}

	s.mu.Lock()
	listeners := make([]MessageListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(msg)
	}
}
