package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/cress/domain/entities"
)

// ErrInvalidMode is returned for an unknown interaction mode
var ErrInvalidMode = errors.New("invalid mode")

// VoiceCall is the part of the voice controller the mode switch needs
type VoiceCall interface {
	Disconnect(ctx context.Context) error
}

// ChatResetter starts a fresh text conversation
type ChatResetter interface {
	Reset(ctx context.Context) error
}

// ConversationService orchestrates switching between the text and voice
// screens. Leaving voice hangs the call up; entering text opens a fresh
// conversation.
type ConversationService struct {
	voice  VoiceCall
	chat   ChatResetter
	logger *zap.Logger

	mu   sync.Mutex
	mode entities.Mode
}

// NewConversationService creates a conversation service in text mode
func NewConversationService(voice VoiceCall, chat ChatResetter, logger *zap.Logger) *ConversationService {
	return &ConversationService{
		voice:  voice,
		chat:   chat,
		logger: logger,
		mode:   entities.ModeText,
	}
}

// Mode returns the current mode
func (s *ConversationService) Mode() entities.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches the interaction mode
func (s *ConversationService) SetMode(ctx context.Context, mode entities.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == mode {
		return nil
	}
	previous := s.mode

	if previous == entities.ModeVoice {
		if err := s.voice.Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to hang up voice call: %w", err)
		}
	}
	if mode == entities.ModeText {
		if err := s.chat.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset chat: %w", err)
		}
	}
	s.mode = mode

	s.logger.Info("Mode changed",
		zap.String("from", string(previous)),
		zap.String("to", string(mode)))
	return nil
}
