package api

import (
	"time"

	"github.com/satriahrh/cress/domain/entities"
)

// TokenRequest represents the request payload for a client token
type TokenRequest struct {
	ClientName string `json:"client_name" validate:"required,max=64"`
}

// TokenResponse represents the response payload for a client token
type TokenResponse struct {
	Token       string     `json:"token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AuthEnabled bool       `json:"auth_enabled"`
}

// SendMessageRequest submits a text chat turn
type SendMessageRequest struct {
	Text string `json:"text" validate:"required,max=8000"`
}

// MessagesResponse lists the conversation
type MessagesResponse struct {
	Messages []entities.ChatMessage `json:"messages"`
}

// ModeRequest switches the interaction mode
type ModeRequest struct {
	Mode entities.Mode `json:"mode" validate:"required,oneof=text voice"`
}

// ModeResponse carries the current interaction mode
type ModeResponse struct {
	Mode entities.Mode `json:"mode"`
}

// VoiceResponse carries the voice snapshot after a command
type VoiceResponse struct {
	State entities.VoiceSnapshot `json:"state"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
