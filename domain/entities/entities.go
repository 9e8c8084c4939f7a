package entities

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a chat message
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Mode is the interaction mode the front end is showing
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeText || m == ModeVoice
}

// Citation is a grounding reference attached to a bot reply
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// ChatMessage represents a single message in the text conversation.
// Bot messages are mutated in place while their reply streams in.
type ChatMessage struct {
	ID         string     `json:"id"`
	Sender     Sender     `json:"sender"`
	Text       string     `json:"text"`
	IsThinking bool       `json:"is_thinking,omitempty"`
	Citations  []Citation `json:"citations,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewChatMessage creates a message with a fresh identifier
func NewChatMessage(sender Sender, text string) *ChatMessage {
	return &ChatMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep copy that is safe to hand to other goroutines
func (m *ChatMessage) Clone() ChatMessage {
	c := *m
	if m.Citations != nil {
		c.Citations = append([]Citation(nil), m.Citations...)
	}
	return c
}
