package entities

import (
	"errors"
	"time"
)

// GreetingText is the bot line every conversation opens with
const GreetingText = "Link established! Signal is crystal clear. I'm ready to optimize your day! What data are we processing?"

// ErrMessageNotFound is returned when an update targets an unknown message
var ErrMessageNotFound = errors.New("message not found")

// Conversation is the ordered, in-memory list of chat messages for the
// lifetime of the process. Messages are appended and updated, never removed.
type Conversation struct {
	Messages     []*ChatMessage `json:"messages"`
	StartedAt    time.Time      `json:"started_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
}

// NewConversation creates a conversation seeded with the greeting
func NewConversation() *Conversation {
	now := time.Now()
	c := &Conversation{
		Messages:     make([]*ChatMessage, 0, 16),
		StartedAt:    now,
		LastActiveAt: now,
	}
	c.Append(NewChatMessage(SenderBot, GreetingText))
	return c
}

// Append adds a message at the end of the conversation
func (c *Conversation) Append(msg *ChatMessage) {
	c.Messages = append(c.Messages, msg)
	c.LastActiveAt = time.Now()
}

// Find returns the message with the given id
func (c *Conversation) Find(id string) (*ChatMessage, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].ID == id {
			return c.Messages[i], true
		}
	}
	return nil, false
}

// Update applies fn to the message with the given id
func (c *Conversation) Update(id string, fn func(*ChatMessage)) (*ChatMessage, error) {
	msg, ok := c.Find(id)
	if !ok {
		return nil, ErrMessageNotFound
	}
	fn(msg)
	c.LastActiveAt = time.Now()
	return msg, nil
}

// Snapshot returns deep copies of all messages in order
func (c *Conversation) Snapshot() []ChatMessage {
	out := make([]ChatMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, m.Clone())
	}
	return out
}
