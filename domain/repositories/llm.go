package repositories

import (
	"context"
	"iter"

	"github.com/satriahrh/cress/domain/entities"
)

// ChatModel abstracts any chat/LLM provider
type ChatModel interface {
	// NewSession opens a conversation that keeps its own history across turns
	NewSession(ctx context.Context) (ChatSession, error)
}

// ChatSession represents an ongoing text conversation
type ChatSession interface {
	// Send opens one streaming request. Every element extends the text of the
	// previous one; the sequence ends when the remote stream ends. A broken
	// transport yields a *domain.StreamError as the last element.
	Send(ctx context.Context, text string) iter.Seq2[ChatUpdate, error]
}

// ChatUpdate is one partial view of the assistant reply
type ChatUpdate struct {
	Text      string
	Citations []entities.Citation
}
