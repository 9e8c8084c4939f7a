package llm

import (
	"context"
	"iter"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/domain/repositories"
)

// chatStreamer is the part of *genai.Chat the session uses
type chatStreamer interface {
	SendMessageStream(ctx context.Context, parts ...genai.Part) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiChatSession implements the ChatSession interface
type GeminiChatSession struct {
	chat   chatStreamer
	logger *zap.Logger
}

var _ repositories.ChatSession = (*GeminiChatSession)(nil)

func newGeminiChatSession(chat chatStreamer, logger *zap.Logger) *GeminiChatSession {
	return &GeminiChatSession{chat: chat, logger: logger}
}

// Send streams one reply. Each element carries the accumulated text and the
// most recent non-empty set of search citations.
func (s *GeminiChatSession) Send(ctx context.Context, text string) iter.Seq2[repositories.ChatUpdate, error] {
	return func(yield func(repositories.ChatUpdate, error) bool) {
		var (
			full      strings.Builder
			citations []entities.Citation
			chunks    int
		)

		for resp, err := range s.chat.SendMessageStream(ctx, genai.Part{Text: text}) {
			if err != nil {
				s.logger.Error("Chat stream failed",
					zap.Int("chunks", chunks),
					zap.Error(err))
				yield(repositories.ChatUpdate{}, &domain.StreamError{Op: "send message", Err: err})
				return
			}
			chunks++

			full.WriteString(responseText(resp))
			if c := extractCitations(resp); len(c) > 0 {
				citations = c
			}

			if !yield(repositories.ChatUpdate{Text: full.String(), Citations: citations}, nil) {
				return
			}
		}

		s.logger.Debug("Chat stream finished",
			zap.Int("chunks", chunks),
			zap.Int("length", full.Len()),
			zap.Int("citations", len(citations)))
	}
}

// responseText returns the visible text of the first candidate; thought
// summaries are skipped
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// extractCitations keeps web grounding chunks that have both a URI and a title
func extractCitations(resp *genai.GenerateContentResponse) []entities.Citation {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	meta := resp.Candidates[0].GroundingMetadata
	if meta == nil {
		return nil
	}

	var citations []entities.Citation
	for _, chunk := range meta.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		if chunk.Web.URI == "" || chunk.Web.Title == "" {
			continue
		}
		citations = append(citations, entities.Citation{
			URI:   chunk.Web.URI,
			Title: chunk.Web.Title,
		})
	}
	return citations
}
