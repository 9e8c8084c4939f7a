package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/repositories"
)

// GeminiConfig holds the text chat settings
type GeminiConfig struct {
	APIKey         string
	Model          string
	ThinkingBudget int32
	SystemPrompt   string
}

// GeminiChatModel implements repositories.ChatModel using Google's Gemini API
type GeminiChatModel struct {
	config GeminiConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *genai.Client
}

var _ repositories.ChatModel = (*GeminiChatModel)(nil)

// NewGeminiChatModel creates a chat model. A missing API key is not an error
// here; it surfaces from NewSession.
func NewGeminiChatModel(config GeminiConfig, logger *zap.Logger) *GeminiChatModel {
	if config.Model == "" {
		config.Model = DefaultChatModel
		logger.Info("Using default chat model", zap.String("model", config.Model))
	}
	if config.ThinkingBudget == 0 {
		config.ThinkingBudget = DefaultThinkingBudget
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = ChatPersona
	}

	return &GeminiChatModel{
		config: config,
		logger: logger,
	}
}

func (g *GeminiChatModel) genaiClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	if g.config.APIKey == "" {
		return nil, &domain.ConfigError{Key: "GEMINI_API_KEY", Message: "API Key is missing"}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

// generateConfig is the fixed persona configuration every chat is opened with
func (g *GeminiChatModel) generateConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.config.SystemPrompt, genai.RoleUser),
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(g.config.ThinkingBudget),
		},
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
	}
}

// NewSession creates a chat that keeps its history across turns
func (g *GeminiChatModel) NewSession(ctx context.Context) (repositories.ChatSession, error) {
	client, err := g.genaiClient(ctx)
	if err != nil {
		return nil, err
	}

	chat, err := client.Chats.Create(ctx, g.config.Model, g.generateConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	g.logger.Info("Chat session created", zap.String("model", g.config.Model))

	return newGeminiChatSession(chat, g.logger), nil
}
