package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request is a single structured generation call.
type Request struct {
	UserID       uuid.UUID
	SystemPrompt string
	UserPrompt   string
	// SchemaName and Schema describe the expected JSON object. Schema may be nil for free text.
	SchemaName  string
	Schema      map[string]interface{}
	Temperature float64
	MaxTokens   int
}

// UsageInfo содержит информацию об использовании токенов
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool // true, если токены посчитаны локально (tiktoken)
}

// Response is the raw text answer of the provider plus usage.
type Response struct {
	Text     string
	Usage    UsageInfo
	Duration time.Duration
}

// Client is the AI capability consumed by the node generator.
type Client interface {
	// Generate returns the raw model answer. Transport failures, provider errors and empty
	// answers are reported as models.ErrGenerationFailed.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Config настройки AI клиента.
type Config struct {
	ClientType string // openai | ollama
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
}

// NewClient создает AI клиент в зависимости от конфигурации
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(cfg.ClientType) {
	case "openai":
		logger.Info("Using AI client implementation", zap.String("type", "openai"))
		return NewOpenAIClient(cfg, logger), nil
	case "ollama":
		logger.Info("Using AI client implementation", zap.String("type", "ollama"))
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный тип AI клиента: '%s'", cfg.ClientType)
	}
}
