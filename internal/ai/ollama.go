package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"story-graph-server/internal/models"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

const providerOllama = "ollama"

// OllamaClient реализует Client с использованием ollama/api
type OllamaClient struct {
	client *api.Client
	model  string
	logger *zap.Logger
}

var _ Client = (*OllamaClient)(nil)

// NewOllamaClient создает клиент для Ollama. BaseURL без суффикса /v1.
func NewOllamaClient(cfg Config, logger *zap.Logger) (*OllamaClient, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL '%s': %w", baseURL, err)
	}

	logger = logger.Named("OllamaClient")
	logger.Info("Ollama client created",
		zap.String("base_url", baseURL),
		zap.String("model", cfg.Model),
		zap.Duration("timeout", cfg.Timeout),
	)
	return &OllamaClient{
		client: api.NewClient(parsedURL, &http.Client{Timeout: cfg.Timeout}),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Generate генерирует ответ через Ollama /api/chat без стриминга
func (c *OllamaClient) Generate(ctx context.Context, req Request) (*Response, error) {
	logFields := []zap.Field{
		zap.String("model", c.model),
		zap.Stringer("user_id", req.UserID),
	}

	if strings.TrimSpace(req.SystemPrompt) == "" {
		observeFailure(providerOllama, c.model, "error_empty_prompt")
		return nil, fmt.Errorf("%w: системный промт пуст", models.ErrGenerationFailed)
	}

	messages := []api.Message{{Role: "system", Content: req.SystemPrompt}}
	if req.UserPrompt != "" {
		messages = append(messages, api.Message{Role: "user", Content: req.UserPrompt})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
	if req.Schema != nil {
		format, err := json.Marshal(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации схемы: %w", err)
		}
		chatReq.Format = format
	}

	startTime := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(startTime)
	logFields = append(logFields, zap.Duration("duration", duration))

	if err != nil {
		observeFailure(providerOllama, c.model, "error")
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Ollama request timed out", append(logFields, zap.Error(err))...)
		} else {
			c.logger.Warn("Ollama returned error", append(logFields, zap.Error(err))...)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		observeFailure(providerOllama, c.model, "error_empty_response")
		c.logger.Warn("Ollama returned empty response", logFields...)
		return nil, fmt.Errorf("%w: получен пустой ответ", models.ErrGenerationFailed)
	}

	out := &Response{
		Text:     resp.Message.Content,
		Duration: duration,
		Usage: UsageInfo{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
	if out.Usage.TotalTokens == 0 {
		if est, ok := estimateUsage(c.model, req.SystemPrompt+req.UserPrompt, out.Text); ok {
			out.Usage = est
		}
	}
	observeSuccess(providerOllama, c.model, out)

	c.logger.Info("Ollama response received", append(logFields,
		zap.Int("response_len", len(out.Text)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
	)...)
	return out, nil
}
