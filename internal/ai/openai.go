package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"story-graph-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const providerOpenAI = "openai"

// jsonSchema адаптирует map-схему к json.Marshaler, которого ждет go-openai.
type jsonSchema map[string]interface{}

func (s jsonSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(s))
}

// OpenAIClient реализует Client через OpenAI-совместимый Chat Completions API
type OpenAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient создает клиент для OpenAI-совместимого API
func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	openaiConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	logger = logger.Named("OpenAIClient")
	logger.Info("OpenAI client created",
		zap.String("base_url", openaiConfig.BaseURL),
		zap.String("model", cfg.Model),
		zap.Duration("timeout", cfg.Timeout),
	)
	return &OpenAIClient{
		client: openaigo.NewClientWithConfig(openaiConfig),
		model:  cfg.Model,
		logger: logger,
	}
}

// Generate отправляет chat completion запрос и возвращает текст ответа
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	logFields := []zap.Field{
		zap.String("model", c.model),
		zap.Stringer("user_id", req.UserID),
		zap.Int("system_prompt_bytes", len(req.SystemPrompt)),
		zap.Int("user_prompt_bytes", len(req.UserPrompt)),
	}

	if strings.TrimSpace(req.SystemPrompt) == "" {
		observeFailure(providerOpenAI, c.model, "error_empty_prompt")
		return nil, fmt.Errorf("%w: системный промт пуст", models.ErrGenerationFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: req.SystemPrompt},
	}
	if req.UserPrompt != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleUser, Content: req.UserPrompt})
	}

	chatReq := openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openaigo.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: jsonSchema(req.Schema),
				// strict mode не поддерживает minLength/maxLength, границы проверяет валидатор
				Strict: false,
			},
		}
	}

	startTime := time.Now()
	c.logger.Debug("Sending request to AI provider", logFields...)

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	duration := time.Since(startTime)
	logFields = append(logFields, zap.Duration("duration", duration))

	if err != nil {
		observeFailure(providerOpenAI, c.model, "error")
		c.logger.Warn("AI provider returned error", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		observeFailure(providerOpenAI, c.model, "error_empty_response")
		c.logger.Warn("AI provider returned empty response", logFields...)
		return nil, fmt.Errorf("%w: получен пустой ответ", models.ErrGenerationFailed)
	}

	out := &Response{
		Text:     resp.Choices[0].Message.Content,
		Duration: duration,
		Usage: UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if out.Usage.TotalTokens == 0 {
		if est, ok := estimateUsage(c.model, req.SystemPrompt+req.UserPrompt, out.Text); ok {
			out.Usage = est
		}
	}
	observeSuccess(providerOpenAI, c.model, out)

	c.logger.Info("AI response received", append(logFields,
		zap.Int("response_len", len(out.Text)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Bool("usage_estimated", out.Usage.Estimated),
	)...)
	return out, nil
}
