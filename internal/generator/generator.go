package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"story-graph-server/internal/ai"
	"story-graph-server/internal/models"
	"story-graph-server/internal/retry"
	"story-graph-server/internal/schemas"
	"story-graph-server/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// NextParams is the narrative context of a follow-up node.
type NextParams struct {
	UserID     uuid.UUID
	Topic      string
	Difficulty models.Difficulty
	// History holds the content of earlier nodes on the path, oldest first.
	History    []string
	ChoiceText string
	WasCorrect bool
}

// SummaryParams is the context of an end-of-story summary.
type SummaryParams struct {
	UserID     uuid.UUID
	Topic      string
	Difficulty models.Difficulty
	// History holds the content of the nodes on the played path, oldest first.
	History []string
	Won     bool
}

// FeedbackParams описывает выбор, на который нужен отзыв.
type FeedbackParams struct {
	UserID     uuid.UUID
	Topic      string
	Difficulty models.Difficulty
	ChoiceText string
	IsCorrect  bool
}

// Config настройки генератора.
type Config struct {
	MaxAttempts    int
	BaseRetryDelay time.Duration
	AttemptTimeout time.Duration
	Temperature    float64
	MaxTokens      int
	MaxConcurrency int64
}

// NodeGenerator turns a narrative context into a validated, unpersisted StoryNode.
type NodeGenerator struct {
	client    ai.Client
	validator *schemas.Validator
	prompts   *Prompts
	cfg       Config
	sem       *semaphore.Weighted
	logger    *zap.Logger
}

// New создает генератор узлов.
func New(client ai.Client, validator *schemas.Validator, prompts *Prompts, cfg Config, logger *zap.Logger) *NodeGenerator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &NodeGenerator{
		client:    client,
		validator: validator,
		prompts:   prompts,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
		logger:    logger.Named("NodeGenerator"),
	}
}

// GenerateStart generates the opening node of a story.
func (g *NodeGenerator) GenerateStart(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (*models.StoryNode, error) {
	userPrompt, err := g.prompts.RenderStart(topic, difficulty)
	if err != nil {
		return nil, err
	}
	return g.generate(ctx, kindStart, userID, userPrompt, g.validator.ValidateStartDraft)
}

// GenerateNext generates the node a pending choice leads to. The result may be an ending.
func (g *NodeGenerator) GenerateNext(ctx context.Context, params NextParams) (*models.StoryNode, error) {
	userPrompt, err := g.prompts.RenderNext(params)
	if err != nil {
		return nil, err
	}
	return g.generate(ctx, kindNext, params.UserID, userPrompt, g.validator.ValidateNodeDraft)
}

// GenerateSummary generates the recap of a finished story. Story fields of the result are
// left for the caller to fill in.
func (g *NodeGenerator) GenerateSummary(ctx context.Context, params SummaryParams) (*models.StorySummary, error) {
	userPrompt, err := g.prompts.RenderSummary(params)
	if err != nil {
		return nil, err
	}
	var summary *models.StorySummary
	err = g.withRetries(ctx, kindSummary, params.UserID, func(ctx context.Context) error {
		resp, err := g.call(ctx, ai.Request{
			UserID:       params.UserID,
			SystemPrompt: g.prompts.SummarySystem(),
			UserPrompt:   userPrompt,
			SchemaName:   schemas.SummaryDraftSchemaName,
			Schema:       schemas.SummaryDraftJSONSchema(),
			Temperature:  g.cfg.Temperature,
			MaxTokens:    g.cfg.MaxTokens,
		})
		if err != nil {
			return err
		}
		var draft models.SummaryDraft
		if err := decodeObject(resp.Text, &draft); err != nil {
			return err
		}
		s, err := g.validator.ValidateSummaryDraft(&draft)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// GenerateFeedback generates a short free-text explanation of a choice.
func (g *NodeGenerator) GenerateFeedback(ctx context.Context, params FeedbackParams) (string, error) {
	userPrompt, err := g.prompts.RenderFeedback(params)
	if err != nil {
		return "", err
	}
	var feedback string
	err = g.withRetries(ctx, kindFeedback, params.UserID, func(ctx context.Context) error {
		resp, err := g.call(ctx, ai.Request{
			UserID:       params.UserID,
			SystemPrompt: g.prompts.FeedbackSystem(),
			UserPrompt:   userPrompt,
			Temperature:  g.cfg.Temperature,
			MaxTokens:    feedbackMaxTokens,
		})
		if err != nil {
			return err
		}
		text, err := g.validator.ValidateFeedback(resp.Text)
		if err != nil {
			return err
		}
		feedback = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return feedback, nil
}

const (
	kindStart    = "start"
	kindNext     = "next"
	kindSummary  = "summary"
	kindFeedback = "feedback"

	feedbackMaxTokens = 200
)

func (g *NodeGenerator) generate(
	ctx context.Context,
	kind string,
	userID uuid.UUID,
	userPrompt string,
	validate func(*models.NodeDraft) (*models.StoryNode, error),
) (*models.StoryNode, error) {
	var node *models.StoryNode
	err := g.withRetries(ctx, kind, userID, func(ctx context.Context) error {
		n, err := g.attempt(ctx, userID, userPrompt, validate)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// withRetries runs fn under the concurrency limit and the retry policy.
// Each attempt gets its own AttemptTimeout.
func (g *NodeGenerator) withRetries(ctx context.Context, kind string, userID uuid.UUID, fn func(ctx context.Context) error) error {
	logFields := []zap.Field{zap.String("kind", kind), zap.Stringer("user_id", userID)}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: ожидание слота генерации: %v", models.ErrGenerationFailed, err)
	}
	defer g.sem.Release(1)

	policy := retry.Policy{MaxAttempts: g.cfg.MaxAttempts, BaseDelay: g.cfg.BaseRetryDelay}
	err := retry.Do(ctx, policy, isRetryable,
		func(attempt int, err error, wait time.Duration) {
			g.logger.Warn("Generation attempt failed, retrying", append(logFields,
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", g.cfg.MaxAttempts),
				zap.String("error_type", errorType(err)),
				zap.Duration("wait", wait),
				zap.Error(err),
			)...)
		},
		func(ctx context.Context, _ int) error {
			attemptCtx := ctx
			if g.cfg.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
				defer cancel()
			}
			err := fn(attemptCtx)
			generationAttempts.WithLabelValues(kind, errorType(err)).Inc()
			return err
		})
	if err != nil {
		g.logger.Error("Generation failed", append(logFields, zap.String("error_type", errorType(err)), zap.Error(err))...)
		return err
	}
	return nil
}

func (g *NodeGenerator) attempt(
	ctx context.Context,
	userID uuid.UUID,
	userPrompt string,
	validate func(*models.NodeDraft) (*models.StoryNode, error),
) (*models.StoryNode, error) {
	resp, err := g.call(ctx, ai.Request{
		UserID:       userID,
		SystemPrompt: g.prompts.System(),
		UserPrompt:   userPrompt,
		SchemaName:   schemas.NodeDraftSchemaName,
		Schema:       schemas.NodeDraftJSONSchema(),
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	draft, err := ParseDraft(resp.Text)
	if err != nil {
		return nil, err
	}
	return validate(draft)
}

// call sends one request; every client failure is reported as ErrGenerationFailed.
func (g *NodeGenerator) call(ctx context.Context, req ai.Request) (*ai.Response, error) {
	resp, err := g.client.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, models.ErrGenerationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	return resp, nil
}

// ParseDraft extracts and strictly decodes a NodeDraft from a raw model answer.
func ParseDraft(text string) (*models.NodeDraft, error) {
	var draft models.NodeDraft
	if err := decodeObject(text, &draft); err != nil {
		return nil, err
	}
	return &draft, nil
}

func decodeObject(text string, out interface{}) error {
	raw, ok := utils.ExtractJSONObject(text)
	if !ok {
		return fmt.Errorf("%w: ответ не содержит JSON-объекта", models.ErrInvalidContent)
	}
	if err := utils.DecodeStrict([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: ошибка разбора JSON: %v", models.ErrInvalidContent, err)
	}
	return nil
}

func isRetryable(err error) bool {
	return errors.Is(err, models.ErrGenerationFailed) || errors.Is(err, models.ErrInvalidContent)
}

func errorType(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, models.ErrGenerationFailed):
		return "generation_error"
	}
	return "other"
}
