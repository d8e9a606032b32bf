package service

import (
	"context"
	"time"

	"story-graph-server/internal/generator"
	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/lock"
	"story-graph-server/internal/models"
	"story-graph-server/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// NodeGenerator produces validated, unpersisted story nodes.
type NodeGenerator interface {
	GenerateStart(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (*models.StoryNode, error)
	GenerateNext(ctx context.Context, params generator.NextParams) (*models.StoryNode, error)
	GenerateSummary(ctx context.Context, params generator.SummaryParams) (*models.StorySummary, error)
	GenerateFeedback(ctx context.Context, params generator.FeedbackParams) (string, error)
}

var _ NodeGenerator = (*generator.NodeGenerator)(nil)

// StoryEngine defines the story graph operations exposed to the API layer, the CLI and the worker.
type StoryEngine interface {
	// StartStory generates the root node and creates an active story pointing at it.
	StartStory(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (*StartStoryResult, error)

	// ResolveChoice follows a choice of a node, materializing its target node if it is still pending.
	// Repeating the call for the same (story, node, choice) returns the same target node.
	ResolveChoice(ctx context.Context, in ResolveChoiceInput) (*ResolveChoiceResult, error)

	// GetProgress returns the current position of the story.
	GetProgress(ctx context.Context, userID, storyID uuid.UUID) (*models.Progress, error)

	// ListStories lists the user's stories, newest first. A nil status means any.
	ListStories(ctx context.Context, userID uuid.UUID, status *models.StoryStatus) ([]*models.Story, error)

	// GetStory returns a story owned by the user.
	GetStory(ctx context.Context, userID, storyID uuid.UUID) (*models.Story, error)

	// ListStoryNodes returns every node generated for the story, in creation order.
	ListStoryNodes(ctx context.Context, userID, storyID uuid.UUID) ([]*models.StoryNode, error)

	// GetNode returns a node of a story owned by the user.
	GetNode(ctx context.Context, userID, storyID, nodeID uuid.UUID) (*models.StoryNode, error)

	// GetSummary returns the recap of a completed story, generating and storing it on first use.
	GetSummary(ctx context.Context, userID, storyID uuid.UUID) (*models.StorySummary, error)

	// GetChoiceFeedback explains a choice of a node. The feedback is generated on every call.
	GetChoiceFeedback(ctx context.Context, userID, storyID, nodeID uuid.UUID, choiceID string) (*models.ChoiceFeedback, error)
}

// StartStoryResult результат создания истории.
type StartStoryResult struct {
	Story    *models.Story     `json:"story"`
	RootNode *models.StoryNode `json:"rootNode"`
}

// ResolveChoiceInput параметры перехода по выбору.
type ResolveChoiceInput struct {
	UserID        uuid.UUID
	StoryID       uuid.UUID
	CurrentNodeID uuid.UUID
	ChoiceID      string
	// ChoiceText is what the client displayed. The stored choice text is used for generation.
	ChoiceText string
}

// ResolveChoiceResult результат перехода по выбору.
type ResolveChoiceResult struct {
	Node          *models.StoryNode `json:"node"`
	Story         *models.Story     `json:"story"`
	StoryComplete bool              `json:"storyComplete"`
	IsWinning     bool              `json:"isWinning"`
}

// Config настройки движка.
type Config struct {
	// Storage retries apply to reads and idempotent writes.
	StorageTimeout time.Duration
	StorageRetry   retry.Policy
	// LinkMaxAttempts bounds the retries of the pending -> concrete linkage.
	LinkMaxAttempts int
	// MaterializationTimeout bounds a materialization detached from the caller's context.
	MaterializationTimeout time.Duration
	// HistoryDepth сколько последних сцен передавать генератору.
	HistoryDepth     int
	LockPollInterval time.Duration
	// LockWaitTimeout сколько ждать чужую материализацию, прежде чем генерировать самим.
	// Не больше половины MaterializationTimeout: после ожидания нужен запас на генерацию.
	LockWaitTimeout time.Duration
}

// DefaultConfig returns the engine defaults used when the configuration leaves values unset.
func DefaultConfig() Config {
	return Config{
		StorageTimeout:         5 * time.Second,
		StorageRetry:           retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond},
		LinkMaxAttempts:        5,
		MaterializationTimeout: 4 * time.Minute,
		HistoryDepth:           3,
		LockPollInterval:       500 * time.Millisecond,
		LockWaitTimeout:        90 * time.Second,
	}
}

type storyEngineImpl struct {
	repo      interfaces.StoryRepository
	generator NodeGenerator
	locker    interfaces.Locker
	progress  *ProgressTracker
	inflight  singleflight.Group
	cfg       Config
	logger    *zap.Logger
}

// NewStoryEngine создает движок графа историй.
// A nil locker disables cross-instance locking.
func NewStoryEngine(
	repo interfaces.StoryRepository,
	gen NodeGenerator,
	locker interfaces.Locker,
	cfg Config,
	logger *zap.Logger,
) StoryEngine {
	def := DefaultConfig()
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = def.StorageTimeout
	}
	if cfg.StorageRetry.MaxAttempts < 1 {
		cfg.StorageRetry.MaxAttempts = def.StorageRetry.MaxAttempts
	}
	if cfg.LinkMaxAttempts < 1 {
		cfg.LinkMaxAttempts = def.LinkMaxAttempts
	}
	if cfg.MaterializationTimeout <= 0 {
		cfg.MaterializationTimeout = def.MaterializationTimeout
	}
	if cfg.HistoryDepth < 1 {
		cfg.HistoryDepth = 1
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = def.LockPollInterval
	}
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = def.LockWaitTimeout
	}
	if limit := cfg.MaterializationTimeout / 2; cfg.LockWaitTimeout > limit {
		cfg.LockWaitTimeout = limit
	}
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	return &storyEngineImpl{
		repo:      repo,
		generator: gen,
		locker:    locker,
		progress:  NewProgressTracker(repo, logger),
		cfg:       cfg,
		logger:    logger.Named("StoryEngine"),
	}
}

func (s *storyEngineImpl) GetProgress(ctx context.Context, userID, storyID uuid.UUID) (*models.Progress, error) {
	var progress *models.Progress
	err := s.withStorage(ctx, "get_progress", func(ctx context.Context) error {
		var err error
		progress, err = s.progress.GetProgress(ctx, userID, storyID)
		return err
	})
	return progress, err
}
