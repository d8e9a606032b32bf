package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"story-graph-server/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func (s *storyEngineImpl) StartStory(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (result *StartStoryResult, err error) {
	ctx, finish := startOperation(ctx, "start_story",
		attribute.String("user.id", userID.String()),
		attribute.String("story.difficulty", string(difficulty)),
	)
	defer finish(&err)

	topic = strings.TrimSpace(topic)
	if err := validateStartInput(userID, topic, difficulty); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.Stringer("userID", userID), zap.String("topic", topic), zap.String("difficulty", string(difficulty)))

	// 1. Генерация стартового узла. Ничего еще не сохранено.
	root, err := s.generator.GenerateStart(ctx, userID, topic, difficulty)
	if err != nil {
		log.Error("Start node generation failed", zap.Error(err))
		return nil, fmt.Errorf("generate start node: %w", err)
	}

	story := &models.Story{
		ID:         uuid.New(),
		UserID:     userID,
		Topic:      topic,
		Difficulty: difficulty,
		Status:     models.StatusActive,
	}
	root.ID = uuid.New()
	root.StoryID = story.ID
	root.IsRoot = true
	root.ParentNodeID = nil
	root.ParentChoiceID = nil
	log = log.With(zap.Stringer("storyID", story.ID))

	// 2. История без указателя.
	if err := s.withStorage(ctx, "create_story", func(ctx context.Context) error {
		return s.repo.CreateStory(ctx, story)
	}); err != nil {
		log.Error("Failed to persist story", zap.Error(err))
		return nil, fmt.Errorf("create story: %w", err)
	}

	// 3. Корневой узел.
	if err := s.createNode(ctx, root); err != nil {
		log.Error("Failed to persist root node", zap.Stringer("nodeID", root.ID), zap.Error(err))
		s.markStoryFailed(ctx, story.ID, err)
		return nil, fmt.Errorf("create root node: %w", err)
	}

	// 4. Указатель на корень.
	updated, err := s.advance(ctx, story, root)
	if err != nil {
		log.Error("Failed to point story at root node", zap.Stringer("nodeID", root.ID), zap.Error(err))
		s.markStoryFailed(ctx, story.ID, err)
		return nil, fmt.Errorf("set current node: %w", err)
	}

	log.Info("Story started", zap.Stringer("rootNodeID", root.ID), zap.Int("choices", len(root.Choices)))
	return &StartStoryResult{Story: updated, RootNode: root}, nil
}

func validateStartInput(userID uuid.UUID, topic string, difficulty models.Difficulty) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: userId is required", models.ErrInvalidInput)
	}
	if topic == "" {
		return fmt.Errorf("%w: topic is required", models.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(topic); n > models.MaxTopicLength {
		return fmt.Errorf("%w: topic is %d characters, max %d", models.ErrInvalidInput, n, models.MaxTopicLength)
	}
	if !difficulty.IsValid() {
		return fmt.Errorf("%w: unknown difficulty %q", models.ErrInvalidInput, difficulty)
	}
	return nil
}
