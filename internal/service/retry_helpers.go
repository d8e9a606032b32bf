package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"story-graph-server/internal/models"
	"story-graph-server/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// withStorage выполняет операцию хранилища с таймаутом на попытку и ретраями для ErrStorage.
// Использовать только для чтений и идемпотентных записей.
func (s *storyEngineImpl) withStorage(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.retryStorage(ctx, op, s.cfg.StorageRetry, fn)
}

func (s *storyEngineImpl) retryStorage(ctx context.Context, op string, policy retry.Policy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, policy, isStorageError,
		func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("Storage operation failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.String("error_type", "storage_error"),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
		func(ctx context.Context, _ int) error {
			attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
			defer cancel()
			err := fn(attemptCtx)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, models.ErrStorage) {
				// таймаут попытки считается ошибкой хранилища
				return fmt.Errorf("%w: %s: %w", models.ErrStorage, op, err)
			}
			return err
		})
}

func isStorageError(err error) bool {
	return errors.Is(err, models.ErrStorage)
}

func (s *storyEngineImpl) getStory(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story *models.Story
	err := s.withStorage(ctx, "get_story", func(ctx context.Context) error {
		var err error
		story, err = s.repo.GetStory(ctx, id)
		return err
	})
	return story, err
}

func (s *storyEngineImpl) getNode(ctx context.Context, id uuid.UUID) (*models.StoryNode, error) {
	var node *models.StoryNode
	err := s.withStorage(ctx, "get_node", func(ctx context.Context) error {
		var err error
		node, err = s.repo.GetNode(ctx, id)
		return err
	})
	return node, err
}

func (s *storyEngineImpl) createNode(ctx context.Context, node *models.StoryNode) error {
	return s.withStorage(ctx, "create_node", func(ctx context.Context) error {
		return s.repo.CreateNode(ctx, node)
	})
}

func (s *storyEngineImpl) advance(ctx context.Context, story *models.Story, node *models.StoryNode) (*models.Story, error) {
	var updated *models.Story
	err := s.withStorage(ctx, "advance_pointer", func(ctx context.Context) error {
		var err error
		updated, err = s.progress.Advance(ctx, story, node)
		return err
	})
	return updated, err
}

// markStoryFailed переводит историю в failed на отвязанном от вызывающего контексте.
func (s *storyEngineImpl) markStoryFailed(ctx context.Context, storyID uuid.UUID, cause error) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StorageTimeout*time.Duration(s.cfg.StorageRetry.MaxAttempts))
	defer cancel()

	failed := models.StatusFailed
	err := s.withStorage(detached, "mark_failed", func(ctx context.Context) error {
		_, err := s.repo.UpdateStory(ctx, storyID, models.StoryPatch{Status: &failed})
		return err
	})
	if err != nil {
		s.logger.Error("Failed to mark story as failed",
			zap.Stringer("storyID", storyID), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.logger.Warn("Story marked as failed", zap.Stringer("storyID", storyID), zap.NamedError("cause", cause))
}
