package service

import (
	"context"
	"fmt"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProgressTracker is the read projection of a story position and its only write path.
// Pointer, status and isWon are written together through StoryRepository.UpdateStory.
type ProgressTracker struct {
	repo   interfaces.StoryRepository
	logger *zap.Logger
}

// NewProgressTracker создает трекер прогресса.
func NewProgressTracker(repo interfaces.StoryRepository, logger *zap.Logger) *ProgressTracker {
	return &ProgressTracker{repo: repo, logger: logger.Named("ProgressTracker")}
}

// GetProgress возвращает позицию истории. Доступно только владельцу.
func (p *ProgressTracker) GetProgress(ctx context.Context, userID, storyID uuid.UUID) (*models.Progress, error) {
	story, err := p.repo.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.UserID != userID {
		return nil, fmt.Errorf("story %s: %w", storyID, models.ErrForbidden)
	}
	return &models.Progress{
		StoryID:       story.ID,
		CurrentNodeID: story.CurrentNodeID,
		Status:        story.Status,
		IsWon:         story.IsWon,
	}, nil
}

// Advance moves the story pointer to node and completes the story when node is an ending.
// A story that is no longer active only accepts the node it already points at.
func (p *ProgressTracker) Advance(ctx context.Context, story *models.Story, node *models.StoryNode) (*models.Story, error) {
	if node.StoryID != story.ID {
		return nil, fmt.Errorf("%w: node %s does not belong to story %s", models.ErrInvariantViolation, node.ID, story.ID)
	}
	if story.Status != models.StatusActive {
		if story.CurrentNodeID != nil && *story.CurrentNodeID == node.ID {
			return story, nil
		}
		return nil, fmt.Errorf("story %s is %s: %w", story.ID, story.Status, models.ErrStoryNotActive)
	}

	nodeID := node.ID
	patch := models.StoryPatch{CurrentNodeID: &nodeID}
	if node.IsEnding {
		completed := models.StatusCompleted
		won := node.IsWinningEnding
		patch.Status = &completed
		patch.IsWon = &won
	}

	updated, err := p.repo.UpdateStory(ctx, story.ID, patch)
	if err != nil {
		return nil, err
	}
	if node.IsEnding {
		p.logger.Info("Story completed",
			zap.Stringer("storyID", story.ID),
			zap.Stringer("nodeID", node.ID),
			zap.Bool("isWon", node.IsWinningEnding),
		)
	}
	return updated, nil
}
