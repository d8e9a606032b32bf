package service

import (
	"context"
	"fmt"

	"story-graph-server/internal/models"

	"github.com/google/uuid"
)

func (s *storyEngineImpl) ListStories(ctx context.Context, userID uuid.UUID, status *models.StoryStatus) ([]*models.Story, error) {
	if status != nil && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, *status)
	}
	var stories []*models.Story
	err := s.withStorage(ctx, "list_stories", func(ctx context.Context) error {
		var err error
		stories, err = s.repo.ListStoriesByUser(ctx, userID, status)
		return err
	})
	return stories, err
}

func (s *storyEngineImpl) GetStory(ctx context.Context, userID, storyID uuid.UUID) (*models.Story, error) {
	return s.ownedStory(ctx, userID, storyID)
}

func (s *storyEngineImpl) ListStoryNodes(ctx context.Context, userID, storyID uuid.UUID) ([]*models.StoryNode, error) {
	if _, err := s.ownedStory(ctx, userID, storyID); err != nil {
		return nil, err
	}
	var nodes []*models.StoryNode
	err := s.withStorage(ctx, "list_nodes", func(ctx context.Context) error {
		var err error
		nodes, err = s.repo.ListNodesByStory(ctx, storyID)
		return err
	})
	return nodes, err
}

func (s *storyEngineImpl) GetNode(ctx context.Context, userID, storyID, nodeID uuid.UUID) (*models.StoryNode, error) {
	if _, err := s.ownedStory(ctx, userID, storyID); err != nil {
		return nil, err
	}
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.StoryID != storyID {
		return nil, fmt.Errorf("node %s in story %s: %w", nodeID, storyID, models.ErrNotFound)
	}
	return node, nil
}

func (s *storyEngineImpl) ownedStory(ctx context.Context, userID, storyID uuid.UUID) (*models.Story, error) {
	story, err := s.getStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.UserID != userID {
		return nil, fmt.Errorf("story %s: %w", storyID, models.ErrForbidden)
	}
	return story, nil
}
