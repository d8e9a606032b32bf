package interfaces

import (
	"context"

	"story-graph-server/internal/models"

	"github.com/google/uuid"
)

// StoryRepository defines persistence of stories and their node graph.
// Storage failures are reported wrapped in models.ErrStorage.
type StoryRepository interface {
	// CreateStory inserts a story. The ID is allocated by the caller; repeating the call
	// with the same ID is a no-op, so the operation may be retried safely.
	CreateStory(ctx context.Context, story *models.Story) error

	// GetStory returns models.ErrNotFound when the story does not exist.
	GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error)

	// UpdateStory applies a partial update and returns the stored result.
	UpdateStory(ctx context.Context, id uuid.UUID, patch models.StoryPatch) (*models.Story, error)

	// ListStoriesByUser returns the user's stories, newest first. A nil status means any.
	ListStoriesByUser(ctx context.Context, userID uuid.UUID, status *models.StoryStatus) ([]*models.Story, error)

	// CreateNode inserts a node. Same idempotency rules as CreateStory.
	// Returns models.ErrInvariantViolation when a second root is created for a story.
	CreateNode(ctx context.Context, node *models.StoryNode) error

	// GetNode returns models.ErrNotFound when the node does not exist.
	GetNode(ctx context.Context, id uuid.UUID) (*models.StoryNode, error)

	// ListNodesByStory returns every node of the story in creation order.
	ListNodesByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryNode, error)

	// UpdateNodeChoiceTarget atomically links a pending choice to target.
	// The write happens only while the choice is still pending; the returned value is the
	// target the choice points at after the call. If it differs from target another writer won.
	// Returns models.ErrNotFound or models.ErrChoiceNotFound for missing node or choice.
	UpdateNodeChoiceTarget(ctx context.Context, nodeID uuid.UUID, choiceID string, target uuid.UUID) (linked uuid.UUID, err error)

	// SaveSummary stores the summary of a story unless one already exists and returns the
	// stored summary (the earlier one if this call lost).
	SaveSummary(ctx context.Context, summary *models.StorySummary) (*models.StorySummary, error)

	// GetSummary returns models.ErrNotFound when the story has no summary yet.
	GetSummary(ctx context.Context, storyID uuid.UUID) (*models.StorySummary, error)
}
