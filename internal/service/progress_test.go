package service

import (
	"context"
	"testing"

	"story-graph-server/internal/database"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedStory(t *testing.T, repo *database.MemoryStoryRepository, userID uuid.UUID) (*models.Story, *models.StoryNode) {
	t.Helper()
	ctx := context.Background()
	story := &models.Story{ID: uuid.New(), UserID: userID, Topic: "herbs", Difficulty: models.DifficultyMedium, Status: models.StatusActive}
	require.NoError(t, repo.CreateStory(ctx, story))
	root := &models.StoryNode{ID: uuid.New(), StoryID: story.ID, Content: sceneText, IsRoot: true}
	require.NoError(t, repo.CreateNode(ctx, root))
	return story, root
}

func TestProgressTracker_AdvanceAndRead(t *testing.T) {
	repo := database.NewMemoryStoryRepository()
	tracker := NewProgressTracker(repo, zap.NewNop())
	userID := uuid.New()
	story, root := seedStory(t, repo, userID)
	ctx := context.Background()

	updated, err := tracker.Advance(ctx, story, root)
	require.NoError(t, err)
	assert.Equal(t, root.ID, *updated.CurrentNodeID)
	assert.Equal(t, models.StatusActive, updated.Status)

	ending := &models.StoryNode{ID: uuid.New(), StoryID: story.ID, Content: sceneText, IsEnding: true}
	require.NoError(t, repo.CreateNode(ctx, ending))
	updated, err = tracker.Advance(ctx, updated, ending)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.False(t, updated.IsWon)

	progress, err := tracker.GetProgress(ctx, userID, story.ID)
	require.NoError(t, err)
	assert.Equal(t, &models.Progress{StoryID: story.ID, CurrentNodeID: &ending.ID, Status: models.StatusCompleted, IsWon: false}, progress)
}

func TestProgressTracker_CompletedStoryDoesNotMove(t *testing.T) {
	repo := database.NewMemoryStoryRepository()
	tracker := NewProgressTracker(repo, zap.NewNop())
	story, root := seedStory(t, repo, uuid.New())
	ctx := context.Background()

	completed := models.StatusCompleted
	story, err := repo.UpdateStory(ctx, story.ID, models.StoryPatch{CurrentNodeID: &root.ID, Status: &completed})
	require.NoError(t, err)

	same, err := tracker.Advance(ctx, story, root)
	require.NoError(t, err)
	assert.Equal(t, root.ID, *same.CurrentNodeID)

	other := &models.StoryNode{ID: uuid.New(), StoryID: story.ID, Content: sceneText}
	_, err = tracker.Advance(ctx, story, other)
	assert.ErrorIs(t, err, models.ErrStoryNotActive)
}

func TestProgressTracker_RejectsForeignNode(t *testing.T) {
	repo := database.NewMemoryStoryRepository()
	tracker := NewProgressTracker(repo, zap.NewNop())
	story, _ := seedStory(t, repo, uuid.New())

	_, err := tracker.Advance(context.Background(), story, &models.StoryNode{ID: uuid.New(), StoryID: uuid.New()})
	assert.ErrorIs(t, err, models.ErrInvariantViolation)
}
