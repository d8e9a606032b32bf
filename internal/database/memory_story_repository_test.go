package database_test

import (
	"context"
	"testing"

	"story-graph-server/internal/database"
	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoryRepository(t *testing.T) {
	runStoryRepositoryContract(t, func(t *testing.T) interfaces.StoryRepository {
		return database.NewMemoryStoryRepository()
	})
}

func TestMemoryStoryRepository_ReturnsCopies(t *testing.T) {
	repo := database.NewMemoryStoryRepository()
	ctx := context.Background()
	story := newStory(uuid.New())
	require.NoError(t, repo.CreateStory(ctx, story))
	root := newNode(story.ID, true)
	require.NoError(t, repo.CreateNode(ctx, root))

	got, err := repo.GetNode(ctx, root.ID)
	require.NoError(t, err)
	got.Choices[0].NextNodeID = uuid.NewString()

	again, err := repo.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChoicePending, again.Choices[0].NextNodeID)
}

func TestMemoryStoryRepository_NodeForMissingStory(t *testing.T) {
	repo := database.NewMemoryStoryRepository()
	err := repo.CreateNode(context.Background(), newNode(uuid.New(), true))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStoryRepository_CancelledContextIsStorageError(t *testing.T) {
	repo := database.NewMemoryStoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := repo.GetStory(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrStorage)
}

func TestMemoryGenerationJobRepository(t *testing.T) {
	repo := database.NewMemoryGenerationJobRepository()
	ctx := context.Background()
	job := &models.GenerationJob{ID: uuid.New(), UserID: uuid.New(), Kind: models.JobKindStartStory}
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)

	storyID := uuid.New()
	require.NoError(t, repo.Update(ctx, job.ID, models.JobUpdate{Status: models.JobStatusProcessing, StoryID: &storyID}))
	require.NoError(t, repo.Update(ctx, job.ID, models.JobUpdate{Status: models.JobStatusCompleted}))

	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.StoryID)
	assert.Equal(t, storyID, *got.StoryID)

	assert.ErrorIs(t, repo.Update(ctx, uuid.New(), models.JobUpdate{Status: models.JobStatusFailed}), models.ErrNotFound)
}
