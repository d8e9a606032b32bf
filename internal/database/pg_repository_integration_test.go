package database_test

import (
	"context"
	"testing"

	"story-graph-server/internal/database"
	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"
	"story-graph-server/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPgStoryRepository(t *testing.T) {
	testutil.RequireDocker(t)
	ctx := context.Background()
	pool := testutil.StartPostgres(ctx, t)

	runStoryRepositoryContract(t, func(t *testing.T) interfaces.StoryRepository {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE story_nodes, stories, generation_jobs CASCADE")
		require.NoError(t, err, "Failed to truncate tables")
		return database.NewPgStoryRepository(pool, zap.NewNop())
	})
}

func TestPgGenerationJobRepository(t *testing.T) {
	testutil.RequireDocker(t)
	ctx := context.Background()
	pool := testutil.StartPostgres(ctx, t)
	repo := database.NewPgGenerationJobRepository(pool, zap.NewNop())

	job := &models.GenerationJob{ID: uuid.New(), UserID: uuid.New(), Kind: models.JobKindResolveChoice}
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.Create(ctx, job), "повторное создание не ошибка")

	nodeID := uuid.New()
	details := "generation failed"
	require.NoError(t, repo.Update(ctx, job.ID, models.JobUpdate{Status: models.JobStatusFailed, NodeID: &nodeID, ErrorDetails: &details}))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.JobKindResolveChoice, got.Kind)
	require.NotNil(t, got.NodeID)
	assert.Equal(t, nodeID, *got.NodeID)
	require.NotNil(t, got.ErrorDetails)
	assert.Equal(t, details, *got.ErrorDetails)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
