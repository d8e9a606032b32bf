package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"story-graph-server/internal/database"
	"story-graph-server/internal/models"
	"story-graph-server/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) StartStory(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (*service.StartStoryResult, error) {
	args := m.Called(ctx, userID, topic, difficulty)
	res, _ := args.Get(0).(*service.StartStoryResult)
	return res, args.Error(1)
}

func (m *mockEngine) ResolveChoice(ctx context.Context, in service.ResolveChoiceInput) (*service.ResolveChoiceResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*service.ResolveChoiceResult)
	return res, args.Error(1)
}

func (m *mockEngine) GetSummary(ctx context.Context, userID, storyID uuid.UUID) (*models.StorySummary, error) {
	args := m.Called(ctx, userID, storyID)
	res, _ := args.Get(0).(*models.StorySummary)
	return res, args.Error(1)
}

type failingJobRepo struct {
	*database.MemoryGenerationJobRepository
}

func (r failingJobRepo) Update(ctx context.Context, id uuid.UUID, upd models.JobUpdate) error {
	return models.ErrStorage
}

func seedJob(t *testing.T, jobs *database.MemoryGenerationJobRepository, kind models.JobKind) *models.GenerationJob {
	t.Helper()
	job := &models.GenerationJob{ID: uuid.New(), UserID: uuid.New(), Kind: kind, CreatedAt: time.Now().UTC()}
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func TestTaskHandler_StartStoryCompletesJob(t *testing.T) {
	jobs := database.NewMemoryGenerationJobRepository()
	engine := &mockEngine{}
	job := seedJob(t, jobs, models.JobKindStartStory)

	story := &models.Story{ID: uuid.New(), UserID: job.UserID}
	root := &models.StoryNode{ID: uuid.New(), StoryID: story.ID}
	engine.On("StartStory", mock.Anything, job.UserID, "compost", models.DifficultyEasy).
		Return(&service.StartStoryResult{Story: story, RootNode: root}, nil).Once()

	h := NewTaskHandler(engine, jobs, zap.NewNop())
	err := h.Process(context.Background(), models.GenerationTask{
		JobID: job.ID, Kind: models.JobKindStartStory, UserID: job.UserID,
		Topic: "compost", Difficulty: models.DifficultyEasy,
	})
	require.NoError(t, err)

	got, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.StoryID)
	require.NotNil(t, got.NodeID)
	assert.Equal(t, story.ID, *got.StoryID)
	assert.Equal(t, root.ID, *got.NodeID)
	assert.Nil(t, got.ErrorDetails)
	engine.AssertExpectations(t)
}

func TestTaskHandler_ResolveChoiceCompletesJob(t *testing.T) {
	jobs := database.NewMemoryGenerationJobRepository()
	engine := &mockEngine{}
	job := seedJob(t, jobs, models.JobKindResolveChoice)

	task := models.GenerationTask{
		JobID: job.ID, Kind: models.JobKindResolveChoice, UserID: job.UserID,
		StoryID: uuid.New(), CurrentNodeID: uuid.New(), ChoiceID: "a", ChoiceText: "Add mulch",
	}
	next := &models.StoryNode{ID: uuid.New(), StoryID: task.StoryID}
	engine.On("ResolveChoice", mock.Anything, service.ResolveChoiceInput{
		UserID: task.UserID, StoryID: task.StoryID, CurrentNodeID: task.CurrentNodeID,
		ChoiceID: "a", ChoiceText: "Add mulch",
	}).Return(&service.ResolveChoiceResult{Node: next}, nil).Once()

	h := NewTaskHandler(engine, jobs, zap.NewNop())
	require.NoError(t, h.Process(context.Background(), task))

	got, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, task.StoryID, *got.StoryID)
	assert.Equal(t, next.ID, *got.NodeID)
	engine.AssertExpectations(t)
}

func TestTaskHandler_StorySummaryCompletesJob(t *testing.T) {
	jobs := database.NewMemoryGenerationJobRepository()
	engine := &mockEngine{}
	job := seedJob(t, jobs, models.JobKindStorySummary)
	storyID := uuid.New()

	engine.On("GetSummary", mock.Anything, job.UserID, storyID).
		Return(&models.StorySummary{StoryID: storyID, Outcome: models.OutcomeWon}, nil).Once()

	h := NewTaskHandler(engine, jobs, zap.NewNop())
	require.NoError(t, h.Process(context.Background(), models.GenerationTask{
		JobID: job.ID, Kind: models.JobKindStorySummary, UserID: job.UserID, StoryID: storyID,
	}))

	got, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, storyID, *got.StoryID)
	assert.Nil(t, got.NodeID)
	engine.AssertExpectations(t)
}

func TestTaskHandler_EngineErrorFailsJob(t *testing.T) {
	jobs := database.NewMemoryGenerationJobRepository()
	engine := &mockEngine{}
	job := seedJob(t, jobs, models.JobKindResolveChoice)

	task := models.GenerationTask{
		JobID: job.ID, Kind: models.JobKindResolveChoice, UserID: job.UserID,
		StoryID: uuid.New(), CurrentNodeID: uuid.New(), ChoiceID: "b",
	}
	engine.On("ResolveChoice", mock.Anything, mock.Anything).
		Return(nil, models.ErrStoryNotActive).Once()

	h := NewTaskHandler(engine, jobs, zap.NewNop())
	require.NoError(t, h.Process(context.Background(), task))

	got, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Contains(t, *got.ErrorDetails, models.ErrStoryNotActive.Error())
	assert.Equal(t, task.StoryID, *got.StoryID)
	assert.Nil(t, got.NodeID)
}

func TestTaskHandler_UnknownJobIsDropped(t *testing.T) {
	engine := &mockEngine{}
	h := NewTaskHandler(engine, database.NewMemoryGenerationJobRepository(), zap.NewNop())

	err := h.Process(context.Background(), models.GenerationTask{
		JobID: uuid.New(), Kind: models.JobKindStartStory, UserID: uuid.New(),
		Topic: "bees", Difficulty: models.DifficultyHard,
	})
	require.NoError(t, err)
	engine.AssertNotCalled(t, "StartStory", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTaskHandler_StatusWriteFailureIsReturned(t *testing.T) {
	engine := &mockEngine{}
	repo := failingJobRepo{database.NewMemoryGenerationJobRepository()}
	h := NewTaskHandler(engine, repo, zap.NewNop())

	err := h.Process(context.Background(), models.GenerationTask{
		JobID: uuid.New(), Kind: models.JobKindStartStory, UserID: uuid.New(),
		Topic: "bees", Difficulty: models.DifficultyHard,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStorage))
}

func TestTaskHandler_CancelledContextStillRecordsStatus(t *testing.T) {
	jobs := database.NewMemoryGenerationJobRepository()
	engine := &mockEngine{}
	job := seedJob(t, jobs, models.JobKindStartStory)
	engine.On("StartStory", mock.Anything, job.UserID, "soil", models.DifficultyMedium).
		Return(nil, context.Canceled).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := NewTaskHandler(engine, jobs, zap.NewNop())
	require.NoError(t, h.Process(ctx, models.GenerationTask{
		JobID: job.ID, Kind: models.JobKindStartStory, UserID: job.UserID,
		Topic: "soil", Difficulty: models.DifficultyMedium,
	}))

	got, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}
