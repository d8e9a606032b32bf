package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GenerationJobService принимает асинхронные запросы генерации и отдает их статус.
type GenerationJobService interface {
	// SubmitStartStory validates the request, records a pending job and queues it.
	SubmitStartStory(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (*models.GenerationJob, error)
	// SubmitResolveChoice checks story ownership, records a pending job and queues it.
	SubmitResolveChoice(ctx context.Context, in ResolveChoiceInput) (*models.GenerationJob, error)
	// SubmitSummary checks that the story is owned and completed, then queues summary generation.
	SubmitSummary(ctx context.Context, userID, storyID uuid.UUID) (*models.GenerationJob, error)
	// GetJob returns a job owned by the user.
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error)
}

type generationJobServiceImpl struct {
	jobs      interfaces.GenerationJobRepository
	publisher interfaces.TaskPublisher
	engine    StoryEngine
	logger    *zap.Logger
}

// NewGenerationJobService создает сервис асинхронных задач.
// Без publisher (RabbitMQ выключен) Submit* возвращают models.ErrAsyncDisabled.
func NewGenerationJobService(
	jobs interfaces.GenerationJobRepository,
	publisher interfaces.TaskPublisher,
	engine StoryEngine,
	logger *zap.Logger,
) GenerationJobService {
	return &generationJobServiceImpl{
		jobs:      jobs,
		publisher: publisher,
		engine:    engine,
		logger:    logger.Named("GenerationJobService"),
	}
}

func (s *generationJobServiceImpl) SubmitStartStory(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (*models.GenerationJob, error) {
	if s.publisher == nil {
		return nil, models.ErrAsyncDisabled
	}
	if err := validateStartInput(userID, topic, difficulty); err != nil {
		return nil, err
	}
	return s.submit(ctx, models.GenerationTask{
		Kind:       models.JobKindStartStory,
		UserID:     userID,
		Topic:      topic,
		Difficulty: difficulty,
	})
}

func (s *generationJobServiceImpl) SubmitResolveChoice(ctx context.Context, in ResolveChoiceInput) (*models.GenerationJob, error) {
	if s.publisher == nil {
		return nil, models.ErrAsyncDisabled
	}
	if in.StoryID == uuid.Nil || in.CurrentNodeID == uuid.Nil || strings.TrimSpace(in.ChoiceID) == "" {
		return nil, fmt.Errorf("%w: storyId, currentNodeId and choiceId are required", models.ErrInvalidInput)
	}
	// Владение проверяем сразу, чтобы не ставить в очередь заведомо чужие задачи.
	if _, err := s.engine.GetStory(ctx, in.UserID, in.StoryID); err != nil {
		return nil, err
	}
	return s.submit(ctx, models.GenerationTask{
		Kind:          models.JobKindResolveChoice,
		UserID:        in.UserID,
		StoryID:       in.StoryID,
		CurrentNodeID: in.CurrentNodeID,
		ChoiceID:      in.ChoiceID,
		ChoiceText:    in.ChoiceText,
	})
}

func (s *generationJobServiceImpl) SubmitSummary(ctx context.Context, userID, storyID uuid.UUID) (*models.GenerationJob, error) {
	if s.publisher == nil {
		return nil, models.ErrAsyncDisabled
	}
	story, err := s.engine.GetStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status != models.StatusCompleted {
		return nil, fmt.Errorf("story %s is %s: %w", storyID, story.Status, models.ErrStoryNotEnded)
	}
	return s.submit(ctx, models.GenerationTask{
		Kind:    models.JobKindStorySummary,
		UserID:  userID,
		StoryID: storyID,
	})
}

func (s *generationJobServiceImpl) submit(ctx context.Context, task models.GenerationTask) (*models.GenerationJob, error) {
	now := time.Now().UTC()
	job := &models.GenerationJob{
		ID:        uuid.New(),
		UserID:    task.UserID,
		Kind:      task.Kind,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if task.Kind != models.JobKindStartStory {
		storyID := task.StoryID
		job.StoryID = &storyID
	}
	task.JobID = job.ID

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create generation job: %w", err)
	}

	if err := s.publisher.PublishGenerationTask(ctx, task); err != nil {
		s.logger.Error("Failed to queue generation task, marking job failed",
			zap.Stringer("jobID", job.ID), zap.Error(err))
		details := "failed to queue task"
		updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if updErr := s.jobs.Update(updCtx, job.ID, models.JobUpdate{Status: models.JobStatusFailed, ErrorDetails: &details}); updErr != nil {
			s.logger.Warn("Failed to mark unqueued job as failed", zap.Stringer("jobID", job.ID), zap.Error(updErr))
		}
		return nil, fmt.Errorf("%w: queue generation task: %w", models.ErrStorage, err)
	}

	s.logger.Info("Generation job queued",
		zap.Stringer("jobID", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Stringer("userID", job.UserID),
	)
	return job, nil
}

func (s *generationJobServiceImpl) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrForbidden)
	}
	return job, nil
}
