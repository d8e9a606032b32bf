package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/messaging"
	"story-graph-server/internal/models"
	"story-graph-server/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine - часть service.StoryEngine, нужная воркеру.
type Engine interface {
	StartStory(ctx context.Context, userID uuid.UUID, topic string, difficulty models.Difficulty) (*service.StartStoryResult, error)
	ResolveChoice(ctx context.Context, in service.ResolveChoiceInput) (*service.ResolveChoiceResult, error)
	GetSummary(ctx context.Context, userID, storyID uuid.UUID) (*models.StorySummary, error)
}

// TaskHandler выполняет задачи генерации из очереди и ведет статус GenerationJob.
type TaskHandler struct {
	engine        Engine
	jobs          interfaces.GenerationJobRepository
	statusTimeout time.Duration
	logger        *zap.Logger
}

var _ messaging.TaskProcessor = (*TaskHandler)(nil)

// NewTaskHandler создает обработчик задач.
func NewTaskHandler(engine Engine, jobs interfaces.GenerationJobRepository, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		engine:        engine,
		jobs:          jobs,
		statusTimeout: 10 * time.Second,
		logger:        logger.Named("TaskHandler"),
	}
}

// Process переводит задачу processing -> completed|failed.
// Ошибки движка записываются в задачу, наружу возвращается только ошибка записи статуса.
func (h *TaskHandler) Process(ctx context.Context, task models.GenerationTask) error {
	start := time.Now()
	log := h.logger.With(
		zap.Stringer("jobID", task.JobID),
		zap.String("kind", string(task.Kind)),
		zap.Stringer("userID", task.UserID),
	)
	log.Info("Processing generation task")

	if err := h.setStatus(ctx, task.JobID, models.JobUpdate{Status: models.JobStatusProcessing}); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Warn("Generation job not found, dropping task")
			return nil
		}
		return fmt.Errorf("mark job processing: %w", err)
	}

	upd, runErr := h.run(ctx, task)
	if runErr != nil {
		details := runErr.Error()
		upd = models.JobUpdate{Status: models.JobStatusFailed, StoryID: upd.StoryID, ErrorDetails: &details}
		log.Warn("Generation task failed", zap.Error(runErr), zap.Duration("duration", time.Since(start)))
	} else {
		log.Info("Generation task completed",
			zap.Stringer("storyID", derefID(upd.StoryID)),
			zap.Stringer("nodeID", derefID(upd.NodeID)),
			zap.Duration("duration", time.Since(start)),
		)
	}

	if err := h.setStatus(ctx, task.JobID, upd); err != nil {
		return fmt.Errorf("mark job %s: %w", upd.Status, err)
	}
	return nil
}

func (h *TaskHandler) run(ctx context.Context, task models.GenerationTask) (models.JobUpdate, error) {
	switch task.Kind {
	case models.JobKindStartStory:
		res, err := h.engine.StartStory(ctx, task.UserID, task.Topic, task.Difficulty)
		if err != nil {
			return models.JobUpdate{}, err
		}
		return models.JobUpdate{
			Status:  models.JobStatusCompleted,
			StoryID: &res.Story.ID,
			NodeID:  &res.RootNode.ID,
		}, nil

	case models.JobKindResolveChoice:
		storyID := task.StoryID
		res, err := h.engine.ResolveChoice(ctx, service.ResolveChoiceInput{
			UserID:        task.UserID,
			StoryID:       task.StoryID,
			CurrentNodeID: task.CurrentNodeID,
			ChoiceID:      task.ChoiceID,
			ChoiceText:    task.ChoiceText,
		})
		if err != nil {
			return models.JobUpdate{StoryID: &storyID}, err
		}
		return models.JobUpdate{
			Status:  models.JobStatusCompleted,
			StoryID: &storyID,
			NodeID:  &res.Node.ID,
		}, nil

	case models.JobKindStorySummary:
		storyID := task.StoryID
		if _, err := h.engine.GetSummary(ctx, task.UserID, task.StoryID); err != nil {
			return models.JobUpdate{StoryID: &storyID}, err
		}
		return models.JobUpdate{Status: models.JobStatusCompleted, StoryID: &storyID}, nil
	}
	return models.JobUpdate{}, fmt.Errorf("%w: unknown job kind %q", models.ErrInvalidInput, task.Kind)
}

// setStatus пишет статус на отвязанном контексте: отмена консьюмера не должна оставлять задачу в processing.
func (h *TaskHandler) setStatus(ctx context.Context, jobID uuid.UUID, upd models.JobUpdate) error {
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.statusTimeout)
	defer cancel()
	return h.jobs.Update(updCtx, jobID, upd)
}

func derefID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
