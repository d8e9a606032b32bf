package interfaces

import (
	"context"

	"story-graph-server/internal/models"

	"github.com/google/uuid"
)

// GenerationJobRepository хранит статусы асинхронных задач генерации.
type GenerationJobRepository interface {
	// Create inserts a pending job.
	Create(ctx context.Context, job *models.GenerationJob) error
	// GetByID returns models.ErrNotFound when the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	// Update moves the job to a new status.
	Update(ctx context.Context, id uuid.UUID, upd models.JobUpdate) error
}
