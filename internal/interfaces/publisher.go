package interfaces

import (
	"context"

	"story-graph-server/internal/models"
)

// TaskPublisher defines the interface for sending generation tasks to the queue.
type TaskPublisher interface {
	PublishGenerationTask(ctx context.Context, task models.GenerationTask) error
}
