package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
)

var _ interfaces.GenerationJobRepository = (*MemoryGenerationJobRepository)(nil)

// MemoryGenerationJobRepository in-memory вариант репозитория задач.
type MemoryGenerationJobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]models.GenerationJob
}

func NewMemoryGenerationJobRepository() *MemoryGenerationJobRepository {
	return &MemoryGenerationJobRepository{jobs: make(map[uuid.UUID]models.GenerationJob)}
}

func (r *MemoryGenerationJobRepository) Create(ctx context.Context, job *models.GenerationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := r.jobs[job.ID]; exists {
		return nil
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	r.jobs[job.ID] = *job
	return nil
}

func (r *MemoryGenerationJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return &job, nil
}

func (r *MemoryGenerationJobRepository) Update(ctx context.Context, id uuid.UUID, upd models.JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	job.Status = upd.Status
	if upd.StoryID != nil {
		job.StoryID = upd.StoryID
	}
	if upd.NodeID != nil {
		job.NodeID = upd.NodeID
	}
	job.ErrorDetails = upd.ErrorDetails
	job.UpdatedAt = time.Now().UTC()
	r.jobs[job.ID] = job
	return nil
}
