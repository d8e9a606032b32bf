package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ interfaces.GenerationJobRepository = (*pgGenerationJobRepository)(nil)

const (
	createJobQuery = `
INSERT INTO generation_jobs (id, user_id, kind, status, story_id, node_id, error_details, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

	getJobQuery = `
SELECT id, user_id, kind, status, story_id, node_id, error_details, created_at, updated_at
FROM generation_jobs WHERE id = $1`

	// story_id/node_id не затираются NULL-ом при повторных переходах
	updateJobQuery = `
UPDATE generation_jobs SET
    status = $2,
    story_id = COALESCE($3::uuid, story_id),
    node_id = COALESCE($4::uuid, node_id),
    error_details = $5
WHERE id = $1`
)

type pgGenerationJobRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

// NewPgGenerationJobRepository создает репозиторий задач генерации.
func NewPgGenerationJobRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.GenerationJobRepository {
	return &pgGenerationJobRepository{
		db:     db,
		logger: logger.Named("PgGenerationJobRepo"),
	}
}

func (r *pgGenerationJobRepository) Create(ctx context.Context, job *models.GenerationJob) error {
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	_, err := r.db.Exec(ctx, createJobQuery,
		job.ID, job.UserID, string(job.Kind), string(job.Status), job.StoryID, job.NodeID,
		job.ErrorDetails, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create generation job", zap.Stringer("jobID", job.ID), zap.Error(err))
		return storageErr("create job", err)
	}
	return nil
}

func (r *pgGenerationJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := pgxscan.Get(ctx, r.db, &job, getJobQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		r.logger.Error("Failed to get generation job", zap.Stringer("jobID", id), zap.Error(err))
		return nil, storageErr("get job", err)
	}
	return &job, nil
}

func (r *pgGenerationJobRepository) Update(ctx context.Context, id uuid.UUID, upd models.JobUpdate) error {
	tag, err := r.db.Exec(ctx, updateJobQuery, id, string(upd.Status), upd.StoryID, upd.NodeID, upd.ErrorDetails)
	if err != nil {
		r.logger.Error("Failed to update generation job", zap.Stringer("jobID", id), zap.String("status", string(upd.Status)), zap.Error(err))
		return storageErr("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return nil
}
