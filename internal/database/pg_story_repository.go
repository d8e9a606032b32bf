package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.StoryRepository = (*pgStoryRepository)(nil)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	rootIndexName         = "uq_story_nodes_root"
)

const storyFields = `id, user_id, topic, difficulty, status, current_node_id, is_won, created_at, updated_at`

const nodeFields = `id, story_id, parent_node_id, parent_choice_id, content, is_root, is_ending, is_winning_ending, choices, created_at`

const createStoryQuery = `
INSERT INTO stories (id, user_id, topic, difficulty, status, current_node_id, is_won, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

const getStoryQuery = `SELECT ` + storyFields + ` FROM stories WHERE id = $1`

const updateStoryQuery = `
UPDATE stories SET
    current_node_id = COALESCE($2::uuid, current_node_id),
    status = COALESCE($3::varchar, status),
    is_won = COALESCE($4::boolean, is_won)
WHERE id = $1
RETURNING ` + storyFields

const listStoriesByUserQuery = `
SELECT ` + storyFields + `
FROM stories
WHERE user_id = $1 AND ($2::varchar IS NULL OR status = $2::varchar)
ORDER BY created_at DESC, id`

const createNodeQuery = `
INSERT INTO story_nodes (id, story_id, parent_node_id, parent_choice_id, content, is_root, is_ending, is_winning_ending, choices, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

const getNodeQuery = `SELECT ` + nodeFields + ` FROM story_nodes WHERE id = $1`

const listNodesByStoryQuery = `
SELECT ` + nodeFields + `
FROM story_nodes
WHERE story_id = $1
ORDER BY created_at, id`

// Переписывает только совпавший элемент массива и только пока он в состоянии pending.
const linkChoiceQuery = `
UPDATE story_nodes n
SET choices = (
    SELECT jsonb_agg(
        CASE WHEN t.elem->>'id' = $2::text
             THEN jsonb_set(t.elem, '{nextNodeId}', to_jsonb($3::text))
             ELSE t.elem
        END
        ORDER BY t.idx)
    FROM jsonb_array_elements(n.choices) WITH ORDINALITY AS t(elem, idx)
)
WHERE n.id = $1
  AND n.choices @> jsonb_build_array(jsonb_build_object('id', $2::text, 'nextNodeId', 'pending'))`

const summaryFields = `story_id, outcome, summary, key_lessons, encouragement, created_at`

const saveSummaryQuery = `
INSERT INTO story_summaries (story_id, outcome, summary, key_lessons, encouragement, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (story_id) DO NOTHING`

const getSummaryQuery = `SELECT ` + summaryFields + ` FROM story_summaries WHERE story_id = $1`

type pgStoryRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

// NewPgStoryRepository создает репозиторий историй поверх PostgreSQL.
func NewPgStoryRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.StoryRepository {
	return &pgStoryRepository{
		db:     db,
		logger: logger.Named("PgStoryRepo"),
	}
}

func (r *pgStoryRepository) CreateStory(ctx context.Context, story *models.Story) error {
	now := time.Now().UTC()
	if story.ID == uuid.Nil {
		story.ID = uuid.New()
	}
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	if story.UpdatedAt.IsZero() {
		story.UpdatedAt = story.CreatedAt
	}

	_, err := r.db.Exec(ctx, createStoryQuery,
		story.ID, story.UserID, story.Topic, story.Difficulty, story.Status,
		story.CurrentNodeID, story.IsWon, story.CreatedAt, story.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create story", zap.Stringer("storyID", story.ID), zap.Error(err))
		return storageErr("create story", err)
	}
	r.logger.Debug("Story created", zap.Stringer("storyID", story.ID), zap.Stringer("userID", story.UserID))
	return nil
}

func (r *pgStoryRepository) GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story models.Story
	if err := pgxscan.Get(ctx, r.db, &story, getStoryQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("story %s: %w", id, models.ErrNotFound)
		}
		r.logger.Error("Failed to get story", zap.Stringer("storyID", id), zap.Error(err))
		return nil, storageErr("get story", err)
	}
	return &story, nil
}

func (r *pgStoryRepository) UpdateStory(ctx context.Context, id uuid.UUID, patch models.StoryPatch) (*models.Story, error) {
	if patch.IsEmpty() {
		return r.GetStory(ctx, id)
	}
	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}

	var story models.Story
	err := pgxscan.Get(ctx, r.db, &story, updateStoryQuery, id, patch.CurrentNodeID, status, patch.IsWon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("story %s: %w", id, models.ErrNotFound)
		}
		r.logger.Error("Failed to update story", zap.Stringer("storyID", id), zap.Error(err))
		return nil, storageErr("update story", err)
	}
	return &story, nil
}

func (r *pgStoryRepository) ListStoriesByUser(ctx context.Context, userID uuid.UUID, status *models.StoryStatus) ([]*models.Story, error) {
	var filter *string
	if status != nil {
		s := string(*status)
		filter = &s
	}
	stories := make([]*models.Story, 0)
	if err := pgxscan.Select(ctx, r.db, &stories, listStoriesByUserQuery, userID, filter); err != nil {
		r.logger.Error("Failed to list stories", zap.Stringer("userID", userID), zap.Error(err))
		return nil, storageErr("list stories", err)
	}
	return stories, nil
}

func (r *pgStoryRepository) CreateNode(ctx context.Context, node *models.StoryNode) error {
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	if node.Choices == nil {
		node.Choices = []models.Choice{}
	}
	choicesJSON, err := json.Marshal(node.Choices)
	if err != nil {
		return fmt.Errorf("%w: marshal choices: %v", models.ErrInvariantViolation, err)
	}

	_, err = r.db.Exec(ctx, createNodeQuery,
		node.ID, node.StoryID, node.ParentNodeID, node.ParentChoiceID, node.Content,
		node.IsRoot, node.IsEnding, node.IsWinningEnding, choicesJSON, node.CreatedAt,
	)
	if err != nil {
		logFields := []zap.Field{zap.Stringer("nodeID", node.ID), zap.Stringer("storyID", node.StoryID), zap.Error(err)}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == rootIndexName:
				r.logger.Error("Second root node rejected", logFields...)
				return fmt.Errorf("%w: story %s already has a root node", models.ErrInvariantViolation, node.StoryID)
			case pgErr.Code == pgForeignKeyViolation:
				r.logger.Warn("Node references missing story or parent", logFields...)
				return fmt.Errorf("story %s: %w", node.StoryID, models.ErrNotFound)
			}
		}
		r.logger.Error("Failed to create node", logFields...)
		return storageErr("create node", err)
	}
	r.logger.Debug("Story node created", zap.Stringer("nodeID", node.ID), zap.Stringer("storyID", node.StoryID))
	return nil
}

func (r *pgStoryRepository) GetNode(ctx context.Context, id uuid.UUID) (*models.StoryNode, error) {
	var node models.StoryNode
	if err := pgxscan.Get(ctx, r.db, &node, getNodeQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("node %s: %w", id, models.ErrNotFound)
		}
		r.logger.Error("Failed to get node", zap.Stringer("nodeID", id), zap.Error(err))
		return nil, storageErr("get node", err)
	}
	return &node, nil
}

func (r *pgStoryRepository) ListNodesByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryNode, error) {
	nodes := make([]*models.StoryNode, 0)
	if err := pgxscan.Select(ctx, r.db, &nodes, listNodesByStoryQuery, storyID); err != nil {
		r.logger.Error("Failed to list nodes", zap.Stringer("storyID", storyID), zap.Error(err))
		return nil, storageErr("list nodes", err)
	}
	return nodes, nil
}

func (r *pgStoryRepository) UpdateNodeChoiceTarget(ctx context.Context, nodeID uuid.UUID, choiceID string, target uuid.UUID) (uuid.UUID, error) {
	logFields := []zap.Field{zap.Stringer("nodeID", nodeID), zap.String("choiceID", choiceID), zap.Stringer("target", target)}

	tag, err := r.db.Exec(ctx, linkChoiceQuery, nodeID, choiceID, target.String())
	if err != nil {
		r.logger.Error("Failed to link choice", append(logFields, zap.Error(err))...)
		return uuid.Nil, storageErr("link choice", err)
	}
	if tag.RowsAffected() == 1 {
		r.logger.Debug("Choice linked", logFields...)
		return target, nil
	}

	// Ничего не обновлено: узла нет, выбора нет или выбор уже связан.
	node, err := r.GetNode(ctx, nodeID)
	if err != nil {
		return uuid.Nil, err
	}
	return linkedTarget(node, choiceID)
}

func (r *pgStoryRepository) SaveSummary(ctx context.Context, summary *models.StorySummary) (*models.StorySummary, error) {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	lessons := summary.KeyLessons
	if lessons == nil {
		lessons = []string{}
	}
	lessonsJSON, err := json.Marshal(lessons)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal key lessons: %v", models.ErrInvariantViolation, err)
	}

	_, err = r.db.Exec(ctx, saveSummaryQuery,
		summary.StoryID, summary.Outcome, summary.Summary, lessonsJSON, summary.Encouragement, summary.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, fmt.Errorf("story %s: %w", summary.StoryID, models.ErrNotFound)
		}
		r.logger.Error("Failed to save summary", zap.Stringer("storyID", summary.StoryID), zap.Error(err))
		return nil, storageErr("save summary", err)
	}
	return r.GetSummary(ctx, summary.StoryID)
}

func (r *pgStoryRepository) GetSummary(ctx context.Context, storyID uuid.UUID) (*models.StorySummary, error) {
	var summary models.StorySummary
	if err := pgxscan.Get(ctx, r.db, &summary, getSummaryQuery, storyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("summary of story %s: %w", storyID, models.ErrNotFound)
		}
		r.logger.Error("Failed to get summary", zap.Stringer("storyID", storyID), zap.Error(err))
		return nil, storageErr("get summary", err)
	}
	return &summary, nil
}

// linkedTarget разбирает результат неудачного CAS по свежему состоянию узла.
func linkedTarget(node *models.StoryNode, choiceID string) (uuid.UUID, error) {
	choice := node.FindChoice(choiceID)
	if choice == nil {
		return uuid.Nil, fmt.Errorf("choice %q on node %s: %w", choiceID, node.ID, models.ErrChoiceNotFound)
	}
	if choice.IsPending() {
		return uuid.Nil, fmt.Errorf("%w: choice %q on node %s stayed pending after link", models.ErrStorage, choiceID, node.ID)
	}
	existing, err := choice.TargetID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: choice %q on node %s has malformed target %q", models.ErrInvariantViolation, choiceID, node.ID, choice.NextNodeID)
	}
	return existing, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStorage, op, err)
}
