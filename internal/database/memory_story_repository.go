package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
)

var _ interfaces.StoryRepository = (*MemoryStoryRepository)(nil)

// MemoryStoryRepository хранит граф историй в памяти процесса.
// Используется драйвером STORAGE_DRIVER=memory, CLI и тестами.
type MemoryStoryRepository struct {
	mu        sync.RWMutex
	stories   map[uuid.UUID]*models.Story
	nodes     map[uuid.UUID]*models.StoryNode
	roots     map[uuid.UUID]uuid.UUID // storyID -> root nodeID
	summaries map[uuid.UUID]*models.StorySummary
}

// NewMemoryStoryRepository создает пустое хранилище.
func NewMemoryStoryRepository() *MemoryStoryRepository {
	return &MemoryStoryRepository{
		stories:   make(map[uuid.UUID]*models.Story),
		nodes:     make(map[uuid.UUID]*models.StoryNode),
		roots:     make(map[uuid.UUID]uuid.UUID),
		summaries: make(map[uuid.UUID]*models.StorySummary),
	}
}

func (r *MemoryStoryRepository) CreateStory(ctx context.Context, story *models.Story) error {
	if err := ctx.Err(); err != nil {
		return storageErr("create story", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if story.ID == uuid.Nil {
		story.ID = uuid.New()
	}
	if _, exists := r.stories[story.ID]; exists {
		return nil
	}
	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	if story.UpdatedAt.IsZero() {
		story.UpdatedAt = story.CreatedAt
	}
	stored := *story
	r.stories[story.ID] = &stored
	return nil
}

func (r *MemoryStoryRepository) GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get story", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stories[id]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", id, models.ErrNotFound)
	}
	return copyStory(s), nil
}

func (r *MemoryStoryRepository) UpdateStory(ctx context.Context, id uuid.UUID, patch models.StoryPatch) (*models.Story, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("update story", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stories[id]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", id, models.ErrNotFound)
	}
	if !patch.IsEmpty() {
		patch.Apply(s)
		s.UpdatedAt = time.Now().UTC()
	}
	return copyStory(s), nil
}

func (r *MemoryStoryRepository) ListStoriesByUser(ctx context.Context, userID uuid.UUID, status *models.StoryStatus) ([]*models.Story, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list stories", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Story, 0)
	for _, s := range r.stories {
		if s.UserID != userID {
			continue
		}
		if status != nil && s.Status != *status {
			continue
		}
		result = append(result, copyStory(s))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryStoryRepository) CreateNode(ctx context.Context, node *models.StoryNode) error {
	if err := ctx.Err(); err != nil {
		return storageErr("create node", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	if _, exists := r.nodes[node.ID]; exists {
		return nil
	}
	if _, ok := r.stories[node.StoryID]; !ok {
		return fmt.Errorf("story %s: %w", node.StoryID, models.ErrNotFound)
	}
	if node.IsRoot {
		if rootID, ok := r.roots[node.StoryID]; ok && rootID != node.ID {
			return fmt.Errorf("%w: story %s already has a root node", models.ErrInvariantViolation, node.StoryID)
		}
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	if node.Choices == nil {
		node.Choices = []models.Choice{}
	}
	r.nodes[node.ID] = node.Clone()
	if node.IsRoot {
		r.roots[node.StoryID] = node.ID
	}
	return nil
}

func (r *MemoryStoryRepository) GetNode(ctx context.Context, id uuid.UUID) (*models.StoryNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get node", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}
	return n.Clone(), nil
}

func (r *MemoryStoryRepository) ListNodesByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list nodes", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.StoryNode, 0)
	for _, n := range r.nodes {
		if n.StoryID == storyID {
			result = append(result, n.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryStoryRepository) UpdateNodeChoiceTarget(ctx context.Context, nodeID uuid.UUID, choiceID string, target uuid.UUID) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, storageErr("link choice", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return uuid.Nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}
	choice := n.FindChoice(choiceID)
	if choice == nil {
		return uuid.Nil, fmt.Errorf("choice %q on node %s: %w", choiceID, nodeID, models.ErrChoiceNotFound)
	}
	if choice.IsPending() {
		choice.NextNodeID = target.String()
		return target, nil
	}
	return linkedTarget(n, choiceID)
}

func (r *MemoryStoryRepository) SaveSummary(ctx context.Context, summary *models.StorySummary) (*models.StorySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("save summary", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stories[summary.StoryID]; !ok {
		return nil, fmt.Errorf("story %s: %w", summary.StoryID, models.ErrNotFound)
	}
	if existing, ok := r.summaries[summary.StoryID]; ok {
		return copySummary(existing), nil
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	r.summaries[summary.StoryID] = copySummary(summary)
	return copySummary(summary), nil
}

func (r *MemoryStoryRepository) GetSummary(ctx context.Context, storyID uuid.UUID) (*models.StorySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get summary", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.summaries[storyID]
	if !ok {
		return nil, fmt.Errorf("summary of story %s: %w", storyID, models.ErrNotFound)
	}
	return copySummary(s), nil
}

func copySummary(s *models.StorySummary) *models.StorySummary {
	c := *s
	c.KeyLessons = make([]string, len(s.KeyLessons))
	copy(c.KeyLessons, s.KeyLessons)
	return &c
}

func copyStory(s *models.Story) *models.Story {
	c := *s
	if s.CurrentNodeID != nil {
		id := *s.CurrentNodeID
		c.CurrentNodeID = &id
	}
	return &c
}
