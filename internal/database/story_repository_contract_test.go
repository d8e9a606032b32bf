package database_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoryRepositoryContract проверяет поведение, общее для всех реализаций StoryRepository.
func runStoryRepositoryContract(t *testing.T, newRepo func(t *testing.T) interfaces.StoryRepository) {
	t.Run("CreateStoryIsIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())

		require.NoError(t, repo.CreateStory(ctx, story))
		again := *story
		again.Topic = "changed"
		require.NoError(t, repo.CreateStory(ctx, &again))

		got, err := repo.GetStory(ctx, story.ID)
		require.NoError(t, err)
		assert.Equal(t, "vegetables", got.Topic)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Nil(t, got.CurrentNodeID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetStory(context.Background(), uuid.New())
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = repo.GetNode(context.Background(), uuid.New())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("UpdateStoryPatch", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())
		require.NoError(t, repo.CreateStory(ctx, story))
		root := newNode(story.ID, true)
		require.NoError(t, repo.CreateNode(ctx, root))

		updated, err := repo.UpdateStory(ctx, story.ID, models.StoryPatch{CurrentNodeID: &root.ID})
		require.NoError(t, err)
		require.NotNil(t, updated.CurrentNodeID)
		assert.Equal(t, root.ID, *updated.CurrentNodeID)
		assert.Equal(t, models.StatusActive, updated.Status)

		completed := models.StatusCompleted
		won := true
		updated, err = repo.UpdateStory(ctx, story.ID, models.StoryPatch{Status: &completed, IsWon: &won})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, updated.Status)
		assert.True(t, updated.IsWon)
		require.NotNil(t, updated.CurrentNodeID)
		assert.Equal(t, root.ID, *updated.CurrentNodeID)

		_, err = repo.UpdateStory(ctx, uuid.New(), models.StoryPatch{Status: &completed})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("ListStoriesByUser", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		userID := uuid.New()
		first := newStory(userID)
		first.CreatedAt = time.Now().UTC().Add(-time.Minute)
		second := newStory(userID)
		second.Status = models.StatusFailed
		require.NoError(t, repo.CreateStory(ctx, first))
		require.NoError(t, repo.CreateStory(ctx, second))
		require.NoError(t, repo.CreateStory(ctx, newStory(uuid.New())))

		all, err := repo.ListStoriesByUser(ctx, userID, nil)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, second.ID, all[0].ID)

		failed := models.StatusFailed
		onlyFailed, err := repo.ListStoriesByUser(ctx, userID, &failed)
		require.NoError(t, err)
		require.Len(t, onlyFailed, 1)
		assert.Equal(t, second.ID, onlyFailed[0].ID)
	})

	t.Run("SingleRootPerStory", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())
		require.NoError(t, repo.CreateStory(ctx, story))
		root := newNode(story.ID, true)
		require.NoError(t, repo.CreateNode(ctx, root))
		// повтор с тем же ID допустим
		require.NoError(t, repo.CreateNode(ctx, root.Clone()))

		err := repo.CreateNode(ctx, newNode(story.ID, true))
		assert.ErrorIs(t, err, models.ErrInvariantViolation)
	})

	t.Run("NodeRoundTripKeepsChoices", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())
		require.NoError(t, repo.CreateStory(ctx, story))
		root := newNode(story.ID, true)
		require.NoError(t, repo.CreateNode(ctx, root))

		child := newNode(story.ID, false)
		child.CreatedAt = root.CreatedAt.Add(time.Millisecond)
		child.ParentNodeID = &root.ID
		choiceID := "a"
		child.ParentChoiceID = &choiceID
		require.NoError(t, repo.CreateNode(ctx, child))

		got, err := repo.GetNode(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, story.ID, got.StoryID)
		require.NotNil(t, got.ParentNodeID)
		assert.Equal(t, root.ID, *got.ParentNodeID)
		require.NotNil(t, got.ParentChoiceID)
		assert.Equal(t, "a", *got.ParentChoiceID)
		assert.Equal(t, child.Choices, got.Choices)

		nodes, err := repo.ListNodesByStory(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, root.ID, nodes[0].ID)
	})

	t.Run("LinkChoiceOnlyOnce", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())
		require.NoError(t, repo.CreateStory(ctx, story))
		root := newNode(story.ID, true)
		require.NoError(t, repo.CreateNode(ctx, root))

		first, second := uuid.New(), uuid.New()
		linked, err := repo.UpdateNodeChoiceTarget(ctx, root.ID, "a", first)
		require.NoError(t, err)
		assert.Equal(t, first, linked)

		linked, err = repo.UpdateNodeChoiceTarget(ctx, root.ID, "a", second)
		require.NoError(t, err)
		assert.Equal(t, first, linked, "второй писатель получает уже записанную цель")

		got, err := repo.GetNode(ctx, root.ID)
		require.NoError(t, err)
		assert.Equal(t, first.String(), got.FindChoice("a").NextNodeID)
		assert.Equal(t, models.ChoicePending, got.FindChoice("b").NextNodeID, "остальные выборы не трогаем")
		assert.Equal(t, "Spread compost over the beds", got.FindChoice("a").Text)
	})

	t.Run("LinkChoiceErrors", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())
		require.NoError(t, repo.CreateStory(ctx, story))
		root := newNode(story.ID, true)
		require.NoError(t, repo.CreateNode(ctx, root))

		_, err := repo.UpdateNodeChoiceTarget(ctx, uuid.New(), "a", uuid.New())
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = repo.UpdateNodeChoiceTarget(ctx, root.ID, "zzz", uuid.New())
		assert.ErrorIs(t, err, models.ErrChoiceNotFound)
	})

	t.Run("ConcurrentLinkHasOneWinner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())
		require.NoError(t, repo.CreateStory(ctx, story))
		root := newNode(story.ID, true)
		require.NoError(t, repo.CreateNode(ctx, root))

		const writers = 8
		results := make([]uuid.UUID, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				linked, err := repo.UpdateNodeChoiceTarget(ctx, root.ID, "b", uuid.New())
				assert.NoError(t, err)
				results[i] = linked
			}(i)
		}
		wg.Wait()

		for _, r := range results {
			assert.Equal(t, results[0], r)
		}
		got, err := repo.GetNode(ctx, root.ID)
		require.NoError(t, err)
		assert.Equal(t, results[0].String(), got.FindChoice("b").NextNodeID)
	})

	t.Run("SummaryFirstWriteWins", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		story := newStory(uuid.New())
		require.NoError(t, repo.CreateStory(ctx, story))

		_, err := repo.GetSummary(ctx, story.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		first := &models.StorySummary{
			StoryID:       story.ID,
			Outcome:       models.OutcomeWon,
			Summary:       "You built living soil with compost and cover crops.",
			KeyLessons:    []string{"Compost feeds the soil", "Cover crops stop erosion"},
			Encouragement: "Well done, farmer!",
		}
		saved, err := repo.SaveSummary(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, first.KeyLessons, saved.KeyLessons)

		second := *first
		second.Summary = "A different recap"
		second.KeyLessons = []string{"Something else"}
		saved, err = repo.SaveSummary(ctx, &second)
		require.NoError(t, err)
		assert.Equal(t, first.Summary, saved.Summary, "the earlier summary is kept")

		got, err := repo.GetSummary(ctx, story.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeWon, got.Outcome)
		assert.Equal(t, []string{"Compost feeds the soil", "Cover crops stop erosion"}, got.KeyLessons)
		assert.Equal(t, "Well done, farmer!", got.Encouragement)
	})

	t.Run("SummaryForMissingStory", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.SaveSummary(context.Background(), &models.StorySummary{
			StoryID: uuid.New(), Outcome: models.OutcomeLost, Summary: "x", Encouragement: "y",
		})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func newStory(userID uuid.UUID) *models.Story {
	return &models.Story{
		ID:         uuid.New(),
		UserID:     userID,
		Topic:      "vegetables",
		Difficulty: models.DifficultyEasy,
		Status:     models.StatusActive,
	}
}

func newNode(storyID uuid.UUID, root bool) *models.StoryNode {
	return &models.StoryNode{
		ID:      uuid.New(),
		StoryID: storyID,
		Content: "Your tomato seedlings are ready to move outside, but the soil looks tired after winter.",
		IsRoot:  root,
		Choices: []models.Choice{
			{ID: "a", Text: "Spread compost over the beds", IsCorrect: true, NextNodeID: models.ChoicePending},
			{ID: "b", Text: "Add a bag of synthetic fertilizer", IsCorrect: false, NextNodeID: models.ChoicePending},
		},
	}
}
