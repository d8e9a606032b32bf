package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"story-graph-server/internal/ai"
	"story-graph-server/internal/database"
	"story-graph-server/internal/generator"
	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/mocks"
	"story-graph-server/internal/models"
	"story-graph-server/internal/retry"
	"story-graph-server/internal/schemas"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	isStartPrompt = mock.MatchedBy(func(req ai.Request) bool { return strings.HasPrefix(req.UserPrompt, "Begin a new story") })
	isNextPrompt  = mock.MatchedBy(func(req ai.Request) bool { return strings.HasPrefix(req.UserPrompt, "Continue the story") })
)

const sceneText = "The compost heap steams in the cold morning air while the beds wait for spring planting."

type engineFixture struct {
	repo   *database.MemoryStoryRepository
	client *mocks.MockAIClient
	gen    *generator.NodeGenerator
	engine StoryEngine
	userID uuid.UUID
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	repo := database.NewMemoryStoryRepository()
	client := mocks.NewMockAIClient(t)
	gen := newTestNodeGenerator(t, client)
	return &engineFixture{
		repo:   repo,
		client: client,
		gen:    gen,
		engine: newTestEngine(repo, gen),
		userID: uuid.New(),
	}
}

func newTestNodeGenerator(t *testing.T, client ai.Client) *generator.NodeGenerator {
	t.Helper()
	prompts, err := generator.DefaultPrompts()
	require.NoError(t, err)
	return generator.New(client, schemas.NewValidator(), prompts, generator.Config{
		MaxAttempts:    2,
		BaseRetryDelay: time.Millisecond,
		AttemptTimeout: 5 * time.Second,
		Temperature:    0.7,
		MaxTokens:      800,
		MaxConcurrency: 4,
	}, zap.NewNop())
}

func newTestEngine(repo interfaces.StoryRepository, gen NodeGenerator) StoryEngine {
	return NewStoryEngine(repo, gen, nil, Config{
		StorageTimeout:         time.Second,
		StorageRetry:           retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		LinkMaxAttempts:        3,
		MaterializationTimeout: 10 * time.Second,
		HistoryDepth:           3,
		LockPollInterval:       10 * time.Millisecond,
	}, zap.NewNop())
}

func sceneJSON(t *testing.T, content string, ending, winning bool, choices int) *ai.Response {
	t.Helper()
	d := models.NodeDraft{Content: content, IsEnding: ending, IsWinningEnding: winning, Choices: []models.DraftChoice{}}
	for i := 0; i < choices; i++ {
		d.Choices = append(d.Choices, models.DraftChoice{
			ID:        string(rune('a' + i)),
			Text:      fmt.Sprintf("Try farming practice number %d", i+1),
			IsCorrect: i == 0,
		})
	}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	return &ai.Response{Text: string(b)}
}

func (f *engineFixture) start(t *testing.T) *StartStoryResult {
	t.Helper()
	f.client.On("Generate", mock.Anything, isStartPrompt).Return(sceneJSON(t, sceneText, false, false, 3), nil).Once()
	res, err := f.engine.StartStory(context.Background(), f.userID, "vegetables", models.DifficultyEasy)
	require.NoError(t, err)
	return res
}

func (f *engineFixture) resolve(rootID, storyID uuid.UUID, choiceID string) (*ResolveChoiceResult, error) {
	return f.engine.ResolveChoice(context.Background(), ResolveChoiceInput{
		UserID:        f.userID,
		StoryID:       storyID,
		CurrentNodeID: rootID,
		ChoiceID:      choiceID,
	})
}

func TestStartStory_CreatesActiveStoryWithPendingRoot(t *testing.T) {
	f := newEngineFixture(t)
	res := f.start(t)

	assert.Equal(t, models.StatusActive, res.Story.Status)
	assert.Equal(t, f.userID, res.Story.UserID)
	assert.Equal(t, "vegetables", res.Story.Topic)
	assert.Equal(t, models.DifficultyEasy, res.Story.Difficulty)
	require.NotNil(t, res.Story.CurrentNodeID)
	assert.Equal(t, res.RootNode.ID, *res.Story.CurrentNodeID)

	assert.True(t, res.RootNode.IsRoot)
	assert.False(t, res.RootNode.IsEnding)
	assert.GreaterOrEqual(t, len(res.RootNode.Choices), 2)
	assert.LessOrEqual(t, len(res.RootNode.Choices), 4)
	for _, c := range res.RootNode.Choices {
		assert.Equal(t, models.ChoicePending, c.NextNodeID)
	}

	stored, err := f.repo.GetNode(context.Background(), res.RootNode.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Story.ID, stored.StoryID)
}

func TestStartStory_InvalidInput(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.StartStory(ctx, f.userID, "   ", models.DifficultyEasy)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.engine.StartStory(ctx, f.userID, strings.Repeat("я", models.MaxTopicLength+1), models.DifficultyEasy)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.engine.StartStory(ctx, f.userID, "fruits", models.Difficulty("extreme"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	f.client.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestStartStory_GenerationFailureLeavesNoStory(t *testing.T) {
	f := newEngineFixture(t)
	f.client.On("Generate", mock.Anything, isStartPrompt).
		Return(nil, fmt.Errorf("%w: provider down", models.ErrGenerationFailed))

	_, err := f.engine.StartStory(context.Background(), f.userID, "vegetables", models.DifficultyEasy)
	require.ErrorIs(t, err, models.ErrGenerationFailed)

	stories, err := f.repo.ListStoriesByUser(context.Background(), f.userID, nil)
	require.NoError(t, err)
	assert.Empty(t, stories)
}

func TestStartStory_RootPersistFailureMarksStoryFailed(t *testing.T) {
	f := newEngineFixture(t)
	failing := &faultyRepo{StoryRepository: f.repo, createNodeErr: fmt.Errorf("%w: connection refused", models.ErrStorage)}
	f.engine = newTestEngine(failing, f.gen)
	f.client.On("Generate", mock.Anything, isStartPrompt).Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	_, err := f.engine.StartStory(context.Background(), f.userID, "vegetables", models.DifficultyEasy)
	require.ErrorIs(t, err, models.ErrStorage)
	assert.Equal(t, 3, failing.createNodeCalls(), "root creation is retried")

	stories, err := f.repo.ListStoriesByUser(context.Background(), f.userID, nil)
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, models.StatusFailed, stories[0].Status)
	assert.Nil(t, stories[0].CurrentNodeID)
}

// Первый выбор генерирует узел, повтор того же выбора его переиспользует.
func TestResolveChoice_MaterializesOnceAndReuses(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	storyID, rootID := started.Story.ID, started.RootNode.ID

	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	first, err := f.resolve(rootID, storyID, "a")
	require.NoError(t, err)
	assert.False(t, first.Node.IsRoot)
	assert.False(t, first.StoryComplete)
	require.NotNil(t, first.Node.ParentNodeID)
	assert.Equal(t, rootID, *first.Node.ParentNodeID)

	root, err := f.repo.GetNode(context.Background(), rootID)
	require.NoError(t, err)
	assert.Equal(t, first.Node.ID.String(), root.FindChoice("a").NextNodeID)
	assert.Equal(t, models.ChoicePending, root.FindChoice("b").NextNodeID)

	story, err := f.repo.GetStory(context.Background(), storyID)
	require.NoError(t, err)
	assert.Equal(t, first.Node.ID, *story.CurrentNodeID)

	second, err := f.resolve(rootID, storyID, "a")
	require.NoError(t, err)
	assert.Equal(t, first.Node.ID, second.Node.ID)

	f.client.AssertNumberOfCalls(t, "Generate", 2) // start + one materialization
	nodes, err := f.repo.ListNodesByStory(context.Background(), storyID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestResolveChoice_PassesStoredChoiceAndHistory(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)

	var captured ai.Request
	f.client.On("Generate", mock.Anything, isNextPrompt).
		Run(func(args mock.Arguments) { captured = args.Get(1).(ai.Request) }).
		Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	_, err := f.engine.ResolveChoice(context.Background(), ResolveChoiceInput{
		UserID:        f.userID,
		StoryID:       started.Story.ID,
		CurrentNodeID: started.RootNode.ID,
		ChoiceID:      "b",
		ChoiceText:    "text edited by the client",
	})
	require.NoError(t, err)

	assert.Contains(t, captured.UserPrompt, `The player chose: "Try farming practice number 2"`)
	assert.Contains(t, captured.UserPrompt, "a poor practice")
	assert.Contains(t, captured.UserPrompt, "Scene 1: "+sceneText)
	assert.NotContains(t, captured.UserPrompt, "text edited by the client")
}

func TestResolveChoice_InvalidContentKeepsPointer(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)

	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, "0123456789", false, false, 2), nil)

	_, err := f.resolve(started.RootNode.ID, started.Story.ID, "a")
	require.ErrorIs(t, err, models.ErrInvalidContent)

	story, err := f.repo.GetStory(context.Background(), started.Story.ID)
	require.NoError(t, err)
	assert.Equal(t, started.RootNode.ID, *story.CurrentNodeID)
	assert.Equal(t, models.StatusActive, story.Status)

	root, err := f.repo.GetNode(context.Background(), started.RootNode.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChoicePending, root.FindChoice("a").NextNodeID)
}

func TestResolveChoice_WinningEndingCompletesStory(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)

	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, sceneText, true, true, 0), nil).Once()

	res, err := f.resolve(started.RootNode.ID, started.Story.ID, "a")
	require.NoError(t, err)
	assert.True(t, res.StoryComplete)
	assert.True(t, res.IsWinning)
	assert.Equal(t, models.StatusCompleted, res.Story.Status)
	assert.True(t, res.Story.IsWon)

	progress, err := f.engine.GetProgress(context.Background(), f.userID, started.Story.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, progress.Status)
	assert.True(t, progress.IsWon)
	assert.Equal(t, res.Node.ID, *progress.CurrentNodeID)

	// повтор того же выбора у завершенной истории возвращает ту же концовку
	again, err := f.resolve(started.RootNode.ID, started.Story.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, res.Node.ID, again.Node.ID)

	// новые ветки у завершенной истории не генерируются
	_, err = f.resolve(started.RootNode.ID, started.Story.ID, "b")
	assert.ErrorIs(t, err, models.ErrStoryNotActive)
	f.client.AssertNumberOfCalls(t, "Generate", 2)
}

func TestResolveChoice_LosingEnding(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, sceneText, true, false, 0), nil).Once()

	res, err := f.resolve(started.RootNode.ID, started.Story.ID, "c")
	require.NoError(t, err)
	assert.True(t, res.StoryComplete)
	assert.False(t, res.IsWinning)
	assert.Equal(t, models.StatusCompleted, res.Story.Status)
	assert.False(t, res.Story.IsWon)
}

func TestResolveChoice_LookupErrors(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	other := f.start(t)

	_, err := f.resolve(started.RootNode.ID, uuid.New(), "a")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.resolve(uuid.New(), started.Story.ID, "a")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.resolve(other.RootNode.ID, started.Story.ID, "a")
	assert.ErrorIs(t, err, models.ErrNotFound, "node of another story")

	_, err = f.resolve(started.RootNode.ID, started.Story.ID, "zzz")
	assert.ErrorIs(t, err, models.ErrChoiceNotFound)

	_, err = f.engine.ResolveChoice(context.Background(), ResolveChoiceInput{
		UserID:        uuid.New(),
		StoryID:       started.Story.ID,
		CurrentNodeID: started.RootNode.ID,
		ChoiceID:      "a",
	})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = f.resolve(started.RootNode.ID, started.Story.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestResolveChoice_DanglingTargetIsInvariantViolation(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	ctx := context.Background()

	_, err := f.repo.UpdateNodeChoiceTarget(ctx, started.RootNode.ID, "a", uuid.New())
	require.NoError(t, err)

	_, err = f.resolve(started.RootNode.ID, started.Story.ID, "a")
	require.ErrorIs(t, err, models.ErrInvariantViolation)
	assert.NotErrorIs(t, err, models.ErrNotFound)

	story, err := f.repo.GetStory(ctx, started.Story.ID)
	require.NoError(t, err)
	assert.Equal(t, started.RootNode.ID, *story.CurrentNodeID)
}

func TestResolveChoice_LinkRetriedOnStorageError(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	flaky := &faultyRepo{StoryRepository: f.repo, linkFailures: 2, linkErr: fmt.Errorf("%w: timeout", models.ErrStorage)}
	f.engine = newTestEngine(flaky, f.gen)
	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	res, err := f.resolve(started.RootNode.ID, started.Story.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.linkCalls())

	root, err := f.repo.GetNode(context.Background(), started.RootNode.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Node.ID.String(), root.FindChoice("a").NextNodeID)
}

func TestResolveChoice_LinkFailureSurfacesAndKeepsPointer(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	broken := &faultyRepo{StoryRepository: f.repo, linkFailures: 100, linkErr: fmt.Errorf("%w: timeout", models.ErrStorage)}
	f.engine = newTestEngine(broken, f.gen)
	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	_, err := f.resolve(started.RootNode.ID, started.Story.ID, "a")
	require.ErrorIs(t, err, models.ErrStorage)
	assert.Equal(t, 3, broken.linkCalls())

	ctx := context.Background()
	story, err := f.repo.GetStory(ctx, started.Story.ID)
	require.NoError(t, err)
	assert.Equal(t, started.RootNode.ID, *story.CurrentNodeID)

	nodes, err := f.repo.ListNodesByStory(ctx, started.Story.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2, "generated node stays as an orphan")
	root, err := f.repo.GetNode(ctx, started.RootNode.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChoicePending, root.FindChoice("a").NextNodeID)
}

// Two instances race on the same pending choice.
func TestResolveChoice_ConcurrentInstancesLinkOneNode(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	engineA := newTestEngine(f.repo, f.gen)
	engineB := newTestEngine(f.repo, f.gen)

	// оба экземпляра должны дойти до генерации, прежде чем кто-то свяжет выбор
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.client.On("Generate", mock.Anything, isNextPrompt).
		Run(func(mock.Arguments) {
			barrier.Done()
			barrier.Wait()
		}).
		Return(sceneJSON(t, sceneText, false, false, 2), nil).
		Twice()

	in := ResolveChoiceInput{UserID: f.userID, StoryID: started.Story.ID, CurrentNodeID: started.RootNode.ID, ChoiceID: "a"}
	results := make([]*ResolveChoiceResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, e := range []StoryEngine{engineA, engineB} {
		wg.Add(1)
		go func(i int, e StoryEngine) {
			defer wg.Done()
			results[i], errs[i] = e.ResolveChoice(context.Background(), in)
		}(i, e)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Node.ID, results[1].Node.ID)

	ctx := context.Background()
	root, err := f.repo.GetNode(ctx, started.RootNode.ID)
	require.NoError(t, err)
	assert.Equal(t, results[0].Node.ID.String(), root.FindChoice("a").NextNodeID)

	nodes, err := f.repo.ListNodesByStory(ctx, started.Story.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3, "root, linked node and one orphan")

	story, err := f.repo.GetStory(ctx, started.Story.ID)
	require.NoError(t, err)
	assert.Equal(t, results[0].Node.ID, *story.CurrentNodeID)
}

func TestResolveChoice_SameInstanceDeduplicates(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)

	release := make(chan struct{})
	f.client.On("Generate", mock.Anything, isNextPrompt).
		Run(func(mock.Arguments) { <-release }).
		Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	in := ResolveChoiceInput{UserID: f.userID, StoryID: started.Story.ID, CurrentNodeID: started.RootNode.ID, ChoiceID: "b"}
	results := make([]*ResolveChoiceResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.ResolveChoice(context.Background(), in)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Node.ID, results[1].Node.ID)
	f.client.AssertNumberOfCalls(t, "Generate", 2)
}

func TestResolveChoice_CallerCancellationDoesNotAbortMaterialization(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)

	release := make(chan struct{})
	f.client.On("Generate", mock.Anything, isNextPrompt).
		Run(func(mock.Arguments) { <-release }).
		Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.ResolveChoice(ctx, ResolveChoiceInput{
			UserID: f.userID, StoryID: started.Story.ID, CurrentNodeID: started.RootNode.ID, ChoiceID: "a",
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		root, err := f.repo.GetNode(context.Background(), started.RootNode.ID)
		return err == nil && !root.FindChoice("a").IsPending()
	}, 5*time.Second, 10*time.Millisecond)

	res, err := f.resolve(started.RootNode.ID, started.Story.ID, "a")
	require.NoError(t, err)
	root, err := f.repo.GetNode(context.Background(), started.RootNode.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Node.ID.String(), root.FindChoice("a").NextNodeID)
	f.client.AssertNumberOfCalls(t, "Generate", 2)
}

func TestStoryQueries_OwnerOnly(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	ctx := context.Background()
	stranger := uuid.New()

	_, err := f.engine.GetStory(ctx, stranger, started.Story.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.engine.ListStoryNodes(ctx, stranger, started.Story.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.engine.GetProgress(ctx, stranger, started.Story.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.engine.GetNode(ctx, stranger, started.Story.ID, started.RootNode.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	story, err := f.engine.GetStory(ctx, f.userID, started.Story.ID)
	require.NoError(t, err)
	assert.Equal(t, started.Story.ID, story.ID)

	node, err := f.engine.GetNode(ctx, f.userID, started.Story.ID, started.RootNode.ID)
	require.NoError(t, err)
	assert.True(t, node.IsRoot)

	stories, err := f.engine.ListStories(ctx, f.userID, nil)
	require.NoError(t, err)
	assert.Len(t, stories, 1)

	bogus := models.StoryStatus("paused")
	_, err = f.engine.ListStories(ctx, f.userID, &bogus)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

// faultyRepo injects storage failures into selected repository calls.
type faultyRepo struct {
	interfaces.StoryRepository

	mu            sync.Mutex
	createNodeErr error
	createNodeN   int
	linkErr       error
	linkFailures  int
	linkN         int
}

func (r *faultyRepo) CreateNode(ctx context.Context, node *models.StoryNode) error {
	r.mu.Lock()
	r.createNodeN++
	err := r.createNodeErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.StoryRepository.CreateNode(ctx, node)
}

func (r *faultyRepo) UpdateNodeChoiceTarget(ctx context.Context, nodeID uuid.UUID, choiceID string, target uuid.UUID) (uuid.UUID, error) {
	r.mu.Lock()
	r.linkN++
	fail := r.linkN <= r.linkFailures
	r.mu.Unlock()
	if fail {
		return uuid.Nil, r.linkErr
	}
	return r.StoryRepository.UpdateNodeChoiceTarget(ctx, nodeID, choiceID, target)
}

func (r *faultyRepo) createNodeCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createNodeN
}

func (r *faultyRepo) linkCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkN
}
