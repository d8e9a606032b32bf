package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"story-graph-server/internal/generator"
	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"
	"story-graph-server/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// heldLocker ведет себя так, будто блокировку держит другой инстанс, который не отвечает.
type heldLocker struct {
	calls atomic.Int32
}

func (l *heldLocker) TryLock(context.Context, string, time.Duration) (interfaces.Lock, bool, error) {
	l.calls.Add(1)
	return nil, false, nil
}

// stallingGenerator зависает на GenerateNext до отмены контекста.
type stallingGenerator struct {
	NodeGenerator
}

func (g stallingGenerator) GenerateNext(ctx context.Context, _ generator.NextParams) (*models.StoryNode, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newLockedEngine(repo interfaces.StoryRepository, gen NodeGenerator, locker interfaces.Locker, materialization, wait time.Duration) StoryEngine {
	return NewStoryEngine(repo, gen, locker, Config{
		StorageTimeout:         time.Second,
		StorageRetry:           retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		LinkMaxAttempts:        3,
		MaterializationTimeout: materialization,
		HistoryDepth:           3,
		LockPollInterval:       10 * time.Millisecond,
		LockWaitTimeout:        wait,
	}, zap.NewNop())
}

func TestResolveChoice_UnresponsiveLockHolderFallsBackToLocalGeneration(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	locker := &heldLocker{}
	// ожидание по умолчанию (90s) урезается до половины таймаута материализации
	engine := newLockedEngine(f.repo, f.gen, locker, 300*time.Millisecond, 0)

	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	res, err := engine.ResolveChoice(context.Background(), ResolveChoiceInput{
		UserID: f.userID, StoryID: started.Story.ID, CurrentNodeID: started.RootNode.ID, ChoiceID: "a",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int32(1), locker.calls.Load())
	f.client.AssertNumberOfCalls(t, "Generate", 2)

	root, err := f.repo.GetNode(context.Background(), started.RootNode.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Node.ID.String(), root.FindChoice("a").NextNodeID)
}

func TestResolveChoice_WaitsForLockHolderLink(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	waiting := newLockedEngine(f.repo, f.gen, &heldLocker{}, 10*time.Second, 5*time.Second)

	f.client.On("Generate", mock.Anything, isNextPrompt).Return(sceneJSON(t, sceneText, false, false, 2), nil).Once()

	type outcome struct {
		res *ResolveChoiceResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := waiting.ResolveChoice(context.Background(), ResolveChoiceInput{
			UserID: f.userID, StoryID: started.Story.ID, CurrentNodeID: started.RootNode.ID, ChoiceID: "b",
		})
		done <- outcome{res, err}
	}()

	time.Sleep(30 * time.Millisecond)
	holder, err := f.resolve(started.RootNode.ID, started.Story.ID, "b")
	require.NoError(t, err)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, holder.Node.ID, got.res.Node.ID)
	f.client.AssertNumberOfCalls(t, "Generate", 2)
}

func TestResolveChoice_MaterializationTimeoutIsStorageError(t *testing.T) {
	f := newEngineFixture(t)
	started := f.start(t)
	engine := newLockedEngine(f.repo, stallingGenerator{NodeGenerator: f.gen}, nil, 100*time.Millisecond, 0)

	_, err := engine.ResolveChoice(context.Background(), ResolveChoiceInput{
		UserID: f.userID, StoryID: started.Story.ID, CurrentNodeID: started.RootNode.ID, ChoiceID: "a",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	story, err := f.repo.GetStory(context.Background(), started.Story.ID)
	require.NoError(t, err)
	assert.Equal(t, started.RootNode.ID, *story.CurrentNodeID, "pointer stays on the root")
}
