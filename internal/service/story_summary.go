package service

import (
	"context"
	"errors"
	"fmt"

	"story-graph-server/internal/generator"
	"story-graph-server/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxPathLength защищает обход родителей от зацикленных данных.
const maxPathLength = 500

func (s *storyEngineImpl) GetSummary(ctx context.Context, userID, storyID uuid.UUID) (summary *models.StorySummary, err error) {
	ctx, finish := startOperation(ctx, "get_summary", attribute.String("story.id", storyID.String()))
	defer finish(&err)

	story, err := s.ownedStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status != models.StatusCompleted {
		return nil, fmt.Errorf("story %s is %s: %w", storyID, story.Status, models.ErrStoryNotEnded)
	}

	existing, err := s.getSummary(ctx, storyID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	ch := s.inflight.DoChan("summary:"+storyID.String(), func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MaterializationTimeout)
		defer cancel()
		return s.summarize(sctx, story)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) && !isTyped(res.Err) {
				return nil, fmt.Errorf("%w: summary timed out: %w", models.ErrStorage, res.Err)
			}
			return nil, res.Err
		}
		shared := res.Val.(*models.StorySummary)
		c := *shared
		c.KeyLessons = append([]string(nil), shared.KeyLessons...)
		return &c, nil
	}
}

func (s *storyEngineImpl) summarize(ctx context.Context, story *models.Story) (*models.StorySummary, error) {
	log := s.logger.With(zap.Stringer("storyID", story.ID))

	path, err := s.storyPath(ctx, story)
	if err != nil {
		return nil, err
	}
	generated, err := s.generator.GenerateSummary(ctx, generator.SummaryParams{
		UserID:     story.UserID,
		Topic:      story.Topic,
		Difficulty: story.Difficulty,
		History:    path,
		Won:        story.IsWon,
	})
	if err != nil {
		log.Error("Summary generation failed", zap.Error(err))
		return nil, fmt.Errorf("generate summary: %w", err)
	}
	generated.StoryID = story.ID
	generated.Outcome = models.OutcomeLost
	if story.IsWon {
		generated.Outcome = models.OutcomeWon
	}

	var stored *models.StorySummary
	err = s.withStorage(ctx, "save_summary", func(ctx context.Context) error {
		var err error
		stored, err = s.repo.SaveSummary(ctx, generated)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("Story summary stored", zap.Int("pathLength", len(path)), zap.String("outcome", string(stored.Outcome)))
	return stored, nil
}

// storyPath returns the content of the nodes from the root to the current node.
func (s *storyEngineImpl) storyPath(ctx context.Context, story *models.Story) ([]string, error) {
	if story.CurrentNodeID == nil {
		return nil, fmt.Errorf("%w: story %s has no current node", models.ErrInvariantViolation, story.ID)
	}
	var reversed []string
	next := story.CurrentNodeID
	for next != nil && len(reversed) < maxPathLength {
		node, err := s.getNode(ctx, *next)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) && len(reversed) > 0 {
				s.logger.Warn("Story path is broken", zap.Stringer("storyID", story.ID), zap.Stringer("nodeID", *next))
				break
			}
			return nil, err
		}
		reversed = append(reversed, node.Content)
		next = node.ParentNodeID
	}
	path := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path, nil
}

func (s *storyEngineImpl) GetChoiceFeedback(ctx context.Context, userID, storyID, nodeID uuid.UUID, choiceID string) (feedback *models.ChoiceFeedback, err error) {
	ctx, finish := startOperation(ctx, "choice_feedback",
		attribute.String("story.id", storyID.String()),
		attribute.String("node.id", nodeID.String()),
		attribute.String("choice.id", choiceID))
	defer finish(&err)

	story, err := s.ownedStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.StoryID != storyID {
		return nil, fmt.Errorf("node %s in story %s: %w", nodeID, storyID, models.ErrNotFound)
	}
	choice := node.FindChoice(choiceID)
	if choice == nil {
		return nil, fmt.Errorf("choice %q on node %s: %w", choiceID, nodeID, models.ErrChoiceNotFound)
	}

	text, err := s.generator.GenerateFeedback(ctx, generator.FeedbackParams{
		UserID:     userID,
		Topic:      story.Topic,
		Difficulty: story.Difficulty,
		ChoiceText: choice.Text,
		IsCorrect:  choice.IsCorrect,
	})
	if err != nil {
		return nil, fmt.Errorf("generate feedback: %w", err)
	}
	return &models.ChoiceFeedback{
		StoryID:   storyID,
		NodeID:    nodeID,
		ChoiceID:  choiceID,
		IsCorrect: choice.IsCorrect,
		Feedback:  text,
	}, nil
}

func (s *storyEngineImpl) getSummary(ctx context.Context, storyID uuid.UUID) (*models.StorySummary, error) {
	var summary *models.StorySummary
	err := s.withStorage(ctx, "get_summary", func(ctx context.Context) error {
		var err error
		summary, err = s.repo.GetSummary(ctx, storyID)
		return err
	})
	return summary, err
}
