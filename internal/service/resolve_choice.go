package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"story-graph-server/internal/generator"
	"story-graph-server/internal/models"
	"story-graph-server/internal/retry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func (s *storyEngineImpl) ResolveChoice(ctx context.Context, in ResolveChoiceInput) (result *ResolveChoiceResult, err error) {
	ctx, finish := startOperation(ctx, "resolve_choice",
		attribute.String("story.id", in.StoryID.String()),
		attribute.String("node.id", in.CurrentNodeID.String()),
		attribute.String("choice.id", in.ChoiceID),
	)
	defer finish(&err)

	if in.StoryID == uuid.Nil || in.CurrentNodeID == uuid.Nil || strings.TrimSpace(in.ChoiceID) == "" {
		return nil, fmt.Errorf("%w: storyId, currentNodeId and choiceId are required", models.ErrInvalidInput)
	}

	// 1. История и текущий узел.
	story, err := s.getStory(ctx, in.StoryID)
	if err != nil {
		return nil, err
	}
	if story.UserID != in.UserID {
		s.logger.Warn("Choice resolution by non-owner rejected",
			zap.Stringer("storyID", story.ID), zap.Stringer("userID", in.UserID))
		return nil, fmt.Errorf("story %s: %w", story.ID, models.ErrForbidden)
	}
	node, err := s.getNode(ctx, in.CurrentNodeID)
	if err != nil {
		return nil, err
	}
	if node.StoryID != story.ID {
		return nil, fmt.Errorf("node %s in story %s: %w", node.ID, story.ID, models.ErrNotFound)
	}

	// 2. Выбор.
	choice := node.FindChoice(in.ChoiceID)
	if choice == nil {
		return nil, fmt.Errorf("choice %q on node %s: %w", in.ChoiceID, node.ID, models.ErrChoiceNotFound)
	}
	if in.ChoiceText != "" && in.ChoiceText != choice.Text {
		s.logger.Debug("Client choice text differs from stored text",
			zap.Stringer("nodeID", node.ID), zap.String("choiceID", choice.ID))
	}

	// 3. Цель уже известна: генерации нет.
	if !choice.IsPending() {
		return s.followLinked(ctx, story, node, *choice)
	}

	// 4. Материализация.
	if story.Status != models.StatusActive {
		return nil, fmt.Errorf("story %s is %s: %w", story.ID, story.Status, models.ErrStoryNotActive)
	}
	return s.materializeShared(ctx, story, node, *choice)
}

// followLinked resolves a choice whose target is already concrete.
func (s *storyEngineImpl) followLinked(ctx context.Context, story *models.Story, node *models.StoryNode, choice models.Choice) (*ResolveChoiceResult, error) {
	targetID, err := choice.TargetID()
	if err != nil {
		return nil, s.invariantViolation(node, choice, fmt.Sprintf("malformed target %q", choice.NextNodeID))
	}
	target, err := s.getNode(ctx, targetID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, s.invariantViolation(node, choice, fmt.Sprintf("target node %s does not exist", targetID))
		}
		return nil, err
	}
	if target.StoryID != story.ID {
		return nil, s.invariantViolation(node, choice, fmt.Sprintf("target node %s belongs to story %s", targetID, target.StoryID))
	}

	updated, err := s.advance(ctx, story, target)
	if err != nil {
		return nil, err
	}
	materializations.WithLabelValues(outcomeReused).Inc()
	s.logger.Debug("Choice target reused",
		zap.Stringer("storyID", story.ID), zap.Stringer("nodeID", node.ID),
		zap.String("choiceID", choice.ID), zap.Stringer("targetID", target.ID))
	return newResolveResult(updated, target), nil
}

// materializeShared collapses identical concurrent materializations in this process and
// runs the work on a context detached from the caller, bounded by MaterializationTimeout.
// A caller that gives up does not abort the work; the next call reuses its result.
func (s *storyEngineImpl) materializeShared(ctx context.Context, story *models.Story, node *models.StoryNode, choice models.Choice) (*ResolveChoiceResult, error) {
	key := materializationKey(story.ID, node.ID, choice.ID)
	ch := s.inflight.DoChan(key, func() (interface{}, error) {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MaterializationTimeout)
		defer cancel()
		return s.materialize(mctx, story, node, choice)
	})

	select {
	case <-ctx.Done():
		s.logger.Info("Caller left before materialization finished; work continues in background",
			zap.Stringer("storyID", story.ID), zap.Stringer("nodeID", node.ID), zap.String("choiceID", choice.ID))
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) && !isTyped(res.Err) {
				return nil, fmt.Errorf("%w: materialization timed out after %s: %w",
					models.ErrStorage, s.cfg.MaterializationTimeout, res.Err)
			}
			return nil, res.Err
		}
		if res.Shared {
			materializations.WithLabelValues(outcomeDeduplicated).Inc()
		}
		shared := res.Val.(*ResolveChoiceResult)
		return &ResolveChoiceResult{
			Node:          shared.Node.Clone(),
			Story:         copyStory(shared.Story),
			StoryComplete: shared.StoryComplete,
			IsWinning:     shared.IsWinning,
		}, nil
	}
}

func (s *storyEngineImpl) materialize(ctx context.Context, story *models.Story, node *models.StoryNode, choice models.Choice) (*ResolveChoiceResult, error) {
	key := materializationKey(story.ID, node.ID, choice.ID)
	log := s.logger.With(zap.Stringer("storyID", story.ID), zap.Stringer("nodeID", node.ID), zap.String("choiceID", choice.ID))

	held, acquired, err := s.locker.TryLock(ctx, key, s.cfg.MaterializationTimeout)
	switch {
	case err != nil:
		// Блокировка только экономит генерации; корректность держит CAS.
		log.Warn("Materialization lock unavailable, continuing without it", zap.Error(err))
	case acquired:
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StorageTimeout)
			defer cancel()
			if err := held.Release(releaseCtx); err != nil {
				log.Warn("Failed to release materialization lock", zap.Error(err))
			}
		}()
	default:
		log.Info("Another instance is materializing this choice, waiting for its link")
		if res, done, err := s.waitForLink(ctx, story.ID, node.ID, choice.ID); done || err != nil {
			return res, err
		}
		log.Warn("Lock holder did not link the choice in time, materializing here")
	}

	// Слот мог закрыться между первым чтением и блокировкой.
	fresh, err := s.getNode(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if current := fresh.FindChoice(choice.ID); current != nil && !current.IsPending() {
		return s.followLinked(ctx, story, fresh, *current)
	}

	history, err := s.buildHistory(ctx, fresh)
	if err != nil {
		return nil, err
	}

	generated, err := s.generator.GenerateNext(ctx, generator.NextParams{
		UserID:     story.UserID,
		Topic:      story.Topic,
		Difficulty: story.Difficulty,
		History:    history,
		ChoiceText: choice.Text,
		WasCorrect: choice.IsCorrect,
	})
	if err != nil {
		materializations.WithLabelValues(outcomeFailed).Inc()
		log.Error("Next node generation failed", zap.Error(err))
		return nil, fmt.Errorf("generate next node: %w", err)
	}

	parentID := node.ID
	choiceID := choice.ID
	generated.ID = uuid.New()
	generated.StoryID = story.ID
	generated.IsRoot = false
	generated.ParentNodeID = &parentID
	generated.ParentChoiceID = &choiceID

	// Узел сохраняется до линковки: ссылка никогда не указывает в пустоту.
	if err := s.createNode(ctx, generated); err != nil {
		materializations.WithLabelValues(outcomeFailed).Inc()
		log.Error("Failed to persist generated node", zap.Stringer("newNodeID", generated.ID), zap.Error(err))
		return nil, fmt.Errorf("create node: %w", err)
	}

	linkedID, err := s.linkChoice(ctx, node.ID, choice.ID, generated.ID)
	if err != nil {
		materializations.WithLabelValues(outcomeFailed).Inc()
		orphanNodes.Inc()
		log.Error("Failed to link generated node, node left orphaned",
			zap.Stringer("orphanNodeID", generated.ID), zap.Error(err))
		return nil, fmt.Errorf("link choice: %w", err)
	}

	target := generated
	if linkedID != generated.ID {
		materializations.WithLabelValues(outcomeLostRace).Inc()
		orphanNodes.Inc()
		log.Info("Lost materialization race, using the linked node",
			zap.Stringer("orphanNodeID", generated.ID), zap.Stringer("linkedNodeID", linkedID))
		target, err = s.getNode(ctx, linkedID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, s.invariantViolation(node, choice, fmt.Sprintf("linked node %s does not exist", linkedID))
			}
			return nil, err
		}
	} else {
		materializations.WithLabelValues(outcomeCreated).Inc()
	}

	// Указатель двигается только после фиксации ссылки; статус перечитываем.
	current, err := s.getStory(ctx, story.ID)
	if err != nil {
		return nil, err
	}
	updated, err := s.advance(ctx, current, target)
	if err != nil {
		return nil, err
	}

	log.Info("Choice materialized",
		zap.Stringer("targetID", target.ID),
		zap.Bool("isEnding", target.IsEnding),
		zap.Bool("isWinningEnding", target.IsWinningEnding))
	return newResolveResult(updated, target), nil
}

// linkChoice closes the pending slot. Every attempt is the conditional update itself, so a
// retry after an ambiguous failure observes a link made by the earlier attempt.
func (s *storyEngineImpl) linkChoice(ctx context.Context, nodeID uuid.UUID, choiceID string, target uuid.UUID) (uuid.UUID, error) {
	var linked uuid.UUID
	policy := retry.Policy{MaxAttempts: s.cfg.LinkMaxAttempts, BaseDelay: s.cfg.StorageRetry.BaseDelay}
	err := s.retryStorage(ctx, "link_choice", policy, func(ctx context.Context) error {
		var err error
		linked, err = s.repo.UpdateNodeChoiceTarget(ctx, nodeID, choiceID, target)
		return err
	})
	return linked, err
}

// waitForLink polls the choice while another instance holds the lock.
// done is false when the slot stayed pending for LockWaitTimeout.
func (s *storyEngineImpl) waitForLink(ctx context.Context, storyID, nodeID uuid.UUID, choiceID string) (*ResolveChoiceResult, bool, error) {
	deadline := time.Now().Add(s.cfg.LockWaitTimeout)
	for time.Now().Before(deadline) {
		if err := retry.Sleep(ctx, s.cfg.LockPollInterval); err != nil {
			return nil, false, fmt.Errorf("%w: waiting for lock holder: %w", models.ErrStorage, err)
		}
		node, err := s.getNode(ctx, nodeID)
		if err != nil {
			return nil, false, err
		}
		choice := node.FindChoice(choiceID)
		if choice == nil {
			return nil, false, fmt.Errorf("choice %q on node %s: %w", choiceID, nodeID, models.ErrChoiceNotFound)
		}
		if choice.IsPending() {
			continue
		}
		story, err := s.getStory(ctx, storyID)
		if err != nil {
			return nil, false, err
		}
		res, err := s.followLinked(ctx, story, node, *choice)
		return res, true, err
	}
	return nil, false, nil
}

// buildHistory returns the content of the last HistoryDepth nodes on the path to node, oldest first.
func (s *storyEngineImpl) buildHistory(ctx context.Context, node *models.StoryNode) ([]string, error) {
	history := []string{node.Content}
	parentID := node.ParentNodeID
	for len(history) < s.cfg.HistoryDepth && parentID != nil {
		parent, err := s.getNode(ctx, *parentID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				s.logger.Warn("History chain is broken", zap.Stringer("nodeID", *parentID))
				break
			}
			return nil, err
		}
		history = append(history, parent.Content)
		parentID = parent.ParentNodeID
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func (s *storyEngineImpl) invariantViolation(node *models.StoryNode, choice models.Choice, detail string) error {
	invariantViolations.Inc()
	s.logger.Error("Story graph invariant violated",
		zap.Bool("invariant_violation", true),
		zap.Stringer("storyID", node.StoryID),
		zap.Stringer("nodeID", node.ID),
		zap.String("choiceID", choice.ID),
		zap.String("nextNodeId", choice.NextNodeID),
		zap.String("detail", detail),
	)
	return fmt.Errorf("%w: node %s choice %q: %s", models.ErrInvariantViolation, node.ID, choice.ID, detail)
}

func materializationKey(storyID, nodeID uuid.UUID, choiceID string) string {
	return storyID.String() + ":" + nodeID.String() + ":" + choiceID
}

func newResolveResult(story *models.Story, node *models.StoryNode) *ResolveChoiceResult {
	return &ResolveChoiceResult{
		Node:          node,
		Story:         story,
		StoryComplete: node.IsEnding,
		IsWinning:     node.IsWinningEnding,
	}
}

func copyStory(s *models.Story) *models.Story {
	if s == nil {
		return nil
	}
	c := *s
	if s.CurrentNodeID != nil {
		id := *s.CurrentNodeID
		c.CurrentNodeID = &id
	}
	return &c
}

// isTyped сообщает, несет ли ошибка одну из доменных категорий.
func isTyped(err error) bool {
	for _, target := range []error{
		models.ErrStorage, models.ErrGenerationFailed, models.ErrInvalidContent,
		models.ErrInvariantViolation, models.ErrNotFound, models.ErrChoiceNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
