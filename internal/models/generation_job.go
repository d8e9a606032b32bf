package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind тип асинхронной задачи генерации.
type JobKind string

const (
	JobKindStartStory    JobKind = "start_story"
	JobKindResolveChoice JobKind = "resolve_choice"
	JobKindStorySummary  JobKind = "story_summary"
)

// JobStatus статус асинхронной задачи генерации.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// GenerationJob tracks an asynchronous start, resolve or summary request.
type GenerationJob struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	UserID       uuid.UUID  `db:"user_id" json:"userId"`
	Kind         JobKind    `db:"kind" json:"kind"`
	Status       JobStatus  `db:"status" json:"status"`
	StoryID      *uuid.UUID `db:"story_id" json:"storyId,omitempty"`
	NodeID       *uuid.UUID `db:"node_id" json:"nodeId,omitempty"`
	ErrorDetails *string    `db:"error_details" json:"errorDetails,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// JobUpdate описывает переход задачи в новый статус.
type JobUpdate struct {
	Status       JobStatus
	StoryID      *uuid.UUID
	NodeID       *uuid.UUID
	ErrorDetails *string
}

// GenerationTask - сообщение очереди для асинхронной генерации.
type GenerationTask struct {
	JobID  uuid.UUID `json:"jobId"`
	Kind   JobKind   `json:"kind"`
	UserID uuid.UUID `json:"userId"`

	// start_story
	Topic      string     `json:"topic,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`

	// resolve_choice, story_summary
	StoryID       uuid.UUID `json:"storyId,omitempty"`
	CurrentNodeID uuid.UUID `json:"currentNodeId,omitempty"`
	ChoiceID      string    `json:"choiceId,omitempty"`
	ChoiceText    string    `json:"choiceText,omitempty"`
}

// Validate проверяет обязательные поля задачи для ее типа.
func (t GenerationTask) Validate() error {
	if t.JobID == uuid.Nil || t.UserID == uuid.Nil {
		return fmt.Errorf("%w: jobId and userId are required", ErrInvalidInput)
	}
	switch t.Kind {
	case JobKindStartStory:
		if t.Topic == "" || t.Difficulty == "" {
			return fmt.Errorf("%w: topic and difficulty are required", ErrInvalidInput)
		}
	case JobKindResolveChoice:
		if t.StoryID == uuid.Nil || t.CurrentNodeID == uuid.Nil || t.ChoiceID == "" {
			return fmt.Errorf("%w: storyId, currentNodeId and choiceId are required", ErrInvalidInput)
		}
	case JobKindStorySummary:
		if t.StoryID == uuid.Nil {
			return fmt.Errorf("%w: storyId is required", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidInput, t.Kind)
	}
	return nil
}
