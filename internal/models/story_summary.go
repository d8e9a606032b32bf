package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome итог завершенной истории.
type Outcome string

const (
	OutcomeWon  Outcome = "won"
	OutcomeLost Outcome = "lost"
)

// StorySummary is the end-of-story recap generated once per completed story.
type StorySummary struct {
	StoryID       uuid.UUID `db:"story_id" json:"storyId"`
	Outcome       Outcome   `db:"outcome" json:"outcome"`
	Summary       string    `db:"summary" json:"summary"`
	KeyLessons    []string  `db:"key_lessons" json:"keyLessons"`
	Encouragement string    `db:"encouragement" json:"encouragement"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// SummaryDraft is the untrusted summary shape produced by the AI provider.
type SummaryDraft struct {
	Summary       string   `json:"summary" validate:"required,notblank,min=100,max=1000"`
	KeyLessons    []string `json:"keyLessons" validate:"required,min=1,max=5,dive,required,notblank,max=300"`
	Encouragement string   `json:"encouragement" validate:"required,notblank,min=20,max=300"`
}

// ChoiceFeedback объясняет игроку, почему выбор был удачным или нет.
type ChoiceFeedback struct {
	StoryID   uuid.UUID `json:"storyId"`
	NodeID    uuid.UUID `json:"nodeId"`
	ChoiceID  string    `json:"choiceId"`
	IsCorrect bool      `json:"isCorrect"`
	Feedback  string    `json:"feedback"`
}

// MaxFeedbackLength ограничение длины отзыва на выбор (в символах).
const MaxFeedbackLength = 600
