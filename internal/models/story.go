package models

import (
	"time"

	"github.com/google/uuid"
)

// StoryStatus represents the lifecycle state of a playthrough.
type StoryStatus string

const (
	StatusActive    StoryStatus = "active"
	StatusCompleted StoryStatus = "completed"
	StatusFailed    StoryStatus = "failed"
)

// IsValid reports whether the status is one of the known values.
func (s StoryStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Difficulty уровень сложности истории.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// IsValid reports whether the difficulty is supported.
func (d Difficulty) IsValid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// MaxTopicLength ограничение длины темы (в символах).
const MaxTopicLength = 100

// Story is a single playthrough owned by a user.
type Story struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	UserID        uuid.UUID   `db:"user_id" json:"userId"`
	Topic         string      `db:"topic" json:"topic"`
	Difficulty    Difficulty  `db:"difficulty" json:"difficulty"`
	Status        StoryStatus `db:"status" json:"status"`
	CurrentNodeID *uuid.UUID  `db:"current_node_id" json:"currentNodeId,omitempty"`
	IsWon         bool        `db:"is_won" json:"isWon"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updatedAt"`
}

// StoryPatch is a partial update of the mutable story fields.
// Nil fields are left untouched.
type StoryPatch struct {
	CurrentNodeID *uuid.UUID
	Status        *StoryStatus
	IsWon         *bool
}

// IsEmpty reports whether the patch changes nothing.
func (p StoryPatch) IsEmpty() bool {
	return p.CurrentNodeID == nil && p.Status == nil && p.IsWon == nil
}

// Apply применяет патч к копии истории в памяти.
func (p StoryPatch) Apply(s *Story) {
	if p.CurrentNodeID != nil {
		id := *p.CurrentNodeID
		s.CurrentNodeID = &id
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.IsWon != nil {
		s.IsWon = *p.IsWon
	}
}

// Progress is the read projection of a story's position.
type Progress struct {
	StoryID       uuid.UUID   `json:"storyId"`
	CurrentNodeID *uuid.UUID  `json:"currentNodeId,omitempty"`
	Status        StoryStatus `json:"status"`
	IsWon         bool        `json:"isWon"`
}
