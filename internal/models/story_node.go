package models

import (
	"time"

	"github.com/google/uuid"
)

// ChoicePending is the nextNodeId sentinel of a choice whose target was not generated yet.
const ChoicePending = "pending"

// Choice is one selectable option embedded in a StoryNode.
type Choice struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"isCorrect"`
	NextNodeID string `json:"nextNodeId"`
}

// IsPending reports whether the target node still has to be materialized.
func (c Choice) IsPending() bool {
	return c.NextNodeID == ChoicePending
}

// TargetID returns the concrete target node id.
func (c Choice) TargetID() (uuid.UUID, error) {
	return uuid.Parse(c.NextNodeID)
}

// StoryNode is one narrative beat of a story.
type StoryNode struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	StoryID         uuid.UUID  `db:"story_id" json:"storyId"`
	ParentNodeID    *uuid.UUID `db:"parent_node_id" json:"parentNodeId,omitempty"`
	ParentChoiceID  *string    `db:"parent_choice_id" json:"parentChoiceId,omitempty"`
	Content         string     `db:"content" json:"content"`
	IsRoot          bool       `db:"is_root" json:"isRoot"`
	IsEnding        bool       `db:"is_ending" json:"isEnding"`
	IsWinningEnding bool       `db:"is_winning_ending" json:"isWinningEnding"`
	Choices         []Choice   `db:"choices" json:"choices"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}

// FindChoice возвращает выбор по ID или nil.
func (n *StoryNode) FindChoice(choiceID string) *Choice {
	for i := range n.Choices {
		if n.Choices[i].ID == choiceID {
			return &n.Choices[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *StoryNode) Clone() *StoryNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.ParentNodeID != nil {
		id := *n.ParentNodeID
		c.ParentNodeID = &id
	}
	if n.ParentChoiceID != nil {
		id := *n.ParentChoiceID
		c.ParentChoiceID = &id
	}
	c.Choices = make([]Choice, len(n.Choices))
	copy(c.Choices, n.Choices)
	return &c
}

// NodeDraft is the untrusted shape produced by the AI provider.
type NodeDraft struct {
	Content         string        `json:"content" validate:"required,notblank,min=50,max=2000"`
	IsEnding        bool          `json:"isEnding"`
	IsWinningEnding bool          `json:"isWinningEnding"`
	Choices         []DraftChoice `json:"choices" validate:"max=4,dive"`
}

// DraftChoice is a choice as returned by the AI provider, without linkage.
type DraftChoice struct {
	ID        string `json:"id" validate:"required,notblank,max=64"`
	Text      string `json:"text" validate:"required,notblank,min=10,max=200"`
	IsCorrect bool   `json:"isCorrect"`
}
