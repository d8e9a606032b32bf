package schemas

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"story-graph-server/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

const (
	// MinChoicesNonEnding минимальное число выборов у неконечного узла.
	MinChoicesNonEnding = 2
	// MaxChoices максимальное число выборов у узла.
	MaxChoices = 4
)

// Validator checks AI drafts against the node contract.
// Safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	// allowEndingChoices ослабляет правило "у концовки нет выборов".
	allowEndingChoices bool
}

// Option настраивает Validator.
type Option func(*Validator)

// WithAllowEndingChoices allows ending nodes to carry choices (they are still bounded by MaxChoices).
func WithAllowEndingChoices(allow bool) Option {
	return func(v *Validator) { v.allowEndingChoices = allow }
}

// NewValidator создает валидатор черновиков узлов.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
	// required пропускает строки из одних пробелов
	if err := v.validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(fmt.Sprintf("schemas: register notblank: %v", err))
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateNodeDraft validates a draft for a non-root node and converts it into an
// unpersisted StoryNode whose choices all point at the pending sentinel.
func (v *Validator) ValidateNodeDraft(draft *models.NodeDraft) (*models.StoryNode, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: empty draft", models.ErrInvalidContent)
	}
	if violations := v.violations(draft); len(violations) > 0 {
		return nil, invalid(violations)
	}
	return toNode(draft, false), nil
}

// ValidateStartDraft validates the opening node of a story. A story cannot open already ended,
// so drafts flagged as endings are rejected rather than corrected.
func (v *Validator) ValidateStartDraft(draft *models.NodeDraft) (*models.StoryNode, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: empty draft", models.ErrInvalidContent)
	}
	violations := v.violations(draft)
	if draft.IsEnding {
		violations = append(violations, "start node must not be an ending")
	}
	if len(violations) > 0 {
		return nil, invalid(violations)
	}
	return toNode(draft, true), nil
}

func (v *Validator) violations(draft *models.NodeDraft) []string {
	var out []string

	if err := v.validate.Struct(draft); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			out = append(out, describe(fe))
		}
	}

	if draft.IsWinningEnding && !draft.IsEnding {
		out = append(out, "isWinningEnding requires isEnding")
	}

	n := len(draft.Choices)
	switch {
	case !draft.IsEnding && n < MinChoicesNonEnding:
		out = append(out, fmt.Sprintf("non-ending node needs at least %d choices, got %d", MinChoicesNonEnding, n))
	case draft.IsEnding && n > 0 && !v.allowEndingChoices:
		out = append(out, fmt.Sprintf("ending node must not carry choices, got %d", n))
	}

	seen := make(map[string]struct{}, n)
	for i, c := range draft.Choices {
		id := strings.TrimSpace(c.ID)
		if id == models.ChoicePending {
			out = append(out, fmt.Sprintf("choices[%d].id: reserved value %q", i, models.ChoicePending))
		}
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			out = append(out, fmt.Sprintf("choices[%d].id: duplicate %q", i, id))
		}
		seen[id] = struct{}{}
	}
	return out
}

// ValidateSummaryDraft validates an end-of-story summary. The caller fills in the story fields.
func (v *Validator) ValidateSummaryDraft(draft *models.SummaryDraft) (*models.StorySummary, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: empty summary", models.ErrInvalidContent)
	}
	var violations []string
	if err := v.validate.Struct(draft); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, invalid([]string{err.Error()})
		}
		for _, fe := range verrs {
			violations = append(violations, describe(fe))
		}
	}
	if len(violations) > 0 {
		return nil, invalid(violations)
	}
	lessons := make([]string, len(draft.KeyLessons))
	copy(lessons, draft.KeyLessons)
	return &models.StorySummary{
		Summary:       draft.Summary,
		KeyLessons:    lessons,
		Encouragement: draft.Encouragement,
	}, nil
}

// ValidateFeedback checks free-text choice feedback and returns it trimmed.
func (v *Validator) ValidateFeedback(text string) (string, error) {
	text = strings.TrimSpace(text)
	switch n := utf8.RuneCountInString(text); {
	case n == 0:
		return "", invalid([]string{"feedback: blank"})
	case n > models.MaxFeedbackLength:
		return "", invalid([]string{fmt.Sprintf("feedback: longer than %d", models.MaxFeedbackLength)})
	}
	return text, nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	field = strings.TrimPrefix(field, "NodeDraft.")
	field = strings.TrimPrefix(field, "SummaryDraft.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: required", field)
	case "notblank":
		return fmt.Sprintf("%s: blank", field)
	case "min":
		return fmt.Sprintf("%s: shorter than %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s: longer than %s", field, fe.Param())
	}
	return fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
}

func invalid(violations []string) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidContent, strings.Join(violations, "; "))
}

func toNode(draft *models.NodeDraft, root bool) *models.StoryNode {
	node := &models.StoryNode{
		Content:         draft.Content,
		IsRoot:          root,
		IsEnding:        draft.IsEnding,
		IsWinningEnding: draft.IsWinningEnding,
		Choices:         make([]models.Choice, 0, len(draft.Choices)),
	}
	for _, c := range draft.Choices {
		node.Choices = append(node.Choices, models.Choice{
			ID:         c.ID,
			Text:       c.Text,
			IsCorrect:  c.IsCorrect,
			NextNodeID: models.ChoicePending,
		})
	}
	return node
}
