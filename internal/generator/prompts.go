package generator

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"story-graph-server/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

var difficultyGuides = map[models.Difficulty]string{
	models.DifficultyEasy:   "Use simple vocabulary and make consequences obvious.",
	models.DifficultyMedium: "Add some nuance; consequences are not always immediate.",
	models.DifficultyHard:   "Use realistic trade-offs; wrong choices may look tempting.",
}

const emptyHistory = "(this is the first scene)"

// promptFile is the YAML layout of the prompt catalogue.
type promptFile struct {
	System         string `yaml:"system"`
	Start          string `yaml:"start"`
	Next           string `yaml:"next"`
	SummarySystem  string `yaml:"summary_system"`
	Summary        string `yaml:"summary"`
	FeedbackSystem string `yaml:"feedback_system"`
	Feedback       string `yaml:"feedback"`
}

// Prompts рендерит системный и пользовательские промты генератора.
type Prompts struct {
	system         string
	start          *template.Template
	next           *template.Template
	summarySystem  string
	summary        *template.Template
	feedbackSystem string
	feedback       *template.Template
}

type startData struct {
	Topic           string
	Difficulty      models.Difficulty
	DifficultyGuide string
}

type nextData struct {
	startData
	History       string
	ChoiceText    string
	ChoiceVerdict string
}

type summaryData struct {
	startData
	History string
	Outcome string
}

type feedbackData struct {
	startData
	ChoiceText    string
	ChoiceVerdict string
}

// DefaultPrompts загружает встроенный каталог промтов.
func DefaultPrompts() (*Prompts, error) {
	return LoadPrompts(defaultPromptsYAML)
}

// LoadPrompts parses a YAML prompt catalogue and compiles its templates.
func LoadPrompts(data []byte) (*Prompts, error) {
	var f promptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ошибка разбора каталога промтов: %w", err)
	}
	required := map[string]string{
		"system": f.System, "start": f.Start, "next": f.Next,
		"summary_system": f.SummarySystem, "summary": f.Summary,
		"feedback_system": f.FeedbackSystem, "feedback": f.Feedback,
	}
	for name, text := range required {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("каталог промтов неполный: нет %s", name)
		}
	}

	p := &Prompts{system: f.System, summarySystem: f.SummarySystem, feedbackSystem: f.FeedbackSystem}
	templates := []struct {
		name string
		text string
		dst  **template.Template
	}{
		{"start", f.Start, &p.start},
		{"next", f.Next, &p.next},
		{"summary", f.Summary, &p.summary},
		{"feedback", f.Feedback, &p.feedback},
	}
	for _, t := range templates {
		compiled, err := template.New(t.name).Parse(t.text)
		if err != nil {
			return nil, fmt.Errorf("ошибка шаблона %s: %w", t.name, err)
		}
		*t.dst = compiled
	}
	return p, nil
}

// System returns the system prompt.
func (p *Prompts) System() string {
	return p.system
}

// RenderStart renders the user prompt for the opening node.
func (p *Prompts) RenderStart(topic string, difficulty models.Difficulty) (string, error) {
	return render(p.start, newStartData(topic, difficulty))
}

// RenderNext renders the user prompt for a follow-up node.
func (p *Prompts) RenderNext(params NextParams) (string, error) {
	return render(p.next, nextData{
		startData:     newStartData(params.Topic, params.Difficulty),
		History:       formatHistory(params.History),
		ChoiceText:    params.ChoiceText,
		ChoiceVerdict: verdict(params.WasCorrect),
	})
}

// SummarySystem returns the system prompt of the end-of-story summary.
func (p *Prompts) SummarySystem() string {
	return p.summarySystem
}

// RenderSummary renders the user prompt for the end-of-story summary.
func (p *Prompts) RenderSummary(params SummaryParams) (string, error) {
	outcome := "the farm struggled and the player lost"
	if params.Won {
		outcome = "the farm thrives and the player won"
	}
	return render(p.summary, summaryData{
		startData: newStartData(params.Topic, params.Difficulty),
		History:   formatHistory(params.History),
		Outcome:   outcome,
	})
}

// FeedbackSystem returns the system prompt of choice feedback.
func (p *Prompts) FeedbackSystem() string {
	return p.feedbackSystem
}

// RenderFeedback renders the user prompt for feedback on a single choice.
func (p *Prompts) RenderFeedback(params FeedbackParams) (string, error) {
	return render(p.feedback, feedbackData{
		startData:     newStartData(params.Topic, params.Difficulty),
		ChoiceText:    params.ChoiceText,
		ChoiceVerdict: verdict(params.IsCorrect),
	})
}

func newStartData(topic string, difficulty models.Difficulty) startData {
	return startData{
		Topic:           topic,
		Difficulty:      difficulty,
		DifficultyGuide: difficultyGuides[difficulty],
	}
}

func formatHistory(history []string) string {
	if len(history) == 0 {
		return emptyHistory
	}
	lines := make([]string, 0, len(history))
	for i, h := range history {
		lines = append(lines, fmt.Sprintf("Scene %d: %s", i+1, strings.TrimSpace(h)))
	}
	return strings.Join(lines, "\n")
}

func verdict(correct bool) string {
	if correct {
		return "a sound practice"
	}
	return "a poor practice"
}

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("ошибка рендеринга промта %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
