package schemas

// NodeDraftSchemaName имя схемы для response_format провайдера.
const NodeDraftSchemaName = "story_node_draft"

// NodeDraftJSONSchema returns the JSON schema of models.NodeDraft that is sent to the AI
// provider as the structured-output contract. A fresh map is returned on each call.
func NodeDraftJSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"description":          "One narrative beat of an interactive educational story.",
		"additionalProperties": false,
		"required":             []string{"content", "isEnding", "isWinningEnding", "choices"},
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Narrative text of the scene, 50 to 2000 characters.",
				"minLength":   50,
				"maxLength":   2000,
			},
			"isEnding": map[string]interface{}{
				"type":        "boolean",
				"description": "True if the story ends on this scene. Endings have no choices.",
			},
			"isWinningEnding": map[string]interface{}{
				"type":        "boolean",
				"description": "True only for an ending where the player succeeded.",
			},
			"choices": map[string]interface{}{
				"type":        "array",
				"description": "2 to 4 options for a non-ending scene, empty for an ending.",
				"maxItems":    MaxChoices,
				"items": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"id", "text", "isCorrect"},
					"properties": map[string]interface{}{
						"id":        map[string]interface{}{"type": "string", "description": "Short id unique within the scene, e.g. \"a\"."},
						"text":      map[string]interface{}{"type": "string", "description": "Option text, 10 to 200 characters."},
						"isCorrect": map[string]interface{}{"type": "boolean", "description": "True if the option reflects sound organic farming practice."},
					},
				},
			},
		},
	}
}

// SummaryDraftSchemaName имя схемы итогов истории.
const SummaryDraftSchemaName = "story_summary_draft"

// SummaryDraftJSONSchema returns the JSON schema of models.SummaryDraft.
func SummaryDraftJSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"description":          "Recap of a finished educational story.",
		"additionalProperties": false,
		"required":             []string{"summary", "keyLessons", "encouragement"},
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "What happened on the farm, 100 to 1000 characters.",
				"minLength":   100,
				"maxLength":   1000,
			},
			"keyLessons": map[string]interface{}{
				"type":        "array",
				"description": "1 to 5 organic farming lessons from the playthrough.",
				"minItems":    1,
				"maxItems":    5,
				"items":       map[string]interface{}{"type": "string"},
			},
			"encouragement": map[string]interface{}{
				"type":        "string",
				"description": "A short encouraging note for the player, 20 to 300 characters.",
				"minLength":   20,
				"maxLength":   300,
			},
		},
	}
}
