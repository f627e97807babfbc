package interpret

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"commandcenter/internal/draft"
)

// resultSchema describes the JSON an interpretation model must return.
func resultSchema() map[string]any {
	types := make([]any, 0, len(draft.Types))
	for _, t := range draft.Types {
		types = append(types, string(t))
	}
	return map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []any{"status", "suggested_type", "confidence", "draft"},
		"properties": map[string]any{
			"status": map[string]any{
				"enum": []any{string(StatusReady), string(StatusNeedsClarification), string(StatusSuggestAlternative)},
			},
			"suggested_type": map[string]any{"enum": types},
			"confidence":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"draft":          map[string]any{"type": "object"},
			"reasoning":      map[string]any{"type": "string"},
			"suggestions": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"transcription": map[string]any{"type": "string"},
			"clarification": map[string]any{
				"type":     []any{"object", "null"},
				"required": []any{"questions"},
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"questions": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []any{"field", "prompt"},
							"properties": map[string]any{
								"id":       map[string]any{"type": "string"},
								"field":    map[string]any{"type": "string", "minLength": 1},
								"prompt":   map[string]any{"type": "string", "minLength": 1},
								"kind":     map[string]any{"enum": []any{"text", "choice", "date", "number", "confirm"}},
								"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"required": map[string]any{"type": "boolean"},
							},
						},
					},
				},
			},
			"image_analysis": map[string]any{
				"type": []any{"object", "null"},
				"properties": map[string]any{
					"detected_type":  map[string]any{"type": "string"},
					"extracted_text": map[string]any{"type": "string"},
					"fields":         map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					"confidence":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
			},
		},
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(resultSchema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("interpretation.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("interpretation.json")
	})
	return compiledSchema, schemaErr
}

// ValidateJSON checks raw model output against the interpretation schema.
func ValidateJSON(data []byte) error {
	s, err := compiled()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
