package interpret

import (
	"encoding/json"
	"fmt"
	"strings"

	"commandcenter/internal/clarify"
	"commandcenter/internal/draft"
)

// wireResult is the JSON shape interpretation models produce.
type wireResult struct {
	Status        Status          `json:"status"`
	SuggestedType draft.Type      `json:"suggested_type"`
	Confidence    float64         `json:"confidence"`
	Draft         json.RawMessage `json:"draft"`
	Reasoning     string          `json:"reasoning"`
	Suggestions   []string        `json:"suggestions"`
	Transcription string          `json:"transcription"`
	Clarification *struct {
		Title       string             `json:"title"`
		Description string             `json:"description"`
		Questions   []clarify.Question `json:"questions"`
	} `json:"clarification"`
	ImageAnalysis *ImageAnalysis `json:"image_analysis"`
}

// DecodeJSON validates and decodes model output, then checks the result
// contract with the given question cap.
func DecodeJSON(data []byte, maxQuestions int) (Result, error) {
	data = []byte(stripFence(string(data)))
	if err := ValidateJSON(data); err != nil {
		return Result{}, err
	}
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	content, err := draft.DecodeAs(w.SuggestedType, w.Draft)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r := Result{
		Status:        w.Status,
		SuggestedType: w.SuggestedType,
		Confidence:    w.Confidence,
		Draft:         content,
		Reasoning:     w.Reasoning,
		Suggestions:   w.Suggestions,
		ImageAnalysis: w.ImageAnalysis,
		Transcription: strings.TrimSpace(w.Transcription),
	}
	if w.Clarification != nil && len(w.Clarification.Questions) > 0 {
		r.Flow = clarify.New(w.Clarification.Title, w.Clarification.Description, w.Clarification.Questions)
	}
	if err := r.Validate(maxQuestions); err != nil {
		return Result{}, err
	}
	return r, nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
