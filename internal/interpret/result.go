package interpret

import (
	"errors"
	"fmt"

	"commandcenter/internal/clarify"
	"commandcenter/internal/draft"
)

type Status string

const (
	StatusReady              Status = "READY"
	StatusNeedsClarification Status = "NEEDS_CLARIFICATION"
	StatusSuggestAlternative Status = "SUGGEST_ALTERNATIVE"
)

const (
	clarificationConfidence = 0.5
	alternativeConfidence   = 0.7
)

// ErrMalformed marks a result that breaks the interpretation contract.
var ErrMalformed = errors.New("malformed interpretation")

// ImageAnalysis is structured extraction from an image attachment. It is
// independent of any clarification flow.
type ImageAnalysis struct {
	DetectedType  draft.Type        `json:"detected_type,omitempty"`
	ExtractedText string            `json:"extracted_text,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Confidence    float64           `json:"confidence"`
}

// Result is one interpretation pass over a single input. Values are not
// mutated after construction; the caller persists and transitions state.
type Result struct {
	Status        Status
	SuggestedType draft.Type
	Confidence    float64
	Draft         draft.Content
	Reasoning     string
	Suggestions   []string
	Flow          *clarify.Flow
	ImageAnalysis *ImageAnalysis
	// Transcription holds the text recognized from a voice attachment.
	Transcription string
}

func Ready(t draft.Type, confidence float64, d draft.Content, reasoning string, suggestions []string) Result {
	return Result{
		Status:        StatusReady,
		SuggestedType: t,
		Confidence:    confidence,
		Draft:         d,
		Reasoning:     reasoning,
		Suggestions:   suggestions,
	}
}

// NeedsClarification pins confidence at 0.5 while questions are outstanding.
func NeedsClarification(t draft.Type, partial draft.Content, reasoning string, flow *clarify.Flow) Result {
	return Result{
		Status:        StatusNeedsClarification,
		SuggestedType: t,
		Confidence:    clarificationConfidence,
		Draft:         partial,
		Reasoning:     reasoning,
		Flow:          flow,
	}
}

func SuggestAlternative(t draft.Type, d draft.Content, reasoning string, suggestions []string, confirmation *clarify.Flow) Result {
	return Result{
		Status:        StatusSuggestAlternative,
		SuggestedType: t,
		Confidence:    alternativeConfidence,
		Draft:         d,
		Reasoning:     reasoning,
		Suggestions:   suggestions,
		Flow:          confirmation,
	}
}

// WithImageAnalysis returns a copy of r carrying a.
func (r Result) WithImageAnalysis(a *ImageAnalysis) Result {
	r.ImageAnalysis = a
	return r
}

// WithTranscription returns a copy of r carrying the voice transcription.
func (r Result) WithTranscription(text string) Result {
	r.Transcription = text
	return r
}

// Validate enforces the result contract: the status decides whether a flow
// is present, confidence lies in [0,1] and stays at or below 0.5 while
// clarification is needed, the draft matches the suggested type and the
// flow respects the question cap.
func (r Result) Validate(maxQuestions int) error {
	if r.Draft == nil {
		return fmt.Errorf("%w: missing draft", ErrMalformed)
	}
	if r.Draft.Type() != r.SuggestedType {
		return fmt.Errorf("%w: draft is %s but suggested type is %s", ErrMalformed, r.Draft.Type(), r.SuggestedType)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrMalformed, r.Confidence)
	}
	switch r.Status {
	case StatusReady:
		if r.Flow != nil {
			return fmt.Errorf("%w: READY result carries a clarification flow", ErrMalformed)
		}
		if r.SuggestedType == draft.TypeClarificationNeeded {
			return fmt.Errorf("%w: READY result with unresolved type", ErrMalformed)
		}
	case StatusNeedsClarification:
		if r.Flow == nil {
			return fmt.Errorf("%w: NEEDS_CLARIFICATION without a flow", ErrMalformed)
		}
		if r.Confidence > clarificationConfidence {
			return fmt.Errorf("%w: confidence %.3f too high for NEEDS_CLARIFICATION", ErrMalformed, r.Confidence)
		}
		if len(r.Suggestions) > 0 {
			return fmt.Errorf("%w: suggestions only accompany READY or SUGGEST_ALTERNATIVE", ErrMalformed)
		}
	case StatusSuggestAlternative:
		if r.Flow == nil && r.SuggestedType == draft.TypeClarificationNeeded {
			return fmt.Errorf("%w: unresolved type without a confirmation flow", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformed, r.Status)
	}
	if r.Flow != nil {
		if err := r.Flow.Validate(maxQuestions); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if r.ImageAnalysis != nil && (r.ImageAnalysis.Confidence < 0 || r.ImageAnalysis.Confidence > 1) {
		return fmt.Errorf("%w: image analysis confidence outside [0,1]", ErrMalformed)
	}
	return nil
}
