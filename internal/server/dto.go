package server

import (
	"encoding/json"
	"time"

	"commandcenter/internal/clarify"
	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/repo"
)

// Request payloads

type AttachmentRequest struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type" example:"image/jpeg"`
	// Data is the base64 encoded file content.
	Data string `json:"data"`
}

type SubmitDraftRequest struct {
	Text               string              `json:"text,omitempty" example:"pay rent $1200 due friday"`
	VoiceTranscription string              `json:"voice_transcription,omitempty"`
	Attachments        []AttachmentRequest `json:"attachments,omitempty"`
}

type AnswerRequest struct {
	QuestionID string `json:"question_id,omitempty" example:"q1"`
	Value      string `json:"value" example:"TASK"`
}

type ModifyDraftRequest struct {
	// DraftType defaults to the draft's current type.
	DraftType string         `json:"draft_type,omitempty" example:"BILL"`
	Content   map[string]any `json:"content" jsonschema:"type=object,additionalProperties=true"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type QuestionResponse struct {
	ID       string   `json:"id"`
	Field    string   `json:"field"`
	Prompt   string   `json:"prompt"`
	Kind     string   `json:"kind"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

type ClarificationResponse struct {
	FlowID               string             `json:"flow_id"`
	Title                string             `json:"title,omitempty"`
	Description          string             `json:"description,omitempty"`
	Questions            []QuestionResponse `json:"questions"`
	CurrentQuestionIndex int                `json:"current_question_index"`
	Answers              map[string]string  `json:"answers,omitempty"`
	Complete             bool               `json:"complete"`
}

type ImageAnalysisResponse struct {
	DetectedType  string            `json:"detected_type,omitempty"`
	ExtractedText string            `json:"extracted_text,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Confidence    float64           `json:"confidence"`
}

type DraftResponse struct {
	ID                   string                 `json:"id"`
	DraftType            string                 `json:"draft_type"`
	Status               string                 `json:"status"`
	Content              map[string]any         `json:"content"`
	InterpretationStatus string                 `json:"interpretation_status"`
	ConfidenceScore      float64                `json:"confidence_score"`
	AIReasoning          string                 `json:"ai_reasoning,omitempty"`
	Suggestions          []string               `json:"suggestions"`
	Clarification        *ClarificationResponse `json:"clarification,omitempty"`
	CurrentQuestion      *QuestionResponse      `json:"current_question,omitempty"`
	ImageAnalysis        *ImageAnalysisResponse `json:"image_analysis,omitempty"`
	OriginalInputText    string                 `json:"original_input_text,omitempty"`
	VoiceTranscription   string                 `json:"voice_transcription,omitempty"`
	AttachmentCount      int                    `json:"attachment_count"`
	CreatedEntityID      string                 `json:"created_entity_id,omitempty"`
	ProcessedAt          string                 `json:"processed_at" format:"date-time"`
	ApprovedAt           string                 `json:"approved_at,omitempty" format:"date-time"`
	ExpiresAt            string                 `json:"expires_at" format:"date-time"`
	Expired              bool                   `json:"expired"`
	CreatedAt            string                 `json:"created_at" format:"date-time"`
	UpdatedAt            string                 `json:"updated_at" format:"date-time"`
	Version              int                    `json:"version"`
}

type paginatedDrafts struct {
	Items      []DraftResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type FeedbackResponse struct {
	ID        string                        `json:"id"`
	DraftID   string                        `json:"draft_id"`
	Action    string                        `json:"action"`
	DraftType string                        `json:"draft_type"`
	Diff      map[string]domain.FieldChange `json:"diff,omitempty"`
	Metadata  map[string]any                `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt string                        `json:"created_at" format:"date-time"`
}

type feedbackList struct {
	Items []FeedbackResponse `json:"items"`
}

type MeResponse struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func questionResponse(q clarify.Question) QuestionResponse {
	return QuestionResponse{
		ID:       q.ID,
		Field:    q.Field,
		Prompt:   q.Prompt,
		Kind:     string(q.Kind),
		Options:  q.Options,
		Required: q.Required,
	}
}

func draftResponse(d domain.PendingDraft, now time.Time) DraftResponse {
	resp := DraftResponse{
		ID:                   d.ID,
		DraftType:            string(d.Type),
		Status:               string(d.Status),
		Content:              contentMap(d.Content),
		InterpretationStatus: string(d.Interpretation),
		ConfidenceScore:      d.Confidence,
		AIReasoning:          d.Reasoning,
		Suggestions:          nonNilSlice(d.Suggestions),
		OriginalInputText:    d.OriginalText,
		VoiceTranscription:   d.VoiceTranscription,
		AttachmentCount:      d.AttachmentCount,
		CreatedEntityID:      d.CreatedEntityID,
		ProcessedAt:          repo.FormatTime(d.ProcessedAt),
		ExpiresAt:            repo.FormatTime(d.ExpiresAt),
		Expired:              d.Status == domain.StatusExpired || (d.Status == domain.StatusPendingApproval && d.IsExpired(now)),
		CreatedAt:            repo.FormatTime(d.CreatedAt),
		UpdatedAt:            repo.FormatTime(d.UpdatedAt),
		Version:              d.Version,
	}
	if d.ApprovedAt != nil {
		resp.ApprovedAt = repo.FormatTime(*d.ApprovedAt)
	}
	if d.Flow != nil {
		cl := &ClarificationResponse{
			FlowID:               d.Flow.ID,
			Title:                d.Flow.Title,
			Description:          d.Flow.Description,
			Questions:            make([]QuestionResponse, 0, len(d.Flow.Questions)),
			CurrentQuestionIndex: d.Flow.Cursor,
			Answers:              d.Flow.Answers,
			Complete:             d.Flow.IsComplete(),
		}
		for _, q := range d.Flow.Questions {
			cl.Questions = append(cl.Questions, questionResponse(q))
		}
		resp.Clarification = cl
	}
	if q, ok := d.CurrentQuestion(); ok && d.Status == domain.StatusPendingApproval {
		qr := questionResponse(q)
		resp.CurrentQuestion = &qr
	}
	if d.ImageAnalysis != nil {
		resp.ImageAnalysis = &ImageAnalysisResponse{
			DetectedType:  string(d.ImageAnalysis.DetectedType),
			ExtractedText: d.ImageAnalysis.ExtractedText,
			Fields:        d.ImageAnalysis.Fields,
			Confidence:    d.ImageAnalysis.Confidence,
		}
	}
	return resp
}

func mapDrafts(items []domain.PendingDraft, now time.Time) []DraftResponse {
	out := make([]DraftResponse, 0, len(items))
	for _, d := range items {
		out = append(out, draftResponse(d, now))
	}
	return out
}

func feedbackResponse(rec domain.FeedbackRecord) FeedbackResponse {
	return FeedbackResponse{
		ID:        rec.ID,
		DraftID:   rec.DraftID,
		Action:    string(rec.Action),
		DraftType: string(rec.DraftType),
		Diff:      rec.Diff,
		Metadata:  rec.Metadata,
		CreatedAt: repo.FormatTime(rec.CreatedAt),
	}
}

func contentMap(c draft.Content) map[string]any {
	out := map[string]any{}
	if c == nil {
		return out
	}
	data, err := json.Marshal(c)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
