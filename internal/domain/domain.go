package domain

import (
	"time"

	"commandcenter/internal/clarify"
	"commandcenter/internal/draft"
	"commandcenter/internal/interpret"
)

type DraftStatus string

const (
	StatusPendingApproval DraftStatus = "PENDING_APPROVAL"
	StatusApproved        DraftStatus = "APPROVED"
	StatusModified        DraftStatus = "MODIFIED"
	StatusRejected        DraftStatus = "REJECTED"
	StatusExpired         DraftStatus = "EXPIRED"
)

var DraftStatuses = []DraftStatus{
	StatusPendingApproval,
	StatusApproved,
	StatusModified,
	StatusRejected,
	StatusExpired,
}

// Terminal reports whether no further transition is allowed.
func (s DraftStatus) Terminal() bool { return s != StatusPendingApproval }

func (s DraftStatus) Valid() bool {
	for _, k := range DraftStatuses {
		if s == k {
			return true
		}
	}
	return false
}

// PendingDraft is the persisted draft aggregate. Content and Flow change
// only while the status is PENDING_APPROVAL.
type PendingDraft struct {
	ID                 string                   `json:"id"`
	OwnerID            string                   `json:"owner_id"`
	Type               draft.Type               `json:"draft_type"`
	Status             DraftStatus              `json:"status"`
	Content            draft.Content            `json:"draft_content"`
	Interpretation     interpret.Status         `json:"interpretation_status"`
	Confidence         float64                  `json:"confidence_score"`
	Reasoning          string                   `json:"ai_reasoning,omitempty"`
	Suggestions        []string                 `json:"suggestions,omitempty"`
	Flow               *clarify.Flow            `json:"clarification_flow,omitempty"`
	ImageAnalysis      *interpret.ImageAnalysis `json:"image_analysis,omitempty"`
	OriginalText       string                   `json:"original_input_text,omitempty"`
	VoiceTranscription string                   `json:"voice_transcription,omitempty"`
	AttachmentCount    int                      `json:"attachment_count"`
	ProcessedAt        time.Time                `json:"processed_at"`
	ApprovedAt         *time.Time               `json:"approved_at,omitempty"`
	CreatedEntityID    string                   `json:"created_entity_id,omitempty"`
	ExpiresAt          time.Time                `json:"expires_at"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
	Version            int                      `json:"version"`
}

// IsExpired is a pure timestamp comparison; it may be true while the stored
// status is still PENDING_APPROVAL.
func (d *PendingDraft) IsExpired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// CurrentQuestion returns the open clarification question, if any.
func (d *PendingDraft) CurrentQuestion() (clarify.Question, bool) {
	if d.Flow == nil {
		return clarify.Question{}, false
	}
	return d.Flow.Current()
}

// AwaitingAnswers reports whether a clarification flow is still open.
func (d *PendingDraft) AwaitingAnswers() bool {
	return d.Flow != nil && !d.Flow.IsComplete()
}

type FeedbackAction string

const (
	ActionApproved FeedbackAction = "APPROVED"
	ActionModified FeedbackAction = "MODIFIED"
	ActionRejected FeedbackAction = "REJECTED"
)

func ParseFeedbackAction(s string) (FeedbackAction, bool) {
	switch a := FeedbackAction(s); a {
	case ActionApproved, ActionModified, ActionRejected:
		return a, true
	}
	return "", false
}

// FieldChange is one field edit captured when a draft is modified.
type FieldChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FeedbackRecord is written once per terminal user action and never changed.
type FeedbackRecord struct {
	ID        string                 `json:"id"`
	DraftID   string                 `json:"draft_id"`
	UserID    string                 `json:"user_id"`
	Action    FeedbackAction         `json:"action"`
	DraftType draft.Type             `json:"draft_type"`
	Diff      map[string]FieldChange `json:"diff,omitempty"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
