package commandcentersdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Command Center HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Question is one clarification question.
type Question struct {
	ID       string   `json:"id"`
	Field    string   `json:"field"`
	Prompt   string   `json:"prompt"`
	Kind     string   `json:"kind"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

// Clarification is the draft's question flow.
type Clarification struct {
	FlowID               string            `json:"flow_id"`
	Title                string            `json:"title,omitempty"`
	Questions            []Question        `json:"questions"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	Answers              map[string]string `json:"answers,omitempty"`
	Complete             bool              `json:"complete"`
}

// Draft represents the API draft model.
type Draft struct {
	ID                   string         `json:"id"`
	DraftType            string         `json:"draft_type"`
	Status               string         `json:"status"`
	Content              map[string]any `json:"content"`
	InterpretationStatus string         `json:"interpretation_status"`
	ConfidenceScore      float64        `json:"confidence_score"`
	AIReasoning          string         `json:"ai_reasoning,omitempty"`
	Suggestions          []string       `json:"suggestions"`
	Clarification        *Clarification `json:"clarification,omitempty"`
	CurrentQuestion      *Question      `json:"current_question,omitempty"`
	OriginalInputText    string         `json:"original_input_text,omitempty"`
	VoiceTranscription   string         `json:"voice_transcription,omitempty"`
	AttachmentCount      int            `json:"attachment_count"`
	CreatedEntityID      string         `json:"created_entity_id,omitempty"`
	ApprovedAt           string         `json:"approved_at,omitempty"`
	ExpiresAt            string         `json:"expires_at"`
	Expired              bool           `json:"expired"`
	CreatedAt            string         `json:"created_at"`
	UpdatedAt            string         `json:"updated_at"`
	Version              int            `json:"version"`
}

// PaginatedDrafts wraps list responses with cursors.
type PaginatedDrafts struct {
	Items      []Draft `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// FieldChange is one edited field of a modified draft.
type FieldChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Feedback is one recorded approve/modify/reject action.
type Feedback struct {
	ID        string                 `json:"id"`
	DraftID   string                 `json:"draft_id"`
	Action    string                 `json:"action"`
	DraftType string                 `json:"draft_type"`
	Diff      map[string]FieldChange `json:"diff,omitempty"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

// Attachment is a file sent with a submission.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// SubmitRequest is the raw input for a new draft.
type SubmitRequest struct {
	Text               string
	VoiceTranscription string
	Attachments        []Attachment
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/health", nil, nil)
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/auth/dev/login", map[string]any{"user_id": userID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Me returns the authenticated user id.
func (c *Client) Me(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
	return resp.UserID, err
}

// SubmitDraft interprets input into a pending draft.
func (c *Client) SubmitDraft(ctx context.Context, in SubmitRequest) (Draft, error) {
	body := map[string]any{}
	if in.Text != "" {
		body["text"] = in.Text
	}
	if in.VoiceTranscription != "" {
		body["voice_transcription"] = in.VoiceTranscription
	}
	if len(in.Attachments) > 0 {
		items := make([]map[string]any, 0, len(in.Attachments))
		for _, a := range in.Attachments {
			items = append(items, map[string]any{
				"name":      a.Name,
				"mime_type": a.MIMEType,
				"data":      base64.StdEncoding.EncodeToString(a.Data),
			})
		}
		body["attachments"] = items
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, "v1/drafts", body, &resp)
	return resp, err
}

// ListDrafts returns one page of drafts. status may be empty.
func (c *Client) ListDrafts(ctx context.Context, status string, limit int, cursor string) (PaginatedDrafts, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/drafts"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedDrafts
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetDraft fetches a draft by id.
func (c *Client) GetDraft(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, draftPath(id, ""), nil, &resp)
	return resp, err
}

// Answer answers the draft's current question. questionID may be empty.
func (c *Client) Answer(ctx context.Context, id, questionID, value string) (Draft, error) {
	body := map[string]any{"value": value}
	if questionID != "" {
		body["question_id"] = questionID
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, draftPath(id, "answers"), body, &resp)
	return resp, err
}

// Approve creates the draft's entity as interpreted.
func (c *Client) Approve(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, draftPath(id, "approve"), nil, &resp)
	return resp, err
}

// Modify creates the entity from edited content. draftType may be empty to
// keep the current type.
func (c *Client) Modify(ctx context.Context, id, draftType string, content map[string]any) (Draft, error) {
	body := map[string]any{"content": content}
	if draftType != "" {
		body["draft_type"] = draftType
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, draftPath(id, "modify"), body, &resp)
	return resp, err
}

// Reject closes the draft without creating anything.
func (c *Client) Reject(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, draftPath(id, "reject"), nil, &resp)
	return resp, err
}

// Feedback lists feedback records. action may be empty.
func (c *Client) Feedback(ctx context.Context, action string, limit int) ([]Feedback, error) {
	q := url.Values{}
	if action != "" {
		q.Set("action", action)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "v1/feedback"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Feedback `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ExportFeedback downloads the feedback log as an xlsx workbook.
func (c *Client) ExportFeedback(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "v1/feedback/export", nil, &buf)
	return buf.Bytes(), err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Retryable, _ = env.Error.Details["retryable"].(bool)
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func draftPath(id, suffix string) string {
	p := "v1/drafts/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
