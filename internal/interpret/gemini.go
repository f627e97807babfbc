package interpret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	genai "google.golang.org/genai"

	"commandcenter/internal/clarify"
	"commandcenter/internal/draft"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// generator sends prompt parts to a model and returns its JSON text.
type generator interface {
	GenerateJSON(ctx context.Context, parts []*genai.Part) (string, error)
}

type genaiGenerator struct {
	cli   *genai.Client
	model string
}

func (g genaiGenerator) GenerateJSON(ctx context.Context, parts []*genai.Part) (string, error) {
	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Role: "user", Parts: parts}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrMalformed)
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// Gemini interprets input with a Gemini model, sending text and attachments
// as inline parts and validating the JSON it returns.
type Gemini struct {
	gen          generator
	Model        string
	MaxQuestions int
	MaxAttempts  int
	Backoff      time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{gen: genaiGenerator{cli: cli, model: model}, Model: model}, nil
}

func (g *Gemini) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *Gemini) Interpret(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return Result{}, errors.New("nothing to interpret")
	}
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := g.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	max := g.MaxQuestions
	if max <= 0 {
		max = clarify.DefaultMaxQuestions
	}
	parts := g.parts(in, max)
	reqID := uuid.NewString()
	log := g.logger().With("req_id", reqID, "user_id", in.UserID, "model", g.Model)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		log.Info("interpret.gemini.request", "attempt", attempt, "parts", len(parts))
		raw, err := g.gen.GenerateJSON(ctx, parts)
		if err == nil {
			var res Result
			res, err = DecodeJSON([]byte(raw), max)
			if err == nil {
				log.Info("interpret.gemini.ok",
					"status", res.Status,
					"draft_type", res.SuggestedType,
					"confidence", res.Confidence,
					"elapsed_ms", time.Since(start).Milliseconds(),
				)
				return res, nil
			}
		}
		lastErr = err
		log.Warn("interpret.gemini.retry", "attempt", attempt, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff * time.Duration(1<<(attempt-1))):
		}
	}
	return Result{}, fmt.Errorf("gemini interpretation failed after %d attempts: %w", attempts, lastErr)
}

func (g *Gemini) parts(in Input, maxQuestions int) []*genai.Part {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	parts := []*genai.Part{{Text: buildPrompt(in, maxQuestions, now())}}
	for _, a := range in.Attachments {
		if len(a.Data) == 0 {
			continue
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: a.MIMEType, Data: a.Data}})
	}
	return parts
}

var typeFields = map[draft.Type]string{
	draft.TypeTask:                "title (required), description, due_date (YYYY-MM-DD), priority (low|medium|high|urgent), epic_id",
	draft.TypeEpic:                "title (required), description, target_date (YYYY-MM-DD)",
	draft.TypeChallenge:           "title (required), description, duration_days (integer > 0), start_date (YYYY-MM-DD), frequency (daily|weekly)",
	draft.TypeEvent:               "title (required), starts_at (RFC3339, required), ends_at (RFC3339), location, description",
	draft.TypeBill:                "payee (required), amount (decimal string > 0, required), currency (ISO 4217), due_date (YYYY-MM-DD), recurrence (none|weekly|monthly|yearly)",
	draft.TypeNote:                "title, body (required), tags (array of strings)",
	draft.TypeClarificationNeeded: "text (the original request), fields (object of string values already understood)",
}

func buildPrompt(in Input, maxQuestions int, now time.Time) string {
	var b strings.Builder
	b.WriteString("You turn a personal-productivity request into one structured draft.\n")
	fmt.Fprintf(&b, "Current time: %s\n\n", now.UTC().Format(time.RFC3339))
	b.WriteString("Draft types and their fields:\n")
	for _, t := range draft.Types {
		fmt.Fprintf(&b, "- %s: %s\n", t, typeFields[t])
	}
	b.WriteString("\nRespond with a single JSON object:\n")
	b.WriteString(`{"status": "READY|NEEDS_CLARIFICATION|SUGGEST_ALTERNATIVE", "suggested_type": "<type>", "confidence": 0..1, "draft": {<fields of suggested_type>}, "reasoning": "...", "suggestions": ["..."], "clarification": {"title": "...", "description": "...", "questions": [{"field": "<draft field or draft_type>", "prompt": "...", "kind": "text|choice|date|number|confirm", "options": ["..."], "required": true}]}, "image_analysis": {"detected_type": "...", "extracted_text": "...", "fields": {}, "confidence": 0..1}, "transcription": "..."}`)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- READY: every required field is known; omit clarification.\n")
	fmt.Fprintf(&b, "- NEEDS_CLARIFICATION: confidence at most 0.5; ask at most %d questions, one per missing field.\n", maxQuestions)
	b.WriteString("- If the type itself is unclear use suggested_type CLARIFICATION_NEEDED and ask a choice question on field draft_type.\n")
	b.WriteString("- SUGGEST_ALTERNATIVE: a different action fits better; list it in suggestions and add a confirm question.\n")
	if in.hasImage() {
		b.WriteString("- An image is attached: fill image_analysis with what you read from it.\n")
	}
	if in.hasAudio() {
		b.WriteString("- A voice recording is attached: put its verbatim text in transcription and interpret that text.\n")
	}
	if len(in.Hints) > 0 {
		b.WriteString("\nThis user previously corrected drafts like this:\n")
		for _, h := range in.Hints {
			fmt.Fprintf(&b, "- %s.%s: %q -> %q\n", h.Type, h.Field, h.From, h.To)
		}
	}
	b.WriteString("\n[REQUEST]\n")
	b.WriteString(strings.TrimSpace(in.Text))
	return b.String()
}
