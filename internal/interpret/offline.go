package interpret

import (
	"context"
	"strings"

	"commandcenter/internal/clarify"
	"commandcenter/internal/draft"
)

// Offline is a deterministic interpreter used when no model is configured.
// Every text becomes a READY note; input without text asks for one.
type Offline struct{}

func (Offline) Interpret(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		flow := clarify.New("Describe the attachment", "No text was provided with the upload.", []clarify.Question{
			{Field: "body", Prompt: "What should this note say?", Kind: clarify.KindText, Required: true},
		})
		return NeedsClarification(draft.TypeNote, &draft.Note{}, "input carried no text", flow), nil
	}
	note := &draft.Note{Body: text}
	for _, word := range strings.Fields(text) {
		if strings.HasPrefix(word, "#") && len(word) > 1 {
			_ = note.MergeAnswer("tags", strings.TrimPrefix(word, "#"))
		}
	}
	return Ready(draft.TypeNote, 0.6, note, "offline interpreter files free text as a note", nil), nil
}
