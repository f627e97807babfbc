package interpret

import (
	"context"
	"strings"

	"commandcenter/internal/draft"
)

// Interpreter turns raw user input into a Result. Implementations may block
// for arbitrary time and must honor ctx cancellation.
type Interpreter interface {
	Interpret(ctx context.Context, in Input) (Result, error)
}

// Func adapts a plain function to Interpreter.
type Func func(ctx context.Context, in Input) (Result, error)

func (f Func) Interpret(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

type Input struct {
	UserID      string
	Text        string
	Attachments []Attachment
	// Hints are recent user corrections used to steer extraction.
	Hints []Hint
}

type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func (a Attachment) IsAudio() bool { return strings.HasPrefix(a.MIMEType, "audio/") }
func (a Attachment) IsImage() bool { return strings.HasPrefix(a.MIMEType, "image/") }

// Hint records a past user edit: for drafts of Type, Field was changed
// from From to To.
type Hint struct {
	Type  draft.Type `json:"type"`
	Field string     `json:"field"`
	From  string     `json:"from"`
	To    string     `json:"to"`
}

func (in Input) hasAudio() bool {
	for _, a := range in.Attachments {
		if a.IsAudio() {
			return true
		}
	}
	return false
}

func (in Input) hasImage() bool {
	for _, a := range in.Attachments {
		if a.IsImage() {
			return true
		}
	}
	return false
}
