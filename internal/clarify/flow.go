package clarify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxQuestions bounds a flow when no explicit cap is configured.
const DefaultMaxQuestions = 5

var (
	// ErrComplete is returned when answering a flow with no open question.
	ErrComplete = errors.New("clarification flow already complete")
	// ErrInvalidAnswer wraps answers that do not fit the question kind.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrWrongQuestion is returned when an answer names a question other than the current one.
	ErrWrongQuestion = errors.New("answer does not match the current question")
)

type Kind string

const (
	KindText    Kind = "text"
	KindChoice  Kind = "choice"
	KindDate    Kind = "date"
	KindNumber  Kind = "number"
	KindConfirm Kind = "confirm"
)

// Question asks for one draft field.
type Question struct {
	ID       string   `json:"id"`
	Field    string   `json:"field"`
	Prompt   string   `json:"prompt"`
	Kind     Kind     `json:"kind"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
}

// Answer is one user reply. QuestionID is optional; when set it must name the
// current question.
type Answer struct {
	QuestionID string `json:"question_id,omitempty"`
	Value      string `json:"value"`
}

// Flow is a bounded, ordered question sequence. Cursor only moves forward
// through Advance.
type Flow struct {
	ID          string            `json:"flow_id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Questions   []Question        `json:"questions"`
	Cursor      int               `json:"current_question_index"`
	Answers     map[string]string `json:"answers,omitempty"`
}

// New builds a flow with a fresh id. Question ids left blank are derived
// from their position.
func New(title, description string, questions []Question) *Flow {
	qs := make([]Question, len(questions))
	copy(qs, questions)
	for i := range qs {
		if qs[i].ID == "" {
			qs[i].ID = fmt.Sprintf("q%d", i+1)
		}
		if qs[i].Kind == "" {
			qs[i].Kind = KindText
		}
	}
	return &Flow{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Questions:   qs,
	}
}

func (f *Flow) IsComplete() bool {
	return f.Cursor >= len(f.Questions)
}

// Current returns the open question, or false when the flow is complete.
func (f *Flow) Current() (Question, bool) {
	if f.IsComplete() {
		return Question{}, false
	}
	return f.Questions[f.Cursor], true
}

func (f *Flow) Remaining() int {
	if r := len(f.Questions) - f.Cursor; r > 0 {
		return r
	}
	return 0
}

// Advance checks the answer against the current question, records it and
// moves the cursor one step. On error the flow is left untouched. The
// returned question is the one that was answered; its normalized value is
// stored in Answers under the question id.
func (f *Flow) Advance(a Answer) (Question, error) {
	q, ok := f.Current()
	if !ok {
		return Question{}, ErrComplete
	}
	if a.QuestionID != "" && a.QuestionID != q.ID {
		return Question{}, fmt.Errorf("%w: expected %q, got %q", ErrWrongQuestion, q.ID, a.QuestionID)
	}
	value, err := normalize(q, a.Value)
	if err != nil {
		return Question{}, err
	}
	if f.Answers == nil {
		f.Answers = map[string]string{}
	}
	f.Answers[q.ID] = value
	f.Cursor++
	return q, nil
}

// Validate checks the construction precondition: at most max questions,
// unique ids, every question bound to a field, choice questions carry
// options and the cursor lies within range.
func (f *Flow) Validate(max int) error {
	if max <= 0 {
		max = DefaultMaxQuestions
	}
	if len(f.Questions) > max {
		return fmt.Errorf("flow has %d questions, limit is %d", len(f.Questions), max)
	}
	if f.Cursor < 0 || f.Cursor > len(f.Questions) {
		return fmt.Errorf("flow cursor %d out of range [0,%d]", f.Cursor, len(f.Questions))
	}
	seen := make(map[string]struct{}, len(f.Questions))
	for i, q := range f.Questions {
		if q.ID == "" {
			return fmt.Errorf("question %d: id required", i)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("question %d: duplicate id %q", i, q.ID)
		}
		seen[q.ID] = struct{}{}
		if q.Field == "" {
			return fmt.Errorf("question %q: field required", q.ID)
		}
		switch q.Kind {
		case KindText, KindDate, KindNumber, KindConfirm, "":
		case KindChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("question %q: choice without options", q.ID)
			}
		default:
			return fmt.Errorf("question %q: unknown kind %q", q.ID, q.Kind)
		}
	}
	return nil
}

func normalize(q Question, raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		if q.Required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidAnswer, q.Field)
		}
		return "", nil
	}
	switch q.Kind {
	case KindChoice:
		for _, o := range q.Options {
			if strings.EqualFold(o, v) {
				return o, nil
			}
		}
		return "", fmt.Errorf("%w: choose one of %s", ErrInvalidAnswer, strings.Join(q.Options, ", "))
	case KindDate:
		if _, err := time.Parse("2006-01-02", v); err == nil {
			return v, nil
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UTC().Format(time.RFC3339), nil
		}
		return "", fmt.Errorf("%w: %s must be a date (YYYY-MM-DD)", ErrInvalidAnswer, q.Field)
	case KindNumber:
		clean := strings.ReplaceAll(strings.TrimPrefix(v, "$"), ",", "")
		if _, err := strconv.ParseFloat(clean, 64); err != nil {
			return "", fmt.Errorf("%w: %s must be a number", ErrInvalidAnswer, q.Field)
		}
		return clean, nil
	case KindConfirm:
		switch strings.ToLower(v) {
		case "y", "yes", "true", "ok", "confirm":
			return "yes", nil
		case "n", "no", "false", "cancel":
			return "no", nil
		}
		return "", fmt.Errorf("%w: answer yes or no", ErrInvalidAnswer)
	}
	return v, nil
}
