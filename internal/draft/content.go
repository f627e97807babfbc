package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Content is the typed payload of a draft. Each variant knows how to absorb
// a clarification answer and how to present itself to its domain service.
type Content interface {
	Type() Type
	// MergeAnswer stores value into the named field, normalizing it.
	MergeAnswer(field, value string) error
	// CreationRequest validates required fields and returns the request
	// handed to the domain-creation collaborator.
	CreationRequest() (CreationRequest, error)
}

// CreationRequest is what a domain-creation collaborator receives.
type CreationRequest struct {
	Type    Type            `json:"type"`
	Title   string          `json:"title"`
	Payload json.RawMessage `json:"payload"`
	// IdempotencyKey is the draft id; a service seeing it twice must return
	// the entity it already created.
	IdempotencyKey string `json:"-"`
}

var ErrUnknownField = errors.New("unknown field")

// FieldError reports an invalid or missing field value.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

const dateLayout = "2006-01-02"

var (
	reAmount   = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)
	reCurrency = regexp.MustCompile(`^[A-Z]{3}$`)
)

// New returns an empty payload for t.
func New(t Type) (Content, error) {
	switch t {
	case TypeTask:
		return &Task{}, nil
	case TypeEpic:
		return &Epic{}, nil
	case TypeChallenge:
		return &Challenge{}, nil
	case TypeEvent:
		return &Event{}, nil
	case TypeBill:
		return &Bill{}, nil
	case TypeNote:
		return &Note{}, nil
	case TypeClarificationNeeded:
		return &Unresolved{}, nil
	}
	return nil, fmt.Errorf("unknown draft type %q", t)
}

type Task struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Priority    string `json:"priority,omitempty"`
	EpicID      string `json:"epic_id,omitempty"`
}

func (*Task) Type() Type { return TypeTask }

func (t *Task) MergeAnswer(field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case "title":
		t.Title = value
	case "description":
		t.Description = value
	case "due_date":
		d, err := normalizeDate(field, value)
		if err != nil {
			return err
		}
		t.DueDate = d
	case "priority":
		p := strings.ToLower(value)
		if !oneOf(p, "low", "medium", "high", "urgent") {
			return FieldError{Field: field, Reason: "must be low, medium, high or urgent"}
		}
		t.Priority = p
	case "epic_id":
		t.EpicID = value
	default:
		return unknownField(TypeTask, field)
	}
	return nil
}

func (t *Task) CreationRequest() (CreationRequest, error) {
	out := Task{Description: t.Description, EpicID: strings.TrimSpace(t.EpicID)}
	if err := mergeSet(&out, map[string]string{"title": t.Title, "due_date": t.DueDate, "priority": t.Priority}); err != nil {
		return CreationRequest{}, err
	}
	if out.Title == "" {
		return CreationRequest{}, FieldError{Field: "title", Reason: "required"}
	}
	return newRequest(TypeTask, out.Title, &out)
}

type Epic struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TargetDate  string `json:"target_date,omitempty"`
}

func (*Epic) Type() Type { return TypeEpic }

func (e *Epic) MergeAnswer(field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case "title":
		e.Title = value
	case "description":
		e.Description = value
	case "target_date":
		d, err := normalizeDate(field, value)
		if err != nil {
			return err
		}
		e.TargetDate = d
	default:
		return unknownField(TypeEpic, field)
	}
	return nil
}

func (e *Epic) CreationRequest() (CreationRequest, error) {
	out := Epic{Description: e.Description}
	if err := mergeSet(&out, map[string]string{"title": e.Title, "target_date": e.TargetDate}); err != nil {
		return CreationRequest{}, err
	}
	if out.Title == "" {
		return CreationRequest{}, FieldError{Field: "title", Reason: "required"}
	}
	return newRequest(TypeEpic, out.Title, &out)
}

type Challenge struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
	StartDate    string `json:"start_date,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
}

func (*Challenge) Type() Type { return TypeChallenge }

func (c *Challenge) MergeAnswer(field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case "title":
		c.Title = value
	case "description":
		c.Description = value
	case "duration_days":
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSuffix(value, " days"), "d"))
		if err != nil || n <= 0 {
			return FieldError{Field: field, Reason: "must be a positive number of days"}
		}
		c.DurationDays = n
	case "start_date":
		d, err := normalizeDate(field, value)
		if err != nil {
			return err
		}
		c.StartDate = d
	case "frequency":
		f := strings.ToLower(value)
		if !oneOf(f, "daily", "weekly") {
			return FieldError{Field: field, Reason: "must be daily or weekly"}
		}
		c.Frequency = f
	default:
		return unknownField(TypeChallenge, field)
	}
	return nil
}

func (c *Challenge) CreationRequest() (CreationRequest, error) {
	if c.DurationDays < 0 {
		return CreationRequest{}, FieldError{Field: "duration_days", Reason: "must be a positive number of days"}
	}
	out := Challenge{Description: c.Description, DurationDays: c.DurationDays}
	if err := mergeSet(&out, map[string]string{"title": c.Title, "start_date": c.StartDate, "frequency": c.Frequency}); err != nil {
		return CreationRequest{}, err
	}
	if out.Title == "" {
		return CreationRequest{}, FieldError{Field: "title", Reason: "required"}
	}
	return newRequest(TypeChallenge, out.Title, &out)
}

type Event struct {
	Title       string `json:"title"`
	StartsAt    string `json:"starts_at"`
	EndsAt      string `json:"ends_at,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

func (*Event) Type() Type { return TypeEvent }

func (e *Event) MergeAnswer(field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case "title":
		e.Title = value
	case "starts_at", "ends_at":
		ts, err := normalizeTimestamp(field, value)
		if err != nil {
			return err
		}
		if field == "starts_at" {
			e.StartsAt = ts
		} else {
			e.EndsAt = ts
		}
	case "location":
		e.Location = value
	case "description":
		e.Description = value
	default:
		return unknownField(TypeEvent, field)
	}
	return nil
}

func (e *Event) CreationRequest() (CreationRequest, error) {
	out := Event{Location: strings.TrimSpace(e.Location), Description: e.Description}
	if err := mergeSet(&out, map[string]string{"title": e.Title, "starts_at": e.StartsAt, "ends_at": e.EndsAt}); err != nil {
		return CreationRequest{}, err
	}
	if out.Title == "" {
		return CreationRequest{}, FieldError{Field: "title", Reason: "required"}
	}
	if out.StartsAt == "" {
		return CreationRequest{}, FieldError{Field: "starts_at", Reason: "required"}
	}
	if out.EndsAt != "" {
		start, _ := time.Parse(time.RFC3339, out.StartsAt)
		end, _ := time.Parse(time.RFC3339, out.EndsAt)
		if end.Before(start) {
			return CreationRequest{}, FieldError{Field: "ends_at", Reason: "must not be before starts_at"}
		}
	}
	return newRequest(TypeEvent, out.Title, &out)
}

type Bill struct {
	Payee      string `json:"payee"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
	Recurrence string `json:"recurrence,omitempty"`
}

func (*Bill) Type() Type { return TypeBill }

func (b *Bill) MergeAnswer(field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case "payee":
		b.Payee = value
	case "amount":
		amt, err := normalizeAmount(value)
		if err != nil {
			return err
		}
		b.Amount = amt
	case "currency":
		c := strings.ToUpper(value)
		if !reCurrency.MatchString(c) {
			return FieldError{Field: field, Reason: "must be a 3-letter ISO 4217 code"}
		}
		b.Currency = c
	case "due_date":
		d, err := normalizeDate(field, value)
		if err != nil {
			return err
		}
		b.DueDate = d
	case "recurrence":
		r := strings.ToLower(value)
		if !oneOf(r, "none", "weekly", "monthly", "yearly") {
			return FieldError{Field: field, Reason: "must be none, weekly, monthly or yearly"}
		}
		b.Recurrence = r
	default:
		return unknownField(TypeBill, field)
	}
	return nil
}

func (b *Bill) CreationRequest() (CreationRequest, error) {
	var out Bill
	err := mergeSet(&out, map[string]string{
		"payee":      b.Payee,
		"amount":     b.Amount,
		"currency":   b.Currency,
		"due_date":   b.DueDate,
		"recurrence": b.Recurrence,
	})
	if err != nil {
		return CreationRequest{}, err
	}
	if out.Payee == "" {
		return CreationRequest{}, FieldError{Field: "payee", Reason: "required"}
	}
	if out.Amount == "" {
		return CreationRequest{}, FieldError{Field: "amount", Reason: "required"}
	}
	if out.Currency == "" {
		out.Currency = "USD"
	}
	return newRequest(TypeBill, out.Payee, &out)
}

type Note struct {
	Title string   `json:"title,omitempty"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

func (*Note) Type() Type { return TypeNote }

func (n *Note) MergeAnswer(field, value string) error {
	value = strings.TrimSpace(value)
	switch field {
	case "title":
		n.Title = value
	case "body":
		n.Body = value
	case "tags":
		for _, tag := range strings.Split(value, ",") {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag != "" && !oneOf(tag, n.Tags...) {
				n.Tags = append(n.Tags, tag)
			}
		}
	default:
		return unknownField(TypeNote, field)
	}
	return nil
}

func (n *Note) CreationRequest() (CreationRequest, error) {
	out := Note{}
	if err := mergeSet(&out, map[string]string{"title": n.Title, "body": n.Body, "tags": strings.Join(n.Tags, ",")}); err != nil {
		return CreationRequest{}, err
	}
	if out.Body == "" {
		return CreationRequest{}, FieldError{Field: "body", Reason: "required"}
	}
	title := out.Title
	if title == "" {
		title = firstLine(out.Body, 60)
	}
	return newRequest(TypeNote, title, &out)
}

// Unresolved is the payload of a CLARIFICATION_NEEDED draft: the interpreter
// could not settle on a type, so answers are parked as free fields until the
// draft is retyped.
type Unresolved struct {
	Text   string            `json:"text,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (*Unresolved) Type() Type { return TypeClarificationNeeded }

func (u *Unresolved) MergeAnswer(field, value string) error {
	if field == "" {
		return FieldError{Field: field, Reason: "field name required"}
	}
	if u.Fields == nil {
		u.Fields = map[string]string{}
	}
	u.Fields[field] = strings.TrimSpace(value)
	return nil
}

func (u *Unresolved) CreationRequest() (CreationRequest, error) {
	return CreationRequest{}, FieldError{Field: "draft_type", Reason: "draft type unresolved; answer the type question or modify the draft"}
}

// Fields returns the sorted field names of a content value as they appear in
// its JSON form.
func Fields(c Content) []string {
	m, err := asMap(c)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mergeSet replays the non-empty fields through MergeAnswer so content that
// arrived as raw JSON gets the same checks as answered questions.
func mergeSet(c Content, fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for name, v := range fields {
		if strings.TrimSpace(v) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.MergeAnswer(name, fields[name]); err != nil {
			return err
		}
	}
	return nil
}

func newRequest(t Type, title string, v any) (CreationRequest, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return CreationRequest{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return CreationRequest{Type: t, Title: title, Payload: b}, nil
}

func unknownField(t Type, field string) error {
	return fmt.Errorf("%w %q for %s", ErrUnknownField, field, t)
}

func normalizeDate(field, value string) (string, error) {
	for _, layout := range []string{dateLayout, time.RFC3339, "2006/01/02", "01/02/2006"} {
		if d, err := time.Parse(layout, value); err == nil {
			return d.Format(dateLayout), nil
		}
	}
	return "", FieldError{Field: field, Reason: "must be a date (YYYY-MM-DD)"}
}

func normalizeTimestamp(field, value string) (string, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC().Format(time.RFC3339), nil
	}
	if d, err := time.Parse(dateLayout, value); err == nil {
		return d.UTC().Format(time.RFC3339), nil
	}
	return "", FieldError{Field: field, Reason: "must be an RFC3339 timestamp"}
}

func normalizeAmount(value string) (string, error) {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "$")
	v = strings.ReplaceAll(v, ",", "")
	if !reAmount.MatchString(v) {
		return "", FieldError{Field: "amount", Reason: "must be a positive decimal amount"}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return "", FieldError{Field: "amount", Reason: "must be a positive decimal amount"}
	}
	return strconv.FormatFloat(f, 'f', 2, 64), nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > max {
		s = strings.TrimSpace(string([]rune(s)[:max]))
	}
	return s
}
