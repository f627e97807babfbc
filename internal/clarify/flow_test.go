package clarify_test

import (
	"errors"
	"testing"

	"pgregory.net/rapid"

	"commandcenter/internal/clarify"
)

func twoQuestions() *clarify.Flow {
	return clarify.New("About mom", "", []clarify.Question{
		{Field: "draft_type", Prompt: "What should this become?", Kind: clarify.KindChoice, Options: []string{"TASK", "EVENT", "NOTE"}, Required: true},
		{Field: "due_date", Prompt: "When?", Kind: clarify.KindDate},
	})
}

func TestAdvanceWalksQuestions(t *testing.T) {
	f := twoQuestions()
	if f.Cursor != 0 || f.IsComplete() || f.Remaining() != 2 {
		t.Fatalf("fresh flow state: cursor=%d remaining=%d", f.Cursor, f.Remaining())
	}
	q, err := f.Advance(clarify.Answer{Value: "task"})
	if err != nil {
		t.Fatalf("answer 1: %v", err)
	}
	if q.Field != "draft_type" || f.Answers[q.ID] != "TASK" {
		t.Fatalf("choice not normalized: %+v %v", q, f.Answers)
	}
	if f.Cursor != 1 || f.IsComplete() {
		t.Fatalf("after first answer: cursor=%d complete=%v", f.Cursor, f.IsComplete())
	}
	if _, err := f.Advance(clarify.Answer{QuestionID: "q2", Value: "2026-11-06"}); err != nil {
		t.Fatalf("answer 2: %v", err)
	}
	if f.Cursor != 2 || !f.IsComplete() || f.Remaining() != 0 {
		t.Fatalf("after second answer: cursor=%d", f.Cursor)
	}
	if _, ok := f.Current(); ok {
		t.Fatalf("complete flow has no current question")
	}
	if _, err := f.Advance(clarify.Answer{Value: "more"}); !errors.Is(err, clarify.ErrComplete) {
		t.Fatalf("expected ErrComplete, got %v", err)
	}
}

func TestAdvanceRejectsWithoutMoving(t *testing.T) {
	cases := []struct {
		name   string
		answer clarify.Answer
		want   error
	}{
		{"not an option", clarify.Answer{Value: "BILL"}, clarify.ErrInvalidAnswer},
		{"required blank", clarify.Answer{Value: "  "}, clarify.ErrInvalidAnswer},
		{"wrong question", clarify.Answer{QuestionID: "q2", Value: "TASK"}, clarify.ErrWrongQuestion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := twoQuestions()
			if _, err := f.Advance(tc.answer); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if f.Cursor != 0 || len(f.Answers) != 0 {
				t.Fatalf("flow moved on rejected answer")
			}
		})
	}
}

func TestAnswerKinds(t *testing.T) {
	f := clarify.New("", "", []clarify.Question{
		{Field: "amount", Kind: clarify.KindNumber},
		{Field: "confirm", Kind: clarify.KindConfirm},
		{Field: "note"},
	})
	if _, err := f.Advance(clarify.Answer{Value: "twelve"}); err == nil {
		t.Fatalf("expected number error")
	}
	if _, err := f.Advance(clarify.Answer{Value: "$1,200.50"}); err != nil {
		t.Fatal(err)
	}
	if f.Answers["q1"] != "1200.50" {
		t.Fatalf("number not cleaned: %q", f.Answers["q1"])
	}
	if _, err := f.Advance(clarify.Answer{Value: "Y"}); err != nil {
		t.Fatal(err)
	}
	if f.Answers["q2"] != "yes" {
		t.Fatalf("confirm not normalized: %q", f.Answers["q2"])
	}
	// optional text accepts blank
	if _, err := f.Advance(clarify.Answer{}); err != nil {
		t.Fatal(err)
	}
	if !f.IsComplete() {
		t.Fatalf("expected complete")
	}
}

func TestValidate(t *testing.T) {
	if err := twoQuestions().Validate(5); err != nil {
		t.Fatalf("valid flow: %v", err)
	}
	if err := twoQuestions().Validate(1); err == nil {
		t.Fatalf("expected cap violation")
	}
	dup := clarify.New("", "", []clarify.Question{{ID: "a", Field: "x"}, {ID: "a", Field: "y"}})
	if err := dup.Validate(5); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	noOpts := clarify.New("", "", []clarify.Question{{Field: "x", Kind: clarify.KindChoice}})
	if err := noOpts.Validate(5); err == nil {
		t.Fatalf("expected missing options error")
	}
	bad := twoQuestions()
	bad.Cursor = 3
	if err := bad.Validate(5); err == nil {
		t.Fatalf("expected cursor range error")
	}
}

func TestCursorInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, clarify.DefaultMaxQuestions).Draw(t, "questions")
		qs := make([]clarify.Question, n)
		for i := range qs {
			qs[i] = clarify.Question{Field: "f", Kind: clarify.KindConfirm}
		}
		f := clarify.New("", "", qs)
		answers := rapid.SliceOf(rapid.SampledFrom([]string{"yes", "no", "maybe", ""})).Draw(t, "answers")
		for _, a := range answers {
			before := f.Cursor
			_, err := f.Advance(clarify.Answer{Value: a})
			switch {
			case err == nil && f.Cursor != before+1:
				t.Fatalf("accepted answer moved cursor %d -> %d", before, f.Cursor)
			case err != nil && f.Cursor != before:
				t.Fatalf("rejected answer moved cursor %d -> %d", before, f.Cursor)
			}
			if f.Remaining()+f.Cursor != n {
				t.Fatalf("remaining %d + cursor %d != %d", f.Remaining(), f.Cursor, n)
			}
			if f.IsComplete() != (f.Cursor == n) {
				t.Fatalf("complete=%v at cursor %d of %d", f.IsComplete(), f.Cursor, n)
			}
			if f.Cursor > n {
				t.Fatalf("cursor past end")
			}
		}
	})
}
