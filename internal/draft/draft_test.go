package draft_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commandcenter/internal/draft"
)

func TestParseType(t *testing.T) {
	got, err := draft.ParseType(" bill ")
	require.NoError(t, err)
	assert.Equal(t, draft.TypeBill, got)

	_, err = draft.ParseType("receipt")
	assert.Error(t, err)

	assert.False(t, draft.TypeClarificationNeeded.Creatable())
	assert.True(t, draft.TypeEvent.Creatable())
}

func TestEncodeDecodeKeepsVariant(t *testing.T) {
	bill := &draft.Bill{Payee: "Landlord", Amount: "1200.00", DueDate: "2026-11-01"}
	raw, err := draft.Encode(bill)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `"BILL"`, string(env["type"]))

	back, err := draft.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, bill, back)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := draft.Decode([]byte(`{"type":"RECEIPT","data":{}}`))
	assert.Error(t, err)
}

func TestBillMergeAnswerNormalizes(t *testing.T) {
	b := &draft.Bill{}
	require.NoError(t, b.MergeAnswer("amount", "$1,200"))
	require.NoError(t, b.MergeAnswer("currency", "eur"))
	require.NoError(t, b.MergeAnswer("payee", " Landlord "))
	assert.Equal(t, "1200.00", b.Amount)
	assert.Equal(t, "EUR", b.Currency)
	assert.Equal(t, "Landlord", b.Payee)

	var fe draft.FieldError
	assert.ErrorAs(t, b.MergeAnswer("amount", "-3"), &fe)
	assert.Equal(t, "amount", fe.Field)
	assert.ErrorAs(t, b.MergeAnswer("amount", "0"), &fe)
	assert.ErrorAs(t, b.MergeAnswer("recurrence", "daily"), &fe)
}

func TestBillCreationRequestDefaultsCurrency(t *testing.T) {
	b := &draft.Bill{Payee: "Power Co", Amount: "80.50"}
	req, err := b.CreationRequest()
	require.NoError(t, err)
	assert.Equal(t, draft.TypeBill, req.Type)
	assert.Equal(t, "Power Co", req.Title)
	assert.JSONEq(t, `{"payee":"Power Co","amount":"80.50","currency":"USD"}`, string(req.Payload))
	assert.Empty(t, b.Currency, "defaulting must not mutate the draft")

	_, err = (&draft.Bill{Payee: "x"}).CreationRequest()
	assert.Error(t, err)
}

func TestUnknownFieldRejected(t *testing.T) {
	err := (&draft.Task{}).MergeAnswer("payee", "x")
	assert.True(t, errors.Is(err, draft.ErrUnknownField))
}

func TestEventRequiresOrderedTimes(t *testing.T) {
	e := &draft.Event{Title: "Dentist"}
	_, err := e.CreationRequest()
	assert.Error(t, err)

	require.NoError(t, e.MergeAnswer("starts_at", "2026-11-02T15:00:00Z"))
	require.NoError(t, e.MergeAnswer("ends_at", "2026-11-02T14:00:00Z"))
	_, err = e.CreationRequest()
	var fe draft.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "ends_at", fe.Field)

	require.NoError(t, e.MergeAnswer("ends_at", "2026-11-02T16:00:00+00:00"))
	_, err = e.CreationRequest()
	assert.NoError(t, err)
}

func TestTaskDateAndPriority(t *testing.T) {
	task := &draft.Task{Title: "file taxes"}
	require.NoError(t, task.MergeAnswer("due_date", "2026/04/15"))
	require.NoError(t, task.MergeAnswer("priority", "HIGH"))
	assert.Equal(t, "2026-04-15", task.DueDate)
	assert.Equal(t, "high", task.Priority)
	assert.Error(t, task.MergeAnswer("due_date", "next tuesday-ish"))
	assert.Error(t, task.MergeAnswer("priority", "whenever"))
}

func TestNoteTagsAppend(t *testing.T) {
	n := &draft.Note{Body: "call mom\nabout the trip"}
	require.NoError(t, n.MergeAnswer("tags", "Family, travel"))
	require.NoError(t, n.MergeAnswer("tags", "travel,todo"))
	assert.Equal(t, []string{"family", "travel", "todo"}, n.Tags)

	req, err := n.CreationRequest()
	require.NoError(t, err)
	assert.Equal(t, "call mom", req.Title)
}

func TestChallengeDuration(t *testing.T) {
	c := &draft.Challenge{Title: "30 days of running"}
	require.NoError(t, c.MergeAnswer("duration_days", "30 days"))
	assert.Equal(t, 30, c.DurationDays)
	assert.Error(t, c.MergeAnswer("duration_days", "0"))
	assert.Error(t, c.MergeAnswer("frequency", "hourly"))
}

func TestUnresolvedCannotCreate(t *testing.T) {
	u := &draft.Unresolved{Text: "rent 1200"}
	require.NoError(t, u.MergeAnswer("amount", "1200"))
	_, err := u.CreationRequest()
	assert.Error(t, err)
}

func TestRetypeCarriesFields(t *testing.T) {
	u := &draft.Unresolved{Text: "pay rent", Fields: map[string]string{
		"payee":  "Landlord",
		"amount": "$1200",
		"color":  "blue",
	}}
	next, dropped, err := draft.Retype(u, draft.TypeBill)
	require.NoError(t, err)
	bill, ok := next.(*draft.Bill)
	require.True(t, ok)
	assert.Equal(t, "Landlord", bill.Payee)
	assert.Equal(t, "1200.00", bill.Amount)
	assert.Equal(t, []string{"color"}, dropped)

	note, _, err := draft.Retype(u, draft.TypeNote)
	require.NoError(t, err)
	assert.Equal(t, "pay rent", note.(*draft.Note).Body)
}

func TestFieldValuesFlattens(t *testing.T) {
	c := &draft.Challenge{Title: "pushups", DurationDays: 14}
	got := draft.FieldValues(c)
	assert.Equal(t, "pushups", got["title"])
	assert.Equal(t, "14", got["duration_days"])
	assert.Equal(t, []string{"duration_days", "title"}, draft.Fields(c))
}

func TestCreationRequestRevalidatesDecodedContent(t *testing.T) {
	cases := []struct {
		typ   draft.Type
		json  string
		field string
	}{
		{draft.TypeTask, `{"title":"x","priority":"whenever"}`, "priority"},
		{draft.TypeTask, `{"title":"x","due_date":"someday"}`, "due_date"},
		{draft.TypeEvent, `{"title":"x","starts_at":"next tuesday"}`, "starts_at"},
		{draft.TypeEvent, `{"title":"x","starts_at":"2026-11-02T15:00:00Z","ends_at":"whenever"}`, "ends_at"},
		{draft.TypeChallenge, `{"title":"x","frequency":"hourly"}`, "frequency"},
		{draft.TypeChallenge, `{"title":"x","duration_days":-2}`, "duration_days"},
		{draft.TypeEpic, `{"title":"x","target_date":"soon"}`, "target_date"},
		{draft.TypeBill, `{"payee":"x","amount":"12","currency":"dollars"}`, "currency"},
		{draft.TypeBill, `{"payee":"x","amount":"12","recurrence":"daily"}`, "recurrence"},
		{draft.TypeBill, `{"payee":"x","amount":"lots"}`, "amount"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ)+"/"+tc.field, func(t *testing.T) {
			c, err := draft.DecodeAs(tc.typ, []byte(tc.json))
			require.NoError(t, err)
			_, err = c.CreationRequest()
			var fe draft.FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.field, fe.Field)
		})
	}
}

func TestCreationRequestNormalizesDecodedContent(t *testing.T) {
	c, err := draft.DecodeAs(draft.TypeTask, []byte(`{"title":" file taxes ","due_date":"2026/04/15","priority":"HIGH"}`))
	require.NoError(t, err)
	req, err := c.CreationRequest()
	require.NoError(t, err)
	assert.Equal(t, "file taxes", req.Title)
	assert.JSONEq(t, `{"title":"file taxes","due_date":"2026-04-15","priority":"high"}`, string(req.Payload))
	assert.Equal(t, "HIGH", c.(*draft.Task).Priority, "normalizing must not mutate the draft")
}

func TestNoteTitleKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("a", 59) + "ééé"
	req, err := (&draft.Note{Body: body}).CreationRequest()
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(req.Title))
	assert.Equal(t, strings.Repeat("a", 59)+"é", req.Title)
}
