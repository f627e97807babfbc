package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/repo"
)

// Recorder appends one feedback record per terminal draft action, inside the
// caller's transaction.
type Recorder struct {
	Repo  repo.Repo
	Now   func() time.Time
	Hints *Hints
}

type Entry struct {
	Draft  domain.PendingDraft
	Action domain.FeedbackAction
	// Before is the content prior to a modification; nil otherwise.
	Before   draft.Content
	Metadata map[string]any
	// At is the action time; zero means Recorder.Now.
	At time.Time
}

func (w Recorder) Record(ctx context.Context, tx *sql.Tx, e Entry) (domain.FeedbackRecord, error) {
	at := e.At
	if at.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		at = w.Now()
	}
	meta := map[string]any{
		"confidence": e.Draft.Confidence,
	}
	if e.Draft.Flow != nil {
		meta["clarification_answers"] = len(e.Draft.Flow.Answers)
	}
	if e.Draft.CreatedEntityID != "" {
		meta["created_entity_id"] = e.Draft.CreatedEntityID
	}
	for k, v := range e.Metadata {
		meta[k] = v
	}
	rec := domain.FeedbackRecord{
		ID:        uuid.NewString(),
		DraftID:   e.Draft.ID,
		UserID:    e.Draft.OwnerID,
		Action:    e.Action,
		DraftType: e.Draft.Type,
		Metadata:  meta,
		CreatedAt: at.UTC(),
	}
	if e.Action == domain.ActionModified && e.Before != nil {
		rec.Diff = Diff(e.Before, e.Draft.Content)
		if e.Before.Type() != e.Draft.Content.Type() {
			rec.Metadata["original_type"] = string(e.Before.Type())
		}
	}
	if err := w.Repo.InsertFeedbackTx(ctx, tx, rec); err != nil {
		return domain.FeedbackRecord{}, fmt.Errorf("record feedback: %w", err)
	}
	return rec, nil
}

// Committed must be called after the transaction holding a record commits.
func (w Recorder) Committed(rec domain.FeedbackRecord) {
	if w.Hints != nil && rec.Action == domain.ActionModified {
		w.Hints.Invalidate(rec.UserID)
	}
}

// Diff returns field-level changes between two contents.
func Diff(before, after draft.Content) map[string]domain.FieldChange {
	from := draft.FieldValues(before)
	to := draft.FieldValues(after)
	keys := map[string]struct{}{}
	for k := range from {
		keys[k] = struct{}{}
	}
	for k := range to {
		keys[k] = struct{}{}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	out := map[string]domain.FieldChange{}
	if before != nil && after != nil && before.Type() != after.Type() {
		out["draft_type"] = domain.FieldChange{From: string(before.Type()), To: string(after.Type())}
	}
	for _, k := range names {
		if from[k] != to[k] {
			out[k] = domain.FieldChange{From: from[k], To: to[k]}
		}
	}
	return out
}
