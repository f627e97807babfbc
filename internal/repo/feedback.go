package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
)

// InsertFeedbackTx appends a feedback record. The draft_id uniqueness
// constraint rejects a second record for the same draft.
func (r Repo) InsertFeedbackTx(ctx context.Context, tx *sql.Tx, rec domain.FeedbackRecord) error {
	if rec.ID == "" || rec.DraftID == "" || rec.UserID == "" {
		return errors.New("feedback id, draft id and user required")
	}
	var diff, meta any
	if len(rec.Diff) > 0 {
		b, err := json.Marshal(rec.Diff)
		if err != nil {
			return err
		}
		diff = string(b)
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO draft_feedback(id,draft_id,user_id,action,draft_type,diff_json,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?)`),
		rec.ID, rec.DraftID, rec.UserID, string(rec.Action), string(rec.DraftType), diff, meta, FormatTime(rec.CreatedAt))
	return err
}

type FeedbackFilter struct {
	UserID string
	// Action restricts results to one action; empty means all.
	Action  domain.FeedbackAction
	DraftID string
	Limit   int
}

// ListFeedback returns a user's feedback most recent first.
func (r Repo) ListFeedback(ctx context.Context, f FeedbackFilter) ([]domain.FeedbackRecord, error) {
	if f.UserID == "" {
		return nil, errors.New("user required")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id,draft_id,user_id,action,draft_type,COALESCE(diff_json,''),COALESCE(metadata_json,''),created_at
FROM draft_feedback WHERE user_id=?`
	args := []any{f.UserID}
	if f.Action != "" {
		query += ` AND action=?`
		args = append(args, string(f.Action))
	}
	if f.DraftID != "" {
		query += ` AND draft_id=?`
		args = append(args, f.DraftID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FeedbackRecord
	for rows.Next() {
		var (
			rec                    domain.FeedbackRecord
			action, dtype          string
			diff, meta, createdRaw string
		)
		if err := rows.Scan(&rec.ID, &rec.DraftID, &rec.UserID, &action, &dtype, &diff, &meta, &createdRaw); err != nil {
			return nil, err
		}
		rec.Action = domain.FeedbackAction(action)
		rec.DraftType = draft.Type(dtype)
		if diff != "" {
			if err := json.Unmarshal([]byte(diff), &rec.Diff); err != nil {
				return nil, fmt.Errorf("feedback %s diff: %w", rec.ID, err)
			}
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("feedback %s metadata: %w", rec.ID, err)
			}
		}
		if rec.CreatedAt, err = parseTime(createdRaw); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountFeedback counts records for one draft.
func (r Repo) CountFeedback(ctx context.Context, draftID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM draft_feedback WHERE draft_id=?`), draftID).Scan(&n)
	return n, err
}
