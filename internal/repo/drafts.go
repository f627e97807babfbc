package repo

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"commandcenter/internal/clarify"
	"commandcenter/internal/db"
	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/interpret"
)

const draftColumns = `id,owner_id,draft_type,status,content_json,interpretation_status,confidence_score,
ai_reasoning,COALESCE(suggestions_json,''),COALESCE(flow_json,''),COALESCE(image_analysis_json,''),
original_input_text,voice_transcription,attachment_count,processed_at,COALESCE(approved_at,''),
COALESCE(created_entity_id,''),expires_at,created_at,updated_at,version`

type scanner interface {
	Scan(dest ...any) error
}

func scanDraft(row scanner) (domain.PendingDraft, error) {
	var (
		d                            domain.PendingDraft
		dtype, status, interp        string
		content, sugg, flow, image   string
		processed, approved, expires string
		created, updated             string
	)
	err := row.Scan(&d.ID, &d.OwnerID, &dtype, &status, &content, &interp, &d.Confidence,
		&d.Reasoning, &sugg, &flow, &image,
		&d.OriginalText, &d.VoiceTranscription, &d.AttachmentCount, &processed, &approved,
		&d.CreatedEntityID, &expires, &created, &updated, &d.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Type = draft.Type(dtype)
	d.Status = domain.DraftStatus(status)
	d.Interpretation = interpret.Status(interp)
	if d.Content, err = draft.Decode([]byte(content)); err != nil {
		return d, fmt.Errorf("draft %s: %w", d.ID, err)
	}
	if sugg != "" {
		if err := json.Unmarshal([]byte(sugg), &d.Suggestions); err != nil {
			return d, fmt.Errorf("draft %s suggestions: %w", d.ID, err)
		}
	}
	if flow != "" {
		d.Flow = &clarify.Flow{}
		if err := json.Unmarshal([]byte(flow), d.Flow); err != nil {
			return d, fmt.Errorf("draft %s flow: %w", d.ID, err)
		}
	}
	if image != "" {
		d.ImageAnalysis = &interpret.ImageAnalysis{}
		if err := json.Unmarshal([]byte(image), d.ImageAnalysis); err != nil {
			return d, fmt.Errorf("draft %s image analysis: %w", d.ID, err)
		}
	}
	for _, f := range []struct {
		src string
		dst *time.Time
	}{{processed, &d.ProcessedAt}, {expires, &d.ExpiresAt}, {created, &d.CreatedAt}, {updated, &d.UpdatedAt}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return d, err
		}
	}
	if approved != "" {
		t, err := parseTime(approved)
		if err != nil {
			return d, err
		}
		d.ApprovedAt = &t
	}
	return d, nil
}

type draftBlobs struct {
	content, suggestions, flow, image any
}

func encodeDraft(d domain.PendingDraft) (draftBlobs, error) {
	var out draftBlobs
	content, err := draft.Encode(d.Content)
	if err != nil {
		return out, err
	}
	out.content = string(content)
	if len(d.Suggestions) > 0 {
		b, err := json.Marshal(d.Suggestions)
		if err != nil {
			return out, err
		}
		out.suggestions = string(b)
	}
	if d.Flow != nil {
		b, err := json.Marshal(d.Flow)
		if err != nil {
			return out, err
		}
		out.flow = string(b)
	}
	if d.ImageAnalysis != nil {
		b, err := json.Marshal(d.ImageAnalysis)
		if err != nil {
			return out, err
		}
		out.image = string(b)
	}
	return out, nil
}

// InsertDraftTx stores a new draft. tx may be nil.
func (r Repo) InsertDraftTx(ctx context.Context, tx *sql.Tx, d domain.PendingDraft) error {
	if d.ID == "" || d.OwnerID == "" {
		return errors.New("draft id and owner required")
	}
	blobs, err := encodeDraft(d)
	if err != nil {
		return err
	}
	if d.Version == 0 {
		d.Version = 1
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO pending_drafts(
id,owner_id,draft_type,status,content_json,interpretation_status,confidence_score,ai_reasoning,
suggestions_json,flow_json,image_analysis_json,original_input_text,voice_transcription,attachment_count,
processed_at,approved_at,created_entity_id,expires_at,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.OwnerID, string(d.Type), string(d.Status), blobs.content, string(d.Interpretation), d.Confidence, d.Reasoning,
		blobs.suggestions, blobs.flow, blobs.image, d.OriginalText, d.VoiceTranscription, d.AttachmentCount,
		FormatTime(d.ProcessedAt), nullableTime(d.ApprovedAt), nullable(d.CreatedEntityID), FormatTime(d.ExpiresAt),
		FormatTime(d.CreatedAt), FormatTime(d.UpdatedAt), d.Version)
	return err
}

// GetDraft loads a draft owned by owner. Drafts of other users are not found.
func (r Repo) GetDraft(ctx context.Context, id, owner string) (domain.PendingDraft, error) {
	return r.GetDraftTx(ctx, nil, id, owner)
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, id, owner string) (domain.PendingDraft, error) {
	return scanDraft(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+draftColumns+` FROM pending_drafts WHERE id=? AND owner_id=?`), id, owner))
}

// LockDraftTx loads a draft and, on postgres, holds its row lock until tx
// ends. SQLite runs on a single connection, so the transaction itself is
// already exclusive.
func (r Repo) LockDraftTx(ctx context.Context, tx *sql.Tx, id, owner string) (domain.PendingDraft, error) {
	query := `SELECT ` + draftColumns + ` FROM pending_drafts WHERE id=? AND owner_id=?`
	if r.Dialect == db.Postgres {
		query += ` FOR UPDATE`
	}
	return scanDraft(tx.QueryRowContext(ctx, r.q(query), id, owner))
}

// UpdateDraftTx writes d back if the stored row is still pending at
// expectVersion. The stored version is bumped; a lost race yields ErrStale.
func (r Repo) UpdateDraftTx(ctx context.Context, tx *sql.Tx, d domain.PendingDraft, expectVersion int) error {
	blobs, err := encodeDraft(d)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE pending_drafts SET
draft_type=?,status=?,content_json=?,confidence_score=?,flow_json=?,approved_at=?,created_entity_id=?,
updated_at=?,version=version+1
WHERE id=? AND owner_id=? AND status=? AND version=?`),
		string(d.Type), string(d.Status), blobs.content, d.Confidence, blobs.flow, nullableTime(d.ApprovedAt), nullable(d.CreatedEntityID),
		FormatTime(d.UpdatedAt),
		d.ID, d.OwnerID, string(domain.StatusPendingApproval), expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

type DraftFilter struct {
	OwnerID string
	Status  domain.DraftStatus
	Limit   int
	// Cursor is the NextCursor of a previous page.
	Cursor string
}

// ListDrafts returns the owner's drafts newest first and a cursor for the
// next page, empty when there is none.
func (r Repo) ListDrafts(ctx context.Context, f DraftFilter) ([]domain.PendingDraft, string, error) {
	if f.OwnerID == "" {
		return nil, "", errors.New("owner required")
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	where := []string{"owner_id=?"}
	args := []any{f.OwnerID}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Cursor != "" {
		created, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, created, created, id)
	}
	args = append(args, limit+1)
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+draftColumns+` FROM pending_drafts WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []domain.PendingDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = encodeCursor(FormatTime(last.CreatedAt), last.ID)
	}
	return out, next, nil
}

// ExpireOverdue moves pending drafts whose expiry has passed to EXPIRED.
func (r Repo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	ts := FormatTime(now)
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE pending_drafts SET status=?, updated_at=?, version=version+1
WHERE status=? AND expires_at < ?`),
		string(domain.StatusExpired), ts, string(domain.StatusPendingApproval), ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeTerminal deletes terminal drafts last touched before cutoff.
// Feedback records are kept.
func (r Repo) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM pending_drafts WHERE status<>? AND updated_at < ?`),
		string(domain.StatusPendingApproval), FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeCursor(created, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(created + "|" + id))
}

func decodeCursor(c string) (string, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	created, id, ok := strings.Cut(string(b), "|")
	if !ok {
		return "", "", ErrInvalidCursor
	}
	return created, id, nil
}
