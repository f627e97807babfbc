package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"commandcenter/internal/clarify"
	"commandcenter/internal/config"
	"commandcenter/internal/creator"
	"commandcenter/internal/db"
	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/feedback"
	"commandcenter/internal/interpret"
	"commandcenter/internal/repo"
)

// Engine sequences interpretation, clarification, terminal actions and
// feedback for drafts.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Feedback    feedback.Recorder
	Hints       *feedback.Hints
	Interpreter interpret.Interpreter
	Creators    *creator.Registry
	Config      *config.Config
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, in interpret.Interpreter, creators *creator.Registry) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:          conn,
		Repo:        r,
		Feedback:    feedback.Recorder{Repo: r, Now: time.Now},
		Interpreter: in,
		Creators:    creators,
		Config:      cfg,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// SubmitInput is one unit of raw user input.
type SubmitInput struct {
	UserID      string
	Text        string
	Attachments []interpret.Attachment
	// VoiceTranscription is set when the client already transcribed audio.
	VoiceTranscription string
}

// Submit interprets input and persists the resulting draft. Interpretation
// failures persist nothing.
func (e Engine) Submit(ctx context.Context, in SubmitInput) (domain.PendingDraft, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return domain.PendingDraft{}, validationErr("user_required", "user is required", nil)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && strings.TrimSpace(in.VoiceTranscription) != "" {
		text = strings.TrimSpace(in.VoiceTranscription)
	}
	if text == "" && len(in.Attachments) == 0 {
		return domain.PendingDraft{}, validationErr("empty_input", "nothing to interpret; send text, a photo or a voice note", nil)
	}
	if e.Interpreter == nil {
		return domain.PendingDraft{}, interpretationErr("interpreter_unavailable", "interpretation is not configured", nil)
	}
	cfg := e.cfg()
	log := e.log().With("user_id", in.UserID)
	start := time.Now()

	req := interpret.Input{UserID: in.UserID, Text: text, Attachments: in.Attachments}
	if e.Hints != nil {
		hints, err := e.Hints.For(ctx, in.UserID)
		if err != nil {
			log.Warn("draft.submit.hints_error", "error", err)
		}
		req.Hints = hints
	}

	ictx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Interpret)
	res, err := e.Interpreter.Interpret(ictx, req)
	cancel()
	if err != nil {
		log.Warn("draft.submit.interpret_error", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.PendingDraft{}, interpretationErr("interpretation_timeout", "interpretation took too long; please try again", err)
		}
		return domain.PendingDraft{}, interpretationErr("interpretation_failed", "could not interpret the input; please try again", err)
	}
	if err := res.Validate(cfg.Drafts.MaxQuestions); err != nil {
		log.Warn("draft.submit.malformed", "error", err)
		return domain.PendingDraft{}, interpretationErr("interpretation_malformed", "could not interpret the input; please try again", err)
	}
	if res.Status == interpret.StatusReady && res.Confidence < cfg.Drafts.MinConfidence {
		log.Info("draft.submit.uncertain", "confidence", res.Confidence)
		return domain.PendingDraft{}, interpretationErr("interpretation_uncertain", "interpretation too uncertain; please rephrase", nil)
	}

	now := e.now()
	voice := strings.TrimSpace(in.VoiceTranscription)
	if voice == "" {
		voice = res.Transcription
	}
	d := domain.PendingDraft{
		ID:                 uuid.NewString(),
		OwnerID:            in.UserID,
		Type:               res.SuggestedType,
		Status:             domain.StatusPendingApproval,
		Content:            res.Draft,
		Interpretation:     res.Status,
		Confidence:         res.Confidence,
		Reasoning:          res.Reasoning,
		Suggestions:        res.Suggestions,
		Flow:               res.Flow,
		ImageAnalysis:      res.ImageAnalysis,
		OriginalText:       text,
		VoiceTranscription: voice,
		AttachmentCount:    len(in.Attachments),
		ProcessedAt:        now,
		ExpiresAt:          now.Add(cfg.Drafts.Expiry),
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}
	if err := e.Repo.InsertDraftTx(ctx, nil, d); err != nil {
		return domain.PendingDraft{}, fmt.Errorf("insert draft: %w", err)
	}
	log.Info("draft.submit.ok",
		"draft_id", d.ID,
		"draft_type", d.Type,
		"status", res.Status,
		"confidence", d.Confidence,
		"questions", questionCount(d.Flow),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return d, nil
}

// AnswerInput answers the current clarification question of a draft.
type AnswerInput struct {
	DraftID    string
	UserID     string
	QuestionID string
	Value      string
}

// Answer advances the draft's flow by one question and merges the answer
// into its content. Completing the flow does not approve the draft.
func (e Engine) Answer(ctx context.Context, in AnswerInput) (domain.PendingDraft, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingDraft{}, err
	}
	defer tx.Rollback()

	d, err := e.load(ctx, tx, in.DraftID, in.UserID)
	if err != nil {
		return domain.PendingDraft{}, err
	}
	if err := e.ensureOpen(d); err != nil {
		return domain.PendingDraft{}, err
	}
	if d.Flow == nil || d.Flow.IsComplete() {
		return domain.PendingDraft{}, validationErr("flow_complete", "this draft has no open question; approve, modify or reject it", nil)
	}
	q, err := d.Flow.Advance(clarify.Answer{QuestionID: in.QuestionID, Value: in.Value})
	if err != nil {
		return domain.PendingDraft{}, validationErr("invalid_answer", answerMessage(err), err)
	}
	if err := e.mergeAnswer(&d, q, d.Flow.Answers[q.ID]); err != nil {
		return domain.PendingDraft{}, err
	}

	version := d.Version
	d.UpdatedAt = e.now()
	if err := e.Repo.UpdateDraftTx(ctx, tx, d, version); err != nil {
		return domain.PendingDraft{}, e.writeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingDraft{}, err
	}
	d.Version = version + 1
	e.log().Info("draft.answer.ok",
		"draft_id", d.ID,
		"user_id", d.OwnerID,
		"question_id", q.ID,
		"remaining", d.Flow.Remaining(),
	)
	return d, nil
}

// mergeAnswer applies a normalized answer to the draft content. A draft_type
// answer retypes the draft.
func (e Engine) mergeAnswer(d *domain.PendingDraft, q clarify.Question, value string) error {
	if value == "" {
		return nil
	}
	if q.Field == "draft_type" {
		t, err := draft.ParseType(value)
		if err != nil || !t.Creatable() {
			return validationErr("invalid_answer", "choose one of the offered draft types", err)
		}
		if t == d.Type {
			return nil
		}
		next, dropped, err := draft.Retype(d.Content, t)
		if err != nil {
			return validationErr("invalid_answer", "could not convert the draft", err)
		}
		if len(dropped) > 0 {
			e.log().Info("draft.answer.retype_dropped", "draft_id", d.ID, "fields", dropped)
		}
		d.Content, d.Type = next, t
		return nil
	}
	err := d.Content.MergeAnswer(q.Field, value)
	var fe draft.FieldError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &fe):
		return validationErr("invalid_answer", fe.Error(), err)
	case errors.Is(err, draft.ErrUnknownField):
		// kept in the flow's answers only
		e.log().Info("draft.answer.unmapped_field", "draft_id", d.ID, "field", q.Field)
		return nil
	default:
		return validationErr("invalid_answer", "answer could not be applied", err)
	}
}

type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionModify  Action = "MODIFY"
	ActionReject  Action = "REJECT"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionApprove, ActionModify, ActionReject:
		return a, nil
	}
	return "", validationErr("invalid_action", fmt.Sprintf("unknown action %q; use approve, modify or reject", s), nil)
}

// ActInput applies a terminal action. Content is required for MODIFY.
type ActInput struct {
	DraftID string
	UserID  string
	Action  Action
	Content draft.Content
}

// Act performs a one-shot terminal transition. The draft is checked in a
// short transaction, the domain entity is created with no transaction open,
// and the result is committed only if the draft is still at the version that
// was checked. A failed creation persists nothing and the draft stays
// pending; a lost race is a conflict.
func (e Engine) Act(ctx context.Context, in ActInput) (domain.PendingDraft, error) {
	if in.Action == ActionModify && in.Content == nil {
		return domain.PendingDraft{}, validationErr("content_required", "modify needs the edited draft content", nil)
	}
	if _, err := ParseAction(string(in.Action)); err != nil {
		return domain.PendingDraft{}, err
	}
	log := e.log().With("draft_id", in.DraftID, "user_id", in.UserID, "action", in.Action)
	start := time.Now()

	d, err := e.checkAct(ctx, in)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			log.Info("draft.act.conflict", "error", err)
		}
		return domain.PendingDraft{}, err
	}
	version := d.Version
	entry := feedback.Entry{}
	switch in.Action {
	case ActionReject:
		d.Status = domain.StatusRejected
		entry.Action = domain.ActionRejected
	case ActionApprove, ActionModify:
		if in.Action == ActionModify {
			entry.Before = d.Content
			d.Content, d.Type = in.Content, in.Content.Type()
			d.Status = domain.StatusModified
			entry.Action = domain.ActionModified
		} else {
			d.Status = domain.StatusApproved
			entry.Action = domain.ActionApproved
		}
		entityID, err := e.create(ctx, d)
		if err != nil {
			log.Warn("draft.act.create_error", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
			return domain.PendingDraft{}, err
		}
		d.CreatedEntityID = entityID
	}

	now := e.now()
	if d.CreatedEntityID != "" {
		d.ApprovedAt = &now
	}
	d.UpdatedAt = now
	entry.Draft = d
	entry.At = now
	var rec domain.FeedbackRecord
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateDraftTx(ctx, tx, d, version); err != nil {
			return e.writeErr(err)
		}
		var err error
		rec, err = e.Feedback.Record(ctx, tx, entry)
		return err
	})
	if err != nil {
		if d.CreatedEntityID != "" {
			// the entity exists without a decided draft; the service sees the
			// draft id as idempotency key if the user acts again
			log.Warn("draft.act.commit_error", "entity_id", d.CreatedEntityID, "error", err)
		}
		return domain.PendingDraft{}, err
	}
	e.Feedback.Committed(rec)
	d.Version = version + 1
	log.Info("draft.act.ok",
		"status", d.Status,
		"draft_type", d.Type,
		"entity_id", d.CreatedEntityID,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return d, nil
}

// checkAct loads the draft and verifies a terminal action may start.
func (e Engine) checkAct(ctx context.Context, in ActInput) (domain.PendingDraft, error) {
	var d domain.PendingDraft
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = e.load(ctx, tx, in.DraftID, in.UserID)
		if err != nil {
			return err
		}
		if err := e.ensureOpen(d); err != nil {
			return err
		}
		if in.Action != ActionReject && d.AwaitingAnswers() {
			return validationErr("flow_incomplete",
				fmt.Sprintf("answer the remaining %d question(s) first", d.Flow.Remaining()), nil)
		}
		return nil
	})
	return d, err
}

func (e Engine) create(ctx context.Context, d domain.PendingDraft) (string, error) {
	req, err := d.Content.CreationRequest()
	if err != nil {
		var fe draft.FieldError
		if errors.As(err, &fe) {
			return "", validationErr("invalid_content", fe.Error(), err)
		}
		return "", validationErr("invalid_content", "draft content is incomplete", err)
	}
	req.IdempotencyKey = d.ID
	if e.Creators == nil {
		return "", creationErr("no_creator", fmt.Sprintf("%s drafts cannot be created right now", d.Type), false, creator.ErrNoCreator)
	}
	c, err := e.Creators.For(d.Type)
	if err != nil {
		return "", creationErr("no_creator", fmt.Sprintf("%s drafts cannot be created right now", d.Type), false, err)
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg().Timeouts.Create)
	defer cancel()
	id, err := c.Create(cctx, d.OwnerID, req)
	if err != nil {
		var se *creator.StatusError
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
			return "", creationErr("creation_timeout", "creating the item took too long; please try again", true, err)
		case errors.As(err, &se) && !se.Retryable():
			return "", creationErr("creation_rejected", "the service refused to create the item; modify the draft or reject it", false, err)
		}
		return "", creationErr("creation_failed", "could not create the item; please try again", true, err)
	}
	if strings.TrimSpace(id) == "" {
		return "", creationErr("creation_failed", "could not create the item; please try again", true, errors.New("creator returned an empty id"))
	}
	return id, nil
}

func (e Engine) load(ctx context.Context, tx *sql.Tx, id, owner string) (domain.PendingDraft, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(owner) == "" {
		return domain.PendingDraft{}, validationErr("draft_required", "draft id and user are required", nil)
	}
	d, err := e.Repo.LockDraftTx(ctx, tx, id, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PendingDraft{}, notFoundErr(id)
	}
	return d, err
}

// ensureOpen rejects drafts that are terminal or whose expiry has passed,
// whether or not the sweep has recorded it yet.
func (e Engine) ensureOpen(d domain.PendingDraft) error {
	if d.Status == domain.StatusExpired || (d.Status == domain.StatusPendingApproval && d.IsExpired(e.now())) {
		return conflictErr("draft_expired", "draft expired; please resubmit")
	}
	if d.Status.Terminal() {
		return conflictErr("draft_closed", fmt.Sprintf("draft was already %s", strings.ToLower(string(d.Status))))
	}
	return nil
}

func (e Engine) writeErr(err error) error {
	if errors.Is(err, repo.ErrStale) {
		return conflictErr("draft_changed", "draft was changed by another request; reload it and try again")
	}
	return err
}

// Get returns one of the user's drafts.
func (e Engine) Get(ctx context.Context, id, owner string) (domain.PendingDraft, error) {
	d, err := e.Repo.GetDraft(ctx, id, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PendingDraft{}, notFoundErr(id)
	}
	return d, err
}

type ListOptions struct {
	UserID string
	Status domain.DraftStatus
	Limit  int
	Cursor string
}

type ListResult struct {
	Drafts     []domain.PendingDraft
	NextCursor string
}

// List returns the user's drafts newest first.
func (e Engine) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.UserID == "" {
		return ListResult{}, validationErr("user_required", "user is required", nil)
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return ListResult{}, validationErr("invalid_status", fmt.Sprintf("unknown status %q", opts.Status), nil)
	}
	drafts, next, err := e.Repo.ListDrafts(ctx, repo.DraftFilter{
		OwnerID: opts.UserID,
		Status:  opts.Status,
		Limit:   opts.Limit,
		Cursor:  opts.Cursor,
	})
	if err != nil {
		if errors.Is(err, repo.ErrInvalidCursor) {
			return ListResult{}, validationErr("invalid_cursor", "invalid page cursor", err)
		}
		return ListResult{}, err
	}
	return ListResult{Drafts: drafts, NextCursor: next}, nil
}

type FeedbackQuery struct {
	UserID string
	// ModificationsOnly limits results to MODIFIED records.
	ModificationsOnly bool
	Action            domain.FeedbackAction
	Limit             int
}

// ListFeedback returns the user's feedback log, most recent first.
func (e Engine) ListFeedback(ctx context.Context, q FeedbackQuery) ([]domain.FeedbackRecord, error) {
	if q.UserID == "" {
		return nil, validationErr("user_required", "user is required", nil)
	}
	action := q.Action
	if q.ModificationsOnly {
		action = domain.ActionModified
	}
	return e.Repo.ListFeedback(ctx, repo.FeedbackFilter{UserID: q.UserID, Action: action, Limit: q.Limit})
}

func questionCount(f *clarify.Flow) int {
	if f == nil {
		return 0
	}
	return len(f.Questions)
}

func answerMessage(err error) string {
	switch {
	case errors.Is(err, clarify.ErrWrongQuestion):
		return "that question was already answered; reload the draft"
	case errors.Is(err, clarify.ErrComplete):
		return "this draft has no open question"
	}
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	return msg
}
