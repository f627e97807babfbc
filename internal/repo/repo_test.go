package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"commandcenter/internal/clarify"
	"commandcenter/internal/db"
	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/interpret"
	"commandcenter/internal/migrate"
	"commandcenter/internal/repo"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Dialect: db.SQLite}
}

func sampleDraft(id, owner string, created time.Time) domain.PendingDraft {
	return domain.PendingDraft{
		ID:             id,
		OwnerID:        owner,
		Type:           draft.TypeBill,
		Status:         domain.StatusPendingApproval,
		Content:        &draft.Bill{Payee: "Landlord", Amount: "1200.00"},
		Interpretation: interpret.StatusReady,
		Confidence:     0.9,
		Suggestions:    []string{"add a reminder"},
		OriginalText:   "pay rent $1200",
		ProcessedAt:    created,
		ExpiresAt:      created.Add(48 * time.Hour),
		CreatedAt:      created,
		UpdatedAt:      created,
		Version:        1,
	}
}

func TestDraftRoundTripScopedByOwner(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	d := sampleDraft("d1", "alice", t0)
	d.Flow = clarify.New("Confirm", "", []clarify.Question{{Field: "due_date", Prompt: "When?", Kind: clarify.KindDate}})
	d.ImageAnalysis = &interpret.ImageAnalysis{DetectedType: draft.TypeBill, ExtractedText: "RENT", Confidence: 0.7}
	if err := r.InsertDraftTx(ctx, nil, d); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetDraft(ctx, "d1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content.(*draft.Bill).Payee != "Landlord" || got.Flow == nil || len(got.Flow.Questions) != 1 {
		t.Fatalf("unexpected draft: %+v", got)
	}
	if got.ImageAnalysis == nil || got.ImageAnalysis.ExtractedText != "RENT" {
		t.Fatalf("image analysis lost: %+v", got.ImageAnalysis)
	}
	if !got.ExpiresAt.Equal(t0.Add(48*time.Hour)) || got.Suggestions[0] != "add a reminder" {
		t.Fatalf("fields lost: %+v", got)
	}
	if _, err := r.GetDraft(ctx, "d1", "mallory"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for other owner, got %v", err)
	}
}

func TestUpdateDraftIsConditional(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	d := sampleDraft("d1", "alice", t0)
	if err := r.InsertDraftTx(ctx, nil, d); err != nil {
		t.Fatal(err)
	}
	d.Status = domain.StatusRejected
	d.UpdatedAt = t0.Add(time.Minute)
	if err := r.UpdateDraftTx(ctx, nil, d, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// same version again loses
	d.Status = domain.StatusApproved
	if err := r.UpdateDraftTx(ctx, nil, d, 1); !errors.Is(err, repo.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	// terminal rows never match, even with the fresh version
	if err := r.UpdateDraftTx(ctx, nil, d, 2); !errors.Is(err, repo.ErrStale) {
		t.Fatalf("expected stale on terminal row, got %v", err)
	}
	got, _ := r.GetDraft(ctx, "d1", "alice")
	if got.Status != domain.StatusRejected || got.Version != 2 {
		t.Fatalf("unexpected row: status=%s version=%d", got.Status, got.Version)
	}
}

func TestListDraftsPaginates(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		if err := r.InsertDraftTx(ctx, nil, sampleDraft(id, "alice", t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.InsertDraftTx(ctx, nil, sampleDraft("z", "bob", t0)); err != nil {
		t.Fatal(err)
	}
	page, next, err := r.ListDrafts(ctx, repo.DraftFilter{OwnerID: "alice", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "c" || page[1].ID != "b" || next == "" {
		t.Fatalf("first page: %d %q", len(page), next)
	}
	page, next, err = r.ListDrafts(ctx, repo.DraftFilter{OwnerID: "alice", Limit: 2, Cursor: next})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "a" || next != "" {
		t.Fatalf("second page: %+v %q", page, next)
	}
	for _, bad := range []string{"!!not-base64", "bm8tc2VwYXJhdG9y"} {
		if _, _, err := r.ListDrafts(ctx, repo.DraftFilter{OwnerID: "alice", Cursor: bad}); !errors.Is(err, repo.ErrInvalidCursor) {
			t.Fatalf("cursor %q: expected ErrInvalidCursor, got %v", bad, err)
		}
	}
}

func TestExpireAndPurgeAreIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	overdue := sampleDraft("old", "alice", t0)
	overdue.ExpiresAt = t0.Add(time.Hour)
	fresh := sampleDraft("new", "alice", t0)
	for _, d := range []domain.PendingDraft{overdue, fresh} {
		if err := r.InsertDraftTx(ctx, nil, d); err != nil {
			t.Fatal(err)
		}
	}
	now := t0.Add(2 * time.Hour)
	n, err := r.ExpireOverdue(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	if n, _ := r.ExpireOverdue(ctx, now); n != 0 {
		t.Fatalf("second expire changed %d rows", n)
	}
	got, _ := r.GetDraft(ctx, "old", "alice")
	if got.Status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	// expired row was touched at now; a cutoff before that keeps it
	if n, _ := r.PurgeTerminal(ctx, now.Add(-time.Minute)); n != 0 {
		t.Fatalf("purged %d rows before retention", n)
	}
	if n, _ := r.PurgeTerminal(ctx, now.Add(time.Minute)); n != 1 {
		t.Fatalf("expected one purge, got %d", n)
	}
	if n, _ := r.PurgeTerminal(ctx, now.Add(time.Minute)); n != 0 {
		t.Fatalf("second purge removed %d rows", n)
	}
	if _, err := r.GetDraft(ctx, "new", "alice"); err != nil {
		t.Fatalf("pending draft must survive purge: %v", err)
	}
}

func TestFeedbackOnePerDraft(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	rec := domain.FeedbackRecord{
		ID: "f1", DraftID: "d1", UserID: "alice", Action: domain.ActionModified, DraftType: draft.TypeBill,
		Diff:      map[string]domain.FieldChange{"amount": {From: "1200.00", To: "1250.00"}},
		CreatedAt: t0,
	}
	if err := r.InsertFeedbackTx(ctx, nil, rec); err != nil {
		t.Fatal(err)
	}
	rec.ID = "f2"
	if err := r.InsertFeedbackTx(ctx, nil, rec); err == nil {
		t.Fatalf("expected unique violation for second record")
	}
	if err := r.InsertFeedbackTx(ctx, nil, domain.FeedbackRecord{ID: "f3", DraftID: "d2", UserID: "alice", Action: domain.ActionRejected, DraftType: draft.TypeNote, CreatedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	all, err := r.ListFeedback(ctx, repo.FeedbackFilter{UserID: "alice"})
	if err != nil || len(all) != 2 || all[0].ID != "f3" {
		t.Fatalf("list: %+v %v", all, err)
	}
	mods, err := r.ListFeedback(ctx, repo.FeedbackFilter{UserID: "alice", Action: domain.ActionModified})
	if err != nil || len(mods) != 1 || mods[0].Diff["amount"].To != "1250.00" {
		t.Fatalf("modifications: %+v %v", mods, err)
	}
	if other, _ := r.ListFeedback(ctx, repo.FeedbackFilter{UserID: "bob"}); len(other) != 0 {
		t.Fatalf("feedback leaked across users")
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", UserID: "alice", Name: "laptop", KeyHash: repo.HashAPIKey("secret")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	if err != nil || got.UserID != "alice" || got.Name != "laptop" {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1", "bob"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("other user delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1", "alice"); err != nil {
		t.Fatal(err)
	}
	keys, _ := r.ListAPIKeys(ctx, "alice")
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %d", len(keys))
	}
}
