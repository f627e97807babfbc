package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"commandcenter/internal/clarify"
	"commandcenter/internal/config"
	"commandcenter/internal/creator"
	"commandcenter/internal/db"
	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/engine"
	"commandcenter/internal/interpret"
	"commandcenter/internal/migrate"
	"commandcenter/internal/repo"
	sdk "commandcenter/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	close  func()
}

func stubInterpreter(ctx context.Context, in interpret.Input) (interpret.Result, error) {
	switch in.Text {
	case "pay rent $1200 due friday":
		return interpret.Ready(draft.TypeBill, 0.9,
			&draft.Bill{Payee: "Landlord", Amount: "1200.00", DueDate: "2024-01-05"}, "rent", nil), nil
	case "remind me about mom":
		flow := clarify.New("About mom", "", []clarify.Question{
			{Field: "draft_type", Prompt: "Task or event?", Kind: clarify.KindChoice, Options: []string{"TASK", "EVENT"}, Required: true},
			{Field: "title", Prompt: "What should the reminder say?", Required: true},
		})
		return interpret.NeedsClarification(draft.TypeClarificationNeeded, &draft.Unresolved{Text: in.Text}, "unclear", flow), nil
	}
	return interpret.Result{}, errors.New("model unavailable")
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := creator.NewRegistry()
	for _, typ := range draft.CreatableTypes {
		if err := reg.Register(typ, creator.Local{}); err != nil {
			t.Fatalf("register creator: %v", err)
		}
	}
	e := engine.New(conn, db.SQLite, config.Default(), interpret.Func(stubInterpreter), reg)
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) login(t *testing.T, user string) *sdk.Client {
	t.Helper()
	c := sdk.New(s.URL)
	if _, err := c.DevLogin(context.Background(), user); err != nil {
		t.Fatalf("dev login %s: %v", user, err)
	}
	return c
}

func apiErr(t *testing.T, err error) *sdk.APIError {
	t.Helper()
	var ae *sdk.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected api error, got %v", err)
	}
	return ae
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	anon := sdk.New(srv.URL)
	if err := anon.Health(ctx); err != nil {
		t.Fatalf("health should be public: %v", err)
	}
	_, err := anon.ListDrafts(ctx, "", 0, "")
	if ae := apiErr(t, err); ae.StatusCode != http.StatusUnauthorized || ae.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %+v", ae)
	}
	bad := sdk.New(srv.URL)
	bad.BearerToken = "not-a-token"
	_, err = bad.Me(ctx)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusUnauthorized || ae.Code != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %+v", ae)
	}
}

func TestApproveReadyDraft(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.login(t, "alice")

	d, err := alice.SubmitDraft(ctx, sdk.SubmitRequest{Text: "pay rent $1200 due friday"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Status != "PENDING_APPROVAL" || d.DraftType != "BILL" || d.CurrentQuestion != nil {
		t.Fatalf("unexpected draft: %+v", d)
	}
	if d.Content["payee"] != "Landlord" {
		t.Fatalf("content not exposed: %+v", d.Content)
	}
	d, err = alice.Approve(ctx, d.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if d.Status != "APPROVED" || d.CreatedEntityID == "" || d.ApprovedAt == "" {
		t.Fatalf("unexpected approved draft: %+v", d)
	}
	_, err = alice.Reject(ctx, d.ID)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusConflict || ae.Code != "draft_closed" {
		t.Fatalf("expected 409 draft_closed, got %+v", ae)
	}
	fb, err := alice.Feedback(ctx, "", 0)
	if err != nil || len(fb) != 1 || fb[0].Action != "APPROVED" {
		t.Fatalf("feedback: %+v %v", fb, err)
	}
}

func TestClarificationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.login(t, "alice")

	d, err := alice.SubmitDraft(ctx, sdk.SubmitRequest{Text: "remind me about mom"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.CurrentQuestion == nil || d.CurrentQuestion.Field != "draft_type" || d.Clarification == nil {
		t.Fatalf("expected first question: %+v", d)
	}
	d, err = alice.Answer(ctx, d.ID, d.CurrentQuestion.ID, "event")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if d.DraftType != "EVENT" || d.CurrentQuestion == nil || d.CurrentQuestion.Field != "title" {
		t.Fatalf("after first answer: %+v", d)
	}
	_, err = alice.Approve(ctx, d.ID)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusUnprocessableEntity || ae.Code != "flow_incomplete" {
		t.Fatalf("expected 422 flow_incomplete, got %+v", ae)
	}
	_, err = alice.Answer(ctx, d.ID, "q1", "again")
	if ae := apiErr(t, err); ae.StatusCode != http.StatusUnprocessableEntity || ae.Code != "invalid_answer" {
		t.Fatalf("expected stale question to be refused, got %+v", ae)
	}
	d, err = alice.Answer(ctx, d.ID, "", "call mom")
	if err != nil {
		t.Fatalf("answer 2: %v", err)
	}
	if d.CurrentQuestion != nil || !d.Clarification.Complete || d.Clarification.CurrentQuestionIndex != 2 {
		t.Fatalf("flow should be complete: %+v", d.Clarification)
	}
	d, err = alice.Reject(ctx, d.ID)
	if err != nil || d.Status != "REJECTED" || d.CreatedEntityID != "" {
		t.Fatalf("reject: %+v %v", d, err)
	}
}

func TestModifyRecordsDiff(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.login(t, "alice")
	d, err := alice.SubmitDraft(ctx, sdk.SubmitRequest{Text: "pay rent $1200 due friday"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = alice.Modify(ctx, d.ID, "", map[string]any{"payee": "Landlord"})
	if ae := apiErr(t, err); ae.StatusCode != http.StatusUnprocessableEntity || ae.Code != "invalid_content" {
		t.Fatalf("expected invalid content, got %+v", ae)
	}
	d, err = alice.Modify(ctx, d.ID, "", map[string]any{"payee": "Landlord", "amount": "1250"})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if d.Status != "MODIFIED" || d.Content["amount"] != "1250" {
		t.Fatalf("unexpected modified draft: %+v", d)
	}
	fb, err := alice.Feedback(ctx, "MODIFIED", 10)
	if err != nil || len(fb) != 1 {
		t.Fatalf("feedback: %+v %v", fb, err)
	}
	if fb[0].Diff["amount"].From != "1200.00" {
		t.Fatalf("diff missing: %+v", fb[0].Diff)
	}
	xlsx, err := alice.ExportFeedback(ctx)
	if err != nil || !bytes.HasPrefix(xlsx, []byte("PK")) {
		t.Fatalf("export: %d bytes, %v", len(xlsx), err)
	}
}

func TestDraftsScopedToCaller(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.login(t, "alice")
	bob := srv.login(t, "bob")
	d, err := alice.SubmitDraft(ctx, sdk.SubmitRequest{Text: "pay rent $1200 due friday"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = bob.GetDraft(ctx, d.ID)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's draft, got %+v", ae)
	}
	_, err = bob.Approve(ctx, d.ID)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 approving another user's draft, got %+v", ae)
	}
	page, err := bob.ListDrafts(ctx, "", 10, "")
	if err != nil || len(page.Items) != 0 {
		t.Fatalf("bob sees drafts: %+v %v", page, err)
	}
}

func TestInterpretationFailureIsRetryable(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.login(t, "alice")
	_, err := alice.SubmitDraft(ctx, sdk.SubmitRequest{Text: "???"})
	ae := apiErr(t, err)
	if ae.StatusCode != http.StatusBadGateway || !ae.Retryable {
		t.Fatalf("expected retryable 502, got %+v", ae)
	}
	_, err = alice.SubmitDraft(ctx, sdk.SubmitRequest{})
	if ae := apiErr(t, err); ae.StatusCode != http.StatusBadRequest || ae.Code != "empty_input" {
		t.Fatalf("expected empty_input, got %+v", ae)
	}
	page, err := alice.ListDrafts(ctx, "", 10, "")
	if err != nil || len(page.Items) != 0 {
		t.Fatalf("failed submissions persisted: %+v %v", page, err)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", UserID: "carol", Name: "ci", KeyHash: repo.HashAPIKey("cc_secret"), CreatedAt: "2024-01-01T00:00:00Z"}
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	c := sdk.New(srv.URL)
	c.APIKey = "cc_secret"
	user, err := c.Me(ctx)
	if err != nil || user != "carol" {
		t.Fatalf("me: %q %v", user, err)
	}
	c.APIKey = "wrong"
	_, err = c.Me(ctx)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", ae)
	}
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/v1/openapi.json")
	if err != nil {
		t.Fatalf("get openapi: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("/v1/drafts/{draft_id}/approve")) {
		t.Fatalf("openapi status %d: %.200s", res.StatusCode, body)
	}
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	bodies := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := http.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if len(b) == 0 || !bytes.Equal(b, bodies[0]) {
			t.Fatalf("fetch %d returned a different document (%d bytes vs %d)", i, len(b), len(bodies[0]))
		}
	}
}
