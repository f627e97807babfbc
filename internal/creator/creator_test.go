package creator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"commandcenter/internal/creator"
	"commandcenter/internal/draft"
)

func TestRegistry(t *testing.T) {
	reg := creator.NewRegistry()
	if err := reg.Register(draft.TypeClarificationNeeded, creator.Local{}); err == nil {
		t.Fatalf("unresolved drafts must not get a creator")
	}
	if err := reg.Register(draft.TypeBill, creator.Local{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.For(draft.TypeTask); !errors.Is(err, creator.ErrNoCreator) {
		t.Fatalf("expected ErrNoCreator, got %v", err)
	}
	c, err := reg.For(draft.TypeBill)
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.Create(context.Background(), "alice", draft.CreationRequest{Type: draft.TypeBill})
	if err != nil || !strings.HasPrefix(id, "bill-") {
		t.Fatalf("local id %q err %v", id, err)
	}
	if len(reg.Missing()) != len(draft.CreatableTypes)-1 {
		t.Fatalf("missing: %v", reg.Missing())
	}
}

func TestLocalReusesIdForSameKey(t *testing.T) {
	ctx := context.Background()
	req := draft.CreationRequest{Type: draft.TypeTask, IdempotencyKey: "draft-1"}
	first, err := creator.Local{}.Create(ctx, "alice", req)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := creator.Local{}.Create(ctx, "alice", req)
	if first != again {
		t.Fatalf("same key gave %q then %q", first, again)
	}
	req.IdempotencyKey = "draft-2"
	other, _ := creator.Local{}.Create(ctx, "alice", req)
	if other == first {
		t.Fatalf("different keys share id %q", first)
	}
}

func TestHTTPCreator(t *testing.T) {
	var got map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"bill-1"}`))
	}))
	defer srv.Close()

	req, err := (&draft.Bill{Payee: "Landlord", Amount: "1200.00"}).CreationRequest()
	if err != nil {
		t.Fatal(err)
	}
	req.IdempotencyKey = "draft-1"
	c := creator.HTTP{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer svc"}}
	id, err := c.Create(context.Background(), "alice", req)
	if err != nil || id != "bill-1" {
		t.Fatalf("create: %q %v", id, err)
	}
	if got["user_id"] != "alice" || got["type"] != "BILL" || got["draft_id"] != "draft-1" {
		t.Fatalf("unexpected request body: %v", got)
	}
	if key != "draft-1" {
		t.Fatalf("Idempotency-Key = %q", key)
	}

	c.Headers = nil
	_, err = c.Create(context.Background(), "alice", req)
	var se *creator.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized || se.Retryable() {
		t.Fatalf("expected non-retryable 401, got %v", err)
	}
}

func TestHTTPCreatorServerErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := creator.HTTP{URL: srv.URL}.Create(context.Background(), "alice", draft.CreationRequest{Type: draft.TypeNote})
	var se *creator.StatusError
	if !errors.As(err, &se) || !se.Retryable() {
		t.Fatalf("expected retryable 503, got %v", err)
	}
	if se.Body != "down for maintenance" {
		t.Fatalf("body = %q", se.Body)
	}
}
