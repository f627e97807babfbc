package creator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"commandcenter/internal/draft"
)

// HTTP posts creation requests to a domain service endpoint.
type HTTP struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Logger  *slog.Logger
}

// StatusError is a non-2xx reply from a creation service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("creation service returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type httpRequest struct {
	DraftID string          `json:"draft_id,omitempty"`
	UserID  string          `json:"user_id"`
	Type    draft.Type      `json:"type"`
	Title   string          `json:"title"`
	Payload json.RawMessage `json:"payload"`
}

type httpResponse struct {
	ID string `json:"id"`
}

func (h HTTP) Create(ctx context.Context, userID string, req draft.CreationRequest) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	reqID := uuid.NewString()
	start := time.Now()

	body, err := json.Marshal(httpRequest{DraftID: req.IdempotencyKey, UserID: userID, Type: req.Type, Title: req.Title, Payload: req.Payload})
	if err != nil {
		return "", fmt.Errorf("encode creation request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build creation request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Request-Id", reqID)
	if req.IdempotencyKey != "" {
		hreq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	for k, v := range h.Headers {
		hreq.Header.Set(k, v)
	}
	logger.Info("creator.http.request", "req_id", reqID, "url", h.URL, "draft_type", req.Type)

	resp, err := client.Do(hreq)
	if err != nil {
		logger.Error("creator.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	logger.Info("creator.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var out httpResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode creation response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("creation service returned no id")
	}
	return out.ID, nil
}
