package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/engine"
	"commandcenter/internal/feedback"
	"commandcenter/internal/interpret"
	"commandcenter/internal/repo"
)

const maxAttachmentBytes = 10 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"draft_expired"`
	Message string         `json:"message" example:"draft expired; please resubmit"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retryable\":false}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Command Center API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema violations are client errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Command Center API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDrafts(group, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.Info("http.request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// unprocessable codes describe a well-formed request the draft cannot accept
// in its current state.
var unprocessable = map[string]bool{
	"flow_incomplete": true,
	"flow_complete":   true,
	"invalid_answer":  true,
	"invalid_content": true,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		details := map[string]any{"retryable": ee.Retryable}
		switch ee.Kind {
		case engine.KindValidation:
			status := http.StatusBadRequest
			if unprocessable[ee.Code] {
				status = http.StatusUnprocessableEntity
			}
			return newAPIError(status, ee.Code, ee.Message, details)
		case engine.KindNotFound:
			return newAPIError(http.StatusNotFound, ee.Code, ee.Message, nil)
		case engine.KindConflict:
			return newAPIError(http.StatusConflict, ee.Code, ee.Message, details)
		case engine.KindInterpretation:
			return newAPIError(http.StatusBadGateway, ee.Code, ee.Message, details)
		case engine.KindCreation:
			if ee.Code == "creation_rejected" {
				return newAPIError(http.StatusUnprocessableEntity, ee.Code, ee.Message, details)
			}
			return newAPIError(http.StatusServiceUnavailable, ee.Code, ee.Message, details)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Command Center API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type draftOutput struct {
	Body DraftResponse `json:"body"`
}

type draftPath struct {
	DraftID string `path:"draft_id"`
}

func clock(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Interpret input into a pending draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitDraftRequest `json:"body"`
	}) (*draftOutput, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		attachments, err := decodeAttachments(input.Body.Attachments)
		if err != nil {
			return nil, err
		}
		d, err := e.Submit(ctx, engine.SubmitInput{
			UserID:             user,
			Text:               input.Body.Text,
			Attachments:        attachments,
			VoiceTranscription: input.Body.VoiceTranscription,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: draftResponse(d, clock(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List the caller's drafts, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"PENDING_APPROVAL,APPROVED,MODIFIED,REJECTED,EXPIRED"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedDrafts `json:"body"`
	}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.List(ctx, engine.ListOptions{
			UserID: user,
			Status: domain.DraftStatus(input.Status),
			Limit:  input.Limit,
			Cursor: input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDrafts `json:"body"`
		}{Body: paginatedDrafts{Items: mapDrafts(res.Drafts, clock(e)), NextCursor: res.NextCursor}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get a draft",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *draftPath) (*draftOutput, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Get(ctx, input.DraftID, user)
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: draftResponse(d, clock(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/answers",
		Summary:     "Answer the current clarification question",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string        `path:"draft_id"`
		Body    AnswerRequest `json:"body"`
	}) (*draftOutput, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Answer(ctx, engine.AnswerInput{
			DraftID:    input.DraftID,
			UserID:     user,
			QuestionID: input.Body.QuestionID,
			Value:      input.Body.Value,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: draftResponse(d, clock(e))}, nil
	})

	actionErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusServiceUnavailable,
	}
	for _, a := range []engine.Action{engine.ActionApprove, engine.ActionReject} {
		action := a
		name := strings.ToLower(string(action))
		huma.Register(api, huma.Operation{
			OperationID: name + "-draft",
			Method:      http.MethodPost,
			Path:        "/drafts/{draft_id}/" + name,
			Summary:     strings.ToUpper(name[:1]) + name[1:] + " a pending draft",
			Errors:      actionErrors,
		}, func(ctx context.Context, input *draftPath) (*draftOutput, error) {
			user, authErr := userFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			d, err := e.Act(ctx, engine.ActInput{DraftID: input.DraftID, UserID: user, Action: action})
			if err != nil {
				return nil, handleError(err)
			}
			return &draftOutput{Body: draftResponse(d, clock(e))}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "modify-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/modify",
		Summary:     "Approve a pending draft with edited content",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		DraftID string             `path:"draft_id"`
		Body    ModifyDraftRequest `json:"body"`
	}) (*draftOutput, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		content, err := modifiedContent(ctx, e, input.DraftID, user, input.Body)
		if err != nil {
			return nil, err
		}
		d, err := e.Act(ctx, engine.ActInput{DraftID: input.DraftID, UserID: user, Action: engine.ActionModify, Content: content})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: draftResponse(d, clock(e))}, nil
	})
}

// modifiedContent decodes the edited content as the requested type, or as
// the draft's current type when none is given.
func modifiedContent(ctx context.Context, e engine.Engine, draftID, user string, body ModifyDraftRequest) (draft.Content, error) {
	if body.Content == nil {
		return nil, newAPIError(http.StatusBadRequest, "content_required", "modify needs the edited draft content", nil)
	}
	var t draft.Type
	if strings.TrimSpace(body.DraftType) != "" {
		parsed, err := draft.ParseType(body.DraftType)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_draft_type", err.Error(), map[string]any{"draft_type": body.DraftType})
		}
		t = parsed
	} else {
		current, err := e.Get(ctx, draftID, user)
		if err != nil {
			return nil, handleError(err)
		}
		t = current.Type
	}
	data, err := json.Marshal(body.Content)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "invalid_content", err.Error(), nil)
	}
	content, err := draft.DecodeAs(t, data)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "invalid_content", err.Error(), map[string]any{"draft_type": string(t)})
	}
	return content, nil
}

func decodeAttachments(in []AttachmentRequest) ([]interpret.Attachment, error) {
	out := make([]interpret.Attachment, 0, len(in))
	for i, a := range in {
		if strings.TrimSpace(a.MIMEType) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "attachment mime_type is required", map[string]any{"index": i})
		}
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "attachment data must be base64", map[string]any{"index": i})
		}
		if len(data) == 0 || len(data) > maxAttachmentBytes {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "attachment must be between 1 byte and 10 MiB", map[string]any{"index": i})
		}
		out = append(out, interpret.Attachment{Name: a.Name, MIMEType: a.MIMEType, Data: data})
	}
	return out, nil
}

func registerFeedback(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-feedback",
		Method:      http.MethodGet,
		Path:        "/feedback",
		Summary:     "List the caller's feedback records, most recent first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Action        string `query:"action" enum:"APPROVED,MODIFIED,REJECTED"`
		Modifications bool   `query:"modifications"`
		Limit         int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body feedbackList `json:"body"`
	}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := e.ListFeedback(ctx, engine.FeedbackQuery{
			UserID:            user,
			ModificationsOnly: input.Modifications,
			Action:            domain.FeedbackAction(input.Action),
			Limit:             input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := feedbackList{Items: make([]FeedbackResponse, 0, len(recs))}
		for _, rec := range recs {
			resp.Items = append(resp.Items, feedbackResponse(rec))
		}
		return &struct {
			Body feedbackList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-feedback",
		Method:      http.MethodGet,
		Path:        "/feedback/export",
		Summary:     "Download the caller's feedback records as a spreadsheet",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Action string `query:"action" enum:"APPROVED,MODIFIED,REJECTED"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		data, err := feedback.ExportXLSX(ctx, e.Repo, repo.FeedbackFilter{UserID: user, Action: domain.FeedbackAction(input.Action)}, e.Logger)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			ContentDisposition: `attachment; filename="feedback.xlsx"`,
			Body:               data,
		}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{UserID: p.UserID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, user, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		authCfg.logger().Warn("auth.dev_login", "user_id", user)
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
