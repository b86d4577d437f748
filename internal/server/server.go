package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"govline/internal/engine"
	"govline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// ThrottleRPS bounds per-IP request rates; 0 disables the throttle.
	ThrottleRPS   int
	ThrottleBurst int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_active_request"`
	Message string         `json:"message" example:"an active request already exists for this agent and operation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retry_after_seconds\":12}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Govline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.ThrottleRPS > 0 {
		burst := cfg.ThrottleBurst
		if burst <= 0 {
			burst = cfg.ThrottleRPS
		}
		router.Use(newIPThrottle(cfg.ThrottleRPS, burst).middleware)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Govline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookForwarder(cfg.Engine)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var rl *engine.RateLimitedError
	if errors.As(err, &rl) {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), map[string]any{
			"retry_after_seconds": rl.RetryAfterSeconds,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateActiveRequest):
		return newAPIError(http.StatusConflict, "duplicate_active_request", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidApprovalSet):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_approval_set", err.Error(), nil)
	case errors.Is(err, engine.ErrPasswordRequired):
		return newAPIError(http.StatusForbidden, "password_required", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidPassword):
		return newAPIError(http.StatusForbidden, "invalid_password", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownApprover):
		return newAPIError(http.StatusForbidden, "unknown_approver", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyDecided):
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateApproval):
		return newAPIError(http.StatusConflict, "duplicate_approval", err.Error(), nil)
	case errors.Is(err, engine.ErrNotDualApproved):
		return newAPIError(http.StatusConflict, "not_dual_approved", err.Error(), nil)
	case errors.Is(err, engine.ErrConcurrencyConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrNoPassword):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Govline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountRequestsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"engine_id":      e.Config.Engine.ID,
			"request_counts": counts,
		}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit governance request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RequestCreateOptions{
			OperationType: input.Body.OperationType,
			Scope:         input.Body.Scope,
			RiskLevel:     input.Body.RiskLevel,
			TargetAgent:   input.Body.TargetAgent,
			Submitter:     actorID,
			SourceTeam:    input.Body.SourceTeam,
			Justification: input.Body.Justification,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.TargetTeam != nil {
			opts.TargetTeam = *input.Body.TargetTeam
		}
		if input.Body.RollbackPlan != nil {
			opts.RollbackPlan = *input.Body.RollbackPlan
		}
		if input.Body.GovernancePassword != nil {
			opts.GovernancePassword = *input.Body.GovernancePassword
		}
		req, err := e.CreateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: toRequestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get request",
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		req, err := e.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: toRequestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"pending,partially-approved,dual-approved,executed,rejected" required:"false"`
		MinAgeSeconds   int    `query:"min_age_seconds" required:"false"`
		Limit           int    `query:"limit" required:"false"`
		CursorCreatedAt string `query:"cursor_created_at" required:"false"`
		CursorID        string `query:"cursor_id" required:"false"`
	}) (*struct {
		Body struct {
			Requests []RequestResponse `json:"requests"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		reqs, err := e.ListRequests(ctx, repo.RequestFilters{
			Status:          input.Status,
			MinAgeSeconds:   input.MinAgeSeconds,
			Limit:           limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Requests []RequestResponse `json:"requests"`
			} `json:"body"`
		}{}
		out.Body.Requests = make([]RequestResponse, 0, len(reqs))
		for _, req := range reqs {
			out.Body.Requests = append(out.Body.Requests, toRequestResponse(req))
		}
		return out, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-approval",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/approvals",
		Summary:     "Record an approval or rejection",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Body      SubmitApprovalRequest
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ApprovalOptions{
			RequestID: input.RequestID,
			ActorID:   actorID,
			Decision:  input.Body.Decision,
		}
		if input.Body.Role != nil {
			opts.Role = *input.Body.Role
		}
		if input.Body.Comment != nil {
			opts.Comment = *input.Body.Comment
		}
		if input.Body.GovernancePassword != nil {
			opts.GovernancePassword = *input.Body.GovernancePassword
		}
		req, err := e.SubmitApproval(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: toRequestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-password",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/password",
		Summary:     "Verify governance password",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Body      VerifyPasswordRequest
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.VerifyPassword(ctx, input.RequestID, actorID, input.Body.GovernancePassword)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: toRequestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/execute",
		Summary:     "Execute a dual-approved request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ExecuteRequest(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: toRequestResponse(req)}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/run",
		Summary:     "Reconcile overdue escalation stages for all active requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Fired []EscalationResponse `json:"fired"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		fired, err := e.ReconcileAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Fired []EscalationResponse `json:"fired"`
			} `json:"body"`
		}{}
		out.Body.Fired = make([]EscalationResponse, 0, len(fired))
		for _, esc := range fired {
			out.Body.Fired = append(out.Body.Fired, EscalationResponse(esc))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/escalations",
		Summary:     "List fired escalation stages for a request",
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body struct {
			Escalations []EscalationResponse `json:"escalations"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		escs, err := e.Repo.ListEscalations(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Escalations []EscalationResponse `json:"escalations"`
			} `json:"body"`
		}{}
		out.Body.Escalations = make([]EscalationResponse, 0, len(escs))
		for _, esc := range escs {
			out.Body.Escalations = append(out.Body.Escalations, EscalationResponse(esc))
		}
		return out, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		RequestID string `query:"request_id" required:"false"`
		Type      string `query:"type" required:"false"`
		Limit     int    `query:"limit" required:"false"`
		Cursor    int64  `query:"cursor" required:"false"`
	}) (*struct {
		Body struct {
			Events []EventResponse `json:"events"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		events, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.RequestID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []EventResponse `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Events = make([]EventResponse, 0, len(events))
		for _, evt := range events {
			out.Body.Events = append(out.Body.Events, toEventResponse(evt))
		}
		return out, nil
	})
}
