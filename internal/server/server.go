package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/engine/auth"
	"payline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"payer alice cannot cover 5000"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Payline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Payline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAccounts(group, cfg.Engine)
	registerStreams(group, cfg.Engine)
	registerReputation(group, cfg.Engine)
	registerRecorders(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": ue.Role})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrTooSoon):
		return newAPIError(http.StatusConflict, "too_soon", err.Error(), nil)
	case errors.Is(err, engine.ErrNothingToRelease):
		return newAPIError(http.StatusConflict, "nothing_to_release", err.Error(), nil)
	case errors.Is(err, engine.ErrNothingToClaim):
		return newAPIError(http.StatusConflict, "nothing_to_claim", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientFunds):
		return newAPIError(http.StatusPaymentRequired, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, engine.ErrTransferFailed):
		return newAPIError(http.StatusBadGateway, "transfer_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "insufficient_funds"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
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
	openPaths := map[string]struct{}{
		ensureLeadingSlash(path.Join(basePath, "health")):         {},
		ensureLeadingSlash(path.Join(basePath, "auth/dev/login")): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, open := openPaths[route]; open {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureLeadingSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Payline API Docs</title>
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

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{principal}",
		Summary:     "Get account balance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Principal string `path:"principal"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAccount(ctx, input.Principal)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				a.Principal = input.Principal
			} else {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/accounts/{principal}/deposit",
		Summary:     "Deposit funds",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Principal string         `path:"principal"`
		Body      DepositRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Deposit(ctx, actorID, input.Principal, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})
}

func registerStreams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stream",
		Method:        http.MethodPost,
		Path:          "/streams",
		Summary:       "Open a payment stream",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStreamRequest `json:"body"`
	}) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStream(ctx, actorID, engine.StreamCreateOptions{
			Worker:          input.Body.Worker,
			TotalAmount:     input.Body.TotalAmount,
			Duration:        input.Body.Duration,
			ReleaseInterval: input.Body.ReleaseInterval,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/streams",
		Summary:     "List streams for the caller",
	}, func(ctx context.Context, input *struct {
		Principal string `query:"principal"`
	}) (*struct {
		Body []StreamResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := input.Principal
		if target == "" {
			target = actorID
		}
		items, err := e.ListStreamsFor(ctx, target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StreamResponse `json:"body"`
		}{Body: mapStreams(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/streams/{id}",
		Summary:     "Get stream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.GetStream(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})

	registerStreamAction(api, "release-payment", "/streams/{id}/release", "Release earned funds", e.ReleasePayment)
	registerStreamAction(api, "claim-earnings", "/streams/{id}/claim", "Claim released funds", e.ClaimEarnings)
	registerStreamAction(api, "pause-stream", "/streams/{id}/pause", "Pause stream", e.PauseStream)
	registerStreamAction(api, "resume-stream", "/streams/{id}/resume", "Resume stream", e.ResumeStream)
	registerStreamAction(api, "cancel-stream", "/streams/{id}/cancel", "Cancel stream and settle", e.CancelStream)
}

func registerStreamAction(api huma.API, opID, route, summary string, action func(context.Context, string, int64) (domain.Stream, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body StreamResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := action(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreamResponse `json:"body"`
		}{Body: streamResponse(s)}, nil
	})
}

func registerReputation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/reputation/{worker}",
		Summary:     "Get worker reputation",
	}, func(ctx context.Context, input *struct {
		Worker string `path:"worker"`
	}) (*struct {
		Body ReputationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rec, err := e.GetReputation(ctx, input.Worker)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReputationResponse `json:"body"`
		}{Body: reputationResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-completion",
		Method:        http.MethodPost,
		Path:          "/reputation/{worker}/completions",
		Summary:       "Record a completed task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Worker string                  `path:"worker"`
		Body   RecordCompletionRequest `json:"body"`
	}) (*struct {
		Body ReputationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordCompletion(ctx, actorID, input.Worker, input.Body.TaskID, input.Body.OnTime, input.Body.Rating)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReputationResponse `json:"body"`
		}{Body: reputationResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-dispute",
		Method:        http.MethodPost,
		Path:          "/reputation/{worker}/disputes",
		Summary:       "Record a dispute",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Worker string               `path:"worker"`
		Body   RecordDisputeRequest `json:"body"`
	}) (*struct {
		Body ReputationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordDispute(ctx, actorID, input.Worker, input.Body.TaskID, input.Body.Severity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReputationResponse `json:"body"`
		}{Body: reputationResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-reputation-score",
		Method:      http.MethodPut,
		Path:        "/reputation/{worker}/score",
		Summary:     "Set worker score (admin)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Worker string          `path:"worker"`
		Body   SetScoreRequest `json:"body"`
	}) (*struct {
		Body ReputationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.UpdateScore(ctx, actorID, input.Worker, input.Body.Score)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReputationResponse `json:"body"`
		}{Body: reputationResponse(rec)}, nil
	})
}

func registerRecorders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recorders",
		Method:      http.MethodGet,
		Path:        "/recorders",
		Summary:     "List recorders",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RecorderResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListRecorders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RecorderResponse, 0, len(items))
		for _, r := range items {
			res = append(res, recorderResponse(r))
		}
		return &struct {
			Body []RecorderResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-recorder",
		Method:        http.MethodPost,
		Path:          "/recorders",
		Summary:       "Grant recorder capability (admin)",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AddRecorderRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AddRecorder(ctx, actorID, input.Body.Principal); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-recorder",
		Method:      http.MethodDelete,
		Path:        "/recorders/{principal}",
		Summary:     "Revoke recorder capability (admin)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Principal string `path:"principal"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveRecorder(ctx, actorID, input.Principal); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transfer-admin",
		Method:      http.MethodPost,
		Path:        "/admin/transfer",
		Summary:     "Transfer admin role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body TransferAdminRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.TransferAdmin(ctx, actorID, input.Body.Principal); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
		Kind       string `query:"kind"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		var evts []domain.Event
		var err error
		if cursor > 0 {
			evts, err = e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.Kind, input.EntityKind, input.EntityID)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, limit+1, input.Kind, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(evts) > limit {
			evts = evts[:limit]
			// cursor is the last item returned; the next page selects id < cursor
			resp.NextCursor = strconv.FormatInt(evts[limit-1].ID, 10)
		}
		for _, evt := range evts {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
