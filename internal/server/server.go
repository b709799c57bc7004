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
	"go.uber.org/zap"

	"warden/internal/app"
	"warden/internal/domain"
	"warden/internal/manifest"
	"warden/internal/metrics"
	"warden/internal/pipeline"
	"warden/internal/repo"
	"warden/internal/review"
	"warden/internal/vault"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Warden API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(metrics.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("Warden API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	rt := cfg.Runtime
	registerDocs(router, basePath)
	registerHealth(group)
	registerManifests(group, rt)
	registerStaged(group, rt)
	registerEvents(group, rt)
	registerOpenAPI(router, api, basePath)

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

// operatorFaults are caller-correctable failures inside a manifest.
var operatorFaults = []error{
	pipeline.ErrUndeclaredOperator,
	pipeline.ErrStagePosition,
	pipeline.ErrNoConnector,
	pipeline.ErrUnknownFilterOp,
	pipeline.ErrUnknownTransformKind,
	pipeline.ErrUnknownOperatorType,
	pipeline.ErrMissingProperty,
	pipeline.ErrInvalidProperty,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe *manifest.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "parse_error", err.Error(), nil)
	}
	var ve manifest.ValidationErrors
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_manifest", err.Error(), map[string]any{"errors": validationIssues(ve)})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, review.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	var af *review.ActionFailedError
	if errors.As(err, &af) {
		return newAPIError(http.StatusBadGateway, "action_failed", err.Error(), map[string]any{"action_id": af.ActionID})
	}
	for _, target := range operatorFaults {
		if errors.Is(err, target) {
			details := map[string]any{}
			var oe *pipeline.OperatorError
			if errors.As(err, &oe) {
				details["operator"] = oe.Name
				details["type"] = oe.Type
			}
			return newAPIError(http.StatusUnprocessableEntity, "operator_failed", err.Error(), details)
		}
	}
	if errors.Is(err, vault.ErrDecrypt) {
		return newAPIError(http.StatusInternalServerError, "decrypt_failed", "cached data could not be decrypted", nil)
	}
	var oe *pipeline.OperatorError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusBadGateway, "upstream_failed", err.Error(), map[string]any{"operator": oe.Name, "type": oe.Type})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
    <title>Warden API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
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

func registerManifests(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-manifest",
		Method:      http.MethodPost,
		Path:        "/manifests/validate",
		Summary:     "Parse and validate manifest text without registering it",
	}, func(ctx context.Context, input *struct {
		Body ManifestTextRequest `json:"body"`
	}) (*struct {
		Body ValidateResponse `json:"body"`
	}, error) {
		resp := ValidateResponse{Errors: []ValidationIssue{}}
		m, err := manifest.Parse(input.Body.Text, "")
		if err != nil {
			resp.Errors = append(resp.Errors, ValidationIssue{Code: "parse_error", Detail: err.Error()})
		} else {
			resp.ID, resp.Purpose, resp.Graph = m.ID, m.Purpose, m.Graph
			resp.Errors = validationIssues(manifest.Validate(m))
		}
		resp.Valid = len(resp.Errors) == 0
		return &struct {
			Body ValidateResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-manifest",
		Method:        http.MethodPost,
		Path:          "/manifests",
		Summary:       "Register a manifest",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateManifestRequest `json:"body"`
	}) (*struct {
		Body ManifestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stored, err := rt.SaveManifest(ctx, input.Body.Text, input.Body.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ManifestResponse `json:"body"`
		}{Body: manifestResponse(stored)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-manifests",
		Method:      http.MethodGet,
		Path:        "/manifests",
		Summary:     "List registered manifests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ManifestList `json:"body"`
	}, error) {
		items, err := rt.Repo.ListManifests(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ManifestList{Items: []ManifestResponse{}}
		for _, m := range items {
			resp.Items = append(resp.Items, manifestResponse(m))
		}
		return &struct {
			Body ManifestList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-manifest",
		Method:      http.MethodGet,
		Path:        "/manifests/{id}",
		Summary:     "Get a manifest",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ManifestResponse `json:"body"`
	}, error) {
		m, err := rt.Repo.GetManifest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ManifestResponse `json:"body"`
		}{Body: manifestResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-manifest",
		Method:        http.MethodDelete,
		Path:          "/manifests/{id}",
		Summary:       "Delete a manifest",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rt.DeleteManifest(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-manifest",
		Method:      http.MethodPost,
		Path:        "/manifests/{id}/execute",
		Summary:     "Run a registered manifest for the calling agent",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ExecuteRequest `json:"body"`
	}) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := rt.Execute(ctx, input.ID, actorID, input.Body.ActionData)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerStaged(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-staged",
		Method:      http.MethodGet,
		Path:        "/staged",
		Summary:     "List staged actions",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,approved,rejected,committed"`
		ManifestID string `query:"manifest_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body StagedList `json:"body"`
	}, error) {
		items, err := rt.Repo.ListStagedActions(ctx, repo.StagedFilters{
			Status:     input.Status,
			ManifestID: input.ManifestID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := StagedList{Items: []domain.StagedAction{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body StagedList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-staged",
		Method:      http.MethodGet,
		Path:        "/staged/{id}",
		Summary:     "Get a staged action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.StagedAction `json:"body"`
	}, error) {
		a, err := rt.Repo.GetStagedAction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StagedAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-staged",
		Method:      http.MethodPost,
		Path:        "/staged/{id}/approve",
		Summary:     "Approve a pending action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.StagedAction `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := rt.Review.Approve(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StagedAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-staged",
		Method:      http.MethodPost,
		Path:        "/staged/{id}/reject",
		Summary:     "Reject a pending action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *RejectRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.StagedAction `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		a, err := rt.Review.Reject(ctx, input.ID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StagedAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit-staged",
		Method:      http.MethodPost,
		Path:        "/staged/{id}/commit",
		Summary:     "Execute an approved action through its connector",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CommitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, res, err := rt.Review.Commit(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommitResponse `json:"body"`
		}{Body: CommitResponse{Action: a, Result: res}}, nil
	})
}

func registerEvents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ManifestID string `query:"manifest_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"pipeline,staged_action,manifest,cache"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := rt.Repo.LatestEvents(ctx, repo.EventFilters{
			ManifestID: input.ManifestID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
