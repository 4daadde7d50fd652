package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"casetrack/internal/domain"
	"casetrack/internal/engine"
	"casetrack/internal/engine/auth"
	"casetrack/internal/lifecycle"
	"casetrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid status transition: rejected -> open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the casetrack API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("casetrack API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, lifecycle.ErrReasonRequired), errors.Is(err, lifecycle.ErrActorRequired):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.HasPrefix(strings.ToLower(msg), "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission authorizes the request principal against its stored roles.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if err := e.RequirePermission(ctx, principal.ActorID, perm); err != nil {
		return "", err
	}
	return principal.ActorID, nil
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
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
    <title>casetrack API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List or resolve stages",
		Description: "Without case_type the whole catalog is listed. With case_type the stages applicable to the case type and optional subtype are resolved in display order.",
	}, func(ctx context.Context, input *struct {
		CaseType string `query:"case_type"`
		Subtype  string `query:"subtype"`
	}) (*struct {
		Body itemsResponse[domain.StageDefinition] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermCatalogRead); err != nil {
			return nil, handleError(err)
		}
		var (
			defs []domain.StageDefinition
			err  error
		)
		if strings.TrimSpace(input.CaseType) == "" {
			defs, err = e.ListStages(ctx, "")
		} else {
			defs, err = e.ResolveStages(ctx, input.CaseType, input.Subtype)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.StageDefinition] `json:"body"`
		}{Body: itemsResponse[domain.StageDefinition]{Items: nonNilSlice(defs)}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-case",
		Method:      http.MethodPost,
		Path:        "/cases",
		Summary:     "Create case",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermCaseCreate)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			ID:       input.Body.ID,
			Title:    input.Body.Title,
			CaseType: input.Body.CaseType,
			Subtype:  input.Body.Subtype,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"open,complete,rejected"`
		CaseType string `query:"case_type"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListCases(ctx, repo.CaseFilters{
			Status:          input.Status,
			CaseType:        input.CaseType,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{Items: []domain.Case{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-case",
		Method:        http.MethodDelete,
		Path:          "/cases/{id}",
		Summary:       "Delete case",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *casePath) (*struct{}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermCaseDelete)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteCase(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case-progress",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/progress",
		Summary:     "Compute case progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		c, p, err := e.Progress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(c, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/recalculate",
		Summary:     "Recalculate and persist case progress",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermCaseRecalculate); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Recalculate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/reject",
		Summary:     "Reject case",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RejectCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermCaseReject)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.RejectCase(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})
}

type casePath struct {
	ID string `path:"id"`
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-artifact",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/artifacts",
		Summary:     "Upload artifact",
		Description: "Records an artifact for the case and recalculates its progress.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AddArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermArtifactUpload)
		if err != nil {
			return nil, handleError(err)
		}
		a, c, err := e.AddArtifact(ctx, engine.ArtifactAddOptions{
			ID:       input.Body.ID,
			CaseID:   input.ID,
			StageID:  input.Body.StageID,
			FileName: input.Body.FileName,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: ArtifactResponse{Artifact: a, Case: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/artifacts",
		Summary:     "List artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body itemsResponse[domain.Artifact] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListArtifacts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.Artifact] `json:"body"`
		}{Body: itemsResponse[domain.Artifact]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-artifact",
		Method:      http.MethodDelete,
		Path:        "/cases/{id}/artifacts/{artifact_id}",
		Summary:     "Remove artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermArtifactDelete)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.RemoveArtifact(ctx, input.ID, input.ArtifactID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-lifecycle-events",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/lifecycle",
		Summary:     "Case status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body itemsResponse[domain.LifecycleEvent] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListLifecycleEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse[domain.LifecycleEvent] `json:"body"`
		}{Body: itemsResponse[domain.LifecycleEvent]{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"case,catalog,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Before:     before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/grants",
		Summary:     "Grant a role to an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct {
		Body engine.ActorAccess `json:"body"`
	}, error) {
		grantedBy, err := requirePermission(ctx, e, auth.PermRBACManage)
		if err != nil {
			return nil, handleError(err)
		}
		actorID := strings.TrimSpace(input.Body.ActorID)
		roleID := strings.TrimSpace(input.Body.RoleID)
		if actorID == "" || roleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if err := e.GrantRole(ctx, actorID, roleID, grantedBy); err != nil {
			return nil, handleError(err)
		}
		access, err := e.ActorAccess(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		access.Roles = nonNilSlice(access.Roles)
		access.Permissions = nonNilSlice(access.Permissions)
		return &struct {
			Body engine.ActorAccess `json:"body"`
		}{Body: access}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		access, err := e.ActorAccess(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(access.Roles),
			Permissions: nonNilSlice(access.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Description: "Tokens carry identity only; permissions come from the actor's granted roles.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := authCfg.signDevToken(actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
