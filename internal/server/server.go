package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agileflow/internal/config"
	"agileflow/internal/domain"
	"agileflow/internal/engine"
	"agileflow/internal/engine/auth"
	"agileflow/internal/repo"
	"agileflow/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"no legal transition from Open to Done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from_status\":\"Open\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the AgileFlow API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("AgileFlow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerSchemes(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	var ite workflow.IllegalTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"issue_id":    ite.IssueID,
			"from_status": ite.FromStatus,
			"to_status":   ite.ToStatus,
		})
	}
	var cme workflow.ConcurrentModificationError
	if errors.As(err, &cme) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{"issue_id": cme.IssueID})
	}
	var ste workflow.StorageTimeoutError
	if errors.As(err, &ste) {
		return newAPIError(http.StatusGatewayTimeout, "storage_timeout", err.Error(), nil)
	}
	var sie workflow.SchemeIntegrityError
	if errors.As(err, &sie) {
		return newAPIError(http.StatusUnprocessableEntity, "scheme_integrity", err.Error(), map[string]any{"scheme_id": sie.SchemeID})
	}
	var de workflow.DuplicateTransitionError
	if errors.As(err, &de) {
		return newAPIError(http.StatusUnprocessableEntity, "duplicate_transition", err.Error(), map[string]any{
			"from_status": de.FromStatus,
			"to_status":   de.ToStatus,
		})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func actorFromContext(ctx context.Context) string {
	p, _ := principalFromContext(ctx)
	return p.ActorID
}

// claimRolesFromContext returns roles asserted by the caller's credentials
// (JWT role claims). They supplement the stored grants during resolution.
func claimRolesFromContext(ctx context.Context) []string {
	p, _ := principalFromContext(ctx)
	return p.Roles
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
    <title>AgileFlow API Docs</title>
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

// Path parameter structs must be exported: huma only walks exported
// fields, and an embedded unexported type is itself an unexported field.
type ProjectPath struct {
	ProjectID string `path:"project_id"`
}

type IssuePath struct {
	Key string `path:"key"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-project",
		Method:      http.MethodPost,
		Path:        "/projects",
		Summary:     "Create a project with the default workflow scheme",
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		cfg := config.Default(input.Body.ID, input.Body.Key)
		cfg.Project.Name = input.Body.Name
		p, err := e.InitProject(ctx, cfg, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: projects}, nil
	})
}

func registerSchemes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-scheme",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scheme",
		Summary:     "Get the project's workflow scheme",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body domain.Scheme `json:"body"`
	}, error) {
		s, err := e.GetScheme(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scheme `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-scheme",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/scheme",
		Summary:     "Replace the project's workflow scheme",
		Description: "The scheme is validated as a whole before anything is stored. Dangling status references, duplicate transitions and malformed conditions reject the import.",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ImportSchemeRequest
	}) (*struct {
		Body domain.Scheme `json:"body"`
	}, error) {
		if _, err := e.ImportScheme(ctx, input.ProjectID, input.Body.scheme()); err != nil {
			return nil, handleError(err)
		}
		s, err := e.GetScheme(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scheme `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheme-diagram",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scheme/diagram",
		Summary:     "Workflow diagram data",
		Description: "Statuses plus transitions grouped by source status. Condition text is reduced to a presence flag.",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body domain.Diagram `json:"body"`
	}, error) {
		d, err := e.Diagram(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Diagram `json:"body"`
		}{Body: d}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-issue",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/issues",
		Summary:     "Create an issue",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body CreateIssueRequest
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
			ProjectID:    input.ProjectID,
			Summary:      input.Body.Summary,
			Description:  input.Body.Description,
			Type:         input.Body.Type,
			Priority:     input.Body.Priority,
			StoryPoints:  input.Body.StoryPoints,
			Assignees:    input.Body.Assignees,
			CustomFields: input.Body.CustomFields,
			ActorID:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Status   string `query:"status"`
		Assignee string `query:"assignee"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		issues, err := e.ListIssues(ctx, repo.IssueFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Assignee:  input.Assignee,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{key}",
		Summary:     "Get an issue by key",
	}, func(ctx context.Context, input *IssuePath) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := e.GetIssue(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-transitions",
		Method:      http.MethodGet,
		Path:        "/issues/{key}/transitions",
		Summary:     "Legal transitions for the acting user",
		Description: "Resolution is fail-closed: transitions whose condition errors or whose permission the user lacks are omitted. An empty list means the issue is terminal for this user.",
	}, func(ctx context.Context, input *IssuePath) (*struct {
		Body TransitionListResponse `json:"body"`
	}, error) {
		issue, err := e.GetIssue(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		opts, err := e.AvailableTransitions(ctx, input.Key, actorFromContext(ctx), claimRolesFromContext(ctx)...)
		if err != nil {
			return nil, handleError(err)
		}
		if opts == nil {
			opts = []domain.TransitionOption{}
		}
		return &struct {
			Body TransitionListResponse `json:"body"`
		}{Body: TransitionListResponse{Issue: issue.Key, Status: issue.Status, Transitions: opts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{key}/transition",
		Summary:     "Execute a transition",
	}, func(ctx context.Context, input *struct {
		IssuePath
		Body TransitionRequest
	}) (*struct {
		Body TransitionResultResponse `json:"body"`
	}, error) {
		res, err := e.TransitionIssue(ctx, input.Key, input.Body.ToStatus, actorFromContext(ctx), input.Body.Comment, claimRolesFromContext(ctx)...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResultResponse `json:"body"`
		}{Body: TransitionResultResponse{Status: res.Status, Activity: res.Activity}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{key}/assign",
		Summary:     "Add an assignee",
	}, func(ctx context.Context, input *struct {
		IssuePath
		Body AssignRequest
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := e.AssignIssue(ctx, input.Key, input.Body.Assignee, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{key}/estimate",
		Summary:     "Set or clear story points",
	}, func(ctx context.Context, input *struct {
		IssuePath
		Body EstimateRequest
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := e.EstimateIssue(ctx, input.Key, input.Body.StoryPoints, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "comment-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{key}/comment",
		Summary:     "Comment on an issue",
	}, func(ctx context.Context, input *struct {
		IssuePath
		Body CommentRequest
	}) (*struct {
		Body domain.ActivityRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.CommentIssue(ctx, input.Key, actorID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActivityRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-activity",
		Method:      http.MethodGet,
		Path:        "/issues/{key}/activity",
		Summary:     "Issue activity, newest first",
	}, func(ctx context.Context, input *struct {
		IssuePath
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.ActivityRecord `json:"body"`
	}, error) {
		records, err := e.ListActivity(ctx, input.Key, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if records == nil {
			records = []domain.ActivityRecord{}
		}
		return &struct {
			Body []domain.ActivityRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/roles/grant",
		Summary:     "Grant a project role",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body RoleGrantRequest
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := e.GrantRole(ctx, input.ProjectID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"granted": true, "actor_id": input.Body.ActorID, "role": input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/roles/revoke",
		Summary:     "Revoke a project role",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body RoleGrantRequest
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := e.RevokeRole(ctx, input.ProjectID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"revoked": true, "actor_id": input.Body.ActorID, "role": input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-roles",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/actors/{actor_id}/roles",
		Summary:     "List an actor's project roles",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		roles, err := e.Repo.ActorRoles(ctx, input.ProjectID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"actor_id": input.ActorID, "roles": roles}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/apikeys",
		Summary:     "Mint an API key",
		Description: "The plaintext key is returned once; only its hash is stored.",
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		plaintext, key, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plaintext}}, nil
	})
}
