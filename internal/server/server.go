package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"todoline/internal/domain"
	"todoline/internal/engine"
	"todoline/internal/repo"
	"todoline/internal/validate"
	"todoline/internal/view"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"description: must not be empty"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"description\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	e    *engine.Engine
	auth AuthConfig
	log  *slog.Logger
}

// New returns an HTTP handler exposing the todoline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Auth.logger()
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("todoline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{e: cfg.Engine, auth: cfg.Auth, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerStatus(group)
	h.registerTasks(group)
	h.registerMaintenance(group)
	h.registerSessions(group)
	if cfg.Auth.DevLogin {
		logger.Warn("dev login enabled; tokens can be minted without credentials")
		h.registerDevAuth(group)
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
	var ve *validate.Error
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	case errors.Is(err, validate.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionNotFound):
		return newAPIError(http.StatusNotFound, "session_not_found", err.Error(), nil)
	case errors.Is(err, view.ErrNotOwner):
		return newAPIError(http.StatusForbidden, "not_owner", err.Error(), nil)
	case errors.Is(err, view.ErrExpired):
		return newAPIError(http.StatusGone, "session_expired", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

// fail maps err to the envelope and logs what the client does not see.
func (h *handlers) fail(ctx context.Context, op string, err error) huma.StatusError {
	se := handleError(err)
	if se.GetStatus() >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "request failed", "op", op, "err", err)
	}
	return se
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
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
    <title>todoline API Docs</title>
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

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

var sessionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusGone,
	http.StatusInternalServerError,
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

func (h *handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Store and session status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		st, err := h.e.Status(ctx)
		if err != nil {
			return nil, h.fail(ctx, "status", err)
		}
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: st}, nil
	})
}

type taskPath struct {
	ID int64 `path:"id"`
}

type taskOut struct {
	Body TaskResponse `json:"body"`
}

func (h *handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks for a date",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		Date        string `query:"date" doc:"YYYY-MM-DD, defaults to today (UTC)"`
		IncludeDone bool   `query:"include_done" default:"true"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := h.e.ListTasks(ctx, tenant, input.Date, input.IncludeDone)
		if err != nil {
			return nil, h.fail(ctx, "list-tasks", err)
		}
		date := input.Date
		if date == "" {
			date = h.e.Today()
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Date: date, Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Add task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body AddTaskRequest `json:"body"`
	}) (*taskOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.AddTask(ctx, engine.AddTaskOptions{
			Tenant:      tenant,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Date:        stringOrEmpty(input.Body.Date),
		})
		if err != nil {
			return nil, h.fail(ctx, "add-task", err)
		}
		return &taskOut{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.GetTask(ctx, tenant, input.ID)
		if err != nil {
			return nil, h.fail(ctx, "get-task", err)
		}
		return &taskOut{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Edit task description and/or priority",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*taskOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.EditTask(ctx, engine.EditTaskOptions{
			Tenant:      tenant,
			ID:          input.ID,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, h.fail(ctx, "update-task", err)
		}
		return &taskOut{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.DeleteTask(ctx, tenant, input.ID)
		if err != nil {
			return nil, h.fail(ctx, "delete-task", err)
		}
		return &taskOut{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-done",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/done",
		Summary:     "Mark task done",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.MarkDone(ctx, tenant, input.ID)
		if err != nil {
			return nil, h.fail(ctx, "task-done", err)
		}
		return &taskOut{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-undone",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/undone",
		Summary:     "Mark task not done",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.MarkUndone(ctx, tenant, input.ID)
		if err != nil {
			return nil, h.fail(ctx, "task-undone", err)
		}
		return &taskOut{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-completed",
		Method:      http.MethodPost,
		Path:        "/tasks/clear-completed",
		Summary:     "Delete completed tasks for a date",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		Date string `query:"date"`
	}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := h.e.ClearCompleted(ctx, tenant, input.Date)
		if err != nil {
			return nil, h.fail(ctx, "clear-completed", err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})
}

func (h *handlers) registerMaintenance(api huma.API) {
	maintenanceErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusInternalServerError,
	}
	huma.Register(api, huma.Operation{
		OperationID: "rollover",
		Method:      http.MethodPost,
		Path:        "/rollover",
		Summary:     "Copy incomplete tasks from one date to another",
		Errors:      maintenanceErrors,
	}, func(ctx context.Context, input *struct {
		Body RolloverRequest `json:"body" required:"false"`
	}) (*struct {
		Body RolloverResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		res, err := h.e.Rollover(ctx, input.Body.From, input.Body.To)
		if err != nil {
			return nil, h.fail(ctx, "rollover", err)
		}
		return &struct {
			Body RolloverResponse `json:"body"`
		}{Body: RolloverResponse{From: res.From, To: res.To, Moved: res.Moved}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup",
		Method:      http.MethodPost,
		Path:        "/cleanup",
		Summary:     "Delete tasks older than the retention window",
		Errors:      maintenanceErrors,
	}, func(ctx context.Context, input *struct {
		Body CleanupRequest `json:"body"`
	}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		n, err := h.e.Cleanup(ctx, input.Body.Days)
		if err != nil {
			return nil, h.fail(ctx, "cleanup", err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})
}

type sessionPath struct {
	ID string `path:"session_id"`
}

type sessionOut struct {
	Body SessionResponse `json:"body"`
}

func (h *handlers) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open a live task list",
		DefaultStatus: http.StatusCreated,
		Errors:        sessionErrors,
	}, func(ctx context.Context, input *struct {
		Body OpenSessionRequest `json:"body" required:"false"`
	}) (*sessionOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OpenSessionOptions{
			Tenant:      tenant,
			Date:        stringOrEmpty(input.Body.Date),
			CallbackURL: stringOrEmpty(input.Body.CallbackURL),
			Secret:      stringOrEmpty(input.Body.Secret),
		}
		if input.Body.TTLSeconds != nil {
			opts.TTL = time.Duration(*input.Body.TTLSeconds) * time.Second
		}
		v, err := h.e.OpenSession(ctx, opts)
		if err != nil {
			return nil, h.fail(ctx, "open-session", err)
		}
		return &sessionOut{Body: sessionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Read the latest render of a live task list",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionOut, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := h.e.Session(tenant, input.ID)
		if err != nil {
			return nil, h.fail(ctx, "get-session", err)
		}
		return &sessionOut{Body: sessionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "close-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Expire a live task list",
		DefaultStatus: http.StatusNoContent,
		Errors:        sessionErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.CloseSession(ctx, tenant, input.ID); err != nil {
			return nil, h.fail(ctx, "close-session", err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-task",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/toggle",
		Summary:     "Toggle a task from a live task list",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"session_id"`
		Body ToggleRequest `json:"body"`
	}) (*struct {
		Body ToggleResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.ToggleTask(ctx, input.ID, tenant.UserID, input.Body.TaskID)
		if err != nil {
			return nil, h.fail(ctx, "toggle-task", err)
		}
		out := ToggleResponse{Task: task}
		if v, err := h.e.Session(tenant, input.ID); err == nil {
			out.Content = v.Content()
		}
		return &struct {
			Body ToggleResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (h *handlers) registerDevAuth(api huma.API) {
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
		tenant := domain.Tenant{
			ServerID:  input.Body.ServerID,
			ChannelID: input.Body.ChannelID,
			UserID:    input.Body.UserID,
		}
		if tenant.UserID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signToken(h.auth.JWTSecret, tenant, input.Body.Roles, time.Now(), devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
