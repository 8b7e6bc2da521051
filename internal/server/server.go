package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/engine/auth"
	"servline/internal/repo"
)

// Config for the HTTP handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	PublicDir string
	Logger    *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"task_blocked"`
	Message string         `json:"message" example:"task is blocked by an incomplete step: waiting on Order Hardware"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":{\"info\":\"requested information is required\"}}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// maxRequestBody caps every buffered request body, forms included.
const maxRequestBody = 1 << 20

// apiError models the JSON error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler serving the HTML pages and the JSON API.
func New(cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	basePath := cfg.BasePath
	if basePath == "" && cfg.Engine.Config != nil {
		basePath = cfg.Engine.Config.BasePath()
	}
	if basePath == "" {
		basePath = "/api/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("session secret required")
	}
	sess := sessions{secret: cfg.Auth.JWTSecret, cookie: "servline_session", ttl: defaultTokenTTL, now: time.Now}
	if c := cfg.Engine.Config; c != nil {
		sess.cookie = c.CookieName()
		sess.ttl = c.SessionTTL()
		sess.secure = c.Session.Secure
		if cfg.PublicDir == "" {
			cfg.PublicDir = c.Server.PublicDir
		}
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = sess.ttl
	}
	pg, err := newPages(cfg.Engine, sess, logger)
	if err != nil {
		return nil, err
	}
	static, err := publicFS(cfg.PublicDir)
	if err != nil {
		return nil, err
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
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if !errors.As(err, &tooLarge) {
					http.Error(w, "read request body", http.StatusBadRequest)
					return
				}
				if strings.HasPrefix(r.URL.Path, basePath+"/") {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", map[string]any{"limit": maxRequestBody}))
					return
				}
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	router.Handle("/public/*", http.StripPrefix("/public/", http.FileServer(http.FS(static))))
	pg.register(router)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, basePath+"/") {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "no such endpoint", nil))
			return
		}
		pg.notFound(w, r)
	})

	hcfg := huma.DefaultConfig("Servline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerImplementations(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		fields := make(map[string]any, len(ve.Fields))
		for k, v := range ve.Fields {
			fields[k] = v
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"fields": fields})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	switch {
	case errors.Is(err, engine.ErrInvalidCredentials):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskBlocked):
		return newAPIError(http.StatusConflict, "task_blocked", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskCompleted):
		return newAPIError(http.StatusConflict, "task_completed", err.Error(), nil)
	case errors.Is(err, engine.ErrRequestClosed):
		return newAPIError(http.StatusConflict, "request_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrNoManager):
		return newAPIError(http.StatusUnprocessableEntity, "no_manager", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

// actingEmployee loads the employee behind the request principal.
func actingEmployee(ctx context.Context, e engine.Engine) (domain.Employee, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Employee{}, authErr
	}
	emp, err := e.Employee(ctx, principal.EmployeeID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Employee{}, newAPIError(http.StatusUnauthorized, "unauthorized", "employee no longer exists", nil)
	}
	return emp, err
}

func requireManager(ctx context.Context, e engine.Engine, action string) (domain.Employee, error) {
	emp, err := actingEmployee(ctx, e)
	if err != nil {
		return domain.Employee{}, err
	}
	if err := auth.RequireManager(emp, action); err != nil {
		return domain.Employee{}, err
	}
	return emp, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
		path.Join("/", basePath, "health"):     true,
		path.Join("/", basePath, "auth/login"): true,
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
    <title>Servline API Docs</title>
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
      Authenticate with POST auth/login, then Authorization: Bearer &lt;token&gt;, or use X-Api-Key.
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange email and password for a bearer token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		emp, err := e.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		ttl := authCfg.tokenTTL()
		token, err := signToken(authCfg.JWTSecret, audienceAPI, emp, ttl, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{
			Token:     token,
			ExpiresAt: now.Add(ttl).UTC().Format(time.RFC3339),
			Employee:  emp,
		}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current employee",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromContext(ctx)
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Employee: emp, Source: principal.Source}}, nil
	})
}

type taskPath struct {
	TaskID int64 `path:"task_id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
		Description: "assigned: a worker gets the single earliest task they hold, a manager every assigned open task. " +
			"unassigned: open tasks without assignments (ready ones only for workers). completed: newest first.",
		Errors: []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		View  string `query:"view" enum:"assigned,unassigned,completed" default:"assigned"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		view := input.View
		if view == "" {
			view = "assigned"
		}
		var items []domain.TaskView
		switch view {
		case "assigned":
			items, err = e.AssignedTasks(ctx, emp)
		case "unassigned":
			items, err = e.UnassignedTasks(ctx, emp)
		case "completed":
			items, err = e.CompletedTasks(ctx, normalizeLimit(input.Limit))
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown view", map[string]any{"view": view})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{View: view, Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task detail",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskDetailResponse `json:"body"`
	}, error) {
		if _, err := actingEmployee(ctx, e); err != nil {
			return nil, handleError(err)
		}
		d, err := e.TaskDetail(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskDetailResponse `json:"body"`
		}{Body: taskDetailResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/assign",
		Summary:       "Assign a task",
		Description:   "Appends an assignment. worker_id defaults to the caller; workers may only assign themselves.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID int64              `path:"task_id"`
		Body   *AssignTaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.TaskAssignment `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		workerID := emp.ID
		if input.Body != nil && input.Body.WorkerID != nil {
			workerID = *input.Body.WorkerID
		}
		a, err := e.AssignTask(ctx, engine.AssignOptions{TaskID: input.TaskID, WorkerID: workerID, ActorID: emp.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskAssignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-information",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/request",
		Summary:       "Ask the client's project manager for information",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID int64              `path:"task_id"`
		Body   RequestInfoRequest `json:"body"`
	}) (*struct {
		Body domain.InformationRequest `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.RequestInformation(ctx, engine.RequestOptions{TaskID: input.TaskID, WorkerID: emp.ID, Info: input.Body.Info})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InformationRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Mark a task complete",
		Description: "Completing an already completed task re-stamps completed_on.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CompleteTask(ctx, engine.CompleteOptions{TaskID: input.TaskID, ActorID: emp.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerImplementations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-implementations",
		Method:      http.MethodGet,
		Path:        "/implementations",
		Summary:     "List implementations of the caller's clients",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Open bool `query:"open" default:"true"`
	}) (*struct {
		Body implementationList `json:"body"`
	}, error) {
		emp, err := requireManager(ctx, e, "list implementations")
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListImplementations(ctx, emp.ID, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		resp := implementationList{Items: []ImplementationResponse{}}
		for _, s := range items {
			resp.Items = append(resp.Items, implementationResponse(s, nil))
		}
		return &struct {
			Body implementationList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-implementation",
		Method:        http.MethodPost,
		Path:          "/implementations",
		Summary:       "Create an implementation and one task per step",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateImplementationRequest `json:"body"`
	}) (*struct {
		Body ImplementationResponse `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.CreateImplementation(ctx, engine.ImplementationCreateOptions{
			ServiceID: input.Body.ServiceID,
			ClientID:  input.Body.ClientID,
			Notes:     input.Body.Notes,
			ActorID:   emp.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImplementationResponse `json:"body"`
		}{Body: implementationResponse(d.ImplementationSummary, nonNilSlice(d.Tasks))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-implementation",
		Method:      http.MethodGet,
		Path:        "/implementations/{implementation_id}",
		Summary:     "Get an implementation with its tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ImplementationID int64 `path:"implementation_id"`
	}) (*struct {
		Body ImplementationResponse `json:"body"`
	}, error) {
		if _, err := actingEmployee(ctx, e); err != nil {
			return nil, handleError(err)
		}
		d, err := e.GetImplementation(ctx, input.ImplementationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImplementationResponse `json:"body"`
		}{Body: implementationResponse(d.ImplementationSummary, nonNilSlice(d.Tasks))}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "Open information requests addressed to the caller",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body requestList `json:"body"`
	}, error) {
		emp, err := requireManager(ctx, e, "list requests")
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.OpenRequests(ctx, emp.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body requestList `json:"body"`
		}{Body: requestList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reply-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/reply",
		Summary:     "Resolve an information request",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID int64        `path:"request_id"`
		Body      ReplyRequest `json:"body"`
	}) (*struct {
		Body domain.InformationRequest `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.ResolveRequest(ctx, engine.ResolveOptions{RequestID: input.RequestID, ManagerID: emp.ID, Reply: input.Body.Reply})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InformationRequest `json:"body"`
		}{Body: req}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List services with their steps",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body serviceList `json:"body"`
	}, error) {
		if _, err := actingEmployee(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListServices(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body serviceList `json:"body"`
		}{Body: serviceList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List clients",
		Description: "Managers see the clients they manage; workers see all clients.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body clientList `json:"body"`
	}, error) {
		emp, err := actingEmployee(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		var managedBy int64
		if emp.IsManager() {
			managedBy = emp.ID
		}
		items, err := e.ListClients(ctx, managedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body clientList `json:"body"`
		}{Body: clientList{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"implementation,task,request,employee,client,service,step,catalog"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireManager(ctx, e, "read events"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// cursor is exclusive, so the next page starts below the last returned id
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
