package server

import (
	"context"
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
	"github.com/goccy/go-json"

	"worktrack/internal/activity"
	"worktrack/internal/app"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/gateway"
	"worktrack/internal/migrate"
	"worktrack/internal/notify"
	"worktrack/internal/repo"
)

// Agent is the part of the running agent exposed over HTTP.
type Agent interface {
	LaunchID() string
	Controller() *engine.Controller
	Gateway() app.Gateway
	Repo() repo.Repo
	Notices() *notify.Broadcaster
	ActivitySource() string
	Forward(evts []activity.UIEvent) error
	Reload(ctx context.Context) error
}

// Config for the HTTP API handler.
type Config struct {
	Agent    Agent
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_tracking"`
	Message string         `json:"message" example:"not tracking"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"note\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agent control API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Agent == nil {
		return nil, errors.New("server: agent required")
	}
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("worktrack agent API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.Agent
	registerDocs(router, basePath)
	registerHealth(group, a)
	registerSession(group, a)
	registerScreenshots(group, a)
	registerActivity(group, a)
	registerAgent(group, a)
	registerProjects(group, a)
	registerEvents(group, a)
	router.Get(path.Join(basePath, "notices"), a.Notices().ServeHTTP)
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
	msg := err.Error()
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, map[string]any{"field": ve.Field})
	}
	var ae *gateway.APIError
	switch {
	case errors.Is(err, activity.ErrNotHeuristic):
		return newAPIError(http.StatusBadRequest, "not_heuristic", msg, nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, nil)
	case errors.Is(err, domain.ErrNotTracking):
		return newAPIError(http.StatusConflict, "not_tracking", msg, nil)
	case errors.Is(err, domain.ErrConflictClosed):
		return newAPIError(http.StatusConflict, "time_log_closed", msg, nil)
	case errors.Is(err, domain.ErrStaleSession):
		return newAPIError(http.StatusConflict, "stale_session", msg, nil)
	case errors.Is(err, engine.ErrBusy):
		return newAPIError(http.StatusConflict, "busy", msg, nil)
	case errors.Is(err, activity.ErrSourceStopped):
		return newAPIError(http.StatusConflict, "source_stopped", msg, nil)
	case errors.Is(err, domain.ErrPermissionDenied):
		return newAPIError(http.StatusForbidden, "capture_denied", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrNetwork):
		return newAPIError(http.StatusBadGateway, "upstream_unreachable", msg, nil)
	case errors.As(err, &ae):
		return newAPIError(http.StatusBadGateway, "upstream_error", msg, map[string]any{"upstream_status": ae.StatusCode})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>worktrack agent API</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; (see wt token).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, a Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		version, err := migrate.Latest()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:        "ok",
			LaunchID:      a.LaunchID(),
			SchemaVersion: version,
			Activity:      a.ActivitySource(),
		}}, nil
	})
}

type statusOutput struct {
	Body engine.Status `json:"body"`
}

func registerSession(api huma.API, a Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current session status",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		return &statusOutput{Body: a.Controller().Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/session/start",
		Summary:       "Start tracking a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*statusOutput, error) {
		st, err := a.Controller().Start(ctx, engine.StartRequest{
			ProjectID: input.Body.ProjectID,
			TaskID:    input.Body.TaskID,
			ClientID:  input.Body.ClientID,
			Note:      input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/session/stop",
		Summary:     "Stop the running session",
		Errors:      []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Summary `json:"body"`
	}, error) {
		sum, err := a.Controller().Stop(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-note",
		Method:      http.MethodPut,
		Path:        "/session/note",
		Summary:     "Replace the session note",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body NoteRequest `json:"body"`
	}) (*statusOutput, error) {
		ctrl := a.Controller()
		if err := ctrl.SetNote(ctx, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: ctrl.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-offline",
		Method:      http.MethodPost,
		Path:        "/session/offline",
		Summary:     "Report lost connectivity",
		Description: "Stops a running session at the current time. A no-op when idle.",
	}, func(ctx context.Context, input *struct {
		Body OfflineRequest `json:"body" required:"false"`
	}) (*statusOutput, error) {
		reason := strings.TrimSpace(input.Body.Reason)
		if reason == "" {
			reason = "reported by client"
		}
		ctrl := a.Controller()
		if err := ctrl.Offline(ctx, reason); err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: ctrl.Status()}, nil
	})
}

func registerScreenshots(api huma.API, a Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "resume-screenshots",
		Method:      http.MethodPost,
		Path:        "/screenshots/resume",
		Summary:     "Re-acquire the capture stream",
		Errors:      []int{http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		ctrl := a.Controller()
		if err := ctrl.ResumeScreenshots(ctx); err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: ctrl.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-screenshots",
		Method:      http.MethodGet,
		Path:        "/screenshots",
		Summary:     "List uploaded screenshots",
	}, func(ctx context.Context, input *struct {
		TimeLogID string `query:"time_log_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ScreenshotResponse `json:"body"`
	}, error) {
		items, err := a.Repo().ListScreenshots(ctx, input.TimeLogID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ScreenshotResponse, 0, len(items))
		for _, s := range items {
			res = append(res, screenshotResponse(s))
		}
		return &struct {
			Body []ScreenshotResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerActivity(api huma.API, a Agent) {
	huma.Register(api, huma.Operation{
		OperationID:   "forward-activity",
		Method:        http.MethodPost,
		Path:          "/activity",
		Summary:       "Forward UI events",
		Description:   "Accepted only while the heuristic activity source is selected.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if err := a.Forward(input.Body.Events); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: ActivityResponse{Accepted: len(input.Body.Events)}}, nil
	})
}

func registerAgent(api huma.API, a Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "reload-agent",
		Method:      http.MethodPost,
		Path:        "/agent/reload",
		Summary:     "Reload config and rebuild the controller",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		if err := a.Reload(ctx); err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: a.Controller().Status()}, nil
	})
}

func registerProjects(api huma.API, a Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects from the time-log API",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope" enum:"active,assigned" default:"active"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		var (
			items []domain.Project
			err   error
		)
		if input.Scope == "assigned" {
			items, err = a.Gateway().AssignedProjects(ctx)
		} else {
			items, err = a.Gateway().ActiveProjects(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks of a project",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := a.Gateway().ProjectTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})
}

func registerEvents(api huma.API, a Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		TimeLogID string `query:"time_log_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
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
		items, err := a.Repo().LatestEvents(ctx, limit+1, cursorID, input.Type, input.TimeLogID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
