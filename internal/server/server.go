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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"auditflow/internal/deadline"
	"auditflow/internal/domain"
	"auditflow/internal/engine"
	"auditflow/internal/expr"
	"auditflow/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Monitor  *deadline.Monitor
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"conflict: assignment a-1 is already completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope {error:{code,message,details}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	e    *engine.Engine
	mon  *deadline.Monitor
	auth AuthConfig
	log  *zap.Logger
}

// New returns an HTTP handler exposing the auditflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request schema failures are malformed input, not definition issues.
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, log))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("auditflow API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	a := &api{e: cfg.Engine, mon: cfg.Monitor, auth: cfg.Auth, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerMe(group)
	a.registerDefinitions(group)
	a.registerInstances(group)
	a.registerAssignments(group)
	a.registerDeadlines(group)
	a.registerUsers(group)
	registerOpenAPI(router, hapi, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
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

func (a *api) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se  huma.StatusError
		ve  *domain.ValidationError
		xe  *expr.ExpressionError
		me  *domain.NoMatchingEdgeError
		te  *domain.NoEscalationTargetError
		ce  *domain.ConflictError
		pe  *domain.PermissionError
		nfe *domain.NotFoundError
		ie  *domain.InputError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"issues": ve.Issues})
	case errors.As(err, &xe):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_condition", err.Error(), map[string]any{"expression": xe.Expr, "position": xe.Pos})
	case errors.As(err, &me):
		return newAPIError(http.StatusUnprocessableEntity, "no_matching_edge", err.Error(), map[string]any{"node_id": me.NodeID, "handle": me.Handle})
	case errors.As(err, &te):
		return newAPIError(http.StatusUnprocessableEntity, "no_escalation_target", err.Error(), map[string]any{"assignment_id": te.AssignmentID, "role": te.Role, "retryable": true})
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &pe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": pe.Action})
	case errors.As(err, &nfe):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nfe.Kind, "id": nfe.ID})
	case errors.As(err, &ie):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	a.log.Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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

// requireAdmin checks the configured admin role. Roles come from the token,
// or from the directory for header principals.
func (a *api) requireAdmin(ctx context.Context, action string) (Principal, error) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return Principal{}, err
	}
	if a.auth.AdminRole == "" {
		return p, nil
	}
	roles := p.Roles
	if len(roles) == 0 {
		if u, err := a.e.User(ctx, p.ActorID); err == nil && u.Active {
			roles = u.Roles
		}
	}
	for _, r := range roles {
		if r == a.auth.AdminRole {
			return p, nil
		}
	}
	return Principal{}, &domain.PermissionError{ActorID: p.ActorID, Action: action, Target: "(requires role " + a.auth.AdminRole + ")"}
}

// body wraps a response payload for huma.
type body[T any] struct {
	Body T
}

func reply[T any](v T) *body[T] { return &body[T]{Body: v} }

type idPath struct {
	ID string `path:"id"`
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"error": {Type: "object"},
							},
						},
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
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: actorHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>auditflow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor-Id.
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
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func (a *api) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		p, err := principalFromContext(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		roles := p.Roles
		if len(roles) == 0 {
			if u, err := a.e.User(ctx, p.ActorID); err == nil {
				roles = u.Roles
			}
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(roles), Source: p.Source}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-assignments",
		Method:      http.MethodGet,
		Path:        "/me/assignments",
		Summary:     "Open assignments the principal can act on",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[[]domain.StepAssignment], error) {
		p, err := principalFromContext(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		list, err := a.e.Inbox(ctx, p.ActorID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})
}
