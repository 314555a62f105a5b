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
	"go.uber.org/zap"

	"commandcore/internal/assets"
	"commandcore/internal/domain"
	"commandcore/internal/engine"
	"commandcore/internal/planner"
	"commandcore/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Assets   *assets.Pipeline
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"hold_conflict"`
	Message string         `json:"message" example:"an approval hold is open; approve or cancel it first"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Command Core API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
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
	hcfg := huma.DefaultConfig("Command Core API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerHold(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerAssets(group, cfg.Engine, cfg.Assets)
	registerAudit(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.Log)

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
	switch {
	case errors.Is(err, engine.ErrHoldOpen):
		return newAPIError(http.StatusConflict, "hold_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrBusy):
		return newAPIError(http.StatusConflict, "mission_in_flight", err.Error(), nil)
	case errors.Is(err, engine.ErrNoHold):
		return newAPIError(http.StatusNotFound, "no_hold", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownTask):
		return newAPIError(http.StatusBadRequest, "unknown_task", err.Error(), nil)
	case errors.Is(err, engine.ErrNoPlanner):
		return newAPIError(http.StatusServiceUnavailable, "planner_unavailable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var pe *planner.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadGateway, "plan_rejected", err.Error(), map[string]any{"reason": pe.Reason})
	}
	var ge *planner.GenerationError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusBadGateway, "plan_failed", err.Error(), map[string]any{"model": ge.Model})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Command Core API Docs</title>
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

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		count, err := e.Repo.CountMessages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		_, holdOpen := e.Hold()
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			State:    string(e.State()),
			HoldOpen: holdOpen,
			Messages: count,
		}}, nil
	})
}

func registerMissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Run a mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RunMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if input.Body.TaskID == "" && input.Body.Prompt == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id or prompt is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RunMission(ctx, engine.MissionOptions{
			TaskID:  input.Body.TaskID,
			Prompt:  input.Body.Prompt,
			AssetID: input.Body.AssetID,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(res)}, nil
	})
}

func registerHold(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-hold",
		Method:      http.MethodGet,
		Path:        "/hold",
		Summary:     "Get the outstanding approval hold",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.PendingHold `json:"body"`
	}, error) {
		hold, ok := e.Hold()
		if !ok {
			return nil, handleError(engine.ErrNoHold)
		}
		return &struct {
			Body domain.PendingHold `json:"body"`
		}{Body: hold}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-hold",
		Method:      http.MethodPost,
		Path:        "/hold/approve",
		Summary:     "Approve and dispatch the held plan",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Approve(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-hold",
		Method:        http.MethodPost,
		Path:          "/hold/cancel",
		Summary:       "Cancel and discard the held plan",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Cancel(ctx, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMessages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List mission records, most recent first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		msgs, err := e.Repo.ListMessages(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: msgs}, nil
	})
}

func registerAssets(api huma.API, e *engine.Engine, pipeline *assets.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-asset",
		Method:        http.MethodPost,
		Path:          "/assets",
		Summary:       "Upload an asset for background analysis",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body UploadAssetRequest `json:"body"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		if pipeline == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "assets_unavailable", "asset pipeline not configured", nil)
		}
		if input.Body.Name == "" || len(input.Body.Content) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name and content are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		asset, err := pipeline.Upload(ctx, assets.UploadOptions{
			Name:     input.Body.Name,
			MimeType: input.Body.MimeType,
			Content:  input.Body.Content,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		asset.Content = nil
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: asset}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List assets, most recent first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Asset `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Asset{}
		}
		return &struct {
			Body []domain.Asset `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets/{asset_id}",
		Summary:     "Get one asset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssetID string `path:"asset_id"`
	}) (*struct {
		Body AssetResponse `json:"body"`
	}, error) {
		asset, err := e.Repo.GetAsset(ctx, input.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssetResponse `json:"body"`
		}{Body: assetResponse(asset)}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-log",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Recent audit lines, oldest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		lines := e.Audit.Lines()
		if lines == nil {
			lines = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: lines}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Durable mission event trail",
	}, func(ctx context.Context, input *struct {
		After int64  `query:"after" minimum:"0"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Type  string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		var evts []domain.Event
		var err error
		if input.After > 0 {
			evts, err = e.Repo.EventsAfter(ctx, input.Limit, input.After)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, input.Limit, input.Type, "", "")
		}
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}
