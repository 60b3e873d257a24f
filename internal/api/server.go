package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"game_mas/internal/domain"
	"game_mas/internal/fs"
	"game_mas/internal/messaging/inproc"
	"game_mas/internal/registry"
)

// Service is what the HTTP API needs from the running orchestrator.
type Service interface {
	Agents() []domain.AgentRecord
	Agent(id string) (domain.AgentRecord, error)
	Submit(ctx context.Context, agentID string, task domain.Task) (domain.Result, error)
	History(ctx context.Context, agentID string) ([]domain.AdjustmentEntry, error)
	Decisions(ctx context.Context, agentID string, limit int) ([]domain.DecisionLog, error)
	ExportHistory(ctx context.Context, agentID string) (string, error)
}

type Config struct {
	Service        Service
	BasePath       string
	Auth           AuthConfig
	IdempotencyTTL time.Duration
	Logger         *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"agent_not_found"`
	Message string         `json:"message" example:"agent not found"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the {"error": {...}} envelope used for every failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type SubmitTaskRequest struct {
	Type    string         `json:"type" doc:"Task kind, e.g. analyze_realtime" example:"analyze_realtime"`
	Payload map[string]any `json:"payload,omitempty" doc:"Task fields"`
}

type AgentList struct {
	Agents []domain.AgentRecord `json:"agents"`
}

type HistoryResponse struct {
	AgentID string                   `json:"agent_id"`
	Entries []domain.AdjustmentEntry `json:"entries"`
}

type DecisionsResponse struct {
	AgentID   string               `json:"agent_id"`
	Decisions []domain.DecisionLog `json:"decisions"`
}

type ExportResponse struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
}

// New returns the HTTP handler exposing agents, task submission and history.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("api: service is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			messages := make([]string, 0, len(errs))
			for _, e := range errs {
				messages = append(messages, e.Error())
			}
			details = map[string]any{"errors": messages}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("game_mas API", "0.1.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	idem := &idempotency{cache: gocache.New(cfg.IdempotencyTTL, 2*cfg.IdempotencyTTL)}

	registerHealth(group)
	registerAgents(group, cfg.Service)
	registerTasks(group, cfg.Service, idem, cfg.Logger)
	registerHistory(group, cfg.Service)

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
	case errors.Is(err, registry.ErrAgentNotFound):
		return newAPIError(http.StatusNotFound, "agent_not_found", err.Error(), nil)
	case errors.Is(err, inproc.ErrAgentQueueFull):
		return newAPIError(http.StatusServiceUnavailable, "queue_full", err.Error(), nil)
	case errors.Is(err, inproc.ErrAgentNotRegistered):
		return newAPIError(http.StatusServiceUnavailable, "agent_unavailable", err.Error(), nil)
	case errors.Is(err, fs.ErrForbiddenFileOperation):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerAgents(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Agents: svc.Agents()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentRecord `json:"body"`
	}, error) {
		rec, err := svc.Agent(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRecord `json:"body"`
		}{Body: rec}, nil
	})
}

type submitOutput struct {
	Replayed string        `header:"Idempotent-Replayed"`
	Body     domain.Result `json:"body"`
}

// idempotency caches successful submissions per agent and key. Requests
// sharing a key while the first is still running wait for its result.
type idempotency struct {
	cache  *gocache.Cache
	flight singleflight.Group
}

func (i *idempotency) do(key string, submit func() (domain.Result, error)) (domain.Result, bool, error) {
	if cached, ok := i.cache.Get(key); ok {
		return cached.(domain.Result), true, nil
	}
	replayed := true
	v, err, _ := i.flight.Do(key, func() (any, error) {
		if cached, ok := i.cache.Get(key); ok {
			return cached, nil
		}
		replayed = false
		res, err := submit()
		if err != nil {
			return nil, err
		}
		i.cache.Set(key, res, gocache.DefaultExpiration)
		return res, nil
	})
	if err != nil {
		return domain.Result{}, false, err
	}
	return v.(domain.Result), replayed, nil
}

func registerTasks(api huma.API, svc Service, idem *idempotency, logger *log.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/tasks",
		Summary:       "Submit a task to an agent and wait for its result",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		AgentID        string            `path:"agent_id"`
		IdempotencyKey string            `header:"Idempotency-Key"`
		Body           SubmitTaskRequest `json:"body"`
	}) (*submitOutput, error) {
		taskType := strings.TrimSpace(input.Body.Type)
		if taskType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", map[string]any{"field": "type"})
		}
		submit := func() (domain.Result, error) {
			return svc.Submit(ctx, input.AgentID, domain.RawTask{Type: taskType, Payload: input.Body.Payload})
		}

		var (
			res      domain.Result
			replayed bool
			err      error
		)
		if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
			res, replayed, err = idem.do(input.AgentID+"\x00"+key, submit)
		} else {
			res, err = submit()
		}
		if err != nil {
			logger.Printf("api submit agent=%s type=%s failed: %v", input.AgentID, taskType, err)
			return nil, handleError(err)
		}
		out := &submitOutput{Body: res}
		if replayed {
			out.Replayed = "true"
		}
		return out, nil
	})
}

func registerHistory(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/history",
		Summary:     "Adjustment history of an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		entries, err := svc.History(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.AdjustmentEntry{}
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{AgentID: input.AgentID, Entries: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/decisions",
		Summary:     "Recent decisions journaled by an agent, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body DecisionsResponse `json:"body"`
	}, error) {
		decisions, err := svc.Decisions(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionsResponse `json:"body"`
		}{Body: DecisionsResponse{AgentID: input.AgentID, Decisions: decisions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "export-history",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/history/export",
		Summary:       "Write the adjustment history to a JSON file under the export root",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		rel, err := svc.ExportHistory(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{AgentID: input.AgentID, Path: rel}}, nil
	})
}
