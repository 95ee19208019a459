package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/repo"
	"dispatchline/internal/verify"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"EXECUTION_DISARMED"`
	Message string         `json:"message" example:"execution is disarmed; no claims or routing until re-armed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dispatchline API.
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
	hcfg := huma.DefaultConfig("Dispatchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerRouting(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerLeases(group, cfg.Engine)
	registerCompletion(group, cfg.Engine)
	registerGovernance(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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

// handleError maps the engine's coded errors onto the HTTP surface. The
// pipeline's error code travels to the client unchanged.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	switch domain.ErrorCode(err) {
	case domain.CodeValidationFailed:
		return newAPIError(http.StatusBadRequest, domain.CodeValidationFailed, err.Error(), nil)
	case domain.CodePathForbidden:
		return newAPIError(http.StatusUnprocessableEntity, domain.CodePathForbidden, err.Error(), nil)
	case domain.CodeGovernanceBlocked:
		return newAPIError(http.StatusConflict, domain.CodeGovernanceBlocked, err.Error(), nil)
	case domain.CodeExecutionDisarmed:
		return newAPIError(http.StatusConflict, domain.CodeExecutionDisarmed, err.Error(), nil)
	case domain.CodeSubagentUnavailable:
		return newAPIError(http.StatusServiceUnavailable, domain.CodeSubagentUnavailable, err.Error(), nil)
	case domain.CodeVerificationError:
		return newAPIError(http.StatusBadGateway, domain.CodeVerificationError, err.Error(), nil)
	case domain.CodeVerificationFailed:
		return newAPIError(http.StatusUnprocessableEntity, domain.CodeVerificationFailed, err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already terminal"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		counts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		armed, err := e.Repo.ExecutionArmed(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		cursor, err := e.Repo.LatestEventID(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"armed":           armed,
			"task_counts":     counts,
			"dropped_events":  e.Events.Dropped(),
			"latest_event_id": cursor,
		}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		d, ok := domain.ParseDomain(input.Body.Domain)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown domain "+input.Body.Domain, nil)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:           input.Body.ID,
			Title:        input.Body.Title,
			Domain:       d,
			SpecApproved: input.Body.SpecApproved,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Domain string `query:"domain"`
		Worker string `query:"worker_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:   input.Status,
			Domain:   input.Domain,
			WorkerID: input.Worker,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/pending",
		Summary:     "List claimable tasks, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		tasks, err := e.ListPending(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerRouting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "route-work-order",
		Method:      http.MethodPost,
		Path:        "/route",
		Summary:     "Route a work order through classification, guardrails and policy",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body RouteRequest `json:"body"`
	}) (*struct {
		Body RouteResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		d, ok := domain.ParseDomain(input.Body.Domain)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown domain "+input.Body.Domain, nil)
		}
		order := domain.WorkOrder{
			TaskID:      input.Body.TaskID,
			Title:       input.Body.Title,
			Domain:      d,
			SpecContent: input.Body.SpecContent,
			Paths:       input.Body.Paths,
			MaxFiles:    input.Body.MaxFiles,
			MaxDirs:     input.Body.MaxDirs,
			RunID:       input.Body.RunID,
		}
		res, err := e.Route(ctx, order)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RouteResponse `json:"body"`
		}{Body: routeResponse(res)}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register worker and issue API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterWorkerRequest `json:"body"`
	}) (*struct {
		Body RegisterWorkerResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		w, secret, err := e.RegisterWorker(ctx, input.Body.ID, input.Body.Capabilities, input.Body.MaxConcurrency)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterWorkerResponse `json:"body"`
		}{Body: RegisterWorkerResponse{Worker: workerResponse(w), APIKey: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkerResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		workers, err := e.Repo.ListWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]WorkerResponse, 0, len(workers))
		for _, w := range workers {
			out = append(out, workerResponse(w))
		}
		return &struct {
			Body []WorkerResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unregister-worker",
		Method:      http.MethodDelete,
		Path:        "/workers/{id}",
		Summary:     "Unregister worker and force-release its claims",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		if err := e.UnregisterWorker(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-heartbeat",
		Method:      http.MethodPost,
		Path:        "/workers/{id}/heartbeat",
		Summary:     "Record liveness and renew the named lease",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body HeartbeatRequest `json:"body"`
	}) (*struct{}, error) {
		workerID, authErr := workerIDFromContext(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		if workerID != input.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot heartbeat for another worker", nil)
		}
		if err := e.Heartbeat(ctx, input.ID, input.Body.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLeases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/claim",
		Summary:     "Claim a task lease",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx, input.Body.WorkerID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Claim(ctx, input.ID, workerID, input.Body.TTLMinutes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{
			Claimed:   res.Claimed,
			TaskID:    res.TaskID,
			WorkerID:  res.WorkerID,
			ExpiresAt: res.ExpiresAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/release",
		Summary:     "Release a task lease",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ReleaseRequest `json:"body"`
	}) (*struct{}, error) {
		workerID, authErr := workerIDFromContext(ctx, input.Body.WorkerID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Release(ctx, input.ID, workerID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/progress",
		Summary:     "Report execution progress",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ProgressRequest `json:"body"`
	}) (*struct{}, error) {
		workerID, authErr := workerIDFromContext(ctx, input.Body.WorkerID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReportProgress(ctx, input.ID, workerID, input.Body.Stage, input.Body.Message, input.Body.Metadata); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-expired-leases",
		Method:      http.MethodPost,
		Path:        "/leases/sweep",
		Summary:     "Return expired leases to the pending pool",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		swept, err := e.SweepExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"swept": swept}}, nil
	})
}

func registerCompletion(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete a claimed task through verification",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body CompletionResponse `json:"body"`
	}, error) {
		workerID, authErr := workerIDFromContext(ctx, input.Body.WorkerID)
		if authErr != nil {
			return nil, authErr
		}
		d, ok := domain.ParseDomain(input.Body.Domain)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown domain "+input.Body.Domain, nil)
		}
		res, err := e.CompleteSubagent(ctx, input.ID, d, input.Body.RunID, workerID, completionResult(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		if res.Status == engine.CompletionFailed {
			return nil, handleError(domain.NewError(domain.CodeVerificationFailed, "%s", res.Reason))
		}
		return &struct {
			Body CompletionResponse `json:"body"`
		}{Body: completionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/finalize",
		Summary:     "Finalize a composite work order through verification",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body CompletionResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		res, err := e.CompleteOrchestrator(ctx, input.ID, input.Body.RunID, completionResult(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		if res.Status == engine.CompletionFailed {
			return nil, handleError(domain.NewError(domain.CodeVerificationFailed, "%s", res.Reason))
		}
		return &struct {
			Body CompletionResponse `json:"body"`
		}{Body: completionResponse(res)}, nil
	})
}

func completionResult(req CompleteRequest) verify.Result {
	changes := make([]domain.ClaimedChange, 0, len(req.Changes))
	for _, c := range req.Changes {
		changes = append(changes, domain.ClaimedChange{Path: c.Path, Action: c.Action})
	}
	return verify.Result{
		Summary:    req.Summary,
		Changes:    changes,
		SkipKey:    req.SkipKey,
		SkipReason: req.SkipReason,
	}
}

func registerGovernance(api huma.API, e engine.Engine) {
	setArmed := func(armed bool) func(ctx context.Context, input *struct {
		Body ArmRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			Body ArmRequest `json:"body"`
		}) (*struct {
			Body map[string]bool `json:"body"`
		}, error) {
			if err := requireRole(ctx, "operator"); err != nil {
				return nil, err
			}
			if err := e.SetArmed(ctx, armed, input.Body.Reason); err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body map[string]bool `json:"body"`
			}{Body: map[string]bool{"armed": armed}}, nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "arm-execution",
		Method:      http.MethodPost,
		Path:        "/governance/arm",
		Summary:     "Arm execution",
		Errors:      []int{http.StatusForbidden},
	}, setArmed(true))
	huma.Register(api, huma.Operation{
		OperationID: "disarm-execution",
		Method:      http.MethodPost,
		Path:        "/governance/disarm",
		Summary:     "Disarm execution",
		Errors:      []int{http.StatusForbidden},
	}, setArmed(false))
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail or replay the event log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		RunID  string `query:"run_id"`
		Stage  string `query:"stage"`
		Status string `query:"status"`
		After  int64  `query:"after"`
		Before int64  `query:"before"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		var (
			items []domain.Event
			err   error
		)
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, input.Limit, input.After, input.TaskID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, repo.EventFilters{
				TaskID: input.TaskID,
				RunID:  input.RunID,
				Stage:  input.Stage,
				Status: input.Status,
				Cursor: input.Before,
				Limit:  input.Limit,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			out = append(out, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
