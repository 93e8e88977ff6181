package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pdcaflow/internal/access"
	"pdcaflow/internal/domain"
	"pdcaflow/internal/engine"
	"pdcaflow/internal/store"
)

// OpenAPIPath is where the generated spec is served; huma exposes both the
// .json and .yaml renditions under it.
const OpenAPIPath = "/openapi"

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"document not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

// New returns an HTTP handler exposing the workflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	hcfg := huma.DefaultConfig("Pdcaflow API", "0.1.0")
	hcfg.OpenAPIPath = OpenAPIPath
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerInspections(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
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

// SaveInspectionRequest is the external save-handler payload: answers keyed
// by field id, plus the station and reporter of the submission.
type SaveInspectionRequest struct {
	ID         string            `json:"id,omitempty"`
	CategoryID string            `json:"category_id"`
	Name       string            `json:"name"`
	StationID  string            `json:"station_id,omitempty"`
	ReportedBy string            `json:"reported_by,omitempty"`
	StatusID   string            `json:"status_id,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
}

func registerInspections(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "save-inspection",
		Method:        http.MethodPost,
		Path:          "/inspections",
		Summary:       "Submit an inspection",
		Description:   "Persists the inspection and triggers corrective-action plan derivation.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SaveInspectionRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		req := input.Body
		if req.CategoryID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "category_id is required", nil)
		}
		isNew := req.ID == ""
		doc := domain.Document{
			ID:         req.ID,
			Module:     domain.ModuleInspection,
			CategoryID: req.CategoryID,
			Name:       req.Name,
			StationID:  req.StationID,
			ReportedBy: req.ReportedBy,
			StatusID:   req.StatusID,
		}
		if isNew {
			doc.ID = uuid.New().String()
			if err := e.Store.CreateDocument(ctx, doc); err != nil {
				return nil, handleError(err)
			}
		} else {
			existing, err := e.Store.GetDocumentFresh(ctx, doc.ID)
			if err != nil {
				return nil, handleError(err)
			}
			existing.Name = orDefault(req.Name, existing.Name)
			existing.StationID = orDefault(req.StationID, existing.StationID)
			existing.StatusID = orDefault(req.StatusID, existing.StatusID)
			if err := e.Store.SaveDocument(ctx, existing); err != nil {
				return nil, handleError(err)
			}
			doc = existing
		}
		for fieldID, value := range req.Answers {
			if err := e.Store.SetField(ctx, domain.FieldEntry{
				DocumentID: doc.ID,
				FieldID:    fieldID,
				Value:      value,
				Module:     domain.ModuleInspection,
			}); err != nil {
				return nil, handleError(err)
			}
		}
		if err := e.DocumentSaved(ctx, doc, isNew, req.Answers); err != nil {
			return nil, handleError(err)
		}
		out, err := e.Store.GetDocumentFresh(ctx, doc.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-inspection",
		Method:      http.MethodDelete,
		Path:        "/inspections/{id}",
		Summary:     "Delete an inspection",
		Description: "Cascades to the inspection's corrective-action tasks before the delete returns.",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.HandleDelete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inspection-tasks",
		Method:      http.MethodGet,
		Path:        "/inspections/{id}/tasks",
		Summary:     "List the corrective-action tasks of an inspection",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		tasks, err := e.Store.ReferencedDocuments(ctx, input.ID, e.Config.Workflow.TaskCategoryID, "")
		if err != nil {
			return nil, handleError(err)
		}
		tasks = filterAuthorized(ctx, e, tasks)
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: tasks}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Update a task's status",
		Description: "Stand-in for the inbound reply channel; triggers the completion check on the parent inspection.",
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			StatusID string `json:"status_id"`
		} `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		if input.Body.StatusID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status_id is required", nil)
		}
		task, err := e.Store.GetDocumentFresh(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		task.StatusID = input.Body.StatusID
		if err := e.Store.SaveDocument(ctx, task); err != nil {
			return nil, handleError(err)
		}
		if err := e.DocumentSaved(ctx, task, false, nil); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: task}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit event log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := e.Store.EventsAfter(ctx, input.Limit, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

// filterAuthorized narrows a task list to what the calling principal may
// see, using the access package's authorization rule.
func filterAuthorized(ctx context.Context, e *engine.Engine, tasks []domain.Document) []domain.Document {
	principal, ok := principalFromContext(ctx)
	if !ok {
		return nil
	}
	if principal.Admin {
		return tasks
	}
	var out []domain.Document
	for _, task := range tasks {
		recipients := taskFieldValues(ctx, e, task.ID, "receipient")
		monitored := taskFieldValues(ctx, e, task.ID, "monitoredby")
		if access.Authorize(task, e.Config.Workflow.TaskCategoryID, principal.ActorID, principal.Admin, recipients, monitored) {
			out = append(out, task)
		}
	}
	return out
}

func taskFieldValues(ctx context.Context, e *engine.Engine, taskID, alias string) []string {
	fieldID, err := e.Store.FieldDefByAlias(ctx, e.Config.Workflow.TaskCategoryID, alias)
	if err != nil {
		return nil
	}
	values, err := e.Store.GetFieldValues(ctx, taskID, fieldID)
	if err != nil {
		return nil
	}
	return values
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
