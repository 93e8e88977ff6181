package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"pdcaflow/internal/config"
	"pdcaflow/internal/domain"
	"pdcaflow/internal/events"
	"pdcaflow/internal/notify"
	"pdcaflow/internal/pipeline"
	"pdcaflow/internal/store"
)

// Command names on the pipeline.
const (
	CommandSave  = "pdcaflow.workflow.save"
	CommandEvent = "pdcaflow.workflow.event"
)

// SavePayload triggers plan derivation for an inspection.
type SavePayload struct {
	ItemID string            `json:"itemId"`
	IsNew  bool              `json:"is_new"`
	Data   map[string]string `json:"data"`
}

// EventPayload carries one lifecycle event through the pipeline.
type EventPayload struct {
	Event  string `json:"event"`
	ItemID string `json:"itemId"`
}

// Engine derives and executes action plans for inspections and aggregates
// task completion back onto the parent.
type Engine struct {
	DB      *sql.DB
	Store   *store.Store
	Events  events.Writer
	Config  *config.Config
	Queue   *pipeline.Queue
	Hub     notify.Hub
	Reports notify.ReportRenderer
	Logger  *log.Logger
	Now     func() time.Time

	hooks hookGate
}

func New(db *sql.DB, cfg *config.Config, q *pipeline.Queue, hub notify.Hub) *Engine {
	return &Engine{
		DB:     db,
		Store:  store.New(db),
		Events: events.Writer{DB: db},
		Config: cfg,
		Queue:  q,
		Hub:    hub,
		Now:    time.Now,
	}
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RegisterHandlers binds the engine's commands on the pipeline.
func (e *Engine) RegisterHandlers() {
	e.Queue.Register(CommandSave, func(ctx context.Context, payload any) error {
		p, ok := payload.(SavePayload)
		if !ok {
			return fmt.Errorf("save command: unexpected payload %T", payload)
		}
		return e.HandleSave(ctx, p)
	})
	e.Queue.Register(CommandEvent, func(ctx context.Context, payload any) error {
		p, ok := payload.(EventPayload)
		if !ok {
			return fmt.Errorf("event command: unexpected payload %T", payload)
		}
		return e.HandleEvent(ctx, p)
	})
}

// DocumentSaved is the save-hook entry point: external save handlers (web,
// mobile, inbound email) call it after persisting a document. It routes task
// saves to the completion aggregator and inspection saves to plan
// derivation. Saves whose context carries the engine's own suppression mark
// are ignored to stop recursive hook dispatch; saves of concurrent callers
// are never gated.
func (e *Engine) DocumentSaved(ctx context.Context, doc domain.Document, isNew bool, data map[string]string) error {
	if e.hooks.suppressed(ctx) {
		return nil
	}
	if doc.Module != domain.ModuleInspection {
		return nil
	}
	if doc.CategoryID == e.Config.Workflow.TaskCategoryID {
		return e.Queue.Dispatch(ctx, pipeline.Async, CommandEvent, EventPayload{
			Event:  events.TaskUpdate.String(),
			ItemID: doc.ID,
		})
	}
	if !e.Config.IsTargetCategory(doc.CategoryID) {
		return nil
	}
	return e.Queue.Dispatch(ctx, pipeline.Async, CommandSave, SavePayload{ItemID: doc.ID, IsNew: isNew, Data: data})
}

// HandleSave processes one save trigger: it re-derives the action plan from
// the inspection's current state and executes it. Running it twice on the
// same state is a no-op the second time.
func (e *Engine) HandleSave(ctx context.Context, p SavePayload) error {
	doc, err := e.Store.GetDocumentFresh(ctx, p.ItemID)
	if err != nil {
		return fmt.Errorf("fetch inspection %s: %w", p.ItemID, err)
	}

	evt := events.DocumentUpdate
	if p.IsNew {
		evt = events.DocumentCreated
	}
	if err := e.Queue.Dispatch(ctx, pipeline.Async, CommandEvent, EventPayload{Event: evt.String(), ItemID: doc.ID}); err != nil {
		e.logger().Printf("workflow: dispatch %s failed: %v", evt, err)
	}

	return e.onSave(ctx, doc, p.IsNew, p.Data)
}

func (e *Engine) onSave(ctx context.Context, doc domain.Document, isNew bool, data map[string]string) error {
	if doc.Module != domain.ModuleInspection {
		return nil
	}
	if !e.Config.IsTargetCategory(doc.CategoryID) {
		e.logger().Printf("workflow: not interested in category %s", doc.CategoryID)
		return nil
	}

	// Lookup misses on the station are "nothing to do", not errors.
	stationID := e.stationID(ctx, doc)
	if stationID == "" {
		e.logger().Printf("workflow: category %s document %s has no station", doc.CategoryID, doc.ID)
		return nil
	}
	if stationID == "-1" {
		e.logger().Printf("workflow: station id is -1 for document %s", doc.ID)
		return nil
	}

	manned, err := e.stationManned(ctx, stationID)
	if err != nil {
		e.logger().Printf("workflow: resolve station %s: %v", stationID, err)
		return nil
	}

	conditions, err := e.EvaluateFields(ctx, doc.CategoryID, doc.Module, data)
	if err != nil {
		return err
	}

	plan, err := e.BuildPlan(ctx, doc, isNew, conditions, manned)
	if err != nil {
		return err
	}
	return e.ExecutePlan(ctx, doc, plan)
}

// HandleDelete cascades an inspection delete onto its tasks. Each task is
// announced synchronously before it is removed so later steps observe the
// sibling set without it, then the inspection itself is deleted.
func (e *Engine) HandleDelete(ctx context.Context, itemID string) error {
	doc, err := e.Store.GetDocumentFresh(ctx, itemID)
	if err != nil {
		return fmt.Errorf("fetch inspection %s: %w", itemID, err)
	}
	if doc.Module != domain.ModuleInspection || !e.Config.IsTargetCategory(doc.CategoryID) {
		return e.Store.DeleteDocument(ctx, itemID)
	}

	tasks, err := e.Store.ReferencedDocuments(ctx, doc.ID, e.Config.Workflow.TaskCategoryID, "")
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := e.removeTask(ctx, task.ID); err != nil {
			return err
		}
	}
	if err := e.Store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := e.Queue.Dispatch(ctx, pipeline.Async, CommandEvent, EventPayload{Event: events.DocumentDeleted.String(), ItemID: doc.ID}); err != nil {
		e.logger().Printf("workflow: dispatch document deleted failed: %v", err)
	}
	return nil
}

// stationID prefers the document's station column and falls back to the
// configured station answer field for submissions that only carry it as an
// answer.
func (e *Engine) stationID(ctx context.Context, doc domain.Document) string {
	if doc.StationID != "" {
		return doc.StationID
	}
	fieldID, err := e.Store.FieldDefByAlias(ctx, doc.CategoryID, e.Config.Station.FieldAlias)
	if err != nil {
		return ""
	}
	value, err := e.Store.GetField(ctx, doc.ID, fieldID)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

// stationManned reads the station's manned attribute: a configured field
// whose value is matched case-insensitively against the configured yes
// value.
func (e *Engine) stationManned(ctx context.Context, stationID string) (bool, error) {
	station, err := e.Store.GetDocument(ctx, stationID)
	if err != nil {
		return false, err
	}
	fieldID, err := e.Store.FieldDefByAlias(ctx, station.CategoryID, e.Config.Station.MannedAlias)
	if err != nil {
		return false, fmt.Errorf("station table %s has no %s field: %w", station.CategoryID, e.Config.Station.MannedAlias, err)
	}
	value, err := e.Store.GetField(ctx, stationID, fieldID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(value), e.Config.Station.MannedValue), nil
}
