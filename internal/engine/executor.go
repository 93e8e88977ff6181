package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pdcaflow/internal/domain"
	"pdcaflow/internal/events"
	"pdcaflow/internal/pipeline"
	"pdcaflow/internal/store"
)

// ExecutePlan applies every action of the plan in order. Earlier iterations
// of this workflow stopped after the first action; that truncation lost
// tasks when one save toggled several fields, so the full list is processed.
func (e *Engine) ExecutePlan(ctx context.Context, doc domain.Document, plan []domain.PlanAction) error {
	for _, action := range plan {
		switch action.Kind {
		case domain.ActionCreateTask:
			if err := e.createTask(ctx, doc, action); err != nil {
				return err
			}
		case domain.ActionRemoveTask:
			if err := e.removeTask(ctx, action.TaskID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown plan action %q", action.Kind)
		}
	}
	return nil
}

// createTask materializes one corrective-action task. Side-effect order is
// fixed: persist the shell record, wire references, write field entries, set
// the deadline, refresh the index, then announce. A crash after the shell is
// persisted leaves an orphaned task for manual reconciliation; there is no
// rollback spanning store and index.
func (e *Engine) createTask(ctx context.Context, inspection domain.Document, action domain.PlanAction) error {
	taskCategory := e.Config.Workflow.TaskCategoryID
	now := e.now().UTC().Format(time.RFC3339)

	task := domain.Document{
		ID:         uuid.New().String(),
		Module:     domain.ModuleInspection,
		CategoryID: taskCategory,
		Name:       action.Procedure.Task,
		StatusID:   e.Config.Status.RegisteredTaskID,
		ReportedBy: inspection.ReportedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Store.CreateDocument(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	// Link the task to its inspection through the trigger field, and to the
	// inspection's category document.
	if err := e.Store.AddReference(ctx, domain.Reference{SourceID: task.ID, TargetID: inspection.ID, FieldID: action.FieldID}); err != nil {
		return fmt.Errorf("task %s created but reference wiring failed: %w", task.ID, err)
	}
	if catDoc, err := e.categoryDocument(ctx, inspection.CategoryID); err == nil {
		if err := e.Store.AddReference(ctx, domain.Reference{SourceID: task.ID, TargetID: catDoc.ID}); err != nil {
			e.logger().Printf("workflow: task %s category reference failed: %v", task.ID, err)
		}
	}

	// Writes below run under the suppression mark so any save hook they reach
	// stays quiet until the task is fully wired and indexed. The announce
	// steps after the window use the caller's plain context again.
	wctx := e.hooks.suppress(ctx)

	values := []struct{ alias, value string }{
		{"qid", action.FieldID},
		{"TaskCat", action.Procedure.TaskCat},
		{"responsible", action.Procedure.Role},
		{"Inform", action.Procedure.Inform},
	}
	for _, v := range values {
		fieldID, err := e.Store.FieldDefByAlias(wctx, taskCategory, v.alias)
		if err != nil {
			e.logger().Printf("workflow: task category %s has no %s field: %v", taskCategory, v.alias, err)
			continue
		}
		if err := e.Store.SetField(wctx, domain.FieldEntry{
			DocumentID: task.ID,
			FieldID:    fieldID,
			Value:      v.value,
			Module:     domain.ModuleInspection,
		}); err != nil {
			return fmt.Errorf("task %s field %s: %w", task.ID, v.alias, err)
		}
	}

	if action.Procedure.Leadtime != "" {
		deadline := action.Procedure.Leadtime
		task.Deadline = &deadline
		if err := e.Store.SaveDocument(wctx, task); err != nil {
			return fmt.Errorf("task %s deadline: %w", task.ID, err)
		}
	}

	// Access filtering reads the index, so the new task must be queryable
	// before anyone is notified about it.
	if err := e.Store.ForceIndex(wctx, task); err != nil {
		return fmt.Errorf("task %s index: %w", task.ID, err)
	}

	if err := e.Events.Append(ctx, events.TaskCreated.String(), "task", task.ID, "workflow", events.EventPayload{"inspection": inspection.ID, "field": action.FieldID}); err != nil {
		e.logger().Printf("workflow: audit task created: %v", err)
	}
	if err := e.Queue.Dispatch(ctx, pipeline.Async, CommandEvent, EventPayload{Event: events.TaskCreated.String(), ItemID: task.ID}); err != nil {
		e.logger().Printf("workflow: dispatch task created: %v", err)
	}
	return nil
}

// removeTask announces the deletion synchronously, so any completion check
// that follows observes the sibling set with the task already absent, then
// deletes the record.
func (e *Engine) removeTask(ctx context.Context, taskID string) error {
	if err := e.Queue.Dispatch(ctx, pipeline.Sync, CommandEvent, EventPayload{Event: events.TaskDeleted.String(), ItemID: taskID}); err != nil {
		e.logger().Printf("workflow: task deleted event: %v", err)
	}
	if err := e.Events.Append(ctx, events.TaskDeleted.String(), "task", taskID, "workflow", nil); err != nil {
		e.logger().Printf("workflow: audit task deleted: %v", err)
	}
	if err := e.Store.DeleteDocument(ctx, taskID); err != nil && err != store.ErrNotFound {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

func (e *Engine) categoryDocument(ctx context.Context, categoryID string) (domain.Document, error) {
	docs, err := e.Store.ListDocuments(ctx, domain.ModuleCategory, categoryID)
	if err != nil {
		return domain.Document{}, err
	}
	if len(docs) == 0 {
		return domain.Document{}, store.ErrNotFound
	}
	return docs[0], nil
}
