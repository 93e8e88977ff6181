package engine

import (
	"context"
	"fmt"

	"pdcaflow/internal/domain"
	"pdcaflow/internal/events"
	"pdcaflow/internal/notify"
	"pdcaflow/internal/store"
)

type eventHandler func(ctx context.Context, doc domain.Document) error

// handlerMap binds every event kind to its handler. The map is complete by
// construction; newKindHandlers panics on a missing kind so an added event
// cannot be silently ignored.
func (e *Engine) handlerMap() map[events.Kind]eventHandler {
	noop := func(context.Context, domain.Document) error { return nil }
	m := map[events.Kind]eventHandler{
		events.DocumentCreated: noop,
		events.DocumentUpdate:  noop,
		events.DocumentDeleted: noop,
		events.TaskCreated:     e.onTaskCreated,
		events.TaskUpdate:      e.onTaskUpdate,
		events.TaskDeleted:     e.onTaskDeleted,
	}
	for _, k := range events.Kinds() {
		if _, ok := m[k]; !ok {
			panic(fmt.Sprintf("no handler for event kind %s", k))
		}
	}
	return m
}

// HandleEvent processes one lifecycle event. Unknown kinds and missing
// documents are logged and dropped; the pipeline treats both as success so
// they are not redelivered forever.
func (e *Engine) HandleEvent(ctx context.Context, p EventPayload) error {
	if p.Event == "" || p.ItemID == "" {
		e.logger().Printf("workflow: cannot process event, not enough parameters: %+v", p)
		return nil
	}
	kind, ok := events.ParseKind(p.Event)
	if !ok {
		e.logger().Printf("workflow: unknown event %q", p.Event)
		return nil
	}
	doc, err := e.Store.GetDocumentFresh(ctx, p.ItemID)
	if err != nil {
		e.logger().Printf("workflow: cannot process %s, document %s not found", p.Event, p.ItemID)
		return nil
	}
	return e.handlerMap()[kind](ctx, doc)
}

// onTaskUpdate re-checks completion of the task's parent inspection. Only
// the update that brings the uncompleted sibling count to zero completes the
// parent; re-delivering the event afterwards is a no-op because the parent
// is already in its completed state.
func (e *Engine) onTaskUpdate(ctx context.Context, task domain.Document) error {
	if task.CategoryID != e.Config.Workflow.TaskCategoryID {
		return nil
	}
	parentID, err := e.Store.ParentInspectionID(ctx, task.ID, e.Config.Workflow.TaskCategoryID)
	if err != nil {
		if err == store.ErrNotFound {
			e.logger().Printf("workflow: task %s has no parent inspection", task.ID)
			return nil
		}
		return err
	}
	main, err := e.Store.GetDocumentFresh(ctx, parentID)
	if err != nil {
		return err
	}

	siblings, err := e.Store.ReferencedDocuments(ctx, main.ID, e.Config.Workflow.TaskCategoryID, "")
	if err != nil {
		return err
	}
	uncompleted := 0
	for _, sibling := range siblings {
		if sibling.StatusID != e.Config.Status.CompletedTaskID {
			uncompleted++
		}
	}
	if uncompleted > 0 {
		return nil
	}
	if main.StatusID == e.Config.Status.CompletedInspectionID || main.StatusID == e.Config.Status.TerminalInspectionID {
		return nil
	}

	e.sendCompletionNotification(ctx, main)

	main.StatusID = e.Config.Status.CompletedInspectionID
	if err := e.Store.SaveDocument(ctx, main); err != nil {
		return fmt.Errorf("complete inspection %s: %w", main.ID, err)
	}
	if err := e.Events.Append(ctx, events.DocumentUpdate.String(), "inspection", main.ID, "workflow", events.EventPayload{"status": main.StatusID}); err != nil {
		e.logger().Printf("workflow: audit completion: %v", err)
	}
	return nil
}

// sendCompletionNotification is best effort: a configuration gap or a send
// failure never blocks the status transition.
func (e *Engine) sendCompletionNotification(ctx context.Context, main domain.Document) {
	templateID, ok := e.Config.CompletionTemplate(main.CategoryID)
	if !ok {
		e.logger().Printf("workflow: no completion template for category %s", main.CategoryID)
		return
	}
	subject, body, err := e.Hub.Render(templateID, main)
	if err != nil {
		e.logger().Printf("workflow: render completion for %s: %v", main.ID, err)
		return
	}
	recipient, err := e.Store.UserEmail(ctx, main.ReportedBy)
	if err != nil {
		e.logger().Printf("workflow: no email for reporter %s", main.ReportedBy)
		return
	}
	n := notify.Notification{Subject: subject, Body: body, Recipient: recipient}
	e.attachReport(ctx, &n, main)
	e.Hub.Send(ctx, n)
}

// onTaskCreated notifies the reporter about the new corrective action,
// carrying any photos bound to the originating question and CC'ing the
// procedure's inform departments.
func (e *Engine) onTaskCreated(ctx context.Context, task domain.Document) error {
	subject, body, err := e.Hub.Render(e.Config.Notify.TaskCreatedTemplate, task)
	if err != nil {
		e.logger().Printf("workflow: render task created for %s: %v", task.ID, err)
		return nil
	}
	recipient, err := e.Store.UserEmail(ctx, task.ReportedBy)
	if err != nil {
		e.logger().Printf("workflow: no email for reporter %s", task.ReportedBy)
		return nil
	}
	n := notify.Notification{Subject: subject, Body: body, Recipient: recipient}

	questionID := e.taskQuestionID(ctx, task)
	if questionID != "" {
		if parentID, err := e.Store.ParentInspectionID(ctx, task.ID, e.Config.Workflow.TaskCategoryID); err == nil {
			photos, err := e.Store.MediaFilesFor(ctx, questionID, domain.ModuleInspection, parentID)
			if err != nil {
				e.logger().Printf("workflow: fetch photos for task %s: %v", task.ID, err)
			}
			for i, photo := range photos {
				n.Attachments = append(n.Attachments, notify.Attachment{
					Name:    fmt.Sprintf("Foto - %d.png", i+1),
					Content: photo.Content,
				})
			}
		}
		if procedureID, err := e.ProcedureID(ctx, questionID); err == nil && procedureID != "" {
			candidates, err := e.informAddresses(ctx, procedureID)
			if err != nil {
				e.logger().Printf("workflow: resolve inform addresses: %v", err)
			}
			n.CC = notify.ValidCC(candidates)
		}
	}

	e.attachReport(ctx, &n, task)
	e.logger().Printf("workflow: task %s created, notifying %s (photos=%d cc=%d)", task.ID, recipient, len(n.Attachments), len(n.CC))
	e.Hub.Send(ctx, n)
	return nil
}

func (e *Engine) onTaskDeleted(ctx context.Context, task domain.Document) error {
	subject, body, err := e.Hub.Render(e.Config.Notify.TaskRemovedTemplate, task)
	if err != nil {
		e.logger().Printf("workflow: render task removed for %s: %v", task.ID, err)
		return nil
	}
	recipient, err := e.Store.UserEmail(ctx, task.ReportedBy)
	if err != nil {
		e.logger().Printf("workflow: no email for reporter %s", task.ReportedBy)
		return nil
	}
	n := notify.Notification{Subject: subject, Body: body, Recipient: recipient}
	e.attachReport(ctx, &n, task)
	e.Hub.Send(ctx, n)
	return nil
}

func (e *Engine) taskQuestionID(ctx context.Context, task domain.Document) string {
	fieldID, err := e.Store.FieldDefByAlias(ctx, e.Config.Workflow.TaskCategoryID, "qid")
	if err != nil {
		return ""
	}
	questionID, err := e.Store.GetField(ctx, task.ID, fieldID)
	if err != nil {
		return ""
	}
	return questionID
}

func (e *Engine) attachReport(ctx context.Context, n *notify.Notification, doc domain.Document) {
	if !e.Config.Notify.AttachReport || e.Reports == nil {
		return
	}
	name, content, err := e.Reports.Render(ctx, doc)
	if err != nil {
		e.logger().Printf("workflow: render report for %s: %v", doc.ID, err)
		return
	}
	n.Attachments = append(n.Attachments, notify.Attachment{Name: name, Content: content})
}
