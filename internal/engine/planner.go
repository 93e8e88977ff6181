package engine

import (
	"context"

	"pdcaflow/internal/domain"
)

// BuildPlan computes the minimal set of create/remove actions by diffing the
// evaluated conditions against the inspection's live task references. It
// never consults a previous plan, which is what makes duplicate or
// re-ordered delivery of the same trigger safe: identical inspection state
// always derives an identical plan.
//
// Per (inspection, field):
//   - new inspection: create iff the answer is negative
//   - no live task, negative answer: create
//   - live task, answer no longer negative: remove it
//   - live task, answer still negative: no action
func (e *Engine) BuildPlan(ctx context.Context, doc domain.Document, isNew bool, conditions []domain.FieldCondition, manned bool) ([]domain.PlanAction, error) {
	var plan []domain.PlanAction
	for _, cond := range conditions {
		if !cond.Enabled {
			continue
		}
		procedureID, err := e.ProcedureID(ctx, cond.FieldID)
		if err != nil {
			return nil, err
		}
		proc, err := e.ResolveProcedure(ctx, manned, procedureID)
		if err != nil {
			return nil, err
		}

		if isNew {
			if cond.Negative {
				plan = e.appendCreate(plan, cond.FieldID, proc)
			}
			continue
		}

		tasks, err := e.Store.ReferencedDocuments(ctx, doc.ID, e.Config.Workflow.TaskCategoryID, cond.FieldID)
		if err != nil {
			return nil, err
		}
		switch {
		case len(tasks) == 0 && cond.Negative:
			plan = e.appendCreate(plan, cond.FieldID, proc)
		case len(tasks) > 0 && !cond.Negative:
			plan = append(plan, domain.PlanAction{
				Kind:    domain.ActionRemoveTask,
				FieldID: cond.FieldID,
				TaskID:  tasks[0].ID,
			})
		}
	}
	return plan, nil
}

// appendCreate guards the configuration gap: a field with no resolvable
// procedure (or one without a task title) produces no action.
func (e *Engine) appendCreate(plan []domain.PlanAction, fieldID string, proc domain.Procedure) []domain.PlanAction {
	if proc.Empty() {
		e.logger().Printf("workflow: no usable procedure for field %s, skipping create", fieldID)
		return plan
	}
	return append(plan, domain.PlanAction{
		Kind:      domain.ActionCreateTask,
		FieldID:   fieldID,
		Procedure: proc,
	})
}
