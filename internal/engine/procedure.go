package engine

import (
	"context"
	"fmt"
	"strings"

	"pdcaflow/internal/domain"
	"pdcaflow/internal/store"
)

// The five logical procedure fields. Their concrete aliases are prefixed
// with "m" (manned) or "u" (unmanned) in the procedure table.
var procedureAliases = []string{"TaskCat", "Task", "Role", "Inform", "Leadtime"}

// ProcedureID resolves which procedure row is bound to a trigger field: the
// row whose question-alias field stores the field's id. Returns "" when no
// procedure is bound, which downstream treats as "nothing to do".
func (e *Engine) ProcedureID(ctx context.Context, fieldID string) (string, error) {
	questionFieldID, err := e.Store.FieldDefByAlias(ctx, e.Config.Workflow.ProcedureTableID, e.Config.Workflow.QuestionAlias)
	if err != nil {
		if err == store.ErrNotFound {
			e.logger().Printf("workflow: procedure table %s has no %s field", e.Config.Workflow.ProcedureTableID, e.Config.Workflow.QuestionAlias)
			return "", nil
		}
		return "", err
	}
	id, err := e.Store.LookupByValue(ctx, questionFieldID, fieldID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// ResolveProcedure reads the manned or unmanned variant of a procedure row.
// An unresolved procedure id yields an empty Procedure; the planner skips
// create actions for it so a titleless task can never be produced.
func (e *Engine) ResolveProcedure(ctx context.Context, manned bool, procedureID string) (domain.Procedure, error) {
	if procedureID == "" {
		return domain.Procedure{}, nil
	}
	prefix := "u"
	if manned {
		prefix = "m"
	}
	aliases := make([]string, len(procedureAliases))
	for i, a := range procedureAliases {
		aliases[i] = prefix + a
	}
	defs, err := e.Store.FieldDefsByAliases(ctx, e.Config.Workflow.ProcedureTableID, aliases)
	if err != nil {
		return domain.Procedure{}, fmt.Errorf("resolve procedure fields: %w", err)
	}
	ids := make([]string, 0, len(defs))
	byID := map[string]string{}
	for alias, id := range defs {
		ids = append(ids, id)
		byID[id] = strings.TrimPrefix(alias, prefix)
	}
	values, err := e.Store.FieldValuesByIDs(ctx, procedureID, ids)
	if err != nil {
		return domain.Procedure{}, fmt.Errorf("read procedure %s: %w", procedureID, err)
	}
	p := domain.Procedure{ID: procedureID}
	for id, value := range values {
		switch byID[id] {
		case "TaskCat":
			p.TaskCat = value
		case "Task":
			p.Task = value
		case "Role":
			p.Role = value
		case "Inform":
			p.Inform = value
		case "Leadtime":
			p.Leadtime = value
		}
	}
	return p, nil
}

// informAddresses collects the CC candidates of a procedure: the department
// rows referenced by both inform variants, each contributing its mail field.
func (e *Engine) informAddresses(ctx context.Context, procedureID string) ([]string, error) {
	var out []string
	for _, alias := range []string{"mInform", "uInform"} {
		fieldID, err := e.Store.FieldDefByAlias(ctx, e.Config.Workflow.ProcedureTableID, alias)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		departmentIDs, err := e.Store.GetFieldValues(ctx, procedureID, fieldID)
		if err != nil {
			return nil, err
		}
		for _, depID := range departmentIDs {
			dep, err := e.Store.GetDocument(ctx, depID)
			if err != nil {
				continue
			}
			mailFieldID, err := e.Store.FieldDefByAlias(ctx, dep.CategoryID, "depmail")
			if err != nil {
				continue
			}
			mail, err := e.Store.GetField(ctx, depID, mailFieldID)
			if err != nil {
				continue
			}
			out = append(out, mail)
		}
	}
	return out, nil
}
