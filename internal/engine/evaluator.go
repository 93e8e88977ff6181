package engine

import (
	"context"
	"encoding/json"
	"strings"

	"pdcaflow/internal/domain"
)

// EvaluateFields classifies the category's trigger fields against the
// submitted answers. A field is enabled when its mandatory_on value is
// non-blank, and negative when the answer equals that value exactly. Only
// enabled fields are returned, ordered by field id.
//
// Malformed params never reach the planner: the field is skipped with a
// warning.
func (e *Engine) EvaluateFields(ctx context.Context, categoryID, module string, answers map[string]string) ([]domain.FieldCondition, error) {
	fields, err := e.Store.TriggerFields(ctx, categoryID, module)
	if err != nil {
		return nil, err
	}
	var out []domain.FieldCondition
	for _, f := range fields {
		var params domain.TriggerParams
		if err := json.Unmarshal([]byte(f.Params), &params); err != nil {
			e.logger().Printf("workflow: field %s has malformed params, skipping: %v", f.ID, err)
			continue
		}
		if strings.TrimSpace(params.MandatoryOn) == "" {
			continue
		}
		value := answers[f.ID]
		out = append(out, domain.FieldCondition{
			FieldID:  f.ID,
			Enabled:  true,
			Negative: value == params.MandatoryOn,
			Value:    value,
		})
	}
	return out, nil
}
