package engine_test

import (
	"testing"

	"pdcaflow/internal/domain"
)

func TestEvaluateFieldsClassifiesAnswers(t *testing.T) {
	env := newTestEnv(t)
	conditions, err := env.Engine.EvaluateFields(env.Ctx, "91", domain.ModuleInspection, map[string]string{
		"q1": "nee",
		"q2": "ja",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(conditions) != 2 {
		t.Fatalf("expected 2 conditions, got %d", len(conditions))
	}
	byField := map[string]domain.FieldCondition{}
	for _, c := range conditions {
		byField[c.FieldID] = c
	}
	if !byField["q1"].Negative {
		t.Fatalf("q1 should be negative: %+v", byField["q1"])
	}
	if byField["q2"].Negative {
		t.Fatalf("q2 should not be negative: %+v", byField["q2"])
	}
}

func TestEvaluateFieldsSkipsMalformedParams(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Store.UpsertFieldDef(env.Ctx, "q_bad", "91", domain.ModuleInspection, "q_bad", "trigger", `{not json`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	conditions, err := env.Engine.EvaluateFields(env.Ctx, "91", domain.ModuleInspection, map[string]string{"q_bad": "nee"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, c := range conditions {
		if c.FieldID == "q_bad" {
			t.Fatalf("malformed field reached the planner: %+v", c)
		}
	}
}

func TestEvaluateFieldsIgnoresBlankMandatoryOn(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Store.UpsertFieldDef(env.Ctx, "q_off", "91", domain.ModuleInspection, "q_off", "trigger", `{"action":"create_task","mandatory_on":"  "}`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	conditions, err := env.Engine.EvaluateFields(env.Ctx, "91", domain.ModuleInspection, map[string]string{"q_off": "nee"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, c := range conditions {
		if c.FieldID == "q_off" {
			t.Fatalf("blank mandatory_on field is not disabled: %+v", c)
		}
	}
}

func TestResolveProcedureVariants(t *testing.T) {
	env := newTestEnv(t)
	manned, err := env.Engine.ResolveProcedure(env.Ctx, true, "proc-1")
	if err != nil {
		t.Fatalf("resolve manned: %v", err)
	}
	if manned.Task != "Clean the station" || manned.TaskCat != "5" || manned.Role != "42" {
		t.Fatalf("manned = %+v", manned)
	}
	unmanned, err := env.Engine.ResolveProcedure(env.Ctx, false, "proc-1")
	if err != nil {
		t.Fatalf("resolve unmanned: %v", err)
	}
	if unmanned.Task != "Call the supervisor" {
		t.Fatalf("unmanned = %+v", unmanned)
	}
	empty, err := env.Engine.ResolveProcedure(env.Ctx, true, "")
	if err != nil {
		t.Fatalf("resolve empty: %v", err)
	}
	if !empty.Empty() {
		t.Fatalf("empty id should resolve to empty procedure: %+v", empty)
	}
}

func TestProcedureIDLookup(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Engine.ProcedureID(env.Ctx, "q1")
	if err != nil || id != "proc-1" {
		t.Fatalf("procedure for q1 = %q, err %v", id, err)
	}
	id, err = env.Engine.ProcedureID(env.Ctx, "q_unbound")
	if err != nil || id != "" {
		t.Fatalf("unbound question should resolve to nothing, got %q, err %v", id, err)
	}
}
