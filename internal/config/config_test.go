package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"pdcaflow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workflow.TaskCategoryID != "112" {
		t.Fatalf("task category = %q", cfg.Workflow.TaskCategoryID)
	}
	if cfg.Station.MannedValue != "ja" {
		t.Fatalf("manned value = %q", cfg.Station.MannedValue)
	}
}

func TestTargetCategories(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.CategoryIDs = " 91, 92 ,,93 "
	got := cfg.TargetCategories()
	if len(got) != 3 || got[0] != "91" || got[1] != "92" || got[2] != "93" {
		t.Fatalf("categories = %v", got)
	}
	if !cfg.IsTargetCategory("92") || cfg.IsTargetCategory("77") {
		t.Fatalf("membership check failed")
	}
}

func TestCompletionTemplateMappingIsClosed(t *testing.T) {
	cfg := config.Default()
	if id, ok := cfg.CompletionTemplate("91"); !ok || id != "haccp.completed" {
		t.Fatalf("template for 91 = %q, %v", id, ok)
	}
	if _, ok := cfg.CompletionTemplate("77"); ok {
		t.Fatalf("unmapped category should miss")
	}
}

func TestValidateRejectsGaps(t *testing.T) {
	cases := map[string]func(*config.Config){
		"no categories":      func(c *config.Config) { c.Workflow.CategoryIDs = " , " },
		"no task category":   func(c *config.Config) { c.Workflow.TaskCategoryID = "" },
		"no procedure table": func(c *config.Config) { c.Workflow.ProcedureTableID = "" },
		"no question alias":  func(c *config.Config) { c.Workflow.QuestionAlias = "" },
		"no manned alias":    func(c *config.Config) { c.Station.MannedAlias = "" },
		"no manned value":    func(c *config.Config) { c.Station.MannedValue = "" },
		"no completed task":  func(c *config.Config) { c.Status.CompletedTaskID = "" },
		"dangling completion template": func(c *config.Config) {
			c.Notify.CompletionTemplates["91"] = "missing.template"
		},
	}
	for name, corrupt := range cases {
		cfg := config.Default()
		corrupt(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("workflow: [not a map")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := config.Path(dir)
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workflow.ProcedureTableID != "table_62" {
		t.Fatalf("procedure table = %q", cfg.Workflow.ProcedureTableID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected error for missing config")
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("optional load should fall back to defaults: %v", err)
	}
	if filepath.Base(config.Path(dir)) != "pdcaflow.yml" {
		t.Fatalf("unexpected config filename")
	}
}
