package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models pdcaflow.yml.
type Config struct {
	Workflow struct {
		// CategoryIDs lists the inspection categories the workflow reacts to,
		// comma separated in the file for parity with legacy deployments.
		CategoryIDs string `yaml:"category_ids"`
		// TaskCategoryID is the category new follow-up tasks are created in.
		TaskCategoryID string `yaml:"task_category_id"`
		// ProcedureTableID is the lookup table holding corrective-action
		// procedures.
		ProcedureTableID string `yaml:"procedure_table_id"`
		// QuestionAlias is the procedure-table field whose stored value names
		// the trigger field a procedure belongs to.
		QuestionAlias string `yaml:"question_alias"`
	} `yaml:"workflow"`
	Station struct {
		FieldAlias  string `yaml:"field_alias"`
		MannedAlias string `yaml:"manned_alias"`
		MannedValue string `yaml:"manned_value"`
	} `yaml:"station"`
	Status struct {
		RegisteredTaskID      string `yaml:"registered_task_id"`
		CompletedTaskID       string `yaml:"completed_task_id"`
		CompletedInspectionID string `yaml:"completed_inspection_id"`
		TerminalInspectionID  string `yaml:"terminal_inspection_id"`
	} `yaml:"status"`
	Notify struct {
		AttachReport bool `yaml:"attach_report"`
		// CompletionTemplates maps an inspection category to the template
		// used for its completion notification.
		CompletionTemplates map[string]string `yaml:"completion_templates"`
		TaskCreatedTemplate string            `yaml:"task_created_template"`
		TaskRemovedTemplate string            `yaml:"task_removed_template"`
		Templates           map[string]Template `yaml:"templates"`
	} `yaml:"notify"`
}

// Template is a renderable notification template. Subject and Body are
// text/template sources evaluated against the document context.
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// TargetCategories returns the parsed inspection category id list.
func (c *Config) TargetCategories() []string {
	parts := strings.Split(c.Workflow.CategoryIDs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsTargetCategory reports whether the workflow is interested in a category.
func (c *Config) IsTargetCategory(id string) bool {
	for _, cat := range c.TargetCategories() {
		if cat == id {
			return true
		}
	}
	return false
}

// CompletionTemplate returns the completion template id for an inspection
// category. The mapping is closed: an unmapped category is a configuration
// gap the caller must guard.
func (c *Config) CompletionTemplate(categoryID string) (string, bool) {
	id, ok := c.Notify.CompletionTemplates[categoryID]
	return id, ok
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.TargetCategories()) == 0 {
		return fmt.Errorf("config.workflow.category_ids is required")
	}
	if c.Workflow.TaskCategoryID == "" {
		return fmt.Errorf("config.workflow.task_category_id is required")
	}
	if c.Workflow.ProcedureTableID == "" {
		return fmt.Errorf("config.workflow.procedure_table_id is required")
	}
	if c.Workflow.QuestionAlias == "" {
		return fmt.Errorf("config.workflow.question_alias is required")
	}
	if c.Station.FieldAlias == "" || c.Station.MannedAlias == "" {
		return fmt.Errorf("config.station.field_alias and manned_alias are required")
	}
	if c.Station.MannedValue == "" {
		return fmt.Errorf("config.station.manned_value is required")
	}
	if c.Status.CompletedTaskID == "" || c.Status.CompletedInspectionID == "" {
		return fmt.Errorf("config.status.completed_task_id and completed_inspection_id are required")
	}
	for cat, tpl := range c.Notify.CompletionTemplates {
		if tpl == "" {
			return fmt.Errorf("completion template for category %s is empty", cat)
		}
		if len(c.Notify.Templates) > 0 {
			if _, ok := c.Notify.Templates[tpl]; !ok {
				return fmt.Errorf("completion template %s for category %s not defined", tpl, cat)
			}
		}
	}
	for name, tpl := range c.Notify.Templates {
		if tpl.Subject == "" {
			return fmt.Errorf("template %s has empty subject", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pdcaflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pdca config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflow:
  category_ids: "91,92"
  task_category_id: "112"
  procedure_table_id: table_62
  question_alias: qalias

station:
  field_alias: station
  manned_alias: bemand
  manned_value: ja

status:
  registered_task_id: "1"
  completed_task_id: "157"
  completed_inspection_id: "15"
  terminal_inspection_id: "3"

notify:
  attach_report: true
  completion_templates:
    "91": haccp.completed
    "92": quality.completed
  task_created_template: task.created
  task_removed_template: task.removed
  templates:
    haccp.completed:
      subject: "HACCP inspection {{.Name}} completed"
      body: "All corrective actions for inspection {{.Name}} are done."
    quality.completed:
      subject: "Quality inspection {{.Name}} completed"
      body: "All corrective actions for inspection {{.Name}} are done."
    task.created:
      subject: "New corrective action: {{.Name}}"
      body: "A corrective action has been assigned following your report."
    task.removed:
      subject: "Corrective action withdrawn: {{.Name}}"
      body: "The corrective action is no longer required."
`
