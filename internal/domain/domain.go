package domain

// Module identifiers of the record store. Inspections and their follow-up
// tasks both live in the inspection module; stations and procedures are rows
// of generic lookup tables.
const (
	ModuleInspection = "im"
	ModuleCategory   = "cat"
)

// Document is a record in the store: an inspection, a follow-up task, or a
// lookup-table row. Which one it is follows from its module and category.
type Document struct {
	ID         string  `json:"id"`
	Module     string  `json:"module"`
	CategoryID string  `json:"category_id"`
	Name       string  `json:"name"`
	StatusID   string  `json:"status_id,omitempty"`
	StationID  string  `json:"station_id,omitempty"`
	ReportedBy string  `json:"reported_by,omitempty"`
	Deadline   *string `json:"deadline,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Station is the reporting location of an inspection.
type Station struct {
	ID     string `json:"id"`
	Manned bool   `json:"manned"`
}

// TriggerField is a configured inspection field whose answer can create a
// follow-up task. Params carries the raw JSON blob from field configuration.
type TriggerField struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	Module     string `json:"module"`
	Params     string `json:"params"`
}

// TriggerParams is the decoded shape of TriggerField.Params.
type TriggerParams struct {
	Action      string `json:"action"`
	MandatoryOn string `json:"mandatory_on"`
}

// FieldCondition is the evaluator's verdict for one trigger field.
type FieldCondition struct {
	FieldID  string `json:"field_id"`
	Enabled  bool   `json:"enabled"`
	Negative bool   `json:"negative"`
	Value    string `json:"value"`
}

// Procedure holds the corrective-action details resolved for one trigger
// field, already branched by the station's manned/unmanned variant.
type Procedure struct {
	ID       string `json:"id"`
	TaskCat  string `json:"task_cat"`
	Task     string `json:"task"`
	Role     string `json:"role"`
	Inform   string `json:"inform"`
	Leadtime string `json:"leadtime"`
}

// Empty reports whether the procedure lookup resolved nothing usable. A
// procedure without a task title must never produce a task.
func (p Procedure) Empty() bool {
	return p.Task == ""
}

type ActionKind string

const (
	ActionCreateTask ActionKind = "create_task"
	ActionRemoveTask ActionKind = "remove_task"
)

// PlanAction is one entry of an action plan. Plans are transient: they are
// recomputed from live record state on every evaluation and never persisted.
type PlanAction struct {
	Kind      ActionKind `json:"kind"`
	FieldID   string     `json:"field_id"`
	Procedure Procedure  `json:"procedure,omitempty"`
	// TaskID is set for remove actions and names the existing task.
	TaskID string `json:"task_id,omitempty"`
}

// Reference links two documents, optionally tagged with the field that caused
// the link (a task points at its inspection via the trigger field).
type Reference struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	FieldID  string `json:"field_id,omitempty"`
}

// FieldEntry is a raw stored field value of a document.
type FieldEntry struct {
	DocumentID string `json:"document_id"`
	FieldID    string `json:"field_id"`
	Seq        int    `json:"seq"`
	Value      string `json:"value"`
	Language   string `json:"language"`
	Module     string `json:"module"`
}

// MediaFile is an uploaded photo bound to an inspection question.
type MediaFile struct {
	ID      string `json:"id"`
	Bind    string `json:"bind"`
	ItemID  string `json:"item_id"`
	Module  string `json:"module"`
	Content []byte `json:"-"`
}

// Event is a row of the audit event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a server caller.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
