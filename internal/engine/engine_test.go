package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pdcaflow/internal/config"
	"pdcaflow/internal/db"
	"pdcaflow/internal/domain"
	"pdcaflow/internal/engine"
	"pdcaflow/internal/events"
	"pdcaflow/internal/migrate"
	"pdcaflow/internal/notify"
	"pdcaflow/internal/pipeline"
	"pdcaflow/internal/store"
)

type recordMailer struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (m *recordMailer) Send(_ context.Context, n notify.Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return nil
}

func (m *recordMailer) bySubjectPrefix(prefix string) []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notify.Notification
	for _, n := range m.sent {
		if strings.HasPrefix(n.Subject, prefix) {
			out = append(out, n)
		}
	}
	return out
}

type testEnv struct {
	Engine *engine.Engine
	Queue  *pipeline.Queue
	Mailer *recordMailer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	queue := pipeline.NewQueue(64)
	mailer := &recordMailer{}
	eng := engine.New(conn, cfg, queue, notify.Hub{Config: cfg, Mailer: mailer})
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.RegisterHandlers()
	env := testEnv{Engine: eng, Queue: queue, Mailer: mailer, Ctx: context.Background()}
	seedWorkflow(t, env)
	return env
}

// seedWorkflow registers the field configuration the default config expects:
// two trigger questions in category 91, their procedure rows in table_62 with
// manned and unmanned variants, a manned station, the task category fields,
// and the reporting user.
func seedWorkflow(t *testing.T, env testEnv) {
	t.Helper()
	ctx := env.Ctx
	s := env.Engine.Store

	mustSeed := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// Trigger questions.
	mustSeed(s.UpsertFieldDef(ctx, "q1", "91", domain.ModuleInspection, "q1", "trigger", `{"action":"create_task","mandatory_on":"nee"}`))
	mustSeed(s.UpsertFieldDef(ctx, "q2", "91", domain.ModuleInspection, "q2", "trigger", `{"action":"create_task","mandatory_on":"nee"}`))

	// Procedure table: question binding plus manned/unmanned variants.
	defs := map[string]string{
		"p_q":         "qalias",
		"p_mTaskCat":  "mTaskCat",
		"p_mTask":     "mTask",
		"p_mRole":     "mRole",
		"p_mInform":   "mInform",
		"p_mLeadtime": "mLeadtime",
		"p_uTaskCat":  "uTaskCat",
		"p_uTask":     "uTask",
		"p_uRole":     "uRole",
		"p_uInform":   "uInform",
		"p_uLeadtime": "uLeadtime",
	}
	for id, alias := range defs {
		mustSeed(s.UpsertFieldDef(ctx, id, "table_62", domain.ModuleCategory, alias, "text", ""))
	}
	setProc := func(docID, fieldID, value string) {
		t.Helper()
		mustSeed(s.SetField(ctx, domain.FieldEntry{DocumentID: docID, FieldID: fieldID, Value: value, Module: domain.ModuleCategory}))
	}
	setProc("proc-1", "p_q", "q1")
	setProc("proc-1", "p_mTaskCat", "5")
	setProc("proc-1", "p_mTask", "Clean the station")
	setProc("proc-1", "p_mRole", "42")
	setProc("proc-1", "p_uTask", "Call the supervisor")
	setProc("proc-2", "p_q", "q2")
	setProc("proc-2", "p_mTask", "Replace the filter")
	setProc("proc-2", "p_mLeadtime", "2024-02-01T00:00:00Z")

	// Station with a manned flag.
	mustSeed(s.CreateDocument(ctx, domain.Document{ID: "st-1", Module: domain.ModuleCategory, CategoryID: "tbl_station", Name: "Line 1"}))
	mustSeed(s.UpsertFieldDef(ctx, "f_manned", "tbl_station", domain.ModuleCategory, "bemand", "text", ""))
	mustSeed(s.SetField(ctx, domain.FieldEntry{DocumentID: "st-1", FieldID: "f_manned", Value: "Ja", Module: domain.ModuleCategory}))

	// Task category fields.
	mustSeed(s.UpsertFieldDef(ctx, "t_qid", "112", domain.ModuleInspection, "qid", "text", ""))
	mustSeed(s.UpsertFieldDef(ctx, "t_cat", "112", domain.ModuleInspection, "TaskCat", "text", ""))
	mustSeed(s.UpsertFieldDef(ctx, "t_resp", "112", domain.ModuleInspection, "responsible", "text", ""))
	mustSeed(s.UpsertFieldDef(ctx, "t_inf", "112", domain.ModuleInspection, "Inform", "text", ""))

	mustSeed(s.EnsureUser(ctx, "u1", "Tess", "tess@example.com"))
}

// submit persists an inspection with its answers and runs the save trigger
// the way an external save handler would.
func submit(t *testing.T, env testEnv, id string, isNew bool, answers map[string]string) domain.Document {
	t.Helper()
	ctx := env.Ctx
	s := env.Engine.Store
	doc := domain.Document{
		ID:         id,
		Module:     domain.ModuleInspection,
		CategoryID: "91",
		Name:       "Morning check",
		StationID:  "st-1",
		ReportedBy: "u1",
	}
	if isNew {
		if err := s.CreateDocument(ctx, doc); err != nil {
			t.Fatalf("create inspection: %v", err)
		}
	}
	for fieldID, value := range answers {
		if err := s.SetField(ctx, domain.FieldEntry{DocumentID: id, FieldID: fieldID, Value: value, Module: domain.ModuleInspection}); err != nil {
			t.Fatalf("set answer: %v", err)
		}
	}
	if err := env.Engine.HandleSave(ctx, engine.SavePayload{ItemID: id, IsNew: isNew, Data: answers}); err != nil {
		t.Fatalf("handle save: %v", err)
	}
	out, err := s.GetDocumentFresh(ctx, id)
	if err != nil {
		t.Fatalf("reload inspection: %v", err)
	}
	return out
}

func tasksFor(t *testing.T, env testEnv, inspectionID string) []domain.Document {
	t.Helper()
	tasks, err := env.Engine.Store.ReferencedDocuments(env.Ctx, inspectionID, "112", "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

func TestNegativeAnswerCreatesTask(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q1": "nee"})

	tasks := tasksFor(t, env, "insp-1")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Name != "Clean the station" {
		t.Fatalf("task name = %q", task.Name)
	}
	if task.StatusID != env.Engine.Config.Status.RegisteredTaskID {
		t.Fatalf("task status = %q", task.StatusID)
	}
	if task.ReportedBy != "u1" {
		t.Fatalf("task reporter = %q", task.ReportedBy)
	}
	if task.CreatedAt != "2024-01-01T00:00:00Z" || task.UpdatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("task timestamps = %q / %q, want the engine clock", task.CreatedAt, task.UpdatedAt)
	}
	qid, err := env.Engine.Store.GetField(env.Ctx, task.ID, "t_qid")
	if err != nil || qid != "q1" {
		t.Fatalf("task qid = %q, err %v", qid, err)
	}
	if _, err := env.Engine.Store.IndexedAt(env.Ctx, task.ID); err != nil {
		t.Fatalf("task not indexed: %v", err)
	}
}

func TestPositiveAnswerCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q1": "ja"})
	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestRepeatSaveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q1": "nee"})
	submit(t, env, "insp-1", false, map[string]string{"q1": "nee"})
	submit(t, env, "insp-1", false, map[string]string{"q1": "nee"})
	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 1 {
		t.Fatalf("expected 1 task after repeated saves, got %d", len(tasks))
	}
}

func TestAnswerFlipRemovesAndRecreatesTask(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q1": "nee"})
	first := tasksFor(t, env, "insp-1")
	if len(first) != 1 {
		t.Fatalf("expected 1 task, got %d", len(first))
	}

	submit(t, env, "insp-1", false, map[string]string{"q1": "ja"})
	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 0 {
		t.Fatalf("expected task removed, got %d", len(tasks))
	}
	if _, err := env.Engine.Store.GetDocumentFresh(env.Ctx, first[0].ID); err != store.ErrNotFound {
		t.Fatalf("expected deleted task, got %v", err)
	}

	submit(t, env, "insp-1", false, map[string]string{"q1": "nee"})
	again := tasksFor(t, env, "insp-1")
	if len(again) != 1 {
		t.Fatalf("expected task recreated, got %d", len(again))
	}
	if again[0].ID == first[0].ID {
		t.Fatalf("recreated task reused the old id")
	}
}

func TestMultipleNegativeAnswersCreateAllTasks(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q1": "nee", "q2": "nee"})
	tasks := tasksFor(t, env, "insp-1")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	names := map[string]bool{}
	for _, task := range tasks {
		names[task.Name] = true
	}
	if !names["Clean the station"] || !names["Replace the filter"] {
		t.Fatalf("unexpected task names %v", names)
	}
}

func TestLeadtimeBecomesDeadline(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q2": "nee"})
	tasks := tasksFor(t, env, "insp-1")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Deadline == nil || *tasks[0].Deadline != "2024-02-01T00:00:00Z" {
		t.Fatalf("deadline = %v", tasks[0].Deadline)
	}
}

func TestUnmannedStationUsesUnmannedVariant(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Store.SetField(env.Ctx, domain.FieldEntry{DocumentID: "st-1", FieldID: "f_manned", Value: "nee", Module: domain.ModuleCategory}); err != nil {
		t.Fatalf("set manned: %v", err)
	}
	submit(t, env, "insp-1", true, map[string]string{"q1": "nee"})
	tasks := tasksFor(t, env, "insp-1")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Name != "Call the supervisor" {
		t.Fatalf("task name = %q, want unmanned variant", tasks[0].Name)
	}
}

func TestQuestionWithoutProcedureCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Store.UpsertFieldDef(env.Ctx, "q3", "91", domain.ModuleInspection, "q3", "trigger", `{"action":"create_task","mandatory_on":"nee"}`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	submit(t, env, "insp-1", true, map[string]string{"q3": "nee"})
	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 0 {
		t.Fatalf("expected no tasks for unbound question, got %d", len(tasks))
	}
}

func TestMissingStationSkipsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	doc := domain.Document{ID: "insp-1", Module: domain.ModuleInspection, CategoryID: "91", Name: "No station", ReportedBy: "u1"}
	if err := env.Engine.Store.CreateDocument(env.Ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	answers := map[string]string{"q1": "nee"}
	if err := env.Engine.Store.SetField(env.Ctx, domain.FieldEntry{DocumentID: "insp-1", FieldID: "q1", Value: "nee", Module: domain.ModuleInspection}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := env.Engine.HandleSave(env.Ctx, engine.SavePayload{ItemID: "insp-1", IsNew: true, Data: answers}); err != nil {
		t.Fatalf("handle save: %v", err)
	}
	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 0 {
		t.Fatalf("expected no tasks without a station, got %d", len(tasks))
	}
}

func TestStationResolvedFromAnswerField(t *testing.T) {
	env := newTestEnv(t)
	s := env.Engine.Store
	if err := s.UpsertFieldDef(env.Ctx, "f_station", "91", domain.ModuleInspection, "station", "text", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	doc := domain.Document{ID: "insp-1", Module: domain.ModuleInspection, CategoryID: "91", Name: "Check", ReportedBy: "u1"}
	if err := s.CreateDocument(env.Ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	for field, value := range map[string]string{"f_station": "st-1", "q1": "nee"} {
		if err := s.SetField(env.Ctx, domain.FieldEntry{DocumentID: "insp-1", FieldID: field, Value: value, Module: domain.ModuleInspection}); err != nil {
			t.Fatalf("set %s: %v", field, err)
		}
	}
	if err := env.Engine.HandleSave(env.Ctx, engine.SavePayload{ItemID: "insp-1", IsNew: true, Data: map[string]string{"q1": "nee"}}); err != nil {
		t.Fatalf("handle save: %v", err)
	}
	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 1 {
		t.Fatalf("expected 1 task via station answer field, got %d", len(tasks))
	}
}

func TestCompletionNotifiesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q1": "nee", "q2": "nee"})
	tasks := tasksFor(t, env, "insp-1")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	complete := func(task domain.Document) {
		t.Helper()
		task.StatusID = env.Engine.Config.Status.CompletedTaskID
		if err := env.Engine.Store.SaveDocument(env.Ctx, task); err != nil {
			t.Fatalf("complete task: %v", err)
		}
		if err := env.Engine.HandleEvent(env.Ctx, engine.EventPayload{Event: events.TaskUpdate.String(), ItemID: task.ID}); err != nil {
			t.Fatalf("task update event: %v", err)
		}
	}

	complete(tasks[0])
	main, err := env.Engine.Store.GetDocumentFresh(env.Ctx, "insp-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if main.StatusID == env.Engine.Config.Status.CompletedInspectionID {
		t.Fatalf("inspection completed with an open task")
	}
	if got := env.Mailer.bySubjectPrefix("HACCP"); len(got) != 0 {
		t.Fatalf("completion mail sent too early: %d", len(got))
	}

	complete(tasks[1])
	main, err = env.Engine.Store.GetDocumentFresh(env.Ctx, "insp-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if main.StatusID != env.Engine.Config.Status.CompletedInspectionID {
		t.Fatalf("inspection status = %q", main.StatusID)
	}
	got := env.Mailer.bySubjectPrefix("HACCP")
	if len(got) != 1 {
		t.Fatalf("expected 1 completion mail, got %d", len(got))
	}
	if got[0].Recipient != "tess@example.com" {
		t.Fatalf("recipient = %q", got[0].Recipient)
	}

	// Redelivery after completion is a no-op.
	if err := env.Engine.HandleEvent(env.Ctx, engine.EventPayload{Event: events.TaskUpdate.String(), ItemID: tasks[1].ID}); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if got := env.Mailer.bySubjectPrefix("HACCP"); len(got) != 1 {
		t.Fatalf("expected still 1 completion mail, got %d", len(got))
	}
}

func TestTaskCreatedNotificationCarriesPhotosAndCC(t *testing.T) {
	env := newTestEnv(t)

	// Inform department with a mail address, wired to proc-1.
	s := env.Engine.Store
	if err := s.CreateDocument(env.Ctx, domain.Document{ID: "dep-1", Module: domain.ModuleCategory, CategoryID: "tbl_dep", Name: "Quality"}); err != nil {
		t.Fatalf("seed department: %v", err)
	}
	if err := s.UpsertFieldDef(env.Ctx, "f_depmail", "tbl_dep", domain.ModuleCategory, "depmail", "text", ""); err != nil {
		t.Fatalf("seed depmail: %v", err)
	}
	if err := s.SetField(env.Ctx, domain.FieldEntry{DocumentID: "dep-1", FieldID: "f_depmail", Value: "quality@example.com", Module: domain.ModuleCategory}); err != nil {
		t.Fatalf("seed depmail value: %v", err)
	}
	if err := s.SetField(env.Ctx, domain.FieldEntry{DocumentID: "proc-1", FieldID: "p_mInform", Value: "dep-1", Module: domain.ModuleCategory}); err != nil {
		t.Fatalf("wire inform: %v", err)
	}

	submit(t, env, "insp-1", true, map[string]string{"q1": "nee"})

	// Photo answered on the trigger question.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO media_files(id,bind,item_id,module,content) VALUES ('m1','q1','insp-1','im',x'89504e47')`); err != nil {
		t.Fatalf("seed photo: %v", err)
	}

	tasks := tasksFor(t, env, "insp-1")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if err := env.Engine.HandleEvent(env.Ctx, engine.EventPayload{Event: events.TaskCreated.String(), ItemID: tasks[0].ID}); err != nil {
		t.Fatalf("task created event: %v", err)
	}

	got := env.Mailer.bySubjectPrefix("New corrective action")
	if len(got) != 1 {
		t.Fatalf("expected 1 creation mail, got %d", len(got))
	}
	n := got[0]
	if n.Recipient != "tess@example.com" {
		t.Fatalf("recipient = %q", n.Recipient)
	}
	if len(n.Attachments) != 1 || n.Attachments[0].Name != "Foto - 1.png" {
		t.Fatalf("attachments = %+v", n.Attachments)
	}
	if len(n.CC) != 1 || n.CC[0] != "quality@example.com" {
		t.Fatalf("cc = %v", n.CC)
	}
}

func TestDeleteInspectionCascades(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, "insp-1", true, map[string]string{"q1": "nee"})
	tasks := tasksFor(t, env, "insp-1")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}

	if err := env.Engine.HandleDelete(env.Ctx, "insp-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Store.GetDocumentFresh(env.Ctx, "insp-1"); err != store.ErrNotFound {
		t.Fatalf("inspection still present: %v", err)
	}
	if _, err := env.Engine.Store.GetDocumentFresh(env.Ctx, tasks[0].ID); err != store.ErrNotFound {
		t.Fatalf("task still present: %v", err)
	}
	// The removal notice fired synchronously before the record vanished.
	if got := env.Mailer.bySubjectPrefix("Corrective action withdrawn"); len(got) != 1 {
		t.Fatalf("expected 1 removal mail, got %d", len(got))
	}
}

func TestUnknownEventIsDropped(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.HandleEvent(env.Ctx, engine.EventPayload{Event: "pdcaflow.nonsense", ItemID: "x"}); err != nil {
		t.Fatalf("unknown event should be dropped, got %v", err)
	}
	if err := env.Engine.HandleEvent(env.Ctx, engine.EventPayload{}); err != nil {
		t.Fatalf("empty event should be dropped, got %v", err)
	}
	if err := env.Engine.HandleEvent(env.Ctx, engine.EventPayload{Event: events.TaskUpdate.String(), ItemID: "missing"}); err != nil {
		t.Fatalf("missing document should be dropped, got %v", err)
	}
}

func TestDocumentSavedRoutesThroughQueue(t *testing.T) {
	env := newTestEnv(t)
	env.Queue.Start()

	ctx := env.Ctx
	s := env.Engine.Store
	doc := domain.Document{ID: "insp-1", Module: domain.ModuleInspection, CategoryID: "91", Name: "Morning check", StationID: "st-1", ReportedBy: "u1"}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	answers := map[string]string{"q1": "nee"}
	if err := s.SetField(ctx, domain.FieldEntry{DocumentID: "insp-1", FieldID: "q1", Value: "nee", Module: domain.ModuleInspection}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := env.Engine.DocumentSaved(ctx, doc, true, answers); err != nil {
		t.Fatalf("document saved: %v", err)
	}
	env.Queue.Close()

	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 1 {
		t.Fatalf("expected 1 task after queue drain, got %d", len(tasks))
	}
}

func TestOtherCategoriesIgnored(t *testing.T) {
	env := newTestEnv(t)
	doc := domain.Document{ID: "insp-1", Module: domain.ModuleInspection, CategoryID: "77", Name: "Other", StationID: "st-1", ReportedBy: "u1"}
	if err := env.Engine.Store.CreateDocument(env.Ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.Engine.HandleSave(env.Ctx, engine.SavePayload{ItemID: "insp-1", IsNew: true, Data: map[string]string{"q1": "nee"}}); err != nil {
		t.Fatalf("handle save: %v", err)
	}
	if tasks := tasksFor(t, env, "insp-1"); len(tasks) != 0 {
		t.Fatalf("expected no tasks for foreign category, got %d", len(tasks))
	}
}
