package server

import (
	"context"
	"testing"

	"pdcaflow/internal/config"
	"pdcaflow/internal/db"
	"pdcaflow/internal/domain"
	"pdcaflow/internal/engine"
	"pdcaflow/internal/migrate"
	"pdcaflow/internal/notify"
	"pdcaflow/internal/pipeline"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	return engine.New(conn, cfg, pipeline.NewQueue(4), notify.Hub{Config: cfg, Mailer: notify.LogMailer{}})
}

func TestFilterAuthorizedUsesTaskRecipientAndMonitor(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.Store

	// The legacy field aliases carry the recipient (historic spelling) and
	// the monitoring user of a task.
	seed := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed(s.UpsertFieldDef(ctx, "t_rcpt", "112", domain.ModuleInspection, "receipient", "text", ""))
	seed(s.UpsertFieldDef(ctx, "t_mon", "112", domain.ModuleInspection, "monitoredby", "text", ""))

	task := domain.Document{ID: "task-1", Module: domain.ModuleInspection, CategoryID: "112", Name: "Clean the station", ReportedBy: "u9"}
	seed(s.CreateDocument(ctx, task))
	seed(s.SetField(ctx, domain.FieldEntry{DocumentID: "task-1", FieldID: "t_rcpt", Value: "u1", Module: domain.ModuleInspection}))
	seed(s.SetField(ctx, domain.FieldEntry{DocumentID: "task-1", FieldID: "t_mon", Value: "u2", Module: domain.ModuleInspection}))

	tasks := []domain.Document{task}
	visible := func(p Principal) int {
		return len(filterAuthorized(withPrincipal(ctx, p), e, tasks))
	}

	if got := visible(Principal{ActorID: "u1"}); got != 1 {
		t.Fatalf("recipient sees %d tasks, want 1", got)
	}
	if got := visible(Principal{ActorID: "u2"}); got != 1 {
		t.Fatalf("monitor sees %d tasks, want 1", got)
	}
	if got := visible(Principal{ActorID: "u3"}); got != 0 {
		t.Fatalf("stranger sees %d tasks, want 0", got)
	}
	if got := visible(Principal{ActorID: "root", Admin: true}); got != 1 {
		t.Fatalf("admin sees %d tasks, want 1", got)
	}
	if got := len(filterAuthorized(ctx, e, tasks)); got != 0 {
		t.Fatalf("unauthenticated caller sees %d tasks, want 0", got)
	}
}
