package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pdcaflow/internal/config"
	"pdcaflow/internal/db"
	"pdcaflow/internal/domain"
	"pdcaflow/internal/engine"
	"pdcaflow/internal/migrate"
	"pdcaflow/internal/notify"
	"pdcaflow/internal/pipeline"
	"pdcaflow/internal/server"
	"pdcaflow/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "pdca",
	Short: "Pdcaflow CLI",
	Long: `Pdcaflow derives corrective-action tasks from safety and quality inspections.
Core concepts:
- Inspections: checklist submissions for a station; answers on trigger fields decide what happens next.
- Trigger fields: inspection questions with a mandatory-on value; a negative answer asks for a corrective action.
- Procedures: rows in a lookup table that say which task to create, who is responsible, and who to inform, with separate manned/unmanned variants per station.
- Tasks: follow-up work items created from procedures; when the last one completes, the inspection completes and the reporter is notified.
- Event log: diary of workflow activity, view with 'pdca log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PDCAFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(inspectionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("migrations OK, schema at version %d\n", version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workflow config",
		Long:  "Config is the rulebook (pdcaflow.yml): target categories, the procedure table, station manned detection, status ids, and notification templates.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default pdcaflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func inspectionCmd() *cobra.Command {
	insp := &cobra.Command{
		Use:   "inspection",
		Short: "Manage inspections",
		Long:  "Inspections are checklist submissions. Submitting one triggers the workflow: negative answers on trigger fields create corrective-action tasks, and answers turned positive again withdraw them.",
	}
	insp.AddCommand(inspectionSubmitCmd())
	insp.AddCommand(inspectionListCmd())
	insp.AddCommand(inspectionTasksCmd())
	insp.AddCommand(inspectionDeleteCmd())
	return insp
}

func inspectionSubmitCmd() *cobra.Command {
	var id, category, name, station string
	var answers []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an inspection and run the workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if category == "" {
				return fmt.Errorf("--category required")
			}
			data := map[string]string{}
			for _, kv := range answers {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("--answer must be field_id=value, got %q", kv)
				}
				data[parts[0]] = parts[1]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				isNew := id == ""
				doc := domain.Document{
					ID:         id,
					Module:     domain.ModuleInspection,
					CategoryID: category,
					Name:       name,
					StationID:  station,
					ReportedBy: viper.GetString("actor-id"),
				}
				if isNew {
					doc.ID = uuid.New().String()
					if err := e.Store.CreateDocument(ctx, doc); err != nil {
						return err
					}
				} else {
					existing, err := e.Store.GetDocumentFresh(ctx, id)
					if err != nil {
						return err
					}
					if name != "" {
						existing.Name = name
					}
					if station != "" {
						existing.StationID = station
					}
					if err := e.Store.SaveDocument(ctx, existing); err != nil {
						return err
					}
					doc = existing
				}
				for fieldID, value := range data {
					if err := e.Store.SetField(ctx, domain.FieldEntry{
						DocumentID: doc.ID,
						FieldID:    fieldID,
						Value:      value,
						Module:     domain.ModuleInspection,
					}); err != nil {
						return err
					}
				}
				if err := e.DocumentSaved(ctx, doc, isNew, data); err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "inspection id (omit to create)")
	cmd.Flags().StringVar(&category, "category", "", "inspection category id")
	cmd.Flags().StringVar(&name, "name", "", "inspection name")
	cmd.Flags().StringVar(&station, "station", "", "station document id")
	cmd.Flags().StringArrayVar(&answers, "answer", []string{}, "answer as field_id=value (repeatable)")
	return cmd
}

func inspectionListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inspections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				docs, err := e.Store.ListDocuments(ctx, domain.ModuleInspection, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Name", "Status", "Station", "Reported By"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.CategoryID, d.Name, d.StatusID, d.StationID, d.ReportedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func inspectionTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <id>",
		Short: "List the corrective-action tasks of an inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Store.ReferencedDocuments(ctx, args[0], e.Config.Workflow.TaskCategoryID, "")
				if err != nil {
					return err
				}
				return printTaskTable(tasks)
			})
		},
	}
	return cmd
}

func inspectionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an inspection and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.HandleDelete(ctx, args[0])
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage corrective-action tasks",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List corrective-action tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Store.ListDocuments(ctx, domain.ModuleInspection, e.Config.Workflow.TaskCategoryID)
				if err != nil {
					return err
				}
				return printTaskTable(tasks)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task completed and re-check the parent inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				task, err := e.Store.GetDocumentFresh(ctx, args[0])
				if err != nil {
					return err
				}
				task.StatusID = e.Config.Status.CompletedTaskID
				if err := e.Store.SaveDocument(ctx, task); err != nil {
					return err
				}
				if err := e.DocumentSaved(ctx, task, false, nil); err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: store.HashAPIKey(secret),
				}
				if err := s.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The plaintext secret is shown once and never stored.
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": actor, "secret": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				return s.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything the workflow did: documents saved, tasks created and removed, inspections completed.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				events, err := s.EventsAfter(ctx, n, after)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Entity", "Entity ID", "Actor", "At"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			queue := pipeline.NewQueue(64)
			hub := notify.Hub{Config: cfg, Mailer: notify.LogMailer{}}
			if url := os.Getenv("PDCAFLOW_WEBHOOK_URL"); url != "" {
				hub.Mailer = &notify.WebhookMailer{URL: url, Secret: os.Getenv("PDCAFLOW_WEBHOOK_SECRET")}
			}
			e := engine.New(conn, cfg, queue, hub)
			e.RegisterHandlers()
			queue.Start()
			defer queue.Close()

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PDCAFLOW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PDCAFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pdcaflow API on http://%s%s (OpenAPI at %s.json, Swagger UI at /docs)\n", addr, basePath, server.OpenAPIPath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// withEngine runs fn against a fully wired engine. The queue is closed before
// returning, which drains asynchronous work so CLI commands observe their own
// effects.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	queue := pipeline.NewQueue(64)
	e := engine.New(conn, cfg, queue, notify.Hub{Config: cfg, Mailer: notify.LogMailer{}})
	e.RegisterHandlers()
	queue.Start()
	if err := fn(ctx, e); err != nil {
		queue.Close()
		return err
	}
	queue.Close()
	return nil
}

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func printTaskTable(tasks []domain.Document) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Deadline", "Reported By"})
	for _, t := range tasks {
		deadline := ""
		if t.Deadline != nil {
			deadline = *t.Deadline
		}
		tw.AppendRow(table.Row{t.ID, t.Name, t.StatusID, deadline, t.ReportedBy})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
