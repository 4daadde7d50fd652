package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"casetrack/internal/app"
	"casetrack/internal/config"
	"casetrack/internal/db"
	"casetrack/internal/domain"
	"casetrack/internal/engine"
	"casetrack/internal/engine/auth"
	"casetrack/internal/logging"
	"casetrack/internal/progress"
	"casetrack/internal/repo"
	"casetrack/internal/server"
	"casetrack/internal/stages"
	"casetrack/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "ct",
	Short: "casetrack CLI",
	Long: `casetrack tracks procurement case files (expedientes) through their workflow stages.
Core concepts:
- Workspace: a .casetrack directory holding the SQLite database; the catalog and roles live in the DB and are imported explicitly.
- Stage catalog: the stages each case type goes through, optionally restricted to a subtype.
- Case: one expediente with a type, an optional subtype and a status (open, complete, rejected).
- Artifact: an uploaded document tagged with the stage it satisfies.
- Progress: satisfied stages over resolved stages, floored to a whole percentage. Reaching 100% completes the case; dropping below reopens it.
- Rejection: a manual, terminal decision that needs a reason.
- Event log: audit diary of changes, view with 'ct log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		loadDotEnv(workspace)
		level, err := logging.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		logging.Init(level, viper.GetString("log-format"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASETRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadDotEnv exports the workspace .env (and ./.env) without overriding
// variables already set in the environment.
func loadDotEnv(workspace string) {
	for _, p := range []string{filepath.Join(workspace, ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(recalcAllCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and seed the stage catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if writeConfig {
				p := config.Path(workspace)
				if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
					if err := os.WriteFile(p, []byte(config.DefaultTemplate), 0o644); err != nil {
						return err
					}
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListStages(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"workspace": workspace,
					"database":  db.Path(workspace),
					"stages":    len(stages),
				})
			})
		},
	}
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "write the default casetrack.yml before seeding")
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Manage the stage catalog"}
	cat.AddCommand(catalogImportCmd())
	cat.AddCommand(catalogListCmd())
	cat.AddCommand(catalogResolveCmd())
	return cat
}

func catalogImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import case types, stages and roles from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCatalogImport); err != nil {
					return err
				}
				summary, err := e.ImportCatalog(ctx, cfg, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func catalogListCmd() *cobra.Command {
	var caseType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.ListStages(ctx, caseType)
				if err != nil {
					return err
				}
				return printStages(defs, true)
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "case-type", "", "case type filter")
	return cmd
}

func catalogResolveCmd() *cobra.Command {
	var caseType, subtype, filePath string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the stages that apply to a case type and subtype",
		Long:  "Resolves against the imported catalog, or against a YAML file with --file without touching the database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath != "" {
				cfg, err := config.FromFile(filePath)
				if err != nil {
					return err
				}
				r := stages.Resolver{Catalog: stages.NewMemoryCatalog(cfg.StageDefinitions()...), Logger: logging.New("resolver")}
				defs, err := r.Resolve(cmd.Context(), caseType, subtype)
				if err != nil {
					return err
				}
				return printStages(defs, false)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.ResolveStages(ctx, caseType, subtype)
				if err != nil {
					return err
				}
				return printStages(defs, false)
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "case-type", "", "case type")
	cmd.Flags().StringVar(&subtype, "subtype", "", "case subtype")
	cmd.Flags().StringVar(&filePath, "file", "", "resolve against this YAML config instead of the DB")
	_ = cmd.MarkFlagRequired("case-type")
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseDeleteCmd())
	c.AddCommand(caseProgressCmd())
	c.AddCommand(caseRecalcCmd())
	c.AddCommand(caseRejectCmd())
	c.AddCommand(caseHistoryCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseCreate); err != nil {
					return err
				}
				opts.ActorID = actorID()
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.CaseType, "type", "", "case type")
	cmd.Flags().StringVar(&opts.Subtype, "subtype", "", "case subtype")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseRead); err != nil {
					return err
				}
				cases, err := e.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Subtype", "Status", "%", "Title"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.CaseType, c.Subtype, c.Status, c.CompletionPercentage, c.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CaseType, "case-type", "", "case type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseRead); err != nil {
					return err
				}
				c, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <case-id>",
		Short: "Delete a case with its artifacts and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseDelete); err != nil {
					return err
				}
				return e.DeleteCase(ctx, args[0], actorID())
			})
		},
	}
}

func caseProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <case-id>",
		Short: "Show stage-by-stage progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseRead); err != nil {
					return err
				}
				c, p, err := e.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				return printProgress(c, p)
			})
		},
	}
}

func caseRecalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc <case-id>",
		Short: "Recalculate and persist progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseRecalculate); err != nil {
					return err
				}
				c, err := e.Recalculate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <case-id>",
		Short: "Reject a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseReject); err != nil {
					return err
				}
				c, err := e.RejectCase(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func caseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <case-id>",
		Short: "Show status transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseRead); err != nil {
					return err
				}
				evts, err := e.ListLifecycleEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "From", "To", "Reason", "Actor"})
				for _, evt := range evts {
					actor := "system"
					if evt.ActorID != nil {
						actor = *evt.ActorID
					}
					tw.AppendRow(table.Row{evt.TS, evt.FromStatus, evt.ToStatus, evt.Reason, actor})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func artifactCmd() *cobra.Command {
	a := &cobra.Command{Use: "artifact", Short: "Manage case artifacts"}
	a.AddCommand(artifactAddCmd())
	a.AddCommand(artifactListCmd())
	a.AddCommand(artifactRemoveCmd())
	return a
}

func artifactAddCmd() *cobra.Command {
	var opts engine.ArtifactAddOptions
	cmd := &cobra.Command{
		Use:   "add <case-id>",
		Short: "Record an uploaded artifact and recalculate the case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermArtifactUpload); err != nil {
					return err
				}
				opts.CaseID = args[0]
				opts.ActorID = actorID()
				a, c, err := e.AddArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"artifact": a, "case": c})
			})
		},
	}
	cmd.Flags().StringVar(&opts.StageID, "stage", "", "stage the artifact satisfies")
	cmd.Flags().StringVar(&opts.FileName, "file", "", "file name")
	return cmd
}

func artifactListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <case-id>",
		Short: "List artifacts of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseRead); err != nil {
					return err
				}
				items, err := e.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Stage", "File", "Uploaded by", "Uploaded at"})
				for _, a := range items {
					stage := ""
					if a.StageID != nil {
						stage = *a.StageID
					}
					tw.AppendRow(table.Row{a.ID, stage, a.FileName, a.UploadedBy, a.UploadedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func artifactRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <case-id> <artifact-id>",
		Short: "Remove an artifact and recalculate the case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermArtifactDelete); err != nil {
					return err
				}
				c, err := e.RemoveArtifact(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func recalcAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc-all",
		Short: "Recalculate every open or complete case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermCaseRecalculate); err != nil {
					return err
				}
				summary, err := e.RecalculateAll(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
}

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Manage roles"}
	r.AddCommand(rbacGrantCmd())
	r.AddCommand(rbacRevokeCmd())
	r.AddCommand(rbacWhoamiCmd())
	return r
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermRBACManage); err != nil {
					return err
				}
				if err := e.GrantRole(ctx, target, role, actorID()); err != nil {
					return err
				}
				access, err := e.ActorAccess(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(access)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermRBACManage); err != nil {
					return err
				}
				return e.RevokeRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				access, err := e.ActorAccess(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(access)
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireCLI(ctx, e, auth.PermEventsRead); err != nil {
					return err
				}
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API authentication helpers"}
	a.AddCommand(&cobra.Command{
		Use:   "init-secret",
		Short: "Generate CASETRACK_JWT_SECRET into the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := filepath.Join(viper.GetString("workspace"), ".env")
			env := map[string]string{}
			if existing, err := godotenv.Read(p); err == nil {
				env = existing
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if env["CASETRACK_JWT_SECRET"] != "" {
				fmt.Println("CASETRACK_JWT_SECRET already set in", p)
				return nil
			}
			env["CASETRACK_JWT_SECRET"] = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			if err := godotenv.Write(env, p); err != nil {
				return err
			}
			fmt.Println("wrote CASETRACK_JWT_SECRET to", p)
			return nil
		},
	})
	return a
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		legacyHeader   bool
		devLogin       bool
		webhooks       bool
		otelEnabled    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				logger := logging.New("server")
				if err := telemetry.Init(telemetry.Options{
					Enabled:  otelEnabled || e.Config.Telemetry.Enabled,
					Interval: e.Config.Telemetry.Interval,
				}); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					telemetry.Shutdown(shutdownCtx)
				}()
				if ins, err := telemetry.NewInstruments(telemetry.Meter("")); err == nil {
					e.Instruments = ins
				}

				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: legacyHeader,
					EnableDevLogin:         devLogin,
					Logger:                 logger,
				}
				if devLogin {
					logger.Warn("dev login enabled; any caller can mint a token for any actor")
				}
				if authCfg.JWTSecret == "" && !legacyHeader {
					return fmt.Errorf("CASETRACK_JWT_SECRET is required for bearer auth (run 'ct auth init-secret' or pass --legacy-actor-header)")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if webhooks && server.StartWebhookDispatcher(ctx, e, server.WebhookOptions{Logger: logging.New("webhooks")}) {
					logger.Info("webhook dispatcher started", "hooks", len(e.Config.Webhooks))
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving casetrack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "legacy-actor-header", false, "accept unauthenticated X-Actor-Id headers")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "mount POST /auth/dev/login (unauthenticated token minting, local use only)")
	cmd.Flags().BoolVar(&webhooks, "webhooks", true, "deliver lifecycle events to configured webhooks")
	cmd.Flags().BoolVar(&otelEnabled, "otel", false, "export metrics to stderr")
	return cmd
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		ActorID:   actorID(),
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	applyConfigLogging(e.Config)
	return fn(ctx, e)
}

// applyConfigLogging lets the stored logging section take effect unless the
// flags or environment chose explicitly.
func applyConfigLogging(cfg *config.Config) {
	if cfg == nil || cfg.Logging.Level == "" || rootCmd.PersistentFlags().Changed("log-level") {
		return
	}
	if _, ok := os.LookupEnv("CASETRACK_LOG_LEVEL"); ok {
		return
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return
	}
	format := cfg.Logging.Format
	if format == "" {
		format = viper.GetString("log-format")
	}
	logging.Init(level, format)
}

func requireCLI(ctx context.Context, e engine.Engine, perm string) error {
	return e.RequirePermission(ctx, actorID(), perm)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printStages(defs []domain.StageDefinition, withActive bool) error {
	if viper.GetBool("json") {
		return printJSON(defs)
	}
	tw := newTable()
	header := table.Row{"#", "ID", "Type", "Subtype", "Title", "Required"}
	if withActive {
		header = append(header, "Active")
	}
	tw.AppendHeader(header)
	for _, d := range defs {
		row := table.Row{d.Sequence, d.ID, d.CaseType, d.Subtype, d.Title, d.Required}
		if withActive {
			row = append(row, d.Active)
		}
		tw.AppendRow(row)
	}
	tw.Render()
	return nil
}

func printProgress(c domain.Case, p progress.Progress) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"case": c, "progress": p})
	}
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s [%s] %d%% (%d/%d)", c.ID, c.Status, p.Percentage, p.SatisfiedCount, p.TotalCount))
	tw.AppendHeader(table.Row{"#", "Stage", "Title", "Done"})
	for _, s := range p.Stages {
		mark := ""
		if s.Satisfied {
			mark = "✓"
		}
		tw.AppendRow(table.Row{s.Sequence, s.ID, s.Title, mark})
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
