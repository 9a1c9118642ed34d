package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"auditflow/internal/app"
	"auditflow/internal/assign"
	"auditflow/internal/config"
	"auditflow/internal/deadline"
	"auditflow/internal/domain"
	"auditflow/internal/engine"
	"auditflow/internal/graph"
	"auditflow/internal/server"
	"auditflow/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "auditflow",
	Short: "auditflow workflow engine CLI",
	Long: `auditflow drives audit findings, actions, audits and CAPA records through
published workflow definitions.
- Definitions: graphs of start, process, decision, approval and end nodes. A Draft
  is validated and published; one Active definition per module starts instances.
- Instances: one running workflow per entity, advanced by completing tasks,
  voting on approvals and evaluating decision conditions.
- Tasks: step assignments for a user, a role or a set of approvers.
- Deadlines: 'auditflow sweep' escalates overdue tasks and reminds approaching ones;
  'auditflow serve' runs the same sweep on a ticker.
State lives in the workspace (.auditflow/auditflow.db); settings in auditflow.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUDITFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("db", "", "database file (overrides config)")
	pf.Bool("memory", false, "use the in-memory store")
	pf.String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "db", "memory", "log-level"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(definitionCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads auditflow.yml and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if p := viper.GetString("db"); p != "" {
		cfg.Database.Driver, cfg.Database.Path = "sqlite", p
	}
	if viper.GetBool("memory") {
		cfg.Database.Driver = "memory"
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actor() string { return viper.GetString("actor-id") }

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default auditflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func definitionCmd() *cobra.Command {
	def := &cobra.Command{Use: "definition", Aliases: []string{"def"}, Short: "Manage workflow definitions"}
	def.AddCommand(definitionImportCmd())
	def.AddCommand(definitionListCmd())
	def.AddCommand(definitionShowCmd())
	def.AddCommand(definitionValidateCmd())
	def.AddCommand(idCmd("publish", "Publish a Draft definition", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return e.PublishDefinition(ctx, id, actor())
	}))
	def.AddCommand(idCmd("archive", "Archive a definition", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return e.ArchiveDefinition(ctx, id)
	}))
	def.AddCommand(idCmd("version", "Copy a definition into a new Draft version", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return e.NewVersion(ctx, id, actor())
	}))
	def.AddCommand(idCmd("delete", "Delete an unused Draft definition", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return map[string]string{"deleted": id}, e.DeleteDefinition(ctx, id)
	}))
	return def
}

// idCmd builds a command that takes one id and prints what fn returns.
func idCmd(use, short string, fn func(context.Context, *engine.Engine, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func definitionImportCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import a definition exported by the graph editor as a Draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := graph.Parse(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, err := e.CreateDefinition(ctx, def, actor())
				if err != nil {
					return err
				}
				if publish {
					if created, err = e.PublishDefinition(ctx, created.ID, actor()); err != nil {
						return reportValidation(err)
					}
				}
				return printDefinitions([]domain.WorkflowDefinition{created})
			})
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish after import")
	return cmd
}

func definitionListCmd() *cobra.Command {
	var module, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				defs, err := e.ListDefinitions(ctx, store.DefinitionFilter{
					Module: domain.Module(module),
					Status: domain.DefinitionStatus(status),
				})
				if err != nil {
					return err
				}
				return printDefinitions(defs)
			})
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "module filter (finding, action, dof, audit, capa)")
	cmd.Flags().StringVar(&status, "status", "", "status filter (Draft, Active, Archived)")
	return cmd
}

func definitionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a definition in editor JSON form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				def, err := e.GetDefinition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(def)
			})
		},
	}
}

func definitionValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate [id]",
		Short: "Validate a stored definition or a JSON file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res domain.ValidationResult
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				def, err := graph.Parse(data)
				if err != nil {
					return err
				}
				res = graph.Validate(def.Nodes, def.Edges)
			case len(args) == 1:
				err := withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					var err error
					res, err = e.ValidateDefinition(ctx, args[0])
					return err
				})
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("pass a definition id or --file")
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			printIssues(res)
			if !res.IsValid {
				return fmt.Errorf("definition has %d blocking issue(s)", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "definition JSON file")
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Run workflow instances"}
	inst.AddCommand(instanceStartCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(idCmd("show", "Show an instance", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return e.GetInstance(ctx, id)
	}))
	inst.AddCommand(instanceTimelineCmd())
	inst.AddCommand(instanceCancelCmd())
	inst.AddCommand(idCmd("advance", "Re-run the current node of an instance", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return e.Advance(ctx, id)
	}))
	inst.AddCommand(instanceContextCmd())
	return inst
}

func instanceStartCmd() *cobra.Command {
	var (
		req    engine.StartRequest
		module string
		sets   []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseSets(sets)
			if err != nil {
				return err
			}
			req.Metadata = meta
			req.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var in domain.WorkflowInstance
				switch {
				case req.DefinitionID != "":
					in, err = e.StartWorkflow(ctx, req)
				case module != "":
					in, err = e.StartForModule(ctx, domain.Module(module), req)
				default:
					return fmt.Errorf("--definition or --module is required")
				}
				if err != nil && in.ID != "" {
					fmt.Fprintf(os.Stderr, "instance %s created but waits at %s: %v\n", in.ID, in.CurrentNodeID, err)
					return printJSONOrTable(in)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&req.DefinitionID, "definition", "", "definition id")
	cmd.Flags().StringVar(&module, "module", "", "start the Active definition of this module")
	cmd.Flags().StringVar(&req.EntityType, "entity-type", "", "entity type (defaults to the module)")
	cmd.Flags().StringVar(&req.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "context value key=value; values are parsed as JSON when possible")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var f store.InstanceFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.InstanceStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				list, err := e.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Definition", "Entity", "Node", "Status", "Updated"})
				for _, in := range list {
					tw.AppendRow(table.Row{in.ID, in.DefinitionID, in.EntityType + "/" + in.EntityID, in.CurrentNodeID, in.Status, in.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DefinitionID, "definition", "", "definition filter")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (Running, Completed, Cancelled)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func instanceTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show the audit timeline of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				list, err := e.Timeline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "At", "Step", "Action", "By", "Comment"})
				for _, t := range list {
					by := t.PerformedBy
					if by == "" {
						by = "system"
					}
					tw.AppendRow(table.Row{t.Seq, t.CreatedAt.Format(time.RFC3339), t.StepID, t.Action, by, t.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func instanceCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in, err := e.CancelInstance(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func instanceContextCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "context <id>",
		Short: "Merge values into the instance context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in, err := e.RefreshContext(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "key=value; value null removes the key")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Act on step assignments"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskVoteCmd())
	task.AddCommand(taskEscalateCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var instanceID, user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open tasks of a user, or all tasks of an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var (
					list []domain.StepAssignment
					err  error
				)
				if instanceID != "" {
					list, err = e.Assignments(ctx, instanceID)
				} else {
					if user == "" {
						user = actor()
					}
					list, err = e.Inbox(ctx, user)
				}
				if err != nil {
					return err
				}
				return printAssignments(list)
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --actor-id)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "complete <assignment-id>",
		Short: "Complete a process step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in, err := e.CompleteTask(ctx, args[0], actor(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <assignment-id>",
		Short: "Send a process step back for rework",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.RejectTask(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskVoteCmd() *cobra.Command {
	var decision, comment string
	cmd := &cobra.Command{
		Use:   "vote <assignment-id>",
		Short: "Approve or reject an approval step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.CastVote(ctx, args[0], actor(), domain.VoteDecision(decision), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func taskEscalateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escalate <assignment-id>",
		Short: "Escalate an overdue assignment now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Deadline.Escalate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var (
		u        domain.User
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Active = !inactive
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.AddUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "email")
	cmd.Flags().StringSliceVar(&u.Roles, "role", nil, "role (repeatable)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "add the user as inactive")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				list, err := e.Users(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Roles", "Active"})
				for _, u := range list {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, strings.Join(u.Roles, ","), u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Escalate overdue tasks and remind approaching ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Deadline.ProcessOverdue(ctx)
				if err != nil {
					return err
				}
				return printSweep(res)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the deadline ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sc := a.Config.Server
				if cmd.Flags().Changed("addr") || sc.Addr == "" {
					sc.Addr = addr
				}
				if cmd.Flags().Changed("base-path") || sc.BasePath == "" {
					sc.BasePath = basePath
				}
				if s := viper.GetString("jwt-secret"); s != "" {
					sc.JWTSecret = s
				}
				if sc.JWTSecret == "" && !sc.AllowActorID {
					return fmt.Errorf("server.jwt_secret (or AUDITFLOW_JWT_SECRET) is required when the actor header is disabled")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Monitor:  a.Deadline,
					Metrics:  a.Metrics,
					Log:      a.Log.Named("http"),
					BasePath: sc.BasePath,
					Auth: server.AuthConfig{
						JWTSecret:        sc.JWTSecret,
						AllowActorHeader: sc.AllowActorID,
						AdminRole:        sc.AdminRole,
					},
				})
				if err != nil {
					return err
				}
				if iv := a.Config.Deadlines.SweepInterval; iv > 0 && !noSweep {
					go a.Deadline.Run(ctx, iv)
				}
				srv := &http.Server{Addr: sc.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				a.Log.Info("serving auditflow API",
					zap.String("addr", sc.Addr),
					zap.String("base_path", sc.BasePath),
					zap.Duration("sweep_interval", a.Config.Deadlines.SweepInterval))
				fmt.Printf("Serving auditflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", sc.Addr, sc.BasePath, sc.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the deadline ticker")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if s := viper.GetString("jwt-secret"); s != "" {
				secret = s
			}
			if subject == "" {
				subject = actor()
			}
			token, err := server.IssueToken(secret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

// parseSets turns key=value pairs into a map. Values that parse as JSON keep
// their JSON type; dotted keys under customFields nest one level.
func parseSets(sets []string) (map[string]any, error) {
	out := map[string]any{}
	for _, s := range sets {
		k, raw, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: want key=value", s)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		if rest, ok := strings.CutPrefix(k, "customFields."); ok {
			custom, _ := out["customFields"].(map[string]any)
			if custom == nil {
				custom = map[string]any{}
				out["customFields"] = custom
			}
			custom[rest] = v
			continue
		}
		out[k] = v
	}
	return out, nil
}

func reportValidation(err error) error {
	var ve *domain.ValidationError
	if errors.As(err, &ve) && !viper.GetBool("json") {
		printIssues(domain.ValidationResult{Errors: ve.Issues})
	}
	return err
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printDefinitions(defs []domain.WorkflowDefinition) error {
	if viper.GetBool("json") {
		return printJSON(defs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Module", "Version", "Status", "Nodes"})
	for _, d := range defs {
		tw.AppendRow(table.Row{d.ID, d.Name, d.Module, d.Version, d.Status, len(d.Nodes)})
	}
	tw.Render()
	return nil
}

func printAssignments(list []domain.StepAssignment) error {
	if viper.GetBool("json") {
		return printJSON(list)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Instance", "Step", "Kind", "Assignee", "Status", "Deadline"})
	for _, a := range list {
		assignee := strings.Join(assign.Entries(a), ",")
		if a.EscalatedTo != "" {
			assignee = a.EscalatedTo
		}
		deadline := ""
		if a.Deadline != nil {
			deadline = a.Deadline.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{a.ID, a.WorkflowInstanceID, a.StepID, a.Kind, assignee, a.Status, deadline})
	}
	tw.Render()
	return nil
}

func printIssues(res domain.ValidationResult) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Severity", "Kind", "Node", "Message"})
	for _, group := range [][]domain.Issue{res.Errors, res.Warnings, res.Info} {
		for _, is := range group {
			tw.AppendRow(table.Row{is.Severity, is.Kind, is.NodeID, is.Message})
		}
	}
	tw.Render()
}

func printSweep(res deadline.SweepResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("open %d, on time %d, reminded %d, escalated %d, failed %d\n",
		res.Total, res.OnTime, res.Reminded, res.Escalated, res.Failed)
	if len(res.Results) == 0 {
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Assignment", "Instance", "Step", "Outcome", "To", "Error"})
	for _, r := range res.Results {
		tw.AppendRow(table.Row{r.AssignmentID, r.InstanceID, r.StepID, r.Outcome, r.EscalatedTo, r.Error})
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
