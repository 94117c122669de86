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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"agileflow/internal/app"
	"agileflow/internal/config"
	"agileflow/internal/db"
	"agileflow/internal/engine"
	"agileflow/internal/migrate"
	"agileflow/internal/repo"
	"agileflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "AgileFlow CLI",
	Long: `AgileFlow runs configurable issue workflows.
Core concepts:
- Workspace: the .agileflow directory holding the database; agileflow.yml next to it declares the project and its workflow scheme.
- Project: owns issues and one workflow scheme; issue keys look like DEMO-42.
- Scheme: statuses (To Do / In Progress / Done categories) plus transitions between them.
- Transitions: each may carry a condition (e.g. story_points != null) and a required role; 'af issue transitions' shows what is legal right now.
- Activity: every create, move, comment and assignment lands in the issue's activity stream ('af issue log').`,
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
	viper.SetEnvPrefix("AGILEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(schemeCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, key, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project with the default workflow scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || key == "" {
				return fmt.Errorf("--id and --key required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id, key)
			cfg.Project.Name = name
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), cfg, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id, key)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&key, "key", "", "issue key prefix, e.g. DEMO")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Key", "Name", "Scheme", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Key, p.Name, p.SchemeID, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func schemeCmd() *cobra.Command {
	sch := &cobra.Command{Use: "scheme", Short: "Manage the workflow scheme"}
	sch.AddCommand(schemeShowCmd())
	sch.AddCommand(schemeImportCmd())
	sch.AddCommand(schemeDiagramCmd())
	return sch
}

func schemeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetScheme(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func schemeImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import the scheme from a config YAML into the DB",
		Long:  "Reads the scheme section of a config file, validates it as a whole (dangling statuses, duplicate transitions, malformed conditions) and replaces the stored scheme atomically.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				cat, err := e.ImportScheme(ctx, projectID, cfg.DomainScheme())
				if err != nil {
					return err
				}
				fmt.Printf("Imported scheme %s: %d statuses, %d transitions\n",
					cat.SchemeID(), len(cat.Statuses()), len(cat.Transitions()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace agileflow.yml)")
	return cmd
}

func schemeDiagramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagram",
		Short: "Show statuses and transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Diagram(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "Transition", "To", "Gated", "Conditional"})
				for _, st := range d.Statuses {
					for _, opt := range d.Transitions[st.ID] {
						tw.AppendRow(table.Row{st.ID, opt.Name, opt.ToStatus, opt.RequiredPermission, opt.ConditionPresent})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func issueCmd() *cobra.Command {
	iss := &cobra.Command{Use: "issue", Short: "Manage issues"}
	iss.AddCommand(issueCreateCmd())
	iss.AddCommand(issueListCmd())
	iss.AddCommand(issueShowCmd())
	iss.AddCommand(issueTransitionsCmd())
	iss.AddCommand(issueMoveCmd())
	iss.AddCommand(issueAssignCmd())
	iss.AddCommand(issueEstimateCmd())
	iss.AddCommand(issueCommentCmd())
	iss.AddCommand(issueLogCmd())
	return iss
}

func issueCreateCmd() *cobra.Command {
	var summary, description, issueType, priority string
	var points int
	var assignees []string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.IssueCreateOptions{
				Summary:     summary,
				Description: description,
				Type:        issueType,
				Priority:    priority,
				Assignees:   assignees,
				ActorID:     viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("points") {
				opts.StoryPoints = &points
			}
			if len(fields) > 0 {
				opts.CustomFields = map[string]any{}
				for _, f := range fields {
					k, v, ok := strings.Cut(f, "=")
					if !ok {
						return fmt.Errorf("invalid --field %q, want key=value", f)
					}
					opts.CustomFields[k] = v
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				issue, err := e.CreateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "issue summary")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&issueType, "type", "Task", "issue type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().IntVar(&points, "points", 0, "story points")
	cmd.Flags().StringArrayVar(&assignees, "assignee", []string{}, "assignee (repeatable)")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "custom field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				issues, err := e.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Summary", "Type", "Status", "Points", "Assignees"})
				for _, i := range issues {
					points := ""
					if i.StoryPoints != nil {
						points = fmt.Sprintf("%d", *i.StoryPoints)
					}
					tw.AppendRow(table.Row{i.Key, i.Summary, i.Type, i.Status, points, strings.Join(i.Assignees, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "filter by assignee")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func issueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
}

func issueTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <key>",
		Short: "Show legal transitions for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("issue key required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts, err := e.AvailableTransitions(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(opts)
				}
				if len(opts) == 0 {
					fmt.Println("No legal transitions from the current status.")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Transition", "To", "Gated", "Conditional"})
				for _, o := range opts {
					tw.AppendRow(table.Row{o.Name, o.ToStatus, o.RequiredPermission, o.ConditionPresent})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func issueMoveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "move <key> <status>",
		Short: "Transition an issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransitionIssue(ctx, args[0], args[1], viper.GetString("actor-id"), comment)
				if err != nil {
					return err
				}
				fmt.Printf("%s → %s\n", args[0], res.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the transition")
	return cmd
}

func issueAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <key> <actor>",
		Short: "Add an assignee",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.AssignIssue(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
}

func issueEstimateCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "estimate <key> [points]",
		Short: "Set or clear story points",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("issue key required")
			}
			var points *int
			if !clear {
				if len(args) != 2 {
					return fmt.Errorf("points required unless --clear")
				}
				var p int
				if _, err := fmt.Sscanf(args[1], "%d", &p); err != nil {
					return fmt.Errorf("invalid points %q", args[1])
				}
				points = &p
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.EstimateIssue(ctx, args[0], points, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the estimate")
	return cmd
}

func issueCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <key> <text>",
		Short: "Comment on an issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.CommentIssue(ctx, args[0], viper.GetString("actor-id"), args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func issueLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log <key>",
		Short: "Show an issue's activity, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.ListActivity(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Kind", "Actor", "From", "To", "Comment"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.TS, r.Kind, r.ActorID, r.FromStatus, r.ToStatus, r.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	return cmd
}

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{Use: "rbac", Short: "Manage project roles"}
	rbac.AddCommand(rbacGrantCmd())
	rbac.AddCommand(rbacRevokeCmd())
	rbac.AddCommand(rbacRolesCmd())
	return rbac
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a project role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Project.ID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a project role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Project.ID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRolesCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List roles, or an actor's grants with --actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target != "" {
					roles, err := e.Repo.ActorRoles(ctx, e.Config.Project.ID, target)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"actor_id": target, "roles": roles})
				}
				roles, err := e.Repo.ListRoles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the acting user (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, key, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plaintext})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var open bool
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), conn)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("AGILEFLOW_JWT_SECRET"),
				Required:  !open,
			}
			if authCfg.Required && authCfg.JWTSecret == "" {
				return fmt.Errorf("AGILEFLOW_JWT_SECRET is required unless --open is set")
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
			fmt.Printf("Serving AgileFlow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&open, "open", false, "run without authentication (local dev)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), conn)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
