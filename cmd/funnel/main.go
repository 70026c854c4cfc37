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
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ideafunnel/internal/app"
	"ideafunnel/internal/config"
	"ideafunnel/internal/db"
	"ideafunnel/internal/domain"
	"ideafunnel/internal/engine"
	"ideafunnel/internal/migrate"
	"ideafunnel/internal/notify"
	"ideafunnel/internal/progression"
	"ideafunnel/internal/repo"
	"ideafunnel/internal/server"
	"ideafunnel/internal/sweeper"
)

var rootCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Idea Funnel CLI",
	Long: `Idea Funnel walks ideas through four steps: description, research, prototype, release.
Core concepts:
- Idea: created at step 1 with a title and a description of at least 100 characters.
- Deadline: every pending step must be submitted within the step deadline (24h by default).
- Sweep: overdue ideas die and land in the dead pool with up to three tags.
- Dead pool: anyone may claim an entry; exactly one claim wins and restarts the idea.
- Progression: finishing an idea pays 50 points, claiming pays the entry's reclaim points; levels, ranks and badges follow.
- Event log: every change is recorded, view with 'funnel log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FUNNEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/funnel.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "acting user id")
	rootCmd.PersistentFlags().String("log-mode", "", "log mode (dev, prod)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ideaCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage funnel.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configMigrationsCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default funnel.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println(color.GreenString("wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions()
			var err error
			if opts.ConfigFile != "" {
				_, err = config.FromFile(opts.ConfigFile)
			} else {
				_, err = config.Load(opts.Workspace)
			}
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("config ok"))
			return nil
		},
	}
}

func configMigrationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrations",
		Short: "Show the workspace schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), appOptions())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			current, err := migrate.CurrentVersion(cmd.Context(), a.DB)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"current": current, "latest": latest, "db": db.Path(a.Workspace)})
			}
			state := color.GreenString("up to date")
			if current < latest {
				state = color.YellowString("%d pending", latest-current)
			}
			fmt.Printf("schema version %d of %d (%s)\n", current, latest, state)
			return nil
		},
	}
}

func ideaCmd() *cobra.Command {
	idea := &cobra.Command{Use: "idea", Short: "Create and advance ideas"}
	idea.AddCommand(ideaCreateCmd())
	idea.AddCommand(ideaSubmitCmd())
	idea.AddCommand(ideaShowCmd())
	idea.AddCommand(ideaListCmd())
	return idea
}

func ideaCreateCmd() *cobra.Command {
	var title, description, descFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an idea at step 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			if descFile != "" {
				data, err := os.ReadFile(descFile)
				if err != nil {
					return err
				}
				description = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateIdea(ctx, engine.CreateIdeaInput{OwnerID: user, Title: title, Description: description})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				fmt.Printf("%s %s (deadline %s)\n", color.GreenString("created"), it.ID, formatDeadline(it.Deadline))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "idea title")
	cmd.Flags().StringVar(&description, "description", "", "step 1 description")
	cmd.Flags().StringVar(&descFile, "description-file", "", "read the description from a file")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ideaSubmitCmd() *cobra.Command {
	var content, contentFile string
	var expectStep int
	cmd := &cobra.Command{
		Use:   "submit <idea-id>",
		Short: "Submit content for the idea's pending step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				content = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitStep(ctx, args[0], user, content, expectStep)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Reward != nil {
					fmt.Printf("%s %s finished\n", color.GreenString("success"), res.Idea.ID)
					printReward(*res.Reward)
					return nil
				}
				fmt.Printf("step %d recorded, step %d due %s\n", res.NextStep, res.NextStep+1, formatDeadline(res.NextDeadline))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "step content")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read the content from a file")
	cmd.Flags().IntVar(&expectStep, "expect-step", 0, "reject the submission unless the idea is at this step")
	return cmd
}

func ideaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <idea-id>",
		Short: "Show an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.GetIdea(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				printIdea(it)
				return nil
			})
		},
	}
}

func ideaListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ideas owned by --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ideas, err := e.ListUserIdeas(ctx, user, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ideas)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Step", "Status", "Deadline"})
				for _, it := range ideas {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Step, colorStatus(it.Status), formatDeadline(it.Deadline)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (in_progress, success, dead)")
	return cmd
}

func poolCmd() *cobra.Command {
	pool := &cobra.Command{Use: "pool", Short: "Browse and claim dead ideas"}
	pool.AddCommand(poolListCmd())
	pool.AddCommand(poolClaimCmd())
	return pool
}

func poolListCmd() *cobra.Command {
	var f repo.DeadPoolFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the dead pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListDeadPool(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Entry", "Title", "Last step", "Tags", "Points", "Expired"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.ID, en.Title, en.LastStep, strings.Join(en.Tags, ","), en.ReclaimPoints, en.ExpiredAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	return cmd
}

func poolClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <entry-id>",
		Short: "Claim a dead idea and restart it as yours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ClaimDeadIdea(ctx, args[0], user)
				if err != nil {
					if engine.KindOf(err) == engine.KindNotFound {
						return fmt.Errorf("entry %s is gone (already claimed or never existed)", args[0])
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s as %s (deadline %s)\n", color.GreenString("claimed"), args[0], res.Idea.ID, formatDeadline(res.Idea.Deadline))
				printReward(res.Reward)
				return nil
			})
		},
	}
}

func profileCmd() *cobra.Command {
	prof := &cobra.Command{Use: "profile", Short: "Points, level, rank and badges"}
	prof.AddCommand(profileShowCmd())
	prof.AddCommand(profileBadgesCmd())
	return prof
}

func profileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [user-id]",
		Short: "Show a profile (defaults to --user)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("user")
			if len(args) == 1 {
				target = args[0]
			}
			if target == "" {
				return fmt.Errorf("user id required (argument or --user)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.GetUserProfile(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				printProfile(u)
				return nil
			})
		},
	}
}

func profileBadgesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "badges",
		Short: "Grant any badges --user has become eligible for",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				granted, err := e.CheckAndGrantBadges(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(granted)
				}
				if len(granted) == 0 {
					fmt.Println("no new badges")
				}
				for _, b := range granted {
					fmt.Printf("%s %s (%s)\n", color.YellowString("badge"), b.Label, b.Name)
				}
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	var display string
	register := &cobra.Command{
		Use:   "register <user-id>",
		Short: "Create a user profile if missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RegisterUser(ctx, args[0], display)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	register.Flags().StringVar(&display, "display-name", "", "display name")
	u.AddCommand(register)
	return u
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, user, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n%s\n", key.ID, key.UserID, secret)
				fmt.Println(color.YellowString("store it now; it cannot be shown again"))
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(keys))
					for _, key := range keys {
						out = append(out, map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "created_at": key.CreatedAt})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.UserID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	k.AddCommand(create, list)
	return k
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT for --user with FUNNEL_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	t.AddCommand(issue)
	return t
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue ideas into the dead pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fixed time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				fixed = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !fixed.IsZero() {
					e.Now = func() time.Time { return fixed }
				}
				report, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("matched %d, expired %d, skipped %d, failed %d\n", report.Matched, report.Expired, report.Skipped, len(report.Failed))
				for _, f := range report.Failed {
					fmt.Printf("  %s %s: %s\n", color.RedString("failed"), f.IdeaID, f.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate deadlines at this RFC3339 time instead of now")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				latest, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				f.AfterID = latest - int64(n)
				if f.AfterID < 0 || f.Type != "" || f.EntityKind != "" || f.EntityID != "" {
					f.AfterID = 0
				}
				evts, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if len(evts) > n {
					evts = evts[len(evts)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweeper, replay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the background sweeper and notifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, appOptions())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			cfg := a.Config
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				AllowUserHeader: cfg.Server.AllowUserHeader,
				Log:             a.Log.With("component", "auth"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowUserHeader {
				a.Log.Warn("FUNNEL_JWT_SECRET not set; only API keys will authenticate")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Log: a.Log})
			if err != nil {
				return err
			}

			dispatcher, closeSinks, err := notify.FromConfig(cfg, a.Engine.Repo, a.Log)
			if err != nil {
				return fmt.Errorf("notify: %w", err)
			}
			defer closeSinks()
			if replay {
				dispatcher.Seek(0)
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			var wg sync.WaitGroup
			if cfg.Sweeper.Enabled && !noSweeper {
				runner := sweeper.New(a.Engine, cfg.Sweeper.Interval, a.Log)
				wg.Add(1)
				go func() {
					defer wg.Done()
					runner.Run(runCtx)
				}()
			}
			if dispatcher.Len() > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					dispatcher.Run(runCtx)
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-runCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.Info("serving funnel API", "addr", addr, "base_path", basePath, "db", db.Path(a.Workspace))
			fmt.Printf("Serving Idea Funnel API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			err = srv.ListenAndServe()
			cancel()
			wg.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the background sweeper")
	cmd.Flags().BoolVar(&replay, "replay", false, "deliver the whole event log to notification sinks instead of only new events")
	return cmd
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		LogMode:    viper.GetString("log-mode"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a.Engine)
}

func requireUser() (string, error) {
	user := strings.TrimSpace(viper.GetString("user"))
	if user == "" {
		return "", fmt.Errorf("--user (or FUNNEL_USER) is required")
	}
	return user, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDeadline(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func colorStatus(status string) string {
	switch status {
	case domain.StatusSuccess:
		return color.GreenString(status)
	case domain.StatusDead:
		return color.RedString(status)
	default:
		return color.CyanString(status)
	}
}

func printReward(r progression.Reward) {
	fmt.Printf("  +%d points (%d -> %d)\n", r.Delta, r.OldPoints, r.NewPoints)
	if r.LevelUp {
		fmt.Printf("  %s level %d, %s\n", color.YellowString("level up!"), r.NewLevel, r.Rank)
	}
	for _, b := range r.NewBadges {
		fmt.Printf("  %s %s\n", color.YellowString("new badge:"), b.Label)
	}
}

var stepLabels = map[int]string{
	domain.StepDescription: "Description",
	domain.StepResearch:    "Research",
	domain.StepPrototype:   "Prototype",
	domain.StepRelease:     "Release",
}

func printIdea(it domain.Idea) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", it.ID},
		{"Owner", it.OwnerID},
		{"Title", it.Title},
		{"Status", colorStatus(it.Status)},
		{"Step", fmt.Sprintf("%d/%d", it.Step, domain.StepRelease)},
		{"Deadline", formatDeadline(it.Deadline)},
	})
	if it.InheritedFrom != nil {
		tw.AppendRow(table.Row{"Inherited from", *it.InheritedFrom})
	}
	tw.AppendSeparator()
	for step := domain.StepDescription; step <= domain.StepRelease; step++ {
		content := it.StepContent(step)
		if content == "" {
			content = "-"
		}
		tw.AppendRow(table.Row{stepLabels[step], content})
	}
	tw.Render()
}

func printProfile(u domain.UserProfile) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"User", u.ID},
		{"Points", u.Points},
		{"Level", u.Level},
		{"Rank", u.Rank},
		{"In progress", u.Stats.InProgress},
		{"Succeeded", u.Stats.Success},
		{"Failed", u.Stats.Failed},
	})
	names := make([]string, 0, len(u.Badges))
	for _, b := range u.Badges {
		names = append(names, b.Label)
	}
	tw.AppendRow(table.Row{"Badges", strings.Join(names, ", ")})
	tw.Render()
}
