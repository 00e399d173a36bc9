package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worktrack/internal/app"
	"worktrack/internal/capture/screen"
	"worktrack/internal/config"
	"worktrack/internal/db"
	"worktrack/internal/logging"
	"worktrack/internal/repo"
	"worktrack/internal/server"
	worktracksdk "worktrack/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "wt",
	Short: "worktrack time tracking agent",
	Long: `worktrack records work sessions against a remote time-log API.
- Agent: 'wt run' keeps one session alive, sends a heartbeat every minute and uploads a screenshot with per-minute activity every ten minutes.
- Session: one time log on the server for a project and task; start, stop, and edit its note from the CLI or any UI talking to the agent.
- Recovery: a session left behind by a crash or sleep is closed at its last heartbeat on the next launch.
- Journal: every transition is written to a local event log, view it with 'wt log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config directory (default: user config dir)")
	rootCmd.PersistentFlags().String("addr", "", "agent address (default: agent.addr from config)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the agent API")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(offlineCmd())
	rootCmd.AddCommand(screenshotsCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func runCmd() *cobra.Command {
	var noScreen bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tracking agent",
		Long:  "Runs the agent in the foreground: session controller, activity source, screenshots, the control API and webhooks. SIGHUP or a config file change reloads the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("config")
			cfg, err := app.ResolveConfig(dir, nil)
			if err != nil {
				return err
			}
			dataDir, err := db.EnsureDataDir(cfg.Agent.DataDir)
			if err != nil {
				return err
			}
			closer, err := logging.Setup(cfg.Log, dataDir)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := app.Options{ConfigDir: dir, Watch: true, SleepWatch: true}
			if !noScreen {
				opts.Opener = screen.Open
			}
			agent, err := app.New(ctx, opts)
			if err != nil {
				return err
			}
			defer agent.Close()

			handler, err := server.New(server.Config{
				Agent: agent,
				Auth:  server.AuthConfig{JWTSecret: cfg.Agent.JWTSecret},
			})
			if err != nil {
				return err
			}
			addr := cfg.Agent.Addr
			if a := viper.GetString("addr"); a != "" {
				addr = a
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			serve := func(ctx context.Context) error {
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				log.Info().Str("addr", ln.Addr().String()).Msg("control API listening (OpenAPI at /v0/openapi.json, Swagger UI at /docs)")
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}
			runners := []func(context.Context) error{serve}
			if d := server.NewWebhookDispatcher(agent.Repo(), cfg.Webhooks, agent.LaunchID()); d != nil {
				runners = append(runners, d.Run)
			}
			return agent.Run(ctx, runners...)
		},
	}
	cmd.Flags().BoolVar(&noScreen, "no-screen", false, "disable screen capture")
	return cmd
}

func startCmd() *cobra.Command {
	var req worktracksdk.StartRequest
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start tracking a task",
		Long:  "Starts a session. Starting the task that is already running does nothing; starting another task stops the running one first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				st, err := c.Start(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVarP(&req.ProjectID, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&req.TaskID, "task", "t", "", "task id")
	cmd.Flags().StringVar(&req.ClientID, "client", "", "client id")
	cmd.Flags().StringVarP(&req.Note, "note", "n", "", "what you are working on")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				sum, err := c.Stop(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Stopped %s after %d min (%s)\n", sum.SessionID, sum.Minutes, sum.Reason)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func noteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <text>",
		Short: "Replace the note of the running session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				st, err := c.SetNote(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func offlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offline [reason]",
		Short: "Tell the agent the connection is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				st, err := c.Offline(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func screenshotsCmd() *cobra.Command {
	shots := &cobra.Command{Use: "screenshots", Short: "Screenshot capture"}
	shots.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Re-acquire screen capture after a denial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				st, err := c.ResumeScreenshots(cmd.Context())
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	})
	var timeLogID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List uploaded screenshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				items, err := c.Screenshots(cmd.Context(), timeLogID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time log", "Captured", "Kind", "Minutes", "Bytes", "Remote"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.TimeLogID, s.CapturedAt, s.Kind, s.Minutes, s.Bytes, s.RemoteID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&timeLogID, "time-log", "", "filter by time log id")
	list.Flags().IntVar(&limit, "limit", 20, "number of screenshots")
	shots.AddCommand(list)
	return shots
}

func projectsCmd() *cobra.Command {
	var assigned bool
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects from the time-log API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				scope := "active"
				if assigned {
					scope = "assigned"
				}
				items, err := c.Projects(cmd.Context(), scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Client", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.ClientID, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&assigned, "assigned", false, "only projects assigned to you")
	return cmd
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <project-id>",
		Short: "List tasks of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				items, err := c.Tasks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the agent config",
		Long:  "Rebuilds the session controller from the current config. A running session resumes without a new time log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *worktracksdk.Client) error {
				st, err := c.Reload(cmd.Context())
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print notices as the agent emits them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withClient(func(c *worktracksdk.Client) error {
				return c.Notices(ctx, func(n worktracksdk.Notice) {
					if viper.GetBool("json") {
						_ = printJSON(n)
						return
					}
					fmt.Printf("%s [%s] %s: %s\n", n.At.Local().Format("15:04:05"), n.Level, n.Title, n.Message)
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "The local journal of session transitions, heartbeats, uploads and reloads.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, timeLogID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, evtType, timeLogID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Time log", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TimeLogID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&timeLogID, "time-log", "", "time log id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage worktrack.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var baseURL string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("config"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8000/api", "time-log API base url")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate worktrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("config"))
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

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the agent API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			tok, err := server.SignToken(cfg.Agent.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ui", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}

// --- helpers ---

// withClient builds an agent API client. Without --token a short lived token
// is minted from the local config's secret.
func withClient(fn func(*worktracksdk.Client) error) error {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return err
	}
	addr := viper.GetString("addr")
	if addr == "" {
		addr = cfg.Agent.Addr
	}
	token := viper.GetString("token")
	if token == "" && cfg.Agent.JWTSecret != "" {
		if token, err = server.SignToken(cfg.Agent.JWTSecret, "cli", 5*time.Minute); err != nil {
			return err
		}
	}
	return fn(worktracksdk.New(addr, token))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return err
	}
	env, err := app.OpenEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Repo)
}

func printStatus(st worktracksdk.Status) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"State", st.State})
	if st.SessionID != "" {
		elapsed := time.Duration(st.ElapsedSeconds) * time.Second
		tw.AppendRow(table.Row{"Time log", st.SessionID})
		tw.AppendRow(table.Row{"Project / task", st.ProjectID + " / " + st.TaskID})
		tw.AppendRow(table.Row{"Note", st.Note})
		tw.AppendRow(table.Row{"Started", st.StartedAt})
		tw.AppendRow(table.Row{"Elapsed", elapsed.String()})
		tw.AppendRow(table.Row{"Last heartbeat", st.LastHeartbeatAt})
		shots := "off"
		switch {
		case st.ScreenshotsPaused:
			shots = "paused (wt screenshots resume)"
		case st.Screenshots:
			shots = "on, next " + st.NextFixedCapture
		}
		tw.AppendRow(table.Row{"Screenshots", shots})
	}
	if st.PendingClose {
		tw.AppendRow(table.Row{"Pending close", "retrying"})
	}
	if st.LastSession != nil {
		tw.AppendRow(table.Row{"Last session", fmt.Sprintf("%s, %d min (%s)", st.LastSession.SessionID, st.LastSession.Minutes, st.LastSession.Reason)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
