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

	"todoline/internal/app"
	"todoline/internal/config"
	"todoline/internal/domain"
	"todoline/internal/engine"
	"todoline/internal/logging"
	"todoline/internal/server"
)

var (
	v       = config.NewViper()
	rootCmd = &cobra.Command{
		Use:   "todoline",
		Short: "Daily to-do lists for chat channels",
		Long: `todoline keeps a per-user, per-channel to-do list for each day.
- Tasks have a priority (A, B or C) and belong to one date; unfinished tasks roll over to the next day at the configured UTC hour.
- Live sessions render a list with toggle buttons and are refreshed whenever the list changes.
- The HTTP API (todoline serve) authenticates callers with HS256 JWTs carrying server_id, channel_id and the user id as subject.`,
		SilenceUsage: true,
	}
)

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ./"+config.DefaultFile+" when present)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("db", "", "database path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = v.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(rolloverCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func loadConfig() (*config.Config, error) {
	return config.Load(v, v.GetString("config"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the rollover scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if cfg.Server.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret (or %s_SERVER_JWT_SECRET) is required for bearer auth", config.EnvPrefix)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: cfg.Server.BasePath,
					Auth: server.AuthConfig{
						JWTSecret: cfg.Server.JWTSecret,
						DevLogin:  cfg.Server.DevLogin,
						Logger:    a.Logger,
					},
					Logger: a.Logger,
				})
				if err != nil {
					return err
				}
				a.Start(ctx)
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving todoline API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				a.Logger.Info("shutting down")
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("base-path", "", "API base path")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func listCmd() *cobra.Command {
	var tenant domain.Tenant
	var date string
	var openOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's tasks for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant.UserID == 0 {
				return fmt.Errorf("--user required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, tenant, date, !openOnly)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Priority", "Description", "Done", "Date"})
				for _, t := range tasks {
					done := ""
					if t.Done {
						done = "✓"
					}
					tw.AppendRow(table.Row{t.ID, t.Priority.Emoji() + " " + string(t.Priority), t.Description, done, t.TaskDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&tenant.ServerID, "server", 0, "server id")
	cmd.Flags().Int64Var(&tenant.ChannelID, "channel", 0, "channel id")
	cmd.Flags().Int64Var(&tenant.UserID, "user", 0, "user id")
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD), defaults to today UTC")
	cmd.Flags().BoolVar(&openOnly, "open", false, "hide completed tasks")
	return cmd
}

func rolloverCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Copy incomplete tasks to another date now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Rollover(ctx, from, to)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("rolled over %d task(s) from %s to %s\n", res.Moved, res.From, res.To)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source date (default yesterday)")
	cmd.Flags().StringVar(&to, "to", "", "target date (default today)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete tasks older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("days") {
					days = a.Config.Retention.Days
				}
				if days == 0 {
					fmt.Println("retention disabled; nothing to clean up")
					return nil
				}
				n, err := a.Engine.Cleanup(ctx, days)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]any{"days": days, "deleted": n})
				}
				fmt.Printf("deleted %d task(s) older than %d day(s)\n", n, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default retention.days)")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Status(ctx)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	return cmd
}

func printStatus(st engine.Status) error {
	if v.GetBool("json") {
		return printJSON(st)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Store", st.StorePath},
		{"Schema version", fmt.Sprintf("%d (latest %d)", st.SchemaVersion, st.LatestSchema)},
		{"Tasks", st.TotalTasks},
		{"Users", st.UniqueUsers},
		{"Live sessions", st.ActiveSessions},
	})
	tw.Render()
	return nil
}

func tokenCmd() *cobra.Command {
	var tenant domain.Tenant
	var admin bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant.UserID == 0 {
				return fmt.Errorf("--user required")
			}
			var roles []string
			if admin {
				roles = append(roles, server.RoleAdmin)
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, tenant, roles, ttl)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(map[string]any{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&tenant.ServerID, "server", 0, "server id")
	cmd.Flags().Int64Var(&tenant.ChannelID, "channel", 0, "channel id")
	cmd.Flags().Int64Var(&tenant.UserID, "user", 0, "user id")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role (rollover, cleanup)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("config")
			if path == "" {
				path = config.DefaultFile
			}
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

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Server.JWTSecret != "" {
				shown.Server.JWTSecret = "********"
			}
			if v.GetBool("json") {
				return printJSON(shown)
			}
			out, err := shown.YAML()
			if err != nil {
				return err
			}
			fmt.Print(strings.TrimLeft(out, "\n"))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a config file without applying environment overrides",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.DefaultFile
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if _, err := config.FromYAML(data); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Println(path, "is valid")
			return nil
		},
	}
}

func printJSON(out any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
