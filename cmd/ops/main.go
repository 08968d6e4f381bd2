package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"opsync/internal/app"
	"opsync/internal/config"
	"opsync/internal/db"
	"opsync/internal/domain"
	"opsync/internal/engine"
	"opsync/internal/render"
	"opsync/internal/server"
	"opsync/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "ops",
	Short: "Opsync CLI",
	Long: `Opsync runs a live field operation: missions with validation codes, operators
who earn points by entering them, and a leaderboard every client sees update in place.
- Operation: the singleton name, briefing and map shown to everyone.
- Missions: PRIMARY objectives and the SECONDARY sub-objectives under them.
- Operators: players identified by callsign; score sets their rank.
- Reset: wipes the roster and reactivates every mission, after two confirmations.
- Change log: every committed write, view with 'ops log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	})), nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(cmd.Context(), app.Options{
				Workspace:     viper.GetString("workspace"),
				RequireSecret: true,
				Logger:        slog.Default(),
			})
			if err != nil {
				return err
			}
			defer rt.Close()
			if !cmd.Flags().Changed("addr") && rt.Config.Server.Addr != "" {
				addr = rt.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && rt.Config.Server.BasePath != "" {
				basePath = rt.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Stream:   rt.Stream,
				Tokens:   rt.Tokens,
				Changes:  rt.Store.Events,
				BasePath: basePath,
				Logger:   slog.Default(),
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), rt.Store.Events, rt.Config.Webhooks, slog.Default().With("component", "webhooks"))

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			slog.Info("serving opsync API", "url", "http://"+addr+basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the operation, missions and leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s := rt.Engine.Snapshot()
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, s)
				}
				return render.State(os.Stdout, s)
			})
		},
	}
}

func leaderboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leaderboard",
		Short: "Show operators ranked by score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ops := rt.Engine.Snapshot().Operators
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, ops)
				}
				return render.Leaderboard(os.Stdout, ops)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Reprint the leaderboard whenever the operation changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				for s := range rt.Stream.Subscribe(ctx) {
					var err error
					if viper.GetBool("json") {
						err = render.JSON(os.Stdout, s)
					} else {
						fmt.Fprintf(os.Stdout, "--- %s ---\n", time.Now().Format(time.Kitchen))
						err = render.Leaderboard(os.Stdout, s.Operators)
					}
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions are PRIMARY objectives or SECONDARY sub-objectives under exactly one PRIMARY. Deleting a PRIMARY deletes its sub-objectives too.",
	}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionAddCmd())
	m.AddCommand(missionEditCmd())
	m.AddCommand(missionDeleteCmd())
	return m
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				missions := rt.Engine.Snapshot().Missions
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, missions)
				}
				return render.Missions(os.Stdout, missions)
			})
		},
	}
}

func missionAddCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a mission from the PRIMARY template, or SECONDARY with --parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.AddMission(ctx, session.AdministratorSession{}, parent)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent PRIMARY mission id")
	return cmd
}

func missionEditCmd() *cobra.Command {
	var (
		title, description, missionType, status, code, parent string
		points, duration                                      int
		start                                                 string
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit mission fields; unset flags keep their current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, ok := rt.Engine.Snapshot().Mission(args[0])
				if !ok {
					return fmt.Errorf("mission %s not found", args[0])
				}
				flags := cmd.Flags()
				if flags.Changed("title") {
					m.Title = title
				}
				if flags.Changed("description") {
					m.Description = description
				}
				if flags.Changed("type") {
					m.Type = domain.MissionType(strings.ToUpper(missionType))
				}
				if flags.Changed("status") {
					m.Status = domain.MissionStatus(strings.ToUpper(status))
				}
				if flags.Changed("points") {
					m.Points = points
				}
				if flags.Changed("code") {
					m.ValidationCode = code
				}
				if flags.Changed("duration") {
					m.DurationMinutes = duration
				}
				if flags.Changed("start") {
					t, err := time.Parse(time.RFC3339, start)
					if err != nil {
						return fmt.Errorf("invalid --start: %w", err)
					}
					m.StartTime = t
				}
				if flags.Changed("parent") {
					if parent == "" {
						m.ParentID = nil
					} else {
						m.ParentID = &parent
					}
				}
				updated, err := rt.Engine.EditMission(ctx, session.AdministratorSession{}, m)
				if err != nil {
					return err
				}
				return printMission(updated)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&missionType, "type", "", "PRIMARY or SECONDARY")
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE, IN_PROGRESS, COMPLETED or FAILED")
	cmd.Flags().IntVar(&points, "points", 0, "points awarded")
	cmd.Flags().StringVar(&code, "code", "", "validation code")
	cmd.Flags().IntVar(&duration, "duration", 0, "duration in minutes")
	cmd.Flags().StringVar(&start, "start", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent mission id; empty clears it")
	return cmd
}

func missionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a mission and its sub-objectives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.DeleteMission(ctx, session.AdministratorSession{}, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, map[string]any{"deleted": n})
				}
				fmt.Printf("deleted %d mission(s)\n", n)
				return nil
			})
		},
	}
}

func operatorCmd() *cobra.Command {
	op := &cobra.Command{Use: "operator", Short: "Manage operators"}
	op.AddCommand(operatorRemoveCmd())
	op.AddCommand(operatorScoreCmd())
	return op
}

func operatorRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an operator; their session ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.RemoveOperator(ctx, session.AdministratorSession{}, args[0]); err != nil {
					return err
				}
				fmt.Printf("removed operator %s\n", args[0])
				return nil
			})
		},
	}
}

func operatorScoreCmd() *cobra.Command {
	var delta int
	cmd := &cobra.Command{
		Use:   "score <id>",
		Short: "Adjust an operator's score by --delta",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				op, err := rt.Engine.AdjustScore(ctx, session.AdministratorSession{}, args[0], delta)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, op)
				}
				fmt.Printf("%s: %d points, %s\n", op.Callsign, op.Score, op.Rank)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&delta, "delta", 0, "points to add (negative subtracts)")
	return cmd
}

func operationCmd() *cobra.Command {
	op := &cobra.Command{Use: "operation", Short: "Manage the operation config"}
	op.AddCommand(operationSetCmd())
	return op
}

func operationSetCmd() *cobra.Command {
	var name, description, mapURL string
	var active bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update operation name, description, map or active flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.ConfigPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("map-url") {
				patch.MapURL = &mapURL
			}
			if flags.Changed("active") {
				patch.IsActive = &active
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.UpdateOperationConfig(ctx, session.AdministratorSession{}, patch)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "operation name")
	cmd.Flags().StringVar(&description, "description", "", "briefing")
	cmd.Flags().StringVar(&mapURL, "map-url", "", "map image URL")
	cmd.Flags().BoolVar(&active, "active", true, "whether the operation is active")
	return cmd
}

func resetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the operation: delete every operator and reactivate every mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				admin := session.AdministratorSession{}
				protocol := rt.Engine.NewResetProtocol()
				if _, err := protocol.Begin(admin); err != nil {
					return err
				}
				in := bufio.NewReader(cmd.InOrStdin())
				prompts := []string{
					"This deletes every operator. Type RESET to continue: ",
					"Confirm again. Type RESET to execute: ",
				}
				for _, prompt := range prompts {
					if !force && !confirm(in, cmd.OutOrStdout(), prompt) {
						protocol.Abort()
						fmt.Fprintln(cmd.OutOrStdout(), "reset aborted")
						return nil
					}
					if _, err := protocol.Confirm(ctx, admin); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "reset executed")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompts")
	return cmd
}

func confirm(in *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.TrimSpace(line) == "RESET"
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Change log",
		Long:  "Every committed document write is recorded with its actor and payload.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var collection string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				changes, err := rt.Store.Events.Latest(ctx, n, collection)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return render.JSON(os.Stdout, changes)
				}
				return render.Changes(os.Stdout, changes)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of changes")
	cmd.Flags().StringVar(&collection, "collection", "", "operation, missions or operators")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config",
		Long:  "opsync.yml sets the default map, the validation cooldown, the store write timeout, server options and webhooks. Secrets come from OPSYNC_JWT_SECRET and OPSYNC_ADMIN_PASSWORD.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default opsync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
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
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return render.JSON(os.Stdout, cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printMission(m domain.Mission) error {
	if viper.GetBool("json") {
		return render.JSON(os.Stdout, m)
	}
	return render.Missions(os.Stdout, []domain.Mission{m})
}
