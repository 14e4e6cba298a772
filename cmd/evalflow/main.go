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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalflow/internal/app"
	"evalflow/internal/config"
	"evalflow/internal/domain"
	"evalflow/internal/repo"
	"evalflow/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "evalflow",
	Short: "Evalflow evaluation engine",
	Long: `Evalflow runs evaluation tasks: every row of a dataset is sent to a target
and the answer is scored by one or more evaluators.
- Workspace: directory holding evalflow.db and an optional evalflow.yml.
- Task: dataset x target x evaluators. Created, then started; a worker splits it into items.
- Item: one row (and one evaluator unless grouped). Retried on transient failures.
- Summary: per-metric scores plus an LLM-written report once a task finishes.
- Worker: long-running process that drains the task, item and summary queues.`,
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
	viper.SetEnvPrefix("EVALFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/evalflow.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.Int("item-max-retry", 0, "item retry budget override")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "item-max-retry"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(datasetCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(quotaCmd())
}

func workerCmd() *cobra.Command {
	var workerID, metricsAddr string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				if workerID == "" {
					workerID = "worker-" + uuid.NewString()[:8]
				}
				logger := rt.Logger.With("worker_id", workerID)
				addr := metricsAddr
				if addr == "" {
					addr = rt.Config.Metrics.Addr
				}
				var srv *http.Server
				if addr != "" {
					srv = &http.Server{Addr: addr, Handler: opsRouter(rt), ReadHeaderTimeout: 5 * time.Second}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							logger.Error("metrics server stopped", "err", err)
						}
					}()
					logger.Info("metrics listening", "addr", addr)
				}

				var wg sync.WaitGroup
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = rt.Webhooks().Run(ctx)
				}()
				if !noSweep {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := rt.Sweeper().Start(ctx, rt.Config.Sweep.Schedule); err != nil {
							logger.Error("sweep scheduler stopped", "err", err)
						}
					}()
				}

				logger.Info("worker started", "queues", len(rt.Engine.Queues.All()))
				err := rt.Engine.RunWorkers(ctx, workerID)
				wg.Wait()
				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}
				logger.Info("worker stopped")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (random when empty)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the reconciliation sweep in this process")
	return cmd
}

func opsRouter(rt *app.Runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := rt.DB.PingContext(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	return r
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Sweeper().Run(ctx)
				if perr := printJSONOrTable(rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Task", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TaskID, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/evalflow.yml. Missing keys fall back to the built-in defaults shown by 'evalflow config init --stdout'.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(runtimeOptions())
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
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(runtimeOptions())
			if err == nil {
				_, err = sweep.ParseSchedule(cfg.Sweep.Schedule)
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

func configInitCmd() *cobra.Command {
	var stdout, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout {
				fmt.Print(config.DefaultYAML)
				return nil
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print instead of writing")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func quotaCmd() *cobra.Command {
	q := &cobra.Command{Use: "quota", Short: "Manage team point quotas"}
	q.AddCommand(quotaShowCmd())
	q.AddCommand(quotaSetCmd())
	return q
}

func quotaShowCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a team quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				q, err := rt.Engine.Repo.GetTeamQuota(ctx, team)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Printf("team %s has no quota (unlimited)\n", team)
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team id")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func quotaSetCmd() *cobra.Command {
	var team string
	var limit float64
	var reset bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a team point limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Repo.SetTeamQuota(ctx, team, limit, reset, domain.FormatTime(time.Now())); err != nil {
					return err
				}
				q, err := rt.Engine.Repo.GetTeamQuota(ctx, team)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().Float64Var(&limit, "limit", 0, "points limit")
	cmd.Flags().BoolVar(&reset, "reset", false, "reset used points to zero")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Override: func(c *config.Config) {
			if n := viper.GetInt("item-max-retry"); n > 0 {
				c.Items.MaxRetry = n
			}
			if lvl := viper.GetString("log-level"); lvl != "" {
				c.Log.Level = lvl
			}
		},
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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
