package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalflow/internal/app"
	"evalflow/internal/domain"
	"evalflow/internal/engine"
	"evalflow/internal/repo"
	"evalflow/internal/summary"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage evaluation tasks",
		Long:  "A task evaluates one dataset against one target with a set of evaluators. Create it, start it, and let a worker process it. Status is projected from the queues: queuing, evaluating, completed or error.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskStopCmd())
	task.AddCommand(taskResumeCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskStatsCmd())
	task.AddCommand(taskRetryFailedCmd())
	task.AddCommand(taskExportCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var targetConfig, evaluatorsFile string
	var evaluators []string
	var start bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Example: `  evalflow task create --team t1 --name smoke --dataset <id> \
    --target-type http --target-config '{"url":"http://localhost:9000/answer"}' \
    --evaluator '{"metric":{"id":"exact","type":"exact_match"},"weight":1,"thresholdValue":1}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if targetConfig != "" {
				if err := json.Unmarshal([]byte(targetConfig), &opts.Target.Config); err != nil {
					return fmt.Errorf("--target-config: %w", err)
				}
			}
			if evaluatorsFile != "" {
				data, err := os.ReadFile(evaluatorsFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &opts.Evaluators); err != nil {
					return fmt.Errorf("--evaluators-file: %w", err)
				}
			}
			for _, raw := range evaluators {
				var ev domain.Evaluator
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					return fmt.Errorf("--evaluator: %w", err)
				}
				opts.Evaluators = append(opts.Evaluators, ev)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				if start {
					if t, err = rt.Engine.StartTask(ctx, t.ID, opts.ActorID); err != nil {
						return err
					}
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (random when empty)")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&opts.TmbID, "member", "", "team member id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.DatasetID, "dataset", "", "dataset id")
	cmd.Flags().StringVar(&opts.Target.Type, "target-type", "http", "target type (http, llm)")
	cmd.Flags().StringVar(&targetConfig, "target-config", "", "target config as a JSON object")
	cmd.Flags().StringArrayVar(&evaluators, "evaluator", nil, "evaluator as JSON (repeatable)")
	cmd.Flags().StringVar(&evaluatorsFile, "evaluators-file", "", "JSON file with an array of evaluators")
	cmd.Flags().BoolVar(&start, "start", false, "start the task right away")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Queue a created task for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.StartTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Stop a task and mark its pending items as stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.StopTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": args[0], "stopped_items": n})
			})
		},
	}
}

func taskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a task paused for quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.ResumeTask(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("resumed", args[0])
				return nil
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task, its items and its queued jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteTask(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task with its projected status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Team", "Status", "Avg Score", "Created", "Error"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, t.TeamID, t.Status, formatScore(t.AvgScore), t.CreatedAt, t.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().BoolVar(&f.Unfinished, "unfinished", false, "only tasks without a finish time")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of tasks")
	return cmd
}

func taskStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <task-id>",
		Short: "Count items by projected status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.GetTaskStats(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Total", "Completed", "Evaluating", "Queuing", "Error", "Avg Score"})
				tw.AppendRow(table.Row{s.Total, s.Completed, s.Evaluating, s.Queuing, s.Error, formatScore(s.AvgScore)})
				tw.Render()
				return nil
			})
		},
	}
}

func taskRetryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed <task-id>",
		Short: "Resubmit every item that finished with an error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.RetryFailedItems(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": args[0], "resubmitted": n})
			})
		},
	}
}

func taskExportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export <task-id>",
		Short: "Export item results as csv or json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var w io.Writer = os.Stdout
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return rt.Engine.ExportResults(ctx, args[0], format, w)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", engine.ExportCSV, "csv or json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Inspect and retry evaluation items"}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemRetryCmd())
	return item
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	var failed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the items of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if failed {
				yes := true
				f.HasError = &yes
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Seq", "Input", "Status", "Score", "Retry", "Error"})
				for _, it := range items {
					score := ""
					if s, ok := it.Score(); ok {
						score = strconv.FormatFloat(s, 'f', -1, 64)
					}
					tw.AppendRow(table.Row{it.ID, it.Seq, truncate(it.DataItem.UserInput, 40), it.Status, score, it.Retry, truncate(it.ErrorMessage, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id")
	cmd.Flags().BoolVar(&failed, "failed", false, "only items with an error")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum number of items")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "skip this many items")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <item-id>",
		Short: "Show an item with its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Reset a failed item and queue it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.RetryItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func datasetCmd() *cobra.Command {
	ds := &cobra.Command{Use: "dataset", Short: "Manage datasets"}
	ds.AddCommand(datasetImportCmd())
	ds.AddCommand(datasetListCmd())
	return ds
}

func datasetImportCmd() *cobra.Command {
	var team, name, format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a dataset from csv (userInput,expectedOutput[,context]) or json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(args[0])), ".")
			}
			var rows []domain.DataItem
			switch format {
			case "csv":
				rows, err = engine.ParseDatasetCSV(f)
			case "json":
				rows, err = engine.ParseDatasetJSON(f)
			default:
				return fmt.Errorf("unsupported dataset format %q (use --format csv|json)", format)
			}
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ds, err := rt.Engine.ImportDataset(ctx, team, name, rows)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"dataset": ds, "rows": len(rows)})
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().StringVar(&name, "name", "", "dataset name (file name when empty)")
	cmd.Flags().StringVar(&format, "format", "", "csv or json (from the file extension when empty)")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func datasetListCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				list, err := rt.Engine.Repo.ListDatasets(ctx, team)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Team", "Rows", "Created"})
				for _, d := range list {
					n, err := rt.Engine.Repo.CountDatasetRows(ctx, d.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{d.ID, d.Name, d.TeamID, n, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	return cmd
}

func summaryCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "summary",
		Short: "Task summaries and metric configuration",
	}
	s.AddCommand(summaryShowCmd())
	s.AddCommand(summaryGenerateCmd())
	s.AddCommand(summaryConfigCmd())
	s.AddCommand(summarySetConfigCmd())
	return s
}

func summaryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show per-metric scores and reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sum, err := rt.Engine.GetTaskSummary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("task %s: %d items, %d completed, %d errors, aggregate score %.2f\n",
					sum.TaskID, sum.TotalItems, sum.CompletedItems, sum.ErrorItems, sum.AggregateScore)
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Score", "Calc", "Weight", "Pass Rate", "Summary"})
				for _, m := range sum.Metrics {
					text := string(m.SummaryStatus)
					if m.Summary != "" {
						text = truncate(m.Summary, 60)
					} else if m.ErrorReason != "" {
						text += ": " + m.ErrorReason
					}
					tw.AppendRow(table.Row{m.MetricName, m.Score, m.CalculateType, m.Weight, fmt.Sprintf("%.0f%%", m.ThresholdPassRate), text})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func summaryGenerateCmd() *cobra.Command {
	var metrics []string
	cmd := &cobra.Command{
		Use:   "generate <task-id>",
		Short: "Queue summary reports (every metric without one when --metric is not given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				queued, err := rt.Engine.GenerateSummaryReports(ctx, args[0], metrics)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": args[0], "queued": queued})
			})
		},
	}
	cmd.Flags().StringArrayVar(&metrics, "metric", nil, "metric id (repeatable)")
	return cmd
}

func summaryConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config <task-id>",
		Short: "Show thresholds, weights and calculation per metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfgs, err := rt.Engine.GetSummaryConfig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cfgs)
			})
		},
	}
}

func summarySetConfigCmd() *cobra.Command {
	var calc, file string
	cmd := &cobra.Command{
		Use:   "set-config <task-id>",
		Short: "Update metric thresholds and weights from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfgs []summary.MetricConfig
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &cfgs); err != nil {
					return fmt.Errorf("--file: %w", err)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.UpdateSummaryConfig(ctx, args[0], domain.CalculateType(calc), cfgs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&calc, "calculate-type", "", "mean or median for every metric")
	cmd.Flags().StringVar(&file, "file", "", "JSON array of {metricId, thresholdValue, weight, calculateType}")
	return cmd
}

func formatScore(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
