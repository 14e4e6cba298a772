package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
	"evalflow/internal/events"
	"evalflow/internal/jobs"
	"evalflow/internal/queue"
	"evalflow/internal/repo"
)

// ProcessTaskJob materializes the items of a task and submits them to the
// item queue. Failures are written to the task and never returned, the task
// queue does not retry.
func (e *Engine) ProcessTaskJob(ctx context.Context, p jobs.TaskJob) error {
	logger := e.Logger.With("task_id", p.TaskID)
	task, err := e.Repo.GetTask(ctx, p.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("task not found, skipping decomposition")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", p.TaskID, err)
	}
	if task.Finished() {
		logger.Info("task already finished, skipping decomposition")
		return nil
	}
	if task.PauseReason != "" {
		logger.Info("task is paused, skipping decomposition", "pause_reason", task.PauseReason)
		return nil
	}
	if err := e.decompose(ctx, task, logger); err != nil {
		logger.Error("task decomposition failed", "err", err)
		if ferr := e.failTask(ctx, task.ID, errclass.Message(err)); ferr != nil {
			logger.Error("record task failure", "err", ferr)
		}
	}
	return nil
}

func (e *Engine) decompose(ctx context.Context, task domain.Task, logger *slog.Logger) error {
	if err := e.validateTask(task); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, e.DB, events.TaskValidated, task.ID, "task", task.ID, "", events.EventPayload{
		"target": task.Target.Type, "evaluators": len(task.Evaluators),
	}); err != nil {
		return err
	}
	logger.Info("task validated", "target", task.Target.Type, "evaluators", len(task.Evaluators))

	existing, err := e.Repo.ListItems(ctx, repo.ItemFilters{TaskID: task.ID})
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	if len(existing) > 0 {
		return e.resume(ctx, task, existing, logger)
	}

	rows, err := e.Repo.DatasetRows(ctx, task.DatasetID)
	if err != nil {
		return fmt.Errorf("load dataset %s: %w", task.DatasetID, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("dataset %s has no rows: %w", task.DatasetID, errclass.ErrConfiguration)
	}
	items := e.buildItems(task, rows)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertItems(ctx, tx, items); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := e.submitItems(ctx, task.ID, ids); err != nil {
		return err
	}
	return e.itemsSubmitted(ctx, task.ID, len(ids), false, logger)
}

// resume resubmits the items of a task that are still waiting to run.
// Items with a live job collapse onto it through the dedup id.
func (e *Engine) resume(ctx context.Context, task domain.Task, items []domain.Item, logger *slog.Logger) error {
	statuses := e.Status.BatchItemStatus(ctx, items)
	var ids []string
	for _, it := range items {
		if it.Pending() && statuses[it.ID] == domain.StatusQueuing {
			ids = append(ids, it.ID)
		}
	}
	logger.Info("resuming task", "items", len(items), "resubmitted", len(ids))
	if len(ids) == 0 {
		e.checkCompletion(ctx, task.ID, logger)
		return nil
	}
	if err := e.submitItems(ctx, task.ID, ids); err != nil {
		return err
	}
	return e.itemsSubmitted(ctx, task.ID, len(ids), true, logger)
}

func (e *Engine) itemsSubmitted(ctx context.Context, taskID string, n int, resumed bool, logger *slog.Logger) error {
	if err := e.Events.Append(ctx, e.DB, events.TaskItemsSubmitted, taskID, "task", taskID, "", events.EventPayload{
		"items": n, "resumed": resumed,
	}); err != nil {
		return err
	}
	logger.Info("items submitted", "items", n, "resumed", resumed)
	return nil
}

// buildItems creates one item per dataset row and evaluator, or one item per
// row carrying every evaluator when items.group_evaluators is set.
func (e *Engine) buildItems(task domain.Task, rows []domain.DataItem) []domain.Item {
	ts := e.timestamp()
	var groups [][]domain.Evaluator
	if e.Config.Items.GroupEvaluators {
		groups = [][]domain.Evaluator{task.Evaluators}
	} else {
		for _, ev := range task.Evaluators {
			groups = append(groups, []domain.Evaluator{ev})
		}
	}
	items := make([]domain.Item, 0, len(rows)*len(groups))
	for _, row := range rows {
		for _, evs := range groups {
			items = append(items, domain.Item{
				ID:         uuid.NewString(),
				TaskID:     task.ID,
				Seq:        len(items),
				DataItem:   row,
				Target:     task.Target,
				Evaluators: evs,
				Retry:      e.Config.Items.MaxRetry,
				CreatedAt:  ts,
				UpdatedAt:  ts,
			})
		}
	}
	return items
}

// submitItems enqueues one job per item, staggering their start times.
func (e *Engine) submitItems(ctx context.Context, taskID string, itemIDs []string) error {
	stagger := e.Config.Items.SubmitStagger.Std()
	bulk := make([]queue.BulkJob, 0, len(itemIDs))
	for i, id := range itemIDs {
		bulk = append(bulk, jobs.Bulk(jobs.ItemJob{TaskID: taskID, ItemID: id}, queue.Options{
			Delay: time.Duration(i) * stagger,
		}))
	}
	if _, err := e.Items.AddBulk(ctx, bulk); err != nil {
		return fmt.Errorf("submit %d item jobs: %w", len(bulk), err)
	}
	return nil
}

// validateTask rejects tasks that can never run. Every error wraps ErrConfiguration.
func (e *Engine) validateTask(task domain.Task) error {
	var problems []string
	if strings.TrimSpace(task.Target.Type) == "" {
		problems = append(problems, "target type is required")
	} else if tc, ok := e.Targets.(typeChecker); ok && !tc.Has(task.Target.Type) {
		problems = append(problems, fmt.Sprintf("unknown target type %q", task.Target.Type))
	}
	if len(task.Evaluators) == 0 {
		problems = append(problems, "at least one evaluator is required")
	}
	seen := map[string]bool{}
	for i, ev := range task.Evaluators {
		switch {
		case ev.Metric.ID == "":
			problems = append(problems, fmt.Sprintf("evaluator %d has no metric id", i))
		case seen[ev.Metric.ID]:
			problems = append(problems, fmt.Sprintf("metric %s is configured twice", ev.Metric.ID))
		}
		seen[ev.Metric.ID] = true
		if ev.Metric.Type == "" {
			problems = append(problems, fmt.Sprintf("evaluator %d has no metric type", i))
		} else if tc, ok := e.Evaluators.(typeChecker); ok && !tc.Has(ev.Metric.Type) {
			problems = append(problems, fmt.Sprintf("unknown metric type %q", ev.Metric.Type))
		}
		if ev.Weight < 0 {
			problems = append(problems, fmt.Sprintf("metric %s has a negative weight", ev.Metric.ID))
		}
		if ev.CalculateType != "" && !ev.CalculateType.Valid() {
			problems = append(problems, fmt.Sprintf("metric %s has invalid calculate type %q", ev.Metric.ID, ev.CalculateType))
		}
	}
	if len(task.SummaryConfigs) != len(task.Evaluators) {
		problems = append(problems, "summary configs do not match evaluators")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid task: %s: %w", strings.Join(problems, "; "), errclass.ErrConfiguration)
	}
	return nil
}

// failTask finishes the task with an error message and records the event.
func (e *Engine) failTask(ctx context.Context, taskID, message string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FailTask(ctx, tx, taskID, message, e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskFailed, taskID, "task", taskID, "", events.EventPayload{"error": message}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.TaskFinished(string(domain.StatusError))
	return nil
}
