package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
	"evalflow/internal/events"
	"evalflow/internal/jobs"
	"evalflow/internal/queue"
	"evalflow/internal/repo"
	"evalflow/internal/summary"
)

// ErrInvalidState is returned when an operation does not apply to the
// current status of a task or item.
var ErrInvalidState = errors.New("invalid state")

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	TeamID      string
	TmbID       string
	Name        string
	Description string
	DatasetID   string
	Target      domain.Target
	Evaluators  []domain.Evaluator
	ActorID     string
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Task{}, fmt.Errorf("name is required: %w", errclass.ErrConfiguration)
	}
	if opts.TeamID == "" {
		return domain.Task{}, fmt.Errorf("team is required: %w", errclass.ErrConfiguration)
	}
	if opts.DatasetID == "" {
		return domain.Task{}, fmt.Errorf("dataset is required: %w", errclass.ErrConfiguration)
	}
	if _, err := e.Repo.GetDataset(ctx, opts.DatasetID); err != nil {
		return domain.Task{}, fmt.Errorf("load dataset %s: %w", opts.DatasetID, err)
	}
	evaluators := make([]domain.Evaluator, len(opts.Evaluators))
	summaries := make([]domain.SummaryConfig, len(opts.Evaluators))
	for i, ev := range opts.Evaluators {
		if ev.CalculateType == "" {
			ev.CalculateType = domain.CalculateMean
		}
		if ev.Metric.Name == "" {
			ev.Metric.Name = ev.Metric.ID
		}
		evaluators[i] = ev
		summaries[i] = domain.SummaryConfig{SummaryStatus: domain.SummaryPending}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	task := domain.Task{
		ID:             id,
		TeamID:         opts.TeamID,
		TmbID:          opts.TmbID,
		Name:           strings.TrimSpace(opts.Name),
		Description:    opts.Description,
		DatasetID:      opts.DatasetID,
		Target:         opts.Target,
		Evaluators:     evaluators,
		SummaryConfigs: summaries,
		UsageID:        uuid.NewString(),
		CreatedAt:      e.timestamp(),
	}
	if err := e.validateTask(task); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, task.ID, "task", task.ID, opts.ActorID, events.EventPayload{
		"name": task.Name, "dataset_id": task.DatasetID, "target": task.Target.Type, "evaluators": len(task.Evaluators),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// StartTask submits the decomposition job of a task that has not started yet.
func (e *Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.StartedAt != nil || task.Finished() {
		return domain.Task{}, fmt.Errorf("task %s was already started: %w", taskID, ErrInvalidState)
	}
	if st := e.Status.TaskStatus(ctx, task); st != domain.StatusQueuing {
		return domain.Task{}, fmt.Errorf("only queuing tasks can be started, task %s is %s: %w", taskID, st, ErrInvalidState)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkTaskStarted(ctx, tx, taskID, e.timestamp()); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskStarted, taskID, "task", taskID, actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	if _, err := jobs.Submit(ctx, e.Tasks, jobs.TaskJob{TaskID: taskID}, queue.Options{}); err != nil {
		return domain.Task{}, fmt.Errorf("submit task job: %w", err)
	}
	e.Logger.Info("task submitted", "task_id", taskID)
	return e.Repo.GetTask(ctx, taskID)
}

// StopTask removes queued jobs of the task and errors its pending items.
// Jobs already running finish, but their terminal writes no longer apply.
func (e *Engine) StopTask(ctx context.Context, taskID, actorID string) (int64, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.Finished() {
		return 0, fmt.Errorf("task %s is already finished: %w", taskID, ErrInvalidState)
	}
	if _, err := e.Cleaner.RemoveTaskJobs(ctx, e.Tasks, taskID); err != nil {
		return 0, err
	}
	if _, err := e.Cleaner.RemoveItemJobs(ctx, e.Items, taskID); err != nil {
		return 0, err
	}

	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.MarkItemsStopped(ctx, tx, taskID, ts)
	if err != nil {
		return 0, err
	}
	if _, err := e.Repo.FinishTask(ctx, tx, taskID, ts, nil, repo.StoppedMessage); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskStopped, taskID, "task", taskID, actorID, events.EventPayload{"items": n}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Metrics.TaskFinished("stopped")
	e.Logger.Info("task stopped", "task_id", taskID, "items", n)
	return n, nil
}

// ResumeTask clears a quota pause and resubmits the task. Decomposition then
// resubmits only the items that are still queuing.
func (e *Engine) ResumeTask(ctx context.Context, taskID, actorID string) error {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Finished() || task.PauseReason == "" {
		return fmt.Errorf("task %s is not paused: %w", taskID, ErrInvalidState)
	}
	if err := e.Quota.Check(ctx, task.TeamID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ClearTaskPause(ctx, tx, taskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskResumed, taskID, "task", taskID, actorID, events.EventPayload{"reason": task.PauseReason}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if _, err := e.Cleaner.RemoveFailedItemJobs(ctx, e.Items, taskID); err != nil {
		return err
	}
	if _, err := jobs.Submit(ctx, e.Tasks, jobs.TaskJob{TaskID: taskID}, queue.Options{}); err != nil {
		return fmt.Errorf("submit task job: %w", err)
	}
	e.Logger.Info("task resumed", "task_id", taskID)
	return nil
}

// DeleteTask removes the jobs of a task from every queue, then its records.
func (e *Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := e.Cleaner.RemoveTaskJobs(ctx, e.Tasks, taskID); err != nil {
		return err
	}
	if _, err := e.Cleaner.RemoveItemJobs(ctx, e.Items, taskID); err != nil {
		return err
	}
	if _, err := e.Cleaner.RemoveTaskJobs(ctx, e.Summaries, taskID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, taskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskDeleted, taskID, "task", taskID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RetryItem resets a failed item and submits it again with at least one retry.
func (e *Engine) RetryItem(ctx context.Context, itemID, actorID string) (domain.Item, error) {
	item, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	if !item.Pending() && item.ErrorMessage == "" {
		return domain.Item{}, fmt.Errorf("item %s completed successfully, only failed items can be retried: %w", itemID, ErrInvalidState)
	}
	st := e.Status.ItemStatus(ctx, item)
	if st == domain.StatusEvaluating {
		return domain.Item{}, fmt.Errorf("item %s is being evaluated: %w", itemID, ErrInvalidState)
	}
	if item.ErrorMessage == "" && st != domain.StatusQueuing {
		return domain.Item{}, fmt.Errorf("item %s has no error to retry: %w", itemID, ErrInvalidState)
	}
	task, err := e.Repo.GetTask(ctx, item.TaskID)
	if err != nil {
		return domain.Item{}, err
	}
	if _, err := e.Cleaner.RemoveItemJobsByItemID(ctx, e.Items, itemID); err != nil {
		return domain.Item{}, err
	}

	retry := item.Retry
	if retry < 1 {
		retry = 1
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ResetItem(ctx, tx, itemID, retry, e.timestamp()); err != nil {
		return domain.Item{}, err
	}
	if task.Finished() {
		if err := e.Repo.ReopenTask(ctx, tx, task.ID); err != nil {
			return domain.Item{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ItemRetried, task.ID, "item", itemID, actorID, events.EventPayload{"retry": retry}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	if _, err := jobs.Submit(ctx, e.Items, jobs.ItemJob{TaskID: task.ID, ItemID: itemID}, queue.Options{}); err != nil {
		return domain.Item{}, fmt.Errorf("submit item job: %w", err)
	}
	e.Logger.Info("item resubmitted", "task_id", task.ID, "item_id", itemID, "retry", retry)
	return e.Repo.GetItem(ctx, itemID)
}

// RetryFailedItems resets every finished item that carries an error, grants
// each one more retry and resubmits them staggered. It returns how many items
// were resubmitted.
func (e *Engine) RetryFailedItems(ctx context.Context, taskID, actorID string) (int, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	failed, err := e.Repo.ErrorItems(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, nil
	}
	ids := make([]string, len(failed))
	byID := make(map[string]bool, len(failed))
	for i, it := range failed {
		ids[i] = it.ID
		byID[it.ID] = true
	}
	if _, err := e.Cleaner.CleanJobsByFilter(ctx, e.Items, func(j queue.Job) bool {
		ref, ok := jobs.RefOf(j)
		return ok && byID[ref.ItemID]
	}); err != nil {
		return 0, err
	}

	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, it := range failed {
		if err := e.Repo.ResetItem(ctx, tx, it.ID, it.Retry+1, ts); err != nil {
			return 0, fmt.Errorf("reset item %s: %w", it.ID, err)
		}
	}
	if task.Finished() {
		if err := e.Repo.ReopenTask(ctx, tx, taskID); err != nil {
			return 0, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ItemsRetried, taskID, "task", taskID, actorID, events.EventPayload{"items": len(ids)}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := e.submitItems(ctx, taskID, ids); err != nil {
		return 0, err
	}
	e.Logger.Info("failed items resubmitted", "task_id", taskID, "items", len(ids))
	return len(ids), nil
}

// TaskView is a task with its projected status.
type TaskView struct {
	domain.Task
	Status domain.Status `json:"status"`
}

func (e *Engine) GetTask(ctx context.Context, taskID string) (TaskView, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	return TaskView{Task: task, Status: e.Status.TaskStatus(ctx, task)}, nil
}

func (e *Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]TaskView, error) {
	tasks, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	statuses := e.Status.BatchTaskStatus(ctx, tasks)
	res := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, TaskView{Task: t, Status: statuses[t.ID]})
	}
	return res, nil
}

// ItemView is an item with its projected status.
type ItemView struct {
	domain.Item
	Status domain.Status `json:"status"`
}

func (e *Engine) GetItem(ctx context.Context, itemID string) (ItemView, error) {
	item, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return ItemView{}, err
	}
	return ItemView{Item: item, Status: e.Status.ItemStatus(ctx, item)}, nil
}

// ListItems projects the items of a task with one queue read.
func (e *Engine) ListItems(ctx context.Context, f repo.ItemFilters) ([]ItemView, error) {
	if _, err := e.Repo.GetTask(ctx, f.TaskID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListItems(ctx, f)
	if err != nil {
		return nil, err
	}
	statuses := e.Status.BatchItemStatus(ctx, items)
	res := make([]ItemView, 0, len(items))
	for _, it := range items {
		res = append(res, ItemView{Item: it, Status: statuses[it.ID]})
	}
	return res, nil
}

// GetTaskStats counts items by projected status.
func (e *Engine) GetTaskStats(ctx context.Context, taskID string) (domain.TaskStats, error) {
	items, err := e.ListItems(ctx, repo.ItemFilters{TaskID: taskID})
	if err != nil {
		return domain.TaskStats{}, err
	}
	var stats domain.TaskStats
	for _, it := range items {
		stats.Total++
		switch it.Status {
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusEvaluating:
			stats.Evaluating++
		case domain.StatusQueuing:
			stats.Queuing++
		case domain.StatusError:
			stats.Error++
		}
	}
	avg, err := e.Repo.AverageScore(ctx, taskID)
	if err != nil {
		return domain.TaskStats{}, err
	}
	if avg != nil {
		v := summary.Round2(*avg)
		stats.AvgScore = &v
	}
	return stats, nil
}

func (e *Engine) GetTaskSummary(ctx context.Context, taskID string) (summary.TaskSummary, error) {
	return e.Summary.GetTaskSummary(ctx, taskID)
}

func (e *Engine) GetSummaryConfig(ctx context.Context, taskID string) ([]summary.MetricConfig, error) {
	return e.Summary.GetSummaryConfig(ctx, taskID)
}

func (e *Engine) UpdateSummaryConfig(ctx context.Context, taskID string, calc domain.CalculateType, configs []summary.MetricConfig, actorID string) ([]summary.MetricConfig, error) {
	return e.Summary.UpdateSummaryConfig(ctx, taskID, calc, configs, actorID)
}

// GenerateSummaryReports queues reports for metricIDs, or for every metric
// without a summary when metricIDs is empty.
func (e *Engine) GenerateSummaryReports(ctx context.Context, taskID string, metricIDs []string) ([]string, error) {
	return e.Summary.GenerateSummaryReports(ctx, taskID, metricIDs)
}
