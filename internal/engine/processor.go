package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
	"evalflow/internal/events"
	"evalflow/internal/jobs"
	"evalflow/internal/queue"
	"evalflow/internal/quota"
	"evalflow/internal/repo"
	"evalflow/internal/services"
	"evalflow/internal/summary"
)

const (
	finishLockPrefix = "eval_task_finish_"
	maxRetryDelay    = 30 * time.Second
)

var errNoTargetOutput = errors.New("target returned no output")

// ProcessItemJob runs one attempt of an item. Target and evaluator outputs
// are checkpointed as soon as they exist, so a redelivered job resumes where
// the previous attempt stopped. After every attempt the parent task is
// finished when no item is pending any more.
func (e *Engine) ProcessItemJob(ctx context.Context, job queue.Job, p jobs.ItemJob) error {
	logger := e.Logger.With("task_id", p.TaskID, "item_id", p.ItemID)
	item, err := e.Repo.GetItem(ctx, p.ItemID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Info("item not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load item %s: %w", p.ItemID, err)
	}
	task, err := e.Repo.GetTask(ctx, item.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Info("task not found, skipping item")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", item.TaskID, err)
	}
	if !item.Pending() {
		logger.Debug("item already finished", "error", item.ErrorMessage)
		return nil
	}
	if task.Finished() {
		logger.Debug("task already finished, skipping item")
		return nil
	}
	if task.PauseReason != "" {
		return errclass.ForQueue(fmt.Errorf("task %s is paused (%s): %w", task.ID, task.PauseReason, errclass.ErrResourceExhausted))
	}

	var result error
	runErr := e.runItem(ctx, task, item, logger)
	switch {
	case runErr == nil:
		result = e.completeItem(ctx, item, logger)
	case errors.Is(runErr, quota.ErrInsufficient):
		result = e.pauseForQuota(ctx, task, item, runErr, logger)
	default:
		result = e.handleItemError(ctx, job, item, runErr, logger)
	}
	e.checkCompletion(ctx, task.ID, logger)
	return result
}

func (e *Engine) runItem(ctx context.Context, task domain.Task, item domain.Item, logger *slog.Logger) error {
	if err := e.Quota.Check(ctx, task.TeamID); err != nil {
		return errclass.NewStageError(errclass.StageResourceCheck, err)
	}

	out := item.TargetOutput
	if out != nil && out.ActualOutput != "" {
		logger.Debug("resuming from target checkpoint")
	} else {
		if e.Targets == nil {
			return errclass.NewStageError(errclass.StageTaskExecute, fmt.Errorf("no target runner: %w", errclass.ErrConfiguration))
		}
		res, err := e.Targets.Execute(ctx, item.Target, services.TargetInput{
			UserInput:  item.DataItem.UserInput,
			Context:    item.DataItem.Context,
			CallParams: item.DataItem.TargetCallParams,
		})
		if err != nil {
			return errclass.NewStageError(errclass.StageTaskExecute, err)
		}
		if err := e.Repo.SaveTargetOutput(ctx, item.ID, res, e.timestamp()); err != nil {
			return fmt.Errorf("save target output: %w", err)
		}
		e.recordUsage(ctx, task, domain.UsageTarget, res.Usage, logger)
		if res.ActualOutput == "" {
			return errclass.NewStageError(errclass.StageTaskExecute, errNoTargetOutput)
		}
		out = &res
	}

	if e.Evaluators == nil {
		return errclass.NewStageError(errclass.StageEvaluatorExecute, fmt.Errorf("no evaluator runner: %w", errclass.ErrConfiguration))
	}
	in := services.EvaluatorInput{
		UserInput:        item.DataItem.UserInput,
		ExpectedOutput:   item.DataItem.ExpectedOutput,
		ActualOutput:     out.ActualOutput,
		Context:          item.DataItem.Context,
		RetrievalContext: out.RetrievalContext,
	}
	var failures []error
	for i, ev := range item.Evaluators {
		if i < len(item.EvaluatorOutputs) && item.EvaluatorOutputs[i].Succeeded() {
			continue
		}
		res, err := e.Evaluators.Evaluate(ctx, ev, in)
		if err != nil {
			failures = append(failures, errclass.Label("metric "+ev.Metric.ID, err))
			res = domain.EvaluatorOutput{MetricID: ev.Metric.ID, MetricName: ev.Metric.Name, Status: domain.OutputError, Error: err.Error()}
		} else if !res.Succeeded() {
			reason := res.Error
			if reason == "" {
				reason = "evaluator returned no score"
			}
			failures = append(failures, errclass.Label("metric "+ev.Metric.ID, errors.New(reason)))
		}
		if err := e.Repo.SaveEvaluatorOutput(ctx, item.ID, i, res, e.timestamp()); err != nil {
			return fmt.Errorf("save evaluator output %d: %w", i, err)
		}
		e.recordUsage(ctx, task, domain.UsageMetric, res.Usage, logger)
	}
	switch len(failures) {
	case 0:
		return nil
	case 1:
		return errclass.NewStageError(errclass.StageEvaluatorExecute, failures[0])
	default:
		return errclass.NewStageError(errclass.StageEvaluatorExecute, &errclass.AggregateError{Errors: failures})
	}
}

// recordUsage is best effort: a lost usage row must not fail the item.
func (e *Engine) recordUsage(ctx context.Context, task domain.Task, kind domain.UsageKind, usages []domain.Usage, logger *slog.Logger) {
	if len(usages) == 0 {
		return
	}
	if err := e.Usage.Record(ctx, task, kind, usages); err != nil {
		logger.Warn("record usage failed", "kind", kind, "err", err)
	}
	for _, u := range usages {
		e.Metrics.Tokens(string(kind), u.InputTokens, u.OutputTokens)
	}
}

func (e *Engine) completeItem(ctx context.Context, item domain.Item, logger *slog.Logger) error {
	err := e.Repo.MarkItemCompleted(ctx, item.ID, e.timestamp())
	if errors.Is(err, repo.ErrNotFound) {
		logger.Info("item finished elsewhere, dropping result")
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete item: %w", err)
	}
	e.Metrics.ItemFinished(string(domain.StatusCompleted))
	logger.Debug("item completed")
	return nil
}

// pauseForQuota leaves the item pending with its retry budget intact and
// pauses the task until it is resumed.
func (e *Engine) pauseForQuota(ctx context.Context, task domain.Task, item domain.Item, cause error, logger *slog.Logger) error {
	msg := errclass.Message(cause)
	if err := e.Repo.SetItemErrorMessage(ctx, item.ID, msg, e.timestamp()); err != nil {
		logger.Warn("record quota error on item", "err", err)
	}
	paused, err := e.Repo.PauseTask(ctx, nil, task.ID, domain.PauseInsufficientQuota, msg)
	if err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	if paused {
		if err := e.Events.Append(ctx, e.DB, events.TaskPaused, task.ID, "task", task.ID, "", events.EventPayload{
			"reason": domain.PauseInsufficientQuota, "item_id": item.ID,
		}); err != nil {
			logger.Warn("append pause event", "err", err)
		}
		logger.Warn("task paused", "reason", domain.PauseInsufficientQuota, "err", cause)
	}
	return errclass.ForQueue(cause)
}

// handleItemError applies the retry budget. Retriable failures keep the item
// pending while both the item and its job have attempts left; anything else
// finishes the item with an error.
func (e *Engine) handleItemError(ctx context.Context, job queue.Job, item domain.Item, cause error, logger *slog.Logger) error {
	cls := errclass.Classify(cause)
	msg := errclass.Message(cause)
	logger = logger.With("stage", stageOf(cause), "retriable", cls.Retriable, "category", cls.Category)

	retry := 0
	if cls.Retriable && item.Retry > 1 {
		retry = item.Retry - 1
	}
	jobHasAttempts := job.MaxAttempts == 0 || job.AttemptsMade+1 < job.MaxAttempts
	if retry > 0 && jobHasAttempts {
		err := e.Repo.MarkItemRetrying(ctx, item.ID, retry, msg, e.timestamp())
		if errors.Is(err, repo.ErrNotFound) {
			logger.Info("item finished elsewhere, not retrying")
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark item retrying: %w", err)
		}
		delay := e.retryDelay(retry)
		logger.Warn("item attempt failed, retrying", "remaining", retry, "delay", delay, "err", cause)
		return queue.RetryAfter(cause, delay)
	}

	err := e.Repo.MarkItemError(ctx, item.ID, msg, e.timestamp())
	if errors.Is(err, repo.ErrNotFound) {
		logger.Info("item finished elsewhere, dropping error", "err", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark item error: %w", err)
	}
	e.Metrics.ItemFinished(string(domain.StatusError))
	logger.Error("item failed permanently", "err", cause)
	return queue.Unrecoverable(cause)
}

// retryDelay grows with the number of retries already spent and is capped.
func (e *Engine) retryDelay(remaining int) time.Duration {
	b := e.Items.Defaults().Backoff
	if b.Delay <= 0 {
		b.Delay = time.Second
	}
	b.Type = queue.BackoffExponential
	spent := e.Config.Items.MaxRetry - remaining
	d := b.Next(spent + 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func stageOf(err error) string {
	var stage *errclass.StageError
	if errors.As(err, &stage) {
		return stage.Stage
	}
	return "Unknown"
}

// checkCompletion finishes the task when no item is pending. It only logs
// failures so the item attempt result is unaffected.
func (e *Engine) checkCompletion(ctx context.Context, taskID string, logger *slog.Logger) {
	pending, err := e.Repo.CountPending(ctx, taskID)
	if err != nil {
		logger.Error("count pending items", "err", err)
		return
	}
	if pending > 0 {
		return
	}
	if err := e.finishTask(ctx, taskID, logger); err != nil {
		logger.Error("finish task", "err", err)
	}
}

// FinishStalled completes a started task whose items are all finished but
// which never recorded its own finish, e.g. after a worker crash.
func (e *Engine) FinishStalled(ctx context.Context, taskID string) error {
	return e.finishTask(ctx, taskID, e.Logger.With("task_id", taskID))
}

// finishTask runs under the per-task finish lock so only one caller records
// completion and triggers summaries.
func (e *Engine) finishTask(ctx context.Context, taskID string, logger *slog.Logger) error {
	h, err := e.Locker.Acquire(ctx, finishLockPrefix+taskID, e.Config.Lock.TTL.Std())
	if err != nil {
		return fmt.Errorf("acquire finish lock: %w", err)
	}
	defer func() {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release finish lock", "err", err)
		}
	}()

	finished, err := e.completeTask(ctx, taskID, logger)
	if err != nil {
		msg := "System error occurred while completing task: " + err.Error()
		if ferr := e.failTask(ctx, taskID, msg); ferr != nil {
			logger.Error("record task failure", "err", ferr)
		}
		return err
	}
	if !finished {
		return nil
	}
	hasScores, err := e.Repo.HasSuccessfulOutput(ctx, taskID)
	if err != nil {
		logger.Warn("check successful outputs", "err", err)
		return nil
	}
	if !hasScores {
		logger.Info("task has no successful outputs, skipping summaries")
		return nil
	}
	if _, err := e.Summary.GenerateSummaryReports(ctx, taskID, nil); err != nil {
		logger.Warn("trigger summary reports", "err", err)
	}
	return nil
}

// completeTask sets the terminal task fields. It reports false when items are
// still pending or another caller finished the task first.
func (e *Engine) completeTask(ctx context.Context, taskID string, logger *slog.Logger) (bool, error) {
	pending, err := e.Repo.CountPending(ctx, taskID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	completed, errored, err := e.Repo.CountFinished(ctx, taskID)
	if err != nil {
		return false, err
	}
	avg, err := e.Repo.AverageScore(ctx, taskID)
	if err != nil {
		return false, err
	}
	if avg != nil {
		v := summary.Round2(*avg)
		avg = &v
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.FinishTask(ctx, tx, taskID, e.timestamp(), avg, "")
	if err != nil || !ok {
		return false, err
	}
	payload := events.EventPayload{"total": completed + errored, "completed": completed, "errors": errored}
	if avg != nil {
		payload["avg_score"] = *avg
	}
	if err := e.Events.Append(ctx, tx, events.TaskFinished, taskID, "task", taskID, "", payload); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Metrics.TaskFinished(string(domain.StatusCompleted))
	logger.Info("task finished", "total", completed+errored, "completed", completed, "errors", errored, "avg_score", avg)
	return true, nil
}
