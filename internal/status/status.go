// Package status computes task and item status from live queue state and
// persisted checkpoint fields. Neither store alone is authoritative.
package status

import (
	"context"
	"log/slog"

	"evalflow/internal/domain"
	"evalflow/internal/jobs"
	"evalflow/internal/queue"
)

// JobSource is the read side of a queue.
type JobSource interface {
	Name() string
	GetJobs(ctx context.Context, states ...queue.State) ([]queue.Job, error)
	GetJobsByName(ctx context.Context, name string, states ...queue.State) ([]queue.Job, error)
}

var liveStates = []queue.State{queue.StateActive, queue.StateFailed, queue.StateWaiting, queue.StateDelayed, queue.StatePrioritized}

type Projector struct {
	Tasks  JobSource
	Items  JobSource
	Logger *slog.Logger
}

func (p Projector) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// fromJobs applies the job priority order. It reports false when no job decides.
func fromJobs(list []queue.Job) (domain.Status, bool) {
	var failed, pending bool
	for _, j := range list {
		switch j.State {
		case queue.StateActive:
			return domain.StatusEvaluating, true
		case queue.StateFailed:
			failed = true
		case queue.StateWaiting, queue.StateDelayed, queue.StatePrioritized:
			pending = true
		}
	}
	switch {
	case failed:
		return domain.StatusError, true
	case pending:
		return domain.StatusQueuing, true
	}
	return "", false
}

// itemFallback projects an item from its persisted fields. A pending item
// with an error message is waiting for a retry and stays queuing.
func itemFallback(item domain.Item) domain.Status {
	if item.FinishTime != nil {
		if item.ErrorMessage != "" {
			return domain.StatusError
		}
		return domain.StatusCompleted
	}
	return domain.StatusQueuing
}

// ItemStatus projects a single item. Queue errors fall back to persisted fields.
func (p Projector) ItemStatus(ctx context.Context, item domain.Item) domain.Status {
	if item.ID == "" {
		return domain.StatusQueuing
	}
	list, err := p.Items.GetJobsByName(ctx, item.ID, liveStates...)
	if err != nil {
		p.logger().Warn("item status query failed", "item_id", item.ID, "err", err)
		return itemFallback(item)
	}
	if s, ok := fromJobs(list); ok {
		return s
	}
	return itemFallback(item)
}

// BatchItemStatus projects many items with a single queue read.
func (p Projector) BatchItemStatus(ctx context.Context, items []domain.Item) map[string]domain.Status {
	res := make(map[string]domain.Status, len(items))
	list, err := p.Items.GetJobs(ctx, liveStates...)
	if err != nil {
		p.logger().Warn("batch item status query failed", "err", err)
	}
	byItem := map[string][]queue.Job{}
	for _, j := range list {
		if ref, ok := jobs.RefOf(j); ok && ref.ItemID != "" {
			byItem[ref.ItemID] = append(byItem[ref.ItemID], j)
		}
	}
	for _, it := range items {
		if s, ok := fromJobs(byItem[it.ID]); ok {
			res[it.ID] = s
			continue
		}
		res[it.ID] = itemFallback(it)
	}
	return res
}

// TaskStatus projects a task. Any queue error projects to error.
func (p Projector) TaskStatus(ctx context.Context, task domain.Task) domain.Status {
	if task.ID == "" {
		return domain.StatusQueuing
	}
	list, err := p.Tasks.GetJobsByName(ctx, task.ID, liveStates...)
	if err != nil {
		p.logger().Warn("task status query failed", "task_id", task.ID, "err", err)
		return domain.StatusError
	}
	if s, ok := fromJobs(list); ok {
		return s
	}
	if s, ok := taskFinished(task); ok {
		return s
	}
	itemJobs, err := p.Items.GetJobs(ctx, queue.StateActive, queue.StateWaiting, queue.StateDelayed, queue.StatePrioritized)
	if err != nil {
		p.logger().Warn("task item jobs query failed", "task_id", task.ID, "err", err)
		return domain.StatusError
	}
	for _, j := range itemJobs {
		if ref, ok := jobs.RefOf(j); ok && ref.TaskID == task.ID {
			return domain.StatusEvaluating
		}
	}
	return domain.StatusQueuing
}

// taskFinished covers finished and paused tasks.
func taskFinished(task domain.Task) (domain.Status, bool) {
	if task.FinishTime != nil {
		if task.ErrorMessage != "" {
			return domain.StatusError, true
		}
		return domain.StatusCompleted, true
	}
	if task.ErrorMessage != "" || task.PauseReason != "" {
		return domain.StatusError, true
	}
	return "", false
}

// BatchTaskStatus projects many tasks with one read per queue.
func (p Projector) BatchTaskStatus(ctx context.Context, tasks []domain.Task) map[string]domain.Status {
	res := make(map[string]domain.Status, len(tasks))
	taskJobs, terr := p.Tasks.GetJobs(ctx, liveStates...)
	itemJobs, ierr := p.Items.GetJobs(ctx, queue.StateActive, queue.StateWaiting, queue.StateDelayed, queue.StatePrioritized)
	if terr != nil || ierr != nil {
		p.logger().Warn("batch task status query failed", "task_err", terr, "item_err", ierr)
		for _, t := range tasks {
			res[t.ID] = domain.StatusError
		}
		return res
	}
	byTask := map[string][]queue.Job{}
	for _, j := range taskJobs {
		if ref, ok := jobs.RefOf(j); ok {
			byTask[ref.TaskID] = append(byTask[ref.TaskID], j)
		}
	}
	withItems := map[string]bool{}
	for _, j := range itemJobs {
		if ref, ok := jobs.RefOf(j); ok {
			withItems[ref.TaskID] = true
		}
	}
	for _, t := range tasks {
		if s, ok := fromJobs(byTask[t.ID]); ok {
			res[t.ID] = s
			continue
		}
		if s, ok := taskFinished(t); ok {
			res[t.ID] = s
			continue
		}
		if withItems[t.ID] {
			res[t.ID] = domain.StatusEvaluating
			continue
		}
		res[t.ID] = domain.StatusQueuing
	}
	return res
}
