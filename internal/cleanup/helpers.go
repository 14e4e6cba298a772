package cleanup

import (
	"context"

	"evalflow/internal/jobs"
	"evalflow/internal/queue"
)

// RemoveTaskJobs removes every task job of taskID.
func (c *Cleaner) RemoveTaskJobs(ctx context.Context, q JobQueue, taskID string) (Result, error) {
	return c.CleanJobsByFilter(ctx, q, func(j queue.Job) bool {
		ref, ok := jobs.RefOf(j)
		return ok && ref.TaskID == taskID
	})
}

// RemoveItemJobs removes every item job belonging to taskID.
func (c *Cleaner) RemoveItemJobs(ctx context.Context, q JobQueue, taskID string) (Result, error) {
	return c.CleanJobsByFilter(ctx, q, func(j queue.Job) bool {
		ref, ok := jobs.RefOf(j)
		return ok && ref.TaskID == taskID
	})
}

// RemoveItemJobsByItemID removes the jobs of a single item.
func (c *Cleaner) RemoveItemJobsByItemID(ctx context.Context, q JobQueue, itemID string) (Result, error) {
	return c.CleanJobsByFilter(ctx, q, func(j queue.Job) bool {
		ref, ok := jobs.RefOf(j)
		return ok && ref.ItemID == itemID
	})
}

// RemoveFailedItemJobs removes failed item jobs of taskID so they can be resubmitted.
func (c *Cleaner) RemoveFailedItemJobs(ctx context.Context, q JobQueue, taskID string) (Result, error) {
	return c.CleanJobsByFilter(ctx, q, func(j queue.Job) bool {
		ref, ok := jobs.RefOf(j)
		return ok && j.State == queue.StateFailed && ref.TaskID == taskID
	})
}
