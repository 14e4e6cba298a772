// Package cleanup removes queue jobs matching a predicate, escalating jobs
// that a worker still holds when forced to.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"evalflow/internal/queue"
)

// JobQueue is the part of a queue the cleaner needs.
type JobQueue interface {
	Name() string
	GetJobs(ctx context.Context, states ...queue.State) ([]queue.Job, error)
	Remove(ctx context.Context, id string) error
	MoveToFailed(ctx context.Context, id, reason string) error
	MoveToCompleted(ctx context.Context, id string, result any) error
}

type Options struct {
	ForceCleanActiveJobs bool
	RetryAttempts        int
	RetryDelay           time.Duration
}

func DefaultOptions() Options {
	return Options{RetryAttempts: 3, RetryDelay: 100 * time.Millisecond}
}

type Result struct {
	Queue   string
	Total   int
	Removed int
	Failed  int
	Errors  []string
}

type Cleaner struct {
	Options Options
	Logger  *slog.Logger
	// OnResult, when set, observes every per-job outcome ("removed" or "failed").
	OnResult func(queueName, outcome string)
}

func New(opts Options, logger *slog.Logger) *Cleaner {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{Options: opts, Logger: logger.With("component", "cleanup")}
}

// WithForce returns a copy of the cleaner that escalates active jobs.
func (c *Cleaner) WithForce() *Cleaner {
	cp := *c
	cp.Options.ForceCleanActiveJobs = true
	return &cp
}

// CleanJobsByFilter removes every job for which match returns true. Failures
// on single jobs are counted and logged; only listing the queue can fail.
func (c *Cleaner) CleanJobsByFilter(ctx context.Context, q JobQueue, match func(queue.Job) bool) (Result, error) {
	res := Result{Queue: q.Name()}
	jobs, err := q.GetJobs(ctx, queue.AllStates...)
	if err != nil {
		return res, fmt.Errorf("list jobs in %s: %w", q.Name(), err)
	}
	for _, job := range jobs {
		if !match(job) {
			continue
		}
		res.Total++
		var removeErr error
		if job.State == queue.StateActive {
			removeErr = c.removeActive(ctx, q, job)
		} else {
			removeErr = c.removeWithRetry(ctx, q, job.ID)
		}
		if removeErr != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("job %s: %v", job.ID, removeErr))
			c.Logger.Warn("job cleanup failed", "queue", q.Name(), "job_id", job.ID, "state", job.State, "err", removeErr)
			c.observe(q.Name(), "failed")
			continue
		}
		res.Removed++
		c.observe(q.Name(), "removed")
	}
	if res.Total > 0 {
		c.Logger.Info("jobs cleaned", "queue", q.Name(), "total", res.Total, "removed", res.Removed, "failed", res.Failed)
	}
	return res, nil
}

func (c *Cleaner) observe(queueName, outcome string) {
	if c.OnResult != nil {
		c.OnResult(queueName, outcome)
	}
}

func (c *Cleaner) removeWithRetry(ctx context.Context, q JobQueue, id string) error {
	var err error
	for attempt := 1; attempt <= c.Options.RetryAttempts; attempt++ {
		err = q.Remove(ctx, id)
		if err == nil || errors.Is(err, queue.ErrJobNotFound) {
			return nil
		}
		if attempt == c.Options.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Options.RetryDelay):
		}
	}
	return err
}

// removeActive escalates: remove, then fail and remove, then complete and remove.
func (c *Cleaner) removeActive(ctx context.Context, q JobQueue, job queue.Job) error {
	if !c.Options.ForceCleanActiveJobs {
		return fmt.Errorf("job is active: %w", queue.ErrJobLocked)
	}
	err := q.Remove(ctx, job.ID)
	if err == nil || errors.Is(err, queue.ErrJobNotFound) {
		return nil
	}
	c.Logger.Debug("plain remove of active job failed, moving to failed", "queue", q.Name(), "job_id", job.ID, "err", err)
	if ferr := q.MoveToFailed(ctx, job.ID, "force cleaned"); ferr == nil {
		if err = c.removeWithRetry(ctx, q, job.ID); err == nil {
			return nil
		}
	} else {
		err = ferr
	}
	c.Logger.Debug("remove after move to failed did not succeed, moving to completed", "queue", q.Name(), "job_id", job.ID, "err", err)
	if cerr := q.MoveToCompleted(ctx, job.ID, nil); cerr != nil {
		return fmt.Errorf("escalation exhausted: %w", cerr)
	}
	if err := c.removeWithRetry(ctx, q, job.ID); err != nil {
		return fmt.Errorf("escalation exhausted: %w", err)
	}
	return nil
}
