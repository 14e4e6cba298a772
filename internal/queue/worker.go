package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Processor handles one job attempt. Returning an error wrapped with
// Unrecoverable fails the job; any other error retries it with backoff.
type Processor func(ctx context.Context, job Job) (any, error)

// Outcome values reported to Worker.OnFinish.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeReleased  = "released"
	OutcomeLockLost  = "lock_lost"
)

// Worker polls a queue with a fixed number of goroutines.
type Worker struct {
	Queue        *Queue
	Processor    Processor
	Concurrency  int
	PollInterval time.Duration
	LockDuration time.Duration
	Logger       *slog.Logger
	WorkerID     string
	// OnFinish, when set, is called after every attempt.
	OnFinish func(job Job, outcome string, elapsed time.Duration)
}

func (w *Worker) defaults() {
	if w.Concurrency <= 0 {
		w.Concurrency = 1
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 200 * time.Millisecond
	}
	if w.LockDuration <= 0 {
		w.LockDuration = 30 * time.Second
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.WorkerID == "" {
		w.WorkerID = uuid.NewString()
	}
}

// Run blocks until ctx is cancelled and every in-flight job has settled.
func (w *Worker) Run(ctx context.Context) error {
	if w.Queue == nil || w.Processor == nil {
		return errors.New("worker requires a queue and a processor")
	}
	w.defaults()
	logger := w.Logger.With("component", "worker", "queue", w.Queue.Name(), "worker_id", w.WorkerID)
	logger.Info("worker started", "concurrency", w.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, logger.With("slot", slot))
		}(i)
	}
	wg.Wait()
	logger.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, logger *slog.Logger) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		processed, err := w.processNext(ctx, logger)
		if err != nil && ctx.Err() == nil {
			logger.Error("claim job failed", "err", err)
		}
		if processed && ctx.Err() == nil {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.PollInterval)
	}
}

// processNext claims and runs one job. It reports whether a job was found.
func (w *Worker) processNext(ctx context.Context, logger *slog.Logger) (bool, error) {
	job, err := w.Queue.claim(ctx, w.WorkerID, w.LockDuration)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.runJob(ctx, logger.With("job_id", job.ID, "job_name", job.Name), job)
	return true, nil
}

func (w *Worker) runJob(ctx context.Context, logger *slog.Logger, job Job) {
	start := time.Now()
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(hbCtx, logger, job)
	}()

	result, procErr := w.safeProcess(ctx, job)
	stopHeartbeat()
	hb.Wait()

	// Settle the job even when shutdown cancelled ctx mid-attempt.
	settleCtx := context.WithoutCancel(ctx)
	outcome := OutcomeCompleted
	switch {
	case procErr == nil:
		if err := w.Queue.complete(settleCtx, job, result); err != nil {
			outcome = OutcomeLockLost
			logger.Warn("complete job failed", "err", err)
		}
	case ctx.Err() != nil && errors.Is(procErr, ctx.Err()):
		outcome = OutcomeReleased
		if err := w.Queue.release(settleCtx, job); err != nil {
			logger.Warn("release job failed", "err", err)
		}
	default:
		retried, err := w.Queue.fail(settleCtx, job, procErr)
		switch {
		case err != nil:
			outcome = OutcomeLockLost
			logger.Warn("fail job failed", "err", err, "cause", procErr)
		case retried:
			outcome = OutcomeRetried
			logger.Info("job attempt failed, retrying", "attempt", job.AttemptsMade+1, "max_attempts", job.MaxAttempts, "err", procErr)
		default:
			outcome = OutcomeFailed
			logger.Warn("job failed", "attempt", job.AttemptsMade+1, "unrecoverable", IsUnrecoverable(procErr), "err", procErr)
		}
	}
	if w.OnFinish != nil {
		w.OnFinish(job, outcome, time.Since(start))
	}
}

func (w *Worker) safeProcess(ctx context.Context, job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Unrecoverable(panicError{value: r})
		}
	}()
	return w.Processor(ctx, job)
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("processor panic: %v", p.value)
}

func (w *Worker) heartbeat(ctx context.Context, logger *slog.Logger, job Job) {
	ticker := time.NewTicker(w.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Queue.extendLock(ctx, job, w.LockDuration); err != nil {
				if ctx.Err() == nil {
					logger.Warn("extend job lock failed", "err", err)
				}
				if errors.Is(err, ErrLockLost) {
					return
				}
			}
		}
	}
}
