package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"evalflow/internal/jobs"
	"evalflow/internal/queue"
)

// Handle is the queue processor shared by every evalflow queue.
func (e *Engine) Handle(ctx context.Context, job queue.Job) (any, error) {
	payload, err := jobs.Decode(job)
	if err != nil {
		return nil, queue.Unrecoverable(err)
	}
	switch p := payload.(type) {
	case jobs.TaskJob:
		return nil, e.ProcessTaskJob(ctx, p)
	case jobs.ItemJob:
		return nil, e.ProcessItemJob(ctx, job, p)
	case jobs.SummaryJob:
		return nil, e.Summary.ProcessReport(ctx, p)
	default:
		return nil, queue.Unrecoverable(fmt.Errorf("unsupported payload %T", payload))
	}
}

// Workers builds one worker per registered queue using the queue settings
// from config.
func (e *Engine) Workers(workerID string) []*queue.Worker {
	var res []*queue.Worker
	for _, q := range e.Queues.All() {
		qc := e.Config.Queue(q.Name())
		res = append(res, &queue.Worker{
			Queue:        q,
			Processor:    e.Handle,
			Concurrency:  qc.Concurrency,
			PollInterval: qc.PollInterval.Std(),
			LockDuration: qc.LockDuration.Std(),
			Logger:       e.Logger,
			WorkerID:     workerID,
			OnFinish: func(job queue.Job, outcome string, elapsed time.Duration) {
				e.Metrics.JobFinished(job.Queue, outcome, elapsed)
			},
		})
	}
	return res
}

// RunWorkers runs every worker until ctx is cancelled.
func (e *Engine) RunWorkers(ctx context.Context, workerID string) error {
	workers := e.Workers(workerID)
	errs := make(chan error, len(workers))
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				e.Logger.Error("worker exited", "queue", w.Queue.Name(), "err", err)
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	return <-errs
}
