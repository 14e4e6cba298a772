// Package engine runs evaluation tasks: it decomposes tasks into items,
// processes items against targets and evaluators, and exposes the task
// operations used by the CLI.
package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"evalflow/internal/cleanup"
	"evalflow/internal/config"
	"evalflow/internal/domain"
	"evalflow/internal/events"
	"evalflow/internal/lock"
	"evalflow/internal/observability"
	"evalflow/internal/queue"
	"evalflow/internal/quota"
	"evalflow/internal/repo"
	"evalflow/internal/services"
	"evalflow/internal/status"
	"evalflow/internal/summary"
)

// TargetRunner executes the system under test for one item.
type TargetRunner interface {
	Execute(ctx context.Context, target domain.Target, in services.TargetInput) (domain.TargetOutput, error)
}

// EvaluatorRunner scores one target output.
type EvaluatorRunner interface {
	Evaluate(ctx context.Context, ev domain.Evaluator, in services.EvaluatorInput) (domain.EvaluatorOutput, error)
}

// typeChecker is implemented by registries that can validate a type up front.
type typeChecker interface {
	Has(typ string) bool
}

// Deps are the collaborators New cannot build from config alone.
type Deps struct {
	Targets    TargetRunner
	Evaluators EvaluatorRunner
	Completion services.Completion
	// Locker overrides the lock built from config.lock.
	Locker  lock.Locker
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config

	Queues    *queue.Registry
	Tasks     *queue.Queue
	Items     *queue.Queue
	Summaries *queue.Queue

	Cleaner *cleanup.Cleaner
	Status  status.Projector
	Locker  lock.Locker

	Targets    TargetRunner
	Evaluators EvaluatorRunner
	Quota      quota.Checker
	Usage      quota.Recorder
	Summary    *summary.Service

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// New wires the queues, cleaner, status projector, lock and summary service
// around db. Every component reads the clock through e.Now.
func New(db *sql.DB, cfg *config.Config, deps Deps) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Targets:    deps.Targets,
		Evaluators: deps.Evaluators,
		Logger:     logger.With("component", "engine"),
		Metrics:    deps.Metrics,
		Now:        time.Now,
	}
	clock := func() time.Time { return e.now() }
	e.Events = events.Writer{Now: clock}

	e.Queues = queue.NewRegistry(db).WithClock(clock)
	e.Tasks = e.Queues.Register(config.QueueTask, queueOptions(cfg, config.QueueTask))
	itemOpts := queueOptions(cfg, config.QueueItem)
	itemOpts.Attempts = cfg.Items.MaxRetry
	itemOpts.DedupTTL = cfg.Items.DedupTTL.Std()
	e.Items = e.Queues.Register(config.QueueItem, itemOpts)
	e.Summaries = e.Queues.Register(config.QueueSummary, queueOptions(cfg, config.QueueSummary))

	e.Cleaner = cleanup.New(cleanup.Options{
		ForceCleanActiveJobs: cfg.Cleanup.ForceCleanActiveJobs,
		RetryAttempts:        cfg.Cleanup.RetryAttempts,
		RetryDelay:           cfg.Cleanup.RetryDelay.Std(),
	}, logger)
	e.Cleaner.OnResult = func(queueName, outcome string) { e.Metrics.CleanupResult(queueName, outcome) }

	e.Status = status.Projector{Tasks: e.Tasks, Items: e.Items, Logger: logger.With("component", "status")}

	e.Locker = deps.Locker
	if e.Locker == nil {
		wait := lock.Wait{Attempts: cfg.Lock.WaitAttempts, Interval: cfg.Lock.WaitInterval.Std()}
		if cfg.Lock.Driver == "lease" {
			l := lock.NewLease(e.Repo, wait)
			l.Now = clock
			e.Locker = l
		} else {
			l := lock.NewLocal(wait)
			l.Now = clock
			e.Locker = l
		}
	}

	e.Quota = quota.Checker{Store: e.Repo}
	e.Usage = quota.Recorder{Store: e.Repo, Now: clock}
	e.Summary = &summary.Service{
		DB:         db,
		Repo:       e.Repo,
		Events:     e.Events,
		Queue:      e.Summaries,
		Quota:      e.Quota,
		Usage:      e.Usage,
		Completion: deps.Completion,
		Config:     cfg.Summary,
		Logger:     logger.With("component", "summary"),
		Metrics:    deps.Metrics,
		Now:        clock,
	}
	return e
}

func queueOptions(cfg *config.Config, name string) queue.Options {
	qc := cfg.Queue(name)
	return queue.Options{
		Attempts: qc.Attempts,
		Backoff:  queue.Backoff{Type: qc.Backoff, Delay: qc.BackoffDelay.Std()},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return domain.FormatTime(e.now())
}
