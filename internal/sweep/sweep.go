// Package sweep reconciles queue state with the document store on a cron
// schedule.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"evalflow/internal/domain"
	"evalflow/internal/engine"
	"evalflow/internal/jobs"
	"evalflow/internal/queue"
)

const DefaultSchedule = "@every 1m"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule validates a cron expression or descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

type Report struct {
	Recovered    int `json:"recovered"`
	Orphans      int `json:"orphans"`
	FinishedTask int `json:"finished_tasks"`
	Cleaned      int `json:"cleaned"`
	Leases       int `json:"leases"`
}

// Sweeper runs the reconciliation pass.
type Sweeper struct {
	Engine    *engine.Engine
	Retention time.Duration
	Logger    *slog.Logger

	mu sync.Mutex
}

func New(e *engine.Engine) *Sweeper {
	return &Sweeper{
		Engine:    e,
		Retention: e.Config.Sweep.Retention.Std(),
		Logger:    e.Logger.With("component", "sweep"),
	}
}

// Run performs one pass. Each step runs even if an earlier one failed; the
// errors are joined.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	var errs []error
	for _, q := range s.Engine.Queues.All() {
		n, err := q.RecoverStalled(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", q.Name(), err))
			continue
		}
		rep.Recovered += n
	}

	n, err := s.removeOrphans(ctx)
	rep.Orphans = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.finishStalled(ctx)
	rep.FinishedTask = n
	if err != nil {
		errs = append(errs, err)
	}

	if s.Retention > 0 {
		for _, q := range s.Engine.Queues.All() {
			for _, st := range []queue.State{queue.StateCompleted, queue.StateFailed} {
				n, err := q.Clean(ctx, s.Retention, st, 0)
				if err != nil {
					errs = append(errs, fmt.Errorf("clean %s %s: %w", q.Name(), st, err))
					continue
				}
				rep.Cleaned += n
			}
		}
	}

	now := time.Now()
	if s.Engine.Now != nil {
		now = s.Engine.Now()
	}
	purged, err := s.Engine.Repo.PurgeExpiredLeases(ctx, domain.FormatTime(now))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge leases: %w", err))
	}
	rep.Leases = int(purged)

	s.Logger.Info("sweep finished", "recovered", rep.Recovered, "orphans", rep.Orphans,
		"finished_tasks", rep.FinishedTask, "cleaned", rep.Cleaned, "leases", rep.Leases)
	return rep, errors.Join(errs...)
}

// removeOrphans drops jobs whose task or item record no longer exists. Active
// orphans are escalated.
func (s *Sweeper) removeOrphans(ctx context.Context) (int, error) {
	cleaner := s.Engine.Cleaner.WithForce()
	total := 0
	var errs []error
	for _, q := range s.Engine.Queues.All() {
		all, err := q.GetJobs(ctx, queue.AllStates...)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", q.Name(), err))
			continue
		}
		taskSet, itemSet := map[string]struct{}{}, map[string]struct{}{}
		for _, j := range all {
			ref, ok := jobs.RefOf(j)
			if !ok {
				continue
			}
			taskSet[ref.TaskID] = struct{}{}
			if ref.Kind == jobs.KindItem {
				itemSet[ref.ItemID] = struct{}{}
			}
		}
		taskIDs, itemIDs := keys(taskSet), keys(itemSet)
		if len(taskIDs) == 0 {
			continue
		}
		tasks, err := s.Engine.Repo.TaskExists(ctx, taskIDs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items := map[string]bool{}
		if len(itemIDs) > 0 {
			if items, err = s.Engine.Repo.ItemExists(ctx, itemIDs); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		res, err := cleaner.CleanJobsByFilter(ctx, q, func(j queue.Job) bool {
			ref, ok := jobs.RefOf(j)
			if !ok {
				return false
			}
			if !tasks[ref.TaskID] {
				return true
			}
			return ref.Kind == jobs.KindItem && !items[ref.ItemID]
		})
		if err != nil {
			errs = append(errs, err)
		}
		total += res.Removed
	}
	return total, errors.Join(errs...)
}

func (s *Sweeper) finishStalled(ctx context.Context) (int, error) {
	ids, err := s.Engine.Repo.StalledTaskIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stalled tasks: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if err := s.Engine.FinishStalled(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("finish task %s: %w", id, err))
		}
	}
	if len(ids) > 0 {
		s.Logger.Warn("stalled tasks finished", "count", len(ids)-len(errs))
	}
	return len(ids) - len(errs), errors.Join(errs...)
}

// Start schedules Run on spec until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Run(ctx); err != nil {
			s.Logger.Error("sweep failed", "err", err)
		}
	}))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func keys(set map[string]struct{}) []string {
	res := make([]string, 0, len(set))
	for k := range set {
		res = append(res, k)
	}
	return res
}
