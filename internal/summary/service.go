// Package summary aggregates metric scores and drives per-metric narrative
// reports through the summary queue.
package summary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"evalflow/internal/config"
	"evalflow/internal/domain"
	"evalflow/internal/errclass"
	"evalflow/internal/events"
	"evalflow/internal/jobs"
	"evalflow/internal/observability"
	"evalflow/internal/queue"
	"evalflow/internal/quota"
	"evalflow/internal/repo"
	"evalflow/internal/services"
)

const (
	NoDataMessage       = "No matching evaluation data found, cannot generate summary report"
	InsufficientBalance = "Insufficient balance"
)

type Service struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Queue      *queue.Queue
	Quota      quota.Checker
	Usage      quota.Recorder
	Completion services.Completion
	Config     config.SummaryConfig
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// CalculateMetricScores aggregates every evaluator of the task from its
// successful outputs.
func (s *Service) CalculateMetricScores(ctx context.Context, task domain.Task) (Scores, error) {
	res := Scores{Metrics: make([]MetricScore, 0, len(task.Evaluators))}
	for _, ev := range task.Evaluators {
		scores, err := s.Repo.MetricScores(ctx, task.ID, ev.Metric.ID)
		if err != nil {
			return Scores{}, fmt.Errorf("load scores for metric %s: %w", ev.Metric.ID, err)
		}
		res.Metrics = append(res.Metrics, ScoreMetric(ev, scores))
	}
	res.AggregateScore = Aggregate(res.Metrics)
	return res, nil
}

type MetricSummary struct {
	MetricScore
	Summary       string               `json:"summary"`
	SummaryStatus domain.SummaryStatus `json:"summaryStatus"`
	ErrorReason   string               `json:"errorReason,omitempty"`
}

type TaskSummary struct {
	TaskID         string          `json:"taskId"`
	Language       string          `json:"language,omitempty"`
	TotalItems     int             `json:"totalItems"`
	CompletedItems int             `json:"completedItems"`
	ErrorItems     int             `json:"errorItems"`
	AggregateScore float64         `json:"aggregateScore"`
	Metrics        []MetricSummary `json:"metrics"`
}

func (s *Service) GetTaskSummary(ctx context.Context, taskID string) (TaskSummary, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskSummary{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	scores, err := s.CalculateMetricScores(ctx, task)
	if err != nil {
		return TaskSummary{}, err
	}
	total, err := s.Repo.CountItems(ctx, taskID)
	if err != nil {
		return TaskSummary{}, err
	}
	completed, errored, err := s.Repo.CountFinished(ctx, taskID)
	if err != nil {
		return TaskSummary{}, err
	}
	res := TaskSummary{
		TaskID:         task.ID,
		Language:       task.Language,
		TotalItems:     total,
		CompletedItems: completed,
		ErrorItems:     errored,
		AggregateScore: scores.AggregateScore,
	}
	for i, m := range scores.Metrics {
		ms := MetricSummary{MetricScore: m, SummaryStatus: domain.SummaryPending}
		if i < len(task.SummaryConfigs) {
			sc := task.SummaryConfigs[i]
			ms.Summary = sc.Summary
			ms.ErrorReason = sc.ErrorReason
			if sc.SummaryStatus != "" {
				ms.SummaryStatus = sc.SummaryStatus
			}
		}
		res.Metrics = append(res.Metrics, ms)
	}
	return res, nil
}

type MetricConfig struct {
	MetricID       string               `json:"metricId"`
	MetricName     string               `json:"metricName,omitempty"`
	ThresholdValue float64              `json:"thresholdValue"`
	Weight         float64              `json:"weight"`
	CalculateType  domain.CalculateType `json:"calculateType,omitempty"`
}

func (s *Service) GetSummaryConfig(ctx context.Context, taskID string) ([]MetricConfig, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	res := make([]MetricConfig, 0, len(task.Evaluators))
	for _, ev := range task.Evaluators {
		calc := ev.CalculateType
		if calc == "" {
			calc = domain.CalculateMean
		}
		res = append(res, MetricConfig{
			MetricID:       ev.Metric.ID,
			MetricName:     ev.Metric.Name,
			ThresholdValue: ev.ThresholdValue,
			Weight:         ev.Weight,
			CalculateType:  calc,
		})
	}
	return res, nil
}

// UpdateSummaryConfig changes thresholds and weights of the listed metrics
// and, when calc is set, the calculation mode of every metric.
func (s *Service) UpdateSummaryConfig(ctx context.Context, taskID string, calc domain.CalculateType, configs []MetricConfig, actorID string) ([]MetricConfig, error) {
	if calc != "" && !calc.Valid() {
		return nil, fmt.Errorf("calculate type %q must be mean or median: %w", calc, errclass.ErrConfiguration)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	task, err := s.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	byID := make(map[string]MetricConfig, len(configs))
	for _, c := range configs {
		if task.EvaluatorIndex(c.MetricID) < 0 {
			return nil, fmt.Errorf("metric %s is not part of task %s: %w", c.MetricID, taskID, errclass.ErrConfiguration)
		}
		if c.Weight < 0 {
			return nil, fmt.Errorf("metric %s weight must not be negative: %w", c.MetricID, errclass.ErrConfiguration)
		}
		byID[c.MetricID] = c
	}
	evaluators := append([]domain.Evaluator(nil), task.Evaluators...)
	for i := range evaluators {
		if c, ok := byID[evaluators[i].Metric.ID]; ok {
			evaluators[i].ThresholdValue = c.ThresholdValue
			evaluators[i].Weight = c.Weight
		}
		if calc != "" {
			evaluators[i].CalculateType = calc
		}
	}
	if err := s.Repo.UpdateTaskEvaluators(ctx, tx, taskID, evaluators); err != nil {
		return nil, err
	}
	if err := s.Events.Append(ctx, tx, events.SummaryConfigured, taskID, "task", taskID, actorID, events.EventPayload{
		"calculate_type": string(calc),
		"metrics":        len(configs),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSummaryConfig(ctx, taskID)
}

// EnsureLanguage returns the task language, detecting and storing it on
// first use.
func (s *Service) EnsureLanguage(ctx context.Context, task domain.Task) (string, error) {
	if task.Language != "" {
		return task.Language, nil
	}
	inputs, err := s.Repo.UserInputs(ctx, task.ID)
	if err != nil {
		return "", fmt.Errorf("load user inputs: %w", err)
	}
	return s.Repo.SetTaskLanguage(ctx, task.ID, DetectLanguage(inputs).String())
}

// GenerateSummaryReports enqueues one report job per metric. With no metric
// ids it picks every metric that has no summary and is not being generated.
// It returns the metric ids that were queued.
func (s *Service) GenerateSummaryReports(ctx context.Context, taskID string, metricIDs []string) ([]string, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	var indexes []int
	if len(metricIDs) == 0 {
		for i := range task.Evaluators {
			sc := summaryAt(task, i)
			if sc.Summary == "" && sc.SummaryStatus != domain.SummaryGenerating {
				indexes = append(indexes, i)
			}
		}
	} else {
		for _, id := range metricIDs {
			i := task.EvaluatorIndex(id)
			if i < 0 {
				return nil, fmt.Errorf("metric %s is not part of task %s: %w", id, taskID, errclass.ErrConfiguration)
			}
			indexes = append(indexes, i)
		}
	}
	if len(indexes) == 0 {
		return nil, nil
	}
	lang, err := s.EnsureLanguage(ctx, task)
	if err != nil {
		return nil, err
	}
	var queued []string
	for _, i := range indexes {
		metricID := task.Evaluators[i].Metric.ID
		if err := s.Repo.UpdateSummaryConfig(ctx, nil, taskID, i, domain.SummaryConfig{SummaryStatus: domain.SummaryGenerating}); err != nil {
			return queued, err
		}
		if _, err := jobs.Submit(ctx, s.Queue, jobs.SummaryJob{TaskID: taskID, MetricID: metricID, Language: lang}, queue.Options{}); err != nil {
			s.logger().Warn("summary job not queued", "task_id", taskID, "metric_id", metricID, "err", err)
			if ferr := s.Repo.UpdateSummaryConfig(ctx, nil, taskID, i, domain.SummaryConfig{SummaryStatus: domain.SummaryFailed, ErrorReason: err.Error()}); ferr != nil {
				return queued, ferr
			}
			continue
		}
		queued = append(queued, metricID)
	}
	if len(queued) > 0 {
		if err := s.Events.Append(ctx, s.DB, events.SummaryRequested, taskID, "task", taskID, "", events.EventPayload{
			"metrics":  queued,
			"language": lang,
		}); err != nil {
			return queued, err
		}
	}
	s.logger().Info("summary reports queued", "task_id", taskID, "metrics", len(queued), "language", lang)
	return queued, nil
}

func summaryAt(task domain.Task, i int) domain.SummaryConfig {
	if i < len(task.SummaryConfigs) {
		return task.SummaryConfigs[i]
	}
	return domain.SummaryConfig{}
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
