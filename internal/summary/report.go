package summary

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"evalflow/internal/domain"
	"evalflow/internal/events"
	"evalflow/internal/jobs"
	"evalflow/internal/quota"
	"evalflow/internal/services"
)

// ProcessReport generates the narrative report for one metric. Failures are
// stored on the metric's summary entry and do not affect other metrics.
func (s *Service) ProcessReport(ctx context.Context, job jobs.SummaryJob) error {
	logger := s.logger().With("task_id", job.TaskID, "metric_id", job.MetricID)
	task, err := s.Repo.GetTask(ctx, job.TaskID)
	if isNotFound(err) {
		logger.Info("summary skipped: task gone")
		return nil
	}
	if err != nil {
		return err
	}
	index := task.EvaluatorIndex(job.MetricID)
	if index < 0 {
		logger.Info("summary skipped: metric removed from task")
		return nil
	}
	text, err := s.generate(ctx, task, index, job.Language)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, quota.ErrInsufficient) {
			reason = InsufficientBalance
		}
		logger.Warn("summary report failed", "err", err)
		s.Metrics.SummaryReport(string(domain.SummaryFailed))
		if serr := s.Repo.UpdateSummaryConfig(ctx, nil, task.ID, index, domain.SummaryConfig{SummaryStatus: domain.SummaryFailed, ErrorReason: reason}); serr != nil {
			return fmt.Errorf("store summary failure: %w", serr)
		}
		return s.Events.Append(ctx, s.DB, events.SummaryFailed, task.ID, "metric", job.MetricID, "", events.EventPayload{"reason": reason})
	}
	if err := s.Repo.UpdateSummaryConfig(ctx, nil, task.ID, index, domain.SummaryConfig{Summary: text, SummaryStatus: domain.SummaryCompleted}); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	s.Metrics.SummaryReport(string(domain.SummaryCompleted))
	logger.Info("summary report generated", "length", len(text))
	return s.Events.Append(ctx, s.DB, events.SummaryGenerated, task.ID, "metric", job.MetricID, "", events.EventPayload{"length": len(text)})
}

func (s *Service) generate(ctx context.Context, task domain.Task, index int, lang string) (string, error) {
	ev := task.Evaluators[index]
	rows, err := s.Repo.MetricRows(ctx, task.ID, ev.Metric.ID, ev.ThresholdValue)
	if err != nil {
		return "", fmt.Errorf("load evaluation data: %w", err)
	}
	if len(rows) == 0 {
		return NoDataMessage, nil
	}
	if err := s.Quota.Check(ctx, task.TeamID); err != nil {
		return "", err
	}
	total, above, err := s.Repo.MetricCounts(ctx, task.ID, ev.Metric.ID, ev.ThresholdValue)
	if err != nil {
		return "", fmt.Errorf("count evaluation data: %w", err)
	}
	perfect := s.Config.PerfectScore
	if perfect <= 0 {
		perfect = 1
	}
	prompt, err := BuildPrompt(PromptInput{
		MetricName: ev.Metric.Name,
		Threshold:  ev.ThresholdValue,
		Perfect:    perfect,
		Language:   ParseLanguage(lang),
		Rows:       rows,
		Total:      total,
		Above:      above,
		Budget:     s.Config.TokenBudget(),
	})
	if err != nil {
		return "", err
	}
	if s.Completion == nil {
		return "", errors.New("completion service is not configured")
	}
	model := ev.RuntimeConfig.LLM
	if model == "" {
		model = s.Config.Model
	}
	resp, err := s.Completion.Complete(ctx, services.CompletionRequest{
		Model: model,
		Messages: []services.Message{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		Temperature: s.Config.Temperature,
		MaxTokens:   s.Config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if err := s.Usage.Record(ctx, task, domain.UsageSummary, []domain.Usage{resp.Usage}); err != nil {
		s.logger().Warn("summary usage not recorded", "task_id", task.ID, "err", err)
	}
	s.Metrics.Tokens(string(domain.UsageSummary), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if resp.Content == "" {
		return "", errors.New("completion returned an empty summary")
	}
	return resp.Content, nil
}
