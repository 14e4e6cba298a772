package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the evaluation engine collectors.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.JobFinished("evalItem", "completed", elapsed)
type Metrics struct {
	// JobsProcessed counts job attempts.
	// Labels: queue, outcome (completed|retried|failed|released|lock_lost)
	JobsProcessed *prometheus.CounterVec

	// JobDuration measures job attempt latency in seconds.
	// Labels: queue
	JobDuration *prometheus.HistogramVec

	// ItemsFinished counts items reaching a terminal state.
	// Labels: status (completed|error)
	ItemsFinished *prometheus.CounterVec

	// TasksFinished counts completed tasks.
	// Labels: status (completed|error)
	TasksFinished *prometheus.CounterVec

	// CleanupJobs counts cleanup outcomes.
	// Labels: queue, result (removed|failed)
	CleanupJobs *prometheus.CounterVec

	// SummaryReports counts summary report attempts.
	// Labels: status (completed|failed)
	SummaryReports *prometheus.CounterVec

	// CompletionTokens tracks model tokens by usage kind.
	// Labels: kind (target|metric|summary), type (input|output)
	CompletionTokens *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_jobs_processed_total",
			Help: "Job attempts by queue and outcome",
		}, []string{"queue", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalflow_job_duration_seconds",
			Help:    "Duration of job attempts in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"queue"}),
		ItemsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_items_finished_total",
			Help: "Evaluation items reaching a terminal state",
		}, []string{"status"}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_tasks_finished_total",
			Help: "Evaluation tasks reaching a terminal state",
		}, []string{"status"}),
		CleanupJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_cleanup_jobs_total",
			Help: "Queue jobs handled by cleanup by result",
		}, []string{"queue", "result"}),
		SummaryReports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_summary_reports_total",
			Help: "Summary report generations by status",
		}, []string{"status"}),
		CompletionTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_tokens_total",
			Help: "Model tokens by usage kind and direction",
		}, []string{"kind", "type"}),
	}
}

// JobFinished records one job attempt. Safe on a nil receiver.
func (m *Metrics) JobFinished(queue, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) ItemFinished(status string) {
	if m == nil {
		return
	}
	m.ItemsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) CleanupResult(queue, result string) {
	if m == nil {
		return
	}
	m.CleanupJobs.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) SummaryReport(status string) {
	if m == nil {
		return
	}
	m.SummaryReports.WithLabelValues(status).Inc()
}

func (m *Metrics) Tokens(kind string, input, output int) {
	if m == nil {
		return
	}
	m.CompletionTokens.WithLabelValues(kind, "input").Add(float64(input))
	m.CompletionTokens.WithLabelValues(kind, "output").Add(float64(output))
}
