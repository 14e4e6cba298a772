package domain

import "time"

// Status is the projected lifecycle state of a task or item.
type Status string

const (
	StatusQueuing    Status = "queuing"
	StatusEvaluating Status = "evaluating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

type CalculateType string

const (
	CalculateMean   CalculateType = "mean"
	CalculateMedian CalculateType = "median"
)

func (c CalculateType) Valid() bool {
	return c == CalculateMean || c == CalculateMedian
}

type SummaryStatus string

const (
	SummaryPending    SummaryStatus = "pending"
	SummaryGenerating SummaryStatus = "generating"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

type OutputStatus string

const (
	OutputSuccess OutputStatus = "success"
	OutputError   OutputStatus = "error"
)

const PauseInsufficientQuota = "insufficient_quota"

type Dataset struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// DataItem is one row of a dataset as embedded in an evaluation item.
type DataItem struct {
	ID               string         `json:"id,omitempty"`
	UserInput        string         `json:"userInput"`
	ExpectedOutput   string         `json:"expectedOutput,omitempty"`
	Context          []string       `json:"context,omitempty"`
	TargetCallParams map[string]any `json:"targetCallParams,omitempty"`
}

type Target struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

type Metric struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Prompt string         `json:"prompt,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

type RuntimeConfig struct {
	LLM string `json:"llm,omitempty"`
}

type Evaluator struct {
	Metric         Metric        `json:"metric"`
	RuntimeConfig  RuntimeConfig `json:"runtimeConfig"`
	ThresholdValue float64       `json:"thresholdValue"`
	Weight         float64       `json:"weight"`
	CalculateType  CalculateType `json:"calculateType"`
}

type SummaryConfig struct {
	Summary       string        `json:"summary,omitempty"`
	SummaryStatus SummaryStatus `json:"summaryStatus"`
	ErrorReason   string        `json:"errorReason,omitempty"`
}

type Usage struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalPoints  float64 `json:"totalPoints"`
}

type TargetOutput struct {
	ActualOutput     string   `json:"actualOutput"`
	RetrievalContext []string `json:"retrievalContext,omitempty"`
	Usage            []Usage  `json:"usage,omitempty"`
}

type MetricData struct {
	Score   float64        `json:"score"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type EvaluatorOutput struct {
	MetricID   string       `json:"metricId"`
	MetricName string       `json:"metricName"`
	Status     OutputStatus `json:"status"`
	Data       *MetricData  `json:"data,omitempty"`
	Usage      []Usage      `json:"usage,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Succeeded reports whether the output carries a usable score.
func (o *EvaluatorOutput) Succeeded() bool {
	return o != nil && o.Status == OutputSuccess && o.Data != nil
}

type Task struct {
	ID             string          `json:"id"`
	TeamID         string          `json:"team_id"`
	TmbID          string          `json:"tmb_id,omitempty"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	DatasetID      string          `json:"dataset_id"`
	Target         Target          `json:"target"`
	Evaluators     []Evaluator     `json:"evaluators"`
	SummaryConfigs []SummaryConfig `json:"summary_configs"`
	UsageID        string          `json:"usage_id"`
	Language       string          `json:"language,omitempty"`
	AvgScore       *float64        `json:"avg_score,omitempty"`
	PauseReason    string          `json:"pause_reason,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      string          `json:"created_at"`
	StartedAt      *string         `json:"started_at,omitempty"`
	FinishTime     *string         `json:"finish_time,omitempty"`
}

// Finished reports whether the task reached a terminal state.
func (t Task) Finished() bool {
	return t.FinishTime != nil
}

// EvaluatorIndex returns the position of the evaluator for metricID or -1.
func (t Task) EvaluatorIndex(metricID string) int {
	for i, ev := range t.Evaluators {
		if ev.Metric.ID == metricID {
			return i
		}
	}
	return -1
}

type Item struct {
	ID               string             `json:"id"`
	TaskID           string             `json:"task_id"`
	Seq              int                `json:"seq"`
	DataItem         DataItem           `json:"data_item"`
	Target           Target             `json:"target"`
	Evaluators       []Evaluator        `json:"evaluators"`
	TargetOutput     *TargetOutput      `json:"target_output,omitempty"`
	EvaluatorOutputs []*EvaluatorOutput `json:"evaluator_outputs"`
	Retry            int                `json:"retry"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	FinishTime       *string            `json:"finish_time,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
}

// Pending reports whether the item still awaits a terminal transition.
func (i Item) Pending() bool {
	return i.FinishTime == nil
}

// Score returns the first successful evaluator score.
func (i Item) Score() (float64, bool) {
	for _, out := range i.EvaluatorOutputs {
		if out.Succeeded() {
			return out.Data.Score, true
		}
	}
	return 0, false
}

type UsageKind string

const (
	UsageTarget  UsageKind = "target"
	UsageMetric  UsageKind = "metric"
	UsageSummary UsageKind = "summary"
)

// ListIndex is the position of the usage kind in the merged usage record.
func (k UsageKind) ListIndex() int {
	switch k {
	case UsageTarget:
		return 0
	case UsageMetric:
		return 1
	default:
		return 2
	}
}

type UsageRecord struct {
	UsageID      string    `json:"usage_id"`
	TaskID       string    `json:"task_id"`
	TeamID       string    `json:"team_id"`
	Kind         UsageKind `json:"kind"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalPoints  float64   `json:"total_points"`
	CreatedAt    string    `json:"created_at"`
}

type TaskStats struct {
	Total      int      `json:"total"`
	Completed  int      `json:"completed"`
	Evaluating int      `json:"evaluating"`
	Queuing    int      `json:"queuing"`
	Error      int      `json:"error"`
	AvgScore   *float64 `json:"avg_score,omitempty"`
}

type Lease struct {
	Key        string `json:"key"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// FormatTime renders timestamps the way they are persisted.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
