// Package services holds the clients for the collaborators the engine calls:
// targets under test, metric evaluators and the completion model.
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
)

type TargetInput struct {
	UserInput  string         `json:"userInput"`
	Context    []string       `json:"context,omitempty"`
	CallParams map[string]any `json:"callParams,omitempty"`
}

// Target runs the system under test once.
type Target interface {
	Execute(ctx context.Context, config map[string]any, in TargetInput) (domain.TargetOutput, error)
}

type EvaluatorInput struct {
	UserInput        string   `json:"userInput"`
	ExpectedOutput   string   `json:"expectedOutput,omitempty"`
	ActualOutput     string   `json:"actualOutput"`
	Context          []string `json:"context,omitempty"`
	RetrievalContext []string `json:"retrievalContext,omitempty"`
}

// Evaluator scores one input/output pair. A returned error means the call
// failed; a scored output always has status success.
type Evaluator interface {
	Evaluate(ctx context.Context, ev domain.Evaluator, in EvaluatorInput) (domain.EvaluatorOutput, error)
}

type Message struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSON asks the model for a JSON object response.
	JSON bool
}

type CompletionResponse struct {
	Content string
	Usage   domain.Usage
}

// Completion is a non-streaming chat completion.
type Completion interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Targets dispatches on the target type.
type Targets struct {
	mu     sync.RWMutex
	byType map[string]Target
}

func NewTargets() *Targets {
	return &Targets{byType: map[string]Target{}}
}

func (r *Targets) Register(typ string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[strings.ToLower(typ)] = t
}

func (r *Targets) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byType)
}

// Has reports whether a target type is registered.
func (r *Targets) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[strings.ToLower(typ)]
	return ok
}

func (r *Targets) Execute(ctx context.Context, target domain.Target, in TargetInput) (domain.TargetOutput, error) {
	r.mu.RLock()
	t, ok := r.byType[strings.ToLower(target.Type)]
	r.mu.RUnlock()
	if !ok {
		return domain.TargetOutput{}, fmt.Errorf("unknown target type %q: %w", target.Type, errclass.ErrConfiguration)
	}
	return t.Execute(ctx, target.Config, in)
}

// Evaluators dispatches on the metric type.
type Evaluators struct {
	mu     sync.RWMutex
	byType map[string]Evaluator
}

func NewEvaluators() *Evaluators {
	return &Evaluators{byType: map[string]Evaluator{}}
}

func (r *Evaluators) Register(typ string, e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[strings.ToLower(typ)] = e
}

func (r *Evaluators) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byType)
}

func (r *Evaluators) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[strings.ToLower(typ)]
	return ok
}

func (r *Evaluators) Evaluate(ctx context.Context, ev domain.Evaluator, in EvaluatorInput) (domain.EvaluatorOutput, error) {
	r.mu.RLock()
	e, ok := r.byType[strings.ToLower(ev.Metric.Type)]
	r.mu.RUnlock()
	if !ok {
		return domain.EvaluatorOutput{}, fmt.Errorf("unknown metric type %q: %w", ev.Metric.Type, errclass.ErrConfiguration)
	}
	out, err := e.Evaluate(ctx, ev, in)
	if err != nil {
		return out, err
	}
	out.MetricID = ev.Metric.ID
	if out.MetricName == "" {
		out.MetricName = ev.Metric.Name
	}
	if out.Status == "" {
		out.Status = domain.OutputSuccess
	}
	return out, nil
}

// Defaults wires the built-in targets and evaluators. completion may be nil,
// in which case the llm target and llm_judge metric are not available.
func Defaults(httpClient *HTTPClient, completion Completion, model string) (*Targets, *Evaluators) {
	targets := NewTargets()
	evaluators := NewEvaluators()
	targets.Register("http", HTTPTarget{Client: httpClient})
	evaluators.Register("http", HTTPEvaluator{Client: httpClient})
	evaluators.Register("exact_match", ExactMatch{})
	evaluators.Register("contains", Contains{})
	if completion != nil {
		targets.Register("llm", LLMTarget{Completion: completion, Model: model})
		evaluators.Register("llm_judge", LLMJudge{Completion: completion, Model: model})
	}
	return targets, evaluators
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func configString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	if v, ok := cfg[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func configBool(cfg map[string]any, key string) bool {
	if cfg == nil {
		return false
	}
	v, _ := cfg[key].(bool)
	return v
}
