package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
)

// OpenAI implements Completion on top of the chat completions API. Any
// OpenAI compatible endpoint works through BaseURL.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	if model == "" {
		return CompletionResponse{}, fmt.Errorf("completion model is not configured: %w", errclass.ErrConfiguration)
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return CompletionResponse{}, fromOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, errors.New("completion returned no choices")
	}
	return CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: domain.Usage{
			Model:        model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// fromOpenAIError surfaces the HTTP status so the classifier can see it.
func fromOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &HTTPError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &HTTPError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}

// LLMTarget treats a chat model as the system under test. config.model and
// config.systemPrompt are optional.
type LLMTarget struct {
	Completion Completion
	Model      string
}

func (t LLMTarget) Execute(ctx context.Context, config map[string]any, in TargetInput) (domain.TargetOutput, error) {
	model := configString(config, "model")
	if model == "" {
		model = t.Model
	}
	var messages []Message
	if sys := configString(config, "systemPrompt"); sys != "" {
		messages = append(messages, Message{Role: openai.ChatMessageRoleSystem, Content: sys})
	}
	user := in.UserInput
	if len(in.Context) > 0 {
		user = "Context:\n" + strings.Join(in.Context, "\n") + "\n\n" + user
	}
	messages = append(messages, Message{Role: openai.ChatMessageRoleUser, Content: user})
	resp, err := t.Completion.Complete(ctx, CompletionRequest{Model: model, Messages: messages})
	if err != nil {
		return domain.TargetOutput{}, err
	}
	return domain.TargetOutput{ActualOutput: resp.Content, Usage: []domain.Usage{resp.Usage}}, nil
}

const judgeSystemPrompt = `You are an evaluation judge. Score the answer between 0 and 1 where 1 is best.
Respond with a JSON object {"score": number, "reason": string} and nothing else.`

// LLMJudge asks a chat model to score the output against the metric prompt.
type LLMJudge struct {
	Completion Completion
	Model      string
}

func (j LLMJudge) Evaluate(ctx context.Context, ev domain.Evaluator, in EvaluatorInput) (domain.EvaluatorOutput, error) {
	model := ev.RuntimeConfig.LLM
	if model == "" {
		model = j.Model
	}
	criteria := ev.Metric.Prompt
	if criteria == "" {
		criteria = "Judge whether the answer is correct and helpful for the question."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Criteria: %s\n\nQuestion:\n%s\n\nAnswer:\n%s\n", criteria, in.UserInput, in.ActualOutput)
	if in.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\nReference answer:\n%s\n", in.ExpectedOutput)
	}
	if len(in.RetrievalContext) > 0 {
		fmt.Fprintf(&b, "\nRetrieved context:\n%s\n", strings.Join(in.RetrievalContext, "\n"))
	}
	resp, err := j.Completion.Complete(ctx, CompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: openai.ChatMessageRoleSystem, Content: judgeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		JSON: true,
	})
	if err != nil {
		return domain.EvaluatorOutput{}, err
	}
	usage := []domain.Usage{resp.Usage}
	data, err := ParseScore(resp.Content)
	if err != nil {
		return domain.EvaluatorOutput{Usage: usage}, fmt.Errorf("metric %s: %w", ev.Metric.Name, err)
	}
	return domain.EvaluatorOutput{Status: domain.OutputSuccess, Data: &data, Usage: usage}, nil
}

// ParseScore extracts {"score", "reason"} from a model reply, tolerating
// surrounding prose and code fences.
func ParseScore(content string) (domain.MetricData, error) {
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return domain.MetricData{}, fmt.Errorf("judge reply has no JSON object: %q", truncate(content, 120))
	}
	var parsed struct {
		Score  *float64 `json:"score"`
		Reason string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return domain.MetricData{}, fmt.Errorf("judge reply is not valid JSON: %w", err)
	}
	if parsed.Score == nil {
		return domain.MetricData{}, errors.New("judge reply has no score")
	}
	return domain.MetricData{Score: *parsed.Score, Reason: parsed.Reason}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
