package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
	"evalflow/internal/services"
)

type fakeCompletion struct {
	reply string
	err   error
	last  services.CompletionRequest
}

func (f *fakeCompletion) Complete(_ context.Context, req services.CompletionRequest) (services.CompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return services.CompletionResponse{}, f.err
	}
	return services.CompletionResponse{Content: f.reply, Usage: domain.Usage{Model: req.Model, InputTokens: 10, OutputTokens: 5}}, nil
}

func TestHTTPTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var in services.TargetInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(domain.TargetOutput{ActualOutput: "echo: " + in.UserInput, RetrievalContext: []string{"doc"}})
	}))
	defer srv.Close()

	targets, _ := services.Defaults(services.NewHTTPClient(time.Second), nil, "")
	out, err := targets.Execute(context.Background(), domain.Target{Type: "http", Config: map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Token": "abc"},
	}}, services.TargetInput{UserInput: "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.ActualOutput != "echo: hi" || len(out.RetrievalContext) != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestHTTPErrorsClassifyByStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	targets, _ := services.Defaults(services.NewHTTPClient(time.Second), nil, "")
	_, err := targets.Execute(context.Background(), domain.Target{Type: "http", Config: map[string]any{"url": srv.URL}}, services.TargetInput{})
	var httpErr *services.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTPError 503, got %v", err)
	}
	c := errclass.Classify(err)
	if !c.Retriable || c.Category != errclass.CategoryServerError {
		t.Fatalf("unexpected classification %+v", c)
	}
}

func TestUnknownTypesAreConfigurationErrors(t *testing.T) {
	targets, evaluators := services.Defaults(nil, nil, "")
	if _, err := targets.Execute(context.Background(), domain.Target{Type: "llm"}, services.TargetInput{}); !errors.Is(err, errclass.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	_, err := evaluators.Evaluate(context.Background(), domain.Evaluator{Metric: domain.Metric{Type: "bleu"}}, services.EvaluatorInput{})
	if !errors.Is(err, errclass.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuiltinEvaluators(t *testing.T) {
	_, evaluators := services.Defaults(nil, nil, "")
	cases := []struct {
		metric   string
		config   map[string]any
		actual   string
		expected string
		score    float64
	}{
		{"exact_match", nil, " Paris ", "Paris", 1},
		{"exact_match", nil, "paris", "Paris", 0},
		{"exact_match", map[string]any{"caseInsensitive": true}, "paris", "Paris", 1},
		{"contains", nil, "The capital is Paris.", "Paris", 1},
		{"contains", nil, "The capital is Lyon.", "Paris", 0},
	}
	for _, tc := range cases {
		ev := domain.Evaluator{Metric: domain.Metric{ID: "m1", Name: tc.metric, Type: tc.metric, Config: tc.config}}
		out, err := evaluators.Evaluate(context.Background(), ev, services.EvaluatorInput{ActualOutput: tc.actual, ExpectedOutput: tc.expected})
		if err != nil {
			t.Fatalf("%s: %v", tc.metric, err)
		}
		if !out.Succeeded() || out.Data.Score != tc.score || out.MetricID != "m1" {
			t.Fatalf("%s(%q, %q): unexpected output %+v", tc.metric, tc.actual, tc.expected, out)
		}
	}
}

func TestLLMJudge(t *testing.T) {
	fake := &fakeCompletion{reply: "```json\n{\"score\": 0.75, \"reason\": \"mostly right\"}\n```"}
	_, evaluators := services.Defaults(nil, fake, "gpt-4o-mini")
	ev := domain.Evaluator{Metric: domain.Metric{ID: "m1", Name: "Correctness", Type: "llm_judge", Prompt: "Is it correct?"}, RuntimeConfig: domain.RuntimeConfig{LLM: "judge-model"}}
	out, err := evaluators.Evaluate(context.Background(), ev, services.EvaluatorInput{UserInput: "q", ActualOutput: "a", ExpectedOutput: "b"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Data.Score != 0.75 || out.Data.Reason != "mostly right" || out.MetricName != "Correctness" {
		t.Fatalf("unexpected output %+v", out)
	}
	if fake.last.Model != "judge-model" || !fake.last.JSON {
		t.Fatalf("unexpected request %+v", fake.last)
	}
	if len(out.Usage) != 1 || out.Usage[0].InputTokens != 10 {
		t.Fatalf("usage not carried: %+v", out.Usage)
	}

	fake.reply = "I cannot decide"
	if _, err := evaluators.Evaluate(context.Background(), ev, services.EvaluatorInput{}); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestOpenAICompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"summary text"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer srv.Close()

	client := services.NewOpenAI("test-key", srv.URL+"/v1", "gpt-4o-mini")
	resp, err := client.Complete(context.Background(), services.CompletionRequest{
		Messages:    []services.Message{{Role: "user", Content: "summarize"}},
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "summary text" || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 || resp.Usage.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOpenAIRateLimitIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	client := services.NewOpenAI("test-key", srv.URL+"/v1", "gpt-4o-mini")
	_, err := client.Complete(context.Background(), services.CompletionRequest{Messages: []services.Message{{Role: "user", Content: "x"}}})
	c := errclass.Classify(err)
	if !c.Retriable || c.Category != errclass.CategoryRateLimit {
		t.Fatalf("expected retriable rate limit, got %+v (%v)", c, err)
	}
}

func TestHTTPErrorStatusWinsOverBodyText(t *testing.T) {
	err := &services.HTTPError{StatusCode: http.StatusBadRequest, Body: "upstream said 503 rate limit"}
	if c := errclass.Classify(err); c.Retriable {
		t.Fatalf("400 must be terminal whatever the body says: %+v", c)
	}
	if c := errclass.Classify(&services.HTTPError{StatusCode: http.StatusTooManyRequests}); !c.Retriable || c.Category != errclass.CategoryRateLimit {
		t.Fatalf("429: %+v", c)
	}
}

func TestHTTPErrorTruncatesOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("é", 600)
	msg := (&services.HTTPError{StatusCode: 500, Body: body}).Error()
	if !utf8.ValidString(msg) {
		t.Fatalf("message is not valid utf-8")
	}
	if len(msg) > len("http status 500: ")+512 {
		t.Fatalf("message not truncated: %d bytes", len(msg))
	}
}

func TestMalformedResponseIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	targets, _ := services.Defaults(services.NewHTTPClient(time.Second), nil, "")
	// the url may carry any port, e.g. :8503
	_, err := targets.Execute(context.Background(), domain.Target{Type: "http", Config: map[string]any{"url": srv.URL + "/v8503"}}, services.TargetInput{})
	if err == nil || !strings.Contains(err.Error(), "decode response from") {
		t.Fatalf("expected decode error, got %v", err)
	}
	if errclass.Classify(err).Retriable {
		t.Fatalf("decode error classified as retriable: %v", err)
	}
}
