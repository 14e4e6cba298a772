package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
)

const maxErrorBody = 512

// HTTPError wraps non-2xx responses. It is classified by StatusCode; the
// body only shows up in the message.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, truncateUTF8(e.Body, maxErrorBody))
}

func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// HTTPClient posts JSON and decodes JSON responses.
type HTTPClient struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{Timeout: timeout}
}

func (c *HTTPClient) client() *http.Client {
	if c == nil || c.HTTPClient == nil {
		timeout := 60 * time.Second
		if c != nil && c.Timeout > 0 {
			timeout = c.Timeout
		}
		return &http.Client{Timeout: timeout}
	}
	return c.HTTPClient
}

func (c *HTTPClient) PostJSON(ctx context.Context, url string, headers map[string]string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errclass.Label("decode response from "+url, err)
		}
	}
	return nil
}

func headersFrom(cfg map[string]any) map[string]string {
	raw, _ := cfg["headers"].(map[string]any)
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}

// HTTPTarget posts {userInput, context, callParams} to config.url and expects
// {actualOutput, retrievalContext, usage}.
type HTTPTarget struct {
	Client *HTTPClient
}

func (t HTTPTarget) Execute(ctx context.Context, config map[string]any, in TargetInput) (domain.TargetOutput, error) {
	url := configString(config, "url")
	if url == "" {
		return domain.TargetOutput{}, fmt.Errorf("http target: url is required: %w", errclass.ErrConfiguration)
	}
	var out domain.TargetOutput
	if err := t.Client.PostJSON(ctx, url, headersFrom(config), in, &out); err != nil {
		return domain.TargetOutput{}, err
	}
	return out, nil
}

type httpEvaluation struct {
	Metric domain.Metric  `json:"metric"`
	Input  EvaluatorInput `json:"input"`
}

type httpScore struct {
	Score   *float64       `json:"score"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details"`
	Usage   []domain.Usage `json:"usage"`
	Error   string         `json:"error"`
}

// HTTPEvaluator posts the metric and the evaluation input to metric.config.url
// and expects {score, reason, usage}.
type HTTPEvaluator struct {
	Client *HTTPClient
}

func (e HTTPEvaluator) Evaluate(ctx context.Context, ev domain.Evaluator, in EvaluatorInput) (domain.EvaluatorOutput, error) {
	url := configString(ev.Metric.Config, "url")
	if url == "" {
		return domain.EvaluatorOutput{}, fmt.Errorf("http metric %s: url is required: %w", ev.Metric.Name, errclass.ErrConfiguration)
	}
	var resp httpScore
	if err := e.Client.PostJSON(ctx, url, headersFrom(ev.Metric.Config), httpEvaluation{Metric: ev.Metric, Input: in}, &resp); err != nil {
		return domain.EvaluatorOutput{}, err
	}
	if resp.Error != "" {
		return domain.EvaluatorOutput{Usage: resp.Usage}, errclass.Label("metric "+ev.Metric.Name, errors.New(resp.Error))
	}
	if resp.Score == nil {
		return domain.EvaluatorOutput{Usage: resp.Usage}, errclass.Label("metric "+ev.Metric.Name, errors.New("returned no score"))
	}
	return domain.EvaluatorOutput{
		Status: domain.OutputSuccess,
		Data:   &domain.MetricData{Score: *resp.Score, Reason: resp.Reason, Details: resp.Details},
		Usage:  resp.Usage,
	}, nil
}
