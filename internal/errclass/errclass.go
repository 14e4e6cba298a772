// Package errclass decides whether a failure should be retried and carries
// the typed errors used by the item processor.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"evalflow/internal/queue"
)

// Domain sentinels. They are terminal regardless of their message text.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
	ErrResourceExhausted = errors.New("insufficient quota")
)

const (
	CategoryNetwork     = "network"
	CategoryTimeout     = "timeout"
	CategoryRateLimit   = "rateLimit"
	CategoryServerError = "serverError"
	CategoryQuota       = "quota"
	CategoryNotFound    = "notFound"
	CategoryConfig      = "config"
	CategoryStage       = "stage"
	CategoryUnknown     = "unknown"
)

// Stages reported in item error messages.
const (
	StageTaskExecute      = "TaskExecute"
	StageEvaluatorExecute = "EvaluatorExecute"
	StageResourceCheck    = "ResourceCheck"
)

type Classification struct {
	Retriable bool
	Category  string
	Pattern   string
}

type patternGroup struct {
	category string
	patterns []string
}

// Groups are checked in order; the first match wins.
var patternGroups = []patternGroup{
	{CategoryNetwork, []string{"NETWORK_ERROR", "ECONNRESET", "ENOTFOUND", "ECONNREFUSED", "connection refused",
		"socket hang up", "connect timeout", "EHOSTUNREACH", "ENETUNREACH", "connection reset by peer", "no such host"}},
	{CategoryTimeout, []string{"TIMEOUT", "ETIMEDOUT", "request timeout", "connection timeout", "context deadline exceeded"}},
	{CategoryRateLimit, []string{"RATE_LIMIT", "rate limit", "too many requests", "429", "quota exceeded", "throttled"}},
	{CategoryServerError, []string{"502", "503", "504", "bad gateway", "service unavailable", "gateway timeout",
		"temporary failure", "server overloaded"}},
}

var statusCodeRE = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// Classify inspects err. Domain sentinels take priority over message patterns.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown}
	}
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return Classification{Category: CategoryQuota}
	case errors.Is(err, ErrNotFound):
		return Classification{Category: CategoryNotFound}
	case errors.Is(err, ErrConfiguration):
		return Classification{Category: CategoryConfig}
	}
	var agg *AggregateError
	if errors.As(err, &agg) {
		for _, e := range agg.Errors {
			if c := Classify(e); c.Retriable {
				return c
			}
		}
		return Classification{Category: CategoryUnknown}
	}
	var stage *StageError
	if errors.As(err, &stage) {
		c := Classify(stage.Err)
		c.Retriable = stage.Retriable
		if c.Category == CategoryUnknown {
			c.Category = CategoryStage
		}
		return c
	}
	var labeled *LabeledError
	if errors.As(err, &labeled) {
		return Classify(labeled.Err)
	}
	return MatchMessage(err)
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// ClassifyStatus maps an HTTP status code: 408 and 429 and 5xx are retriable.
func ClassifyStatus(code int) Classification {
	pattern := strconv.Itoa(code)
	switch {
	case code == 408:
		return Classification{Retriable: true, Category: CategoryTimeout, Pattern: pattern}
	case code == 429:
		return Classification{Retriable: true, Category: CategoryRateLimit, Pattern: pattern}
	case code >= 500 && code <= 599:
		return Classification{Retriable: true, Category: CategoryServerError, Pattern: pattern}
	}
	return Classification{Category: CategoryUnknown, Pattern: pattern}
}

// MatchMessage applies only the message patterns and status code scan.
func MatchMessage(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retriable: true, Category: CategoryTimeout, Pattern: "context deadline exceeded"}
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return ClassifyStatus(sc.HTTPStatus())
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, g := range patternGroups {
		for _, p := range g.patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				return Classification{Retriable: true, Category: g.category, Pattern: p}
			}
		}
	}
	if code := statusCodeRE.FindString(msg); code != "" {
		if code == "429" {
			return Classification{Retriable: true, Category: CategoryRateLimit, Pattern: code}
		}
		if code[0] == '5' {
			return Classification{Retriable: true, Category: CategoryServerError, Pattern: code}
		}
	}
	return Classification{Category: CategoryUnknown}
}

// IsRetriable is shorthand for Classify(err).Retriable.
func IsRetriable(err error) bool {
	return Classify(err).Retriable
}

// ForQueue wraps err so the queue retries it only when it is retriable.
func ForQueue(err error) error {
	if err == nil {
		return nil
	}
	if Classify(err).Retriable {
		return queue.Retryable(err)
	}
	return queue.Unrecoverable(err)
}

// LabeledError prefixes Err with a label such as a metric id or a url. The
// label is part of the message but never of the classification.
type LabeledError struct {
	Label string
	Err   error
}

// Label wraps err with label.
func Label(label string, err error) error {
	if err == nil {
		return nil
	}
	return &LabeledError{Label: label, Err: err}
}

func (e *LabeledError) Error() string { return e.Label + ": " + e.Err.Error() }

func (e *LabeledError) Unwrap() error { return e.Err }

// StageError ties a failure to the processing stage that produced it.
type StageError struct {
	Stage     string
	Retriable bool
	Err       error
}

// NewStageError classifies err and records the stage.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Retriable: Classify(err).Retriable, Err: err}
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Message renders the error the way it is stored on items.
func Message(err error) string {
	var stage *StageError
	if errors.As(err, &stage) {
		return fmt.Sprintf("[%s] %s", stage.Stage, stage.Err.Error())
	}
	return err.Error()
}

// maxAggregateMessages bounds AggregateError.Error.
const maxAggregateMessages = 3

// AggregateError joins evaluator failures of one item.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	n := len(e.Errors)
	shown := n
	if shown > maxAggregateMessages {
		shown = maxAggregateMessages
	}
	parts := make([]string, 0, shown)
	for _, err := range e.Errors[:shown] {
		parts = append(parts, truncate(err.Error(), 200))
	}
	msg := fmt.Sprintf("%d evaluator(s) failed: %s", n, strings.Join(parts, "; "))
	if n > shown {
		msg += fmt.Sprintf("; and %d more", n-shown)
	}
	return msg
}

// Unwrap exposes every constituent to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error { return e.Errors }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
