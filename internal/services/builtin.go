package services

import (
	"context"
	"fmt"
	"strings"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
)

// ExactMatch scores 1 when the output equals the expected output after
// trimming. config.caseInsensitive relaxes the comparison.
type ExactMatch struct{}

func (ExactMatch) Evaluate(_ context.Context, ev domain.Evaluator, in EvaluatorInput) (domain.EvaluatorOutput, error) {
	if in.ExpectedOutput == "" {
		return domain.EvaluatorOutput{}, fmt.Errorf("exact_match needs an expected output: %w", errclass.ErrConfiguration)
	}
	actual, expected := strings.TrimSpace(in.ActualOutput), strings.TrimSpace(in.ExpectedOutput)
	match := actual == expected
	if configBool(ev.Metric.Config, "caseInsensitive") {
		match = strings.EqualFold(actual, expected)
	}
	return binary(match, "output matches the expected output", "output differs from the expected output"), nil
}

// Contains scores 1 when the output contains the expected output.
type Contains struct{}

func (Contains) Evaluate(_ context.Context, ev domain.Evaluator, in EvaluatorInput) (domain.EvaluatorOutput, error) {
	if in.ExpectedOutput == "" {
		return domain.EvaluatorOutput{}, fmt.Errorf("contains needs an expected output: %w", errclass.ErrConfiguration)
	}
	actual, expected := in.ActualOutput, strings.TrimSpace(in.ExpectedOutput)
	if configBool(ev.Metric.Config, "caseInsensitive") {
		actual, expected = strings.ToLower(actual), strings.ToLower(expected)
	}
	return binary(strings.Contains(actual, expected), "expected text found", "expected text missing"), nil
}

func binary(ok bool, yes, no string) domain.EvaluatorOutput {
	if ok {
		return domain.EvaluatorOutput{Status: domain.OutputSuccess, Data: &domain.MetricData{Score: 1, Reason: yes}}
	}
	return domain.EvaluatorOutput{Status: domain.OutputSuccess, Data: &domain.MetricData{Score: 0, Reason: no}}
}
